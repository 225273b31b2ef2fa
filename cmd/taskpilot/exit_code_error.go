package main

// Exit codes for task outcomes. Usage and transport errors exit with 1.
const (
	exitTaskFailed    = 1
	exitInconclusive  = 2
	exitTaskCancelled = 3
	exitInterrupted   = 130
)

// ExitCodeError wraps an error with a specific process exit code.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
