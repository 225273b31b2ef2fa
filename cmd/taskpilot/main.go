package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	apperrors "taskpilot/internal/shared/errors"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		var exitErr *ExitCodeError
		if errors.As(err, &exitErr) {
			if exitErr.Err != nil {
				reportError(os.Stderr, exitErr.Err)
			}
			os.Exit(exitErr.Code)
		}
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	if hint := errorHint(err); hint != "" {
		fmt.Fprintf(w, "Hint: %s\n", hint)
	}
}

// errorHint tells the user whether running the command again is worthwhile.
func errorHint(err error) string {
	switch apperrors.GetErrorType(err) {
	case apperrors.ErrorTypeDegraded:
		return "the task service is failing repeatedly; requests are paused, try again shortly"
	case apperrors.ErrorTypeTransient:
		return "the failure looks temporary; running the command again may succeed"
	}
	if apperrors.IsPermanent(err) {
		return "the task service rejected the request; check the task id and credentials"
	}
	return ""
}
