package taskapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrTaskNotFound is matched by errors.Is for 404 responses.
var ErrTaskNotFound = errors.New("task not found")

// StatusError reports a non-2xx response from the task service.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "task api status error"
	}
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Operation, e.StatusCode, body)
}

// HTTPStatus exposes the status code to the shared error classifiers.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// Is lets errors.Is(err, ErrTaskNotFound) match 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrTaskNotFound && e.StatusCode == http.StatusNotFound
}
