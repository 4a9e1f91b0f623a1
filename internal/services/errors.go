package services

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "Validation error" }

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }

type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return e.Message }

type QuotaExceededError struct {
	Message string
	Limit   int
	Used    int
}

func (e *QuotaExceededError) Error() string { return e.Message }

// InvalidStateError reports an action the card's current status does not permit.
type InvalidStateError struct{ Message string }

func (e *InvalidStateError) Error() string { return e.Message }

type ContentPolicyError struct {
	Categories []string
}

func (e *ContentPolicyError) Error() string {
	if len(e.Categories) == 0 {
		return "Content policy violation"
	}
	return "Content policy violation: " + strings.Join(e.Categories, ", ")
}

// MalformedOutputError is returned when model output does not match the card schema.
type MalformedOutputError struct {
	Reason string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed generation output: %s", e.Reason)
}

// terminalError marks a pipeline failure that ends the session without retry.
type terminalError struct {
	code    string
	message string
	err     error
}

func (e *terminalError) Error() string { return e.message }
func (e *terminalError) Unwrap() error { return e.err }
