package queue

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no job exists with the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyTerminal is returned when acting on a cancelled or completed job.
	ErrAlreadyTerminal = errors.New("job is already in a terminal state")
	// ErrNotWaiting is returned when asking for the queue position of a job
	// that has already left the queue.
	ErrNotWaiting = errors.New("job is not waiting")
)

// ValidationError describes malformed input from a submitter.
type ValidationError struct {
	Field  string
	Reason string
}

func (err *ValidationError) Error() string {
	if err.Field == "" {
		return fmt.Sprintf("invalid job: %s", err.Reason)
	}
	return fmt.Sprintf("invalid job: %s %s", err.Field, err.Reason)
}

// ParseID parses a job id, returning a ValidationError when it is not a UUID.
func ParseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &ValidationError{Field: "job_id", Reason: "is not a valid UUID"}
	}
	return id, nil
}

func fromValidator(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Reason: err.Error()}
	}

	fe := fieldErrs[0]
	reason := "is invalid"
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "uuid":
		reason = "is not a valid UUID"
	case "oneof":
		reason = fmt.Sprintf("must be one of [%s]", fe.Param())
	case "url":
		reason = "is not a valid URL"
	}
	return &ValidationError{Field: fe.Field(), Reason: reason}
}
