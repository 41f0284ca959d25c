package provision

import (
	"errors"
	"fmt"
)

const (
	// ExitSuccess is returned when a stage completes.
	ExitSuccess = 0
	// ExitProvisioningError is returned when a stage fails but leaves the
	// device usable.
	ExitProvisioningError = 1
	// ExitRecoveryError is returned when a stage leaves the device in an
	// unknown state. Agents receiving it take themselves out of rotation.
	ExitRecoveryError = 46
)

// ProvisioningError reports a stage failure that left the device in a
// known, still usable state.
type ProvisioningError struct {
	Message string
	Err     error
}

// NewProvisioningError returns a ProvisioningError caused by err, which may be nil.
func NewProvisioningError(msg string, err error) *ProvisioningError {
	return &ProvisioningError{Message: msg, Err: err}
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// RecoveryError reports a stage failure after which the device state is
// unknown, e.g. interrupted mid-flash or unreachable after a forced reboot.
type RecoveryError struct {
	Message string
	Err     error
}

// NewRecoveryError returns a RecoveryError caused by err, which may be nil.
func NewRecoveryError(msg string, err error) *RecoveryError {
	return &RecoveryError{Message: msg, Err: err}
}

func (e *RecoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// ExitError carries the non-zero exit status of the commands a stage ran
// on behalf of the job. It is a result, not a driver failure.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("commands exited with status %d (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("commands exited with status %d", e.Code)
}

// ConfigError names a required or invalid field in the job or device
// configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Missing returns a ConfigError for an absent required field.
func Missing(field string) *ConfigError {
	return &ConfigError{Field: field, Reason: "is required"}
}

// Unsupported returns a ConfigError for an enumerated field holding a
// value outside the allowed set.
func Unsupported(field string, value any, allowed ...string) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf("has unsupported value %v (allowed: %v)", value, allowed)}
}

// ExitCode maps a stage error to the process exit code reported for it.
// The outermost stage error type in the chain decides: a ProvisioningError
// caused by a RecoveryError still exits with ExitProvisioningError.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if code, ok := stageExitCode(err); ok {
		return code
	}
	return ExitProvisioningError
}

func stageExitCode(err error) (int, bool) {
	switch e := err.(type) {
	case *RecoveryError:
		return ExitRecoveryError, true
	case *ProvisioningError:
		return ExitProvisioningError, true
	case *ExitError:
		if e.Code != 0 {
			return e.Code, true
		}
		return ExitProvisioningError, true
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if code, ok := stageExitCode(inner); ok {
				return code, true
			}
		}
		return 0, false
	}

	if inner := errors.Unwrap(err); inner != nil {
		return stageExitCode(inner)
	}
	return 0, false
}
