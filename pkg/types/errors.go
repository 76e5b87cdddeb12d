package types

import (
	"errors"
	"fmt"
)

// Error code constants for the verifier error taxonomy.
const (
	ErrCodeClusterAccess          = "CLUSTER_ACCESS"
	ErrCodeDeployment             = "DEPLOYMENT"
	ErrCodeReadyTimeout           = "READY_TIMEOUT"
	ErrCodeNodeProbe              = "NODE_PROBE"
	ErrCodeParse                  = "PARSE"
	ErrCodeControlPlaneResolution = "CONTROL_PLANE_RESOLUTION"
	ErrCodeControlPlaneProbe      = "CONTROL_PLANE_PROBE"
	ErrCodeInvalidInput           = "INVALID_INPUT"
	ErrCodeMissingArtifact        = "MISSING_ARTIFACT"
	ErrCodeRunInProgress          = "RUN_IN_PROGRESS"
)

// CheckError is a classified verifier error. Target names the node, namespace
// or object the error belongs to; Detail carries captured command output.
type CheckError struct {
	Code    string `json:"code"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Err     error  `json:"-"`
}

func (e *CheckError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg = fmt.Sprintf("[%s] %s: %s", e.Code, e.Target, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *CheckError) Unwrap() error { return e.Err }

// Errorf builds a CheckError with a formatted message.
func Errorf(code, target, format string, args ...any) *CheckError {
	return &CheckError{Code: code, Target: target, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a CheckError around an underlying cause.
func Wrap(code, target, message string, err error) *CheckError {
	return &CheckError{Code: code, Target: target, Message: message, Err: err}
}

// CodeOf returns the code of the first CheckError in err's chain, or "".
func CodeOf(err error) string {
	var ce *CheckError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrCodeClusterAccess, ErrCodeInvalidInput, ErrCodeMissingArtifact, ErrCodeRunInProgress:
		return true
	}
	return false
}
