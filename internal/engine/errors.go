package engine

import (
	"errors"
	"fmt"
)

// Error codes returned by engine operations. Conflict-class codes
// (VERSION_CONFLICT, LEASE_CONFLICT, LEASE_EXPIRED) are routine outcomes of
// concurrent operation; callers re-read and retry. The MISSING_* and
// INVALID_* codes indicate a caller bug.
const (
	CodeVersionConflict        = "VERSION_CONFLICT"
	CodeLeaseConflict          = "LEASE_CONFLICT"
	CodeLeaseExpired           = "LEASE_EXPIRED"
	CodeLeaseNotExpired        = "LEASE_NOT_EXPIRED"
	CodeTaskNotFound           = "TASK_NOT_FOUND"
	CodeOrionNotFound          = "ORION_NOT_FOUND"
	CodeMissingOwnerID         = "MISSING_OWNER_ID"
	CodeMissingLeaseContext    = "MISSING_LEASE_CONTEXT"
	CodeMissingActorID         = "MISSING_ACTOR_ID"
	CodeMissingWorkerID        = "MISSING_WORKER_ID"
	CodeMissingTitle           = "MISSING_TITLE"
	CodeInvalidStatus          = "INVALID_STATUS"
	CodeInvalidExpectedVersion = "INVALID_EXPECTED_VERSION"
)

// Error is a coded engine failure. Operations return these as plain error
// values; the document is left untouched whenever one comes back.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Errorf builds a coded error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the engine error code, or "" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConflict reports whether err is a retryable concurrency outcome.
func IsConflict(err error) bool {
	switch CodeOf(err) {
	case CodeVersionConflict, CodeLeaseConflict, CodeLeaseExpired:
		return true
	}
	return false
}
