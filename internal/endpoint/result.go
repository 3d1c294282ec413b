package endpoint

import "fmt"

// ResultCode is the uniform outcome of an endpoint-client operation. The
// client never propagates transport/protocol errors unwrapped; every
// operation returns (payload, *CallError) where a nil *CallError means OK.
type ResultCode string

const (
	CodeOK         ResultCode = "OK"
	CodeNotFound   ResultCode = "NOT_FOUND"
	CodeNotModified ResultCode = "NOT_MODIFIED"
	CodeConflict   ResultCode = "CONFLICT"
	CodeOffline    ResultCode = "OFFLINE"
	CodeTimeout    ResultCode = "TIMEOUT"
	CodeCancelled  ResultCode = "CANCELLED"
	CodeError      ResultCode = "ERROR"
)

// CallError is a ServiceCallResult: it carries a result code plus the
// offending entity's identity and the daemon's verbatim body, per §7's
// user-visible-failure requirement.
type CallError struct {
	Code     ResultCode
	Entity   string // container id/name, image ref, etc.
	Message  string
	DaemonBody string
}

func (e *CallError) Error() string {
	if e.DaemonBody != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Code, e.Entity, e.Message, e.DaemonBody)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Entity, e.Message)
}

func newError(code ResultCode, entity, message string) *CallError {
	return &CallError{Code: code, Entity: entity, Message: message}
}

// codeFromHTTPStatus maps a daemon HTTP status to a ResultCode, per §6's
// error-taxonomy-to-HTTP mapping (used in reverse here).
func codeFromHTTPStatus(status int) ResultCode {
	switch {
	case status == 304:
		return CodeNotModified
	case status == 404:
		return CodeNotFound
	case status == 409:
		return CodeConflict
	case status >= 400 && status < 500:
		return CodeError
	default:
		return CodeError
	}
}
