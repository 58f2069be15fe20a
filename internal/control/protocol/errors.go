package protocol

import (
	"errors"

	"github.com/apivpn/apivpn-core/internal/apierr"
)

// Error codes for protocol-level failures. Engine failures use the
// apierr kind as their code.
const (
	// ErrCodeInvalidRequest indicates the request was malformed.
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	// ErrCodeInvalidCommand indicates an unknown command was sent.
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	// ErrCodeInvalidParams indicates the command parameters were invalid.
	ErrCodeInvalidParams = "INVALID_PARAMS"
	// ErrCodeMessageTooLarge indicates a request exceeded the size limit.
	ErrCodeMessageTooLarge = "MESSAGE_TOO_LARGE"
	// ErrCodeMissingDescriptor indicates start arrived without a descriptor.
	ErrCodeMissingDescriptor = "MISSING_DESCRIPTOR"
	// ErrCodeInternalError indicates an unexpected internal error.
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// ErrorInfoFrom converts an engine error to wire form.
func ErrorInfoFrom(err error) *ErrorInfo {
	kind := apierr.KindOf(err)
	msg := err.Error()
	var e *apierr.Error
	if errors.As(err, &e) {
		msg = string(e.Kind)
		if e.Err != nil {
			msg = e.Err.Error()
		}
	}
	return &ErrorInfo{
		Code:      string(kind),
		ErrorCode: kind.Code(),
		Message:   msg,
	}
}

// Err converts e back to an error. Engine kinds come back as *apierr.Error
// so callers can match them with errors.Is.
func (e *ErrorInfo) Err(op string) error {
	if e == nil {
		return apierr.E(apierr.KindUnknown, op, errors.New("request failed with unknown error"))
	}
	for _, kind := range apierr.AllKinds() {
		if string(kind) == e.Code {
			return apierr.E(kind, op, errors.New(e.Message))
		}
	}
	return &RemoteError{Code: e.Code, Message: e.Message}
}

// RemoteError is a protocol-level failure reported by the daemon.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Code + ": " + e.Message
}
