package wire

import "errors"

// Stable error codes carried across peer links and client sockets.
const (
	CodeClientOffline    = "CLIENT_OFFLINE"
	CodeRepeatConnect    = "REPEAT_CONNECT"
	CodeDuplicateLogin   = "DUPLICATE_LOGIN"
	CodeHandshakeTimeout = "HANDSHAKE_TIMEOUT"
	CodeAuthRejected     = "AUTH_REJECTED"
	CodeTimeout          = "TIMEOUT"
	CodeDisconnected     = "DISCONNECTED"
	CodeUnknownMethod    = "UNKNOWN_METHOD"
	CodeBadRequest       = "BAD_REQUEST"
	CodeInternal         = "INTERNAL"
)

// Error is a coded failure that keeps its identity when it crosses the wire.
// Two Errors match under errors.Is when their codes are equal.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg,omitempty"`
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return e.Msg
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrTimeout       = &Error{Code: CodeTimeout, Msg: "call timed out"}
	ErrDisconnected  = &Error{Code: CodeDisconnected, Msg: "disconnected"}
	ErrUnknownMethod = &Error{Code: CodeUnknownMethod, Msg: "unknown method"}
)

// FromError converts any error into its wire form. Uncoded errors become
// CodeInternal with the original message.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var werr *Error
	if errors.As(err, &werr) {
		return &Error{Code: werr.Code, Msg: err.Error()}
	}
	return &Error{Code: CodeInternal, Msg: err.Error()}
}
