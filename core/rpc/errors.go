package rpc

import (
	"errors"
	"fmt"
)

// ErrTimeout means no reply arrived within the call's window. The request may
// still be processed; retry with a fresh call.
var ErrTimeout = errors.New("rpc: gateway timeout")

// Reply codes carried on invalid replies.
const (
	CodeInvalid      = "invalid"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// ReplyError is a business failure reported by a worker. Handlers return it to
// pick the reply code; the gateway returns it for invalid replies.
type ReplyError struct {
	Topic   string
	Code    string
	Message string
}

func (e *ReplyError) Error() string {
	if e == nil {
		return ""
	}
	if e.Topic == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Topic, e.Code, e.Message)
}

// Invalid builds a handler failure with the given code.
func Invalid(code, format string, args ...any) error {
	if code == "" {
		code = CodeInvalid
	}
	return &ReplyError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound is shorthand for Invalid(CodeNotFound, ...).
func NotFound(format string, args ...any) error {
	return Invalid(CodeNotFound, format, args...)
}

// Conflict is shorthand for Invalid(CodeConflict, ...).
func Conflict(format string, args ...any) error {
	return Invalid(CodeConflict, format, args...)
}

// ReplyCode returns the code of a ReplyError anywhere in err's chain, or "".
func ReplyCode(err error) string {
	var re *ReplyError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
