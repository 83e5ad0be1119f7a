package errors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfig    Kind = "config"
	KindDomain    Kind = "domain"
	KindPlatform  Kind = "platform"
	KindBootstrap Kind = "bootstrap"
	KindStorage   Kind = "storage"
	KindUnknown   Kind = "unknown"

	// Voice pipeline taxonomy.
	KindFrameDecode      Kind = "frame_decode"
	KindFrameCompression Kind = "frame_compression"
	KindProtocolServer   Kind = "protocol_server"
	KindTransport        Kind = "transport"
	KindInference        Kind = "inference"
	KindCapture          Kind = "capture"
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Code is the server error code for protocol_server errors and the HTTP
	// status for inference errors. Zero when not applicable.
	Code  int
	Cause error
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s:%s]", e.Kind, e.Op)
	if e.Code != 0 {
		prefix = fmt.Sprintf("[%s:%s:%d]", e.Kind, e.Op, e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap attaches kind and operation to err. An error that is already typed is
// returned as is so the innermost classification wins.
func Wrap(kind Kind, op, message string, err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   err,
	}
}

func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

// WithCode builds a typed error carrying a numeric code.
func WithCode(kind Kind, op string, code int, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Code:    code,
		Cause:   cause,
	}
}

// IsKind checks whether any error in the chain matches the provided kind.
func IsKind(err error, kind Kind) bool {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first typed error in the chain.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first typed error in the chain, or 0.
func CodeOf(err error) int {
	var target *Error
	if errors.As(err, &target) {
		return target.Code
	}
	return 0
}

// Is and As re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
