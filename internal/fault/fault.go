// Package fault defines the failure taxonomy shared by every stage of the
// question-to-result pipeline. Each kind carries a stable user-visible message
// so operators can tell database problems apart from model problems and from
// validation rejections.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConnectionFailure    Kind = "connection_failure"
	KindIntrospectionFailure Kind = "introspection_failure"
	KindGenerationFailure    Kind = "generation_failure"
	KindValidationRejection  Kind = "validation_rejection"
	KindExecutionTimeout     Kind = "execution_timeout"
	KindExecutionError       Kind = "execution_error"
	KindConnectionLost       Kind = "connection_lost"
)

// Fault is a categorized error. The Message is user-facing; Cause keeps the
// driver- or transport-level detail for logs.
type Fault struct {
	Kind    Kind
	Message string
	Cause   error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message, Cause: err}
}

func Wrapf(err error, kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// IsKind reports whether err is (or wraps) a Fault of the given kind.
func IsKind(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or KindExecutionError when err carries no
// fault classification.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindExecutionError
}

// Retryable reports whether the caller may reasonably retry the request.
// Validation rejections and generation failures are deterministic per input;
// connection-level faults may clear up once the connection is reopened.
func Retryable(kind Kind) bool {
	switch kind {
	case KindConnectionFailure, KindExecutionTimeout, KindConnectionLost:
		return true
	default:
		return false
	}
}
