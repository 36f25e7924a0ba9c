// Package apperror classifies domain errors so the transport layer can map
// them without knowing every sentinel.
package apperror

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnexpected Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindGateway
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindGateway:
		return "gateway"
	default:
		return "unexpected"
	}
}

// Error is a classified sentinel. Packages declare them as package-level
// variables and wrap them with fmt.Errorf("%w: ...") to add detail.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func Validation(msg string) *Error { return &Error{Kind: KindValidation, Msg: msg} }
func NotFound(msg string) *Error   { return &Error{Kind: KindNotFound, Msg: msg} }
func Conflict(msg string) *Error   { return &Error{Kind: KindConflict, Msg: msg} }
func Gateway(msg string) *Error    { return &Error{Kind: KindGateway, Msg: msg} }

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnexpected
}

// Wrap attaches a formatted detail to a sentinel while keeping errors.Is intact.
func Wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
