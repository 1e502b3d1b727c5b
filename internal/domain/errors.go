package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies lifecycle failures.
type Kind string

const (
	KindAllocationConflict      Kind = "AllocationConflict"
	KindValidationFailure       Kind = "ValidationFailure"
	KindUnresolvableFileOverlap Kind = "UnresolvableFileOverlap"
	KindInvalidStateTransition  Kind = "InvalidStateTransition"
	KindMissingSlotReport       Kind = "MissingSlotReport"
	KindDuplicateSlotReport     Kind = "DuplicateSlotReport"
	KindNotFound                Kind = "NotFound"
	KindInvalidInput            Kind = "InvalidInput"
)

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrAllocationConflict      = &Error{Kind: KindAllocationConflict}
	ErrValidationFailure       = &Error{Kind: KindValidationFailure}
	ErrUnresolvableFileOverlap = &Error{Kind: KindUnresolvableFileOverlap}
	ErrInvalidStateTransition  = &Error{Kind: KindInvalidStateTransition}
	ErrMissingSlotReport       = &Error{Kind: KindMissingSlotReport}
	ErrDuplicateSlotReport     = &Error{Kind: KindDuplicateSlotReport}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrInvalidInput            = &Error{Kind: KindInvalidInput}
)

// Error is a typed lifecycle failure with structured details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	} else {
		msg = string(e.Kind) + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Details == nil
}

// Retryable reports whether the caller may retry without changing inputs.
func (e *Error) Retryable() bool { return e.Kind == KindAllocationConflict }

// DetailString renders details as sorted key=value pairs.
func (e *Error) DetailString() string {
	if len(e.Details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
	}
	return strings.Join(parts, " ")
}

func Errorf(kind Kind, details map[string]any, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Details: details}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
