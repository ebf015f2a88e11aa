// Package errs defines the typed failures of the group key and expense crypto layers.
package errs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies a failure so callers can branch without string matching.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindNotFound means no master-key record exists for the group.
	KindNotFound
	// KindKeyUnwrap means the envelope could not be opened: wrong purpose,
	// corrupted blob or a sealed provider.
	KindKeyUnwrap
	// KindAuthentication means a ciphertext failed its integrity check.
	KindAuthentication
	// KindGroupKeyExists means a create was attempted on an existing record.
	KindGroupKeyExists
	// KindTransient means the operation ran out of its time budget and may be retried.
	KindTransient
	// KindInvalid means the caller passed unusable arguments.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindKeyUnwrap:
		return "key unwrap failed"
	case KindAuthentication:
		return "authentication failed"
	case KindGroupKeyExists:
		return "group key already exists"
	case KindTransient:
		return "transient failure"
	case KindInvalid:
		return "invalid argument"
	default:
		return "unknown error"
	}
}

// Error is a kinded failure carrying the operation and group it happened in.
type Error struct {
	Kind    Kind
	Op      string
	GroupID uuid.UUID
	Err     error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	NotFound       = &Error{Kind: KindNotFound}
	KeyUnwrap      = &Error{Kind: KindKeyUnwrap}
	Authentication = &Error{Kind: KindAuthentication}
	GroupKeyExists = &Error{Kind: KindGroupKeyExists}
	Transient      = &Error{Kind: KindTransient}
	Invalid        = &Error{Kind: KindInvalid}
)

// E builds an *Error.
func E(op string, kind Kind, groupID uuid.UUID, err error) *Error {
	return &Error{Kind: kind, Op: op, GroupID: groupID, Err: err}
}

// Wrap re-labels a lower-layer failure with op and group, keeping its kind.
// Errors without a kind become KindUnknown.
func Wrap(op string, groupID uuid.UUID, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Op: op, GroupID: groupID, Err: err}
}

// Error prints the kind and group once per chain: a wrapper around an *Error
// with the same kind and group only adds its op.
func (e *Error) Error() string {
	if inner, ok := e.Err.(*Error); ok && inner.Kind == e.Kind && inner.GroupID == e.GroupID {
		if e.Op == "" {
			return inner.Error()
		}
		return e.Op + ": " + inner.Error()
	}
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.GroupID != uuid.Nil {
		msg = fmt.Sprintf("%s (group %s)", msg, e.GroupID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.GroupID != uuid.Nil || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
