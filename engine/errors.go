package engine

import (
	"errors"
	"fmt"
)

// Kind is the engine's error taxonomy. Callers branch on Kind, never on the
// wrapped error's message or type.
type Kind int

const (
	KindAuthFail Kind = iota
	KindCorrupt
	KindIo
	KindNotFound
	KindInvalidParam
	KindDuplicateChunk
	KindIncompleteImport
	KindLocked
	KindSecurityGate
)

func (k Kind) String() string {
	switch k {
	case KindAuthFail:
		return "AuthFail"
	case KindCorrupt:
		return "Corrupt"
	case KindIo:
		return "Io"
	case KindNotFound:
		return "NotFound"
	case KindInvalidParam:
		return "InvalidParam"
	case KindDuplicateChunk:
		return "DuplicateChunk"
	case KindIncompleteImport:
		return "IncompleteImport"
	case KindLocked:
		return "Locked"
	case KindSecurityGate:
		return "SecurityGate"
	default:
		return "Unknown"
	}
}

// Error is the engine's error carrier: a Kind plus the underlying cause.
// "Wrong passphrase" and "tampered header" both surface as KindAuthFail
// deliberately — conflating them is intentional, not an oversight.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func newErrf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of err if it (or something it wraps) is an
// *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
