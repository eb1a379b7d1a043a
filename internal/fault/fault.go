// Package fault defines the structured error vocabulary shared by every
// ledger component. Each failure carries a machine-readable kind plus a
// human-readable message; the HTTP layer maps kinds to status codes and
// callers can branch on KindOf without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a ledger failure.
type Kind string

const (
	// Unauthorized — caller lacks the required role or ownership.
	Unauthorized Kind = "unauthorized"

	// NotFound — referenced certificate/bid/identity does not exist.
	NotFound Kind = "not_found"

	// InvalidState — operation is not legal in the current certificate
	// or bid state (e.g. accepting an already-denied bid).
	InvalidState Kind = "invalid_state"

	// InvalidArgument — non-positive quantity/price or malformed identity.
	InvalidArgument Kind = "invalid_argument"

	// InsufficientQuantity — requested quantity exceeds the certificate's
	// remaining quantity.
	InsufficientQuantity Kind = "insufficient_quantity"

	// Overflow — arithmetic would exceed the representable range.
	Overflow Kind = "overflow"

	// RoleConflict — identity already holds a conflicting role.
	RoleConflict Kind = "role_conflict"
)

// Error is a kinded ledger error.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Msg
}

// New builds a fault with the given kind and formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or "" if err is not a ledger fault.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is a ledger fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
