// errors.go defines the sentinel errors shared by the repository layer. The
// review engine and HTTP handlers branch on these with errors.Is rather than
// inspecting SQL errors directly.
package repositories

import "errors"

var (
	// ErrNotFound is returned when no row matches the lookup. Callers must
	// not leak whether a secret token was malformed or simply absent; both
	// surface as ErrNotFound.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyResolved is returned by Resolve when the record already has
	// a decision. It is an informational outcome, not a failure: the first
	// resolution won and the record is immutable.
	ErrAlreadyResolved = errors.New("audit record already resolved")
)
