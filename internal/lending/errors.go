// internal/lending/errors.go
package lending

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the referenced book or request does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means the acting user lacks the role the operation
	// requires (not the owner, not the requester, or the owner trying to
	// borrow their own book).
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState means the book or request was not in the required
	// precondition state when it was read. Retrying without the state
	// changing will fail identically.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict means a concurrent mutation was detected by the
	// compare-and-set guard: the precondition held at read time but the row
	// changed before commit. Callers should re-read state before retrying.
	ErrConflict = errors.New("concurrent modification conflict")
)

// ErrAlreadyResolved is the InvalidState raised when responding to a request
// that a prior call already resolved.
var ErrAlreadyResolved = fmt.Errorf("%w: request already resolved", ErrInvalidState)
