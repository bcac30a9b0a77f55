package querycache

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/querycache/keys"
)

var (
	// ErrCancelled settles waiters of a fetch stopped by CancelQueries or by
	// an invalidation that restarted it. It is never stored on an entry.
	ErrCancelled = errors.New("querycache: fetch cancelled")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("querycache: client closed")
	// ErrInvalidKey wraps key canonicalization failures.
	ErrInvalidKey = keys.ErrInvalidKey
	// ErrNoFetchFunc means neither the call nor the client carried a fetch function.
	ErrNoFetchFunc = errors.New("querycache: no fetch function")
)

// FetchError is a fetch failure that exhausted its retries. It is stored on
// the entry and returned to every waiter of the fetch.
type FetchError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("querycache: fetch %s failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MutationError is returned by Mutate after optimistic writes were rolled back.
type MutationError struct {
	ID  string
	Err error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("querycache: mutation %s: %v", e.ID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// IsCancelled reports whether err comes from a cancelled fetch.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }
