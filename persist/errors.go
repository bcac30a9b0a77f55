package persist

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var ErrNotConfigured = errors.New("persist: namespace, provider and codec are required")

// InvalidateError reports a partially failed invalidation. When only DelErr
// is set the generation moved, so the stale record is already unreadable.
type InvalidateError struct {
	Token   string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("persist: invalidate %s: bump=%v; delete=%v", e.Token, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("persist: invalidate %s: generation bump: %v", e.Token, e.BumpErr)
	default:
		return fmt.Sprintf("persist: invalidate %s: delete: %v", e.Token, e.DelErr)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
