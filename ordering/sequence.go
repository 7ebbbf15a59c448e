package ordering

import (
	"context"
	"fmt"
)

// Sequence issues per-project task numbers. The increment is a row-locked
// update of the project's counter inside the caller's transaction, so the
// number is only consumed if that transaction commits and concurrent callers
// for the same project queue on the row lock.
type Sequence struct{}

// NextTaskNumber increments the project's counter by one and returns the new
// value. A missing project yields domain.ErrNotFound.
func (Sequence) NextTaskNumber(ctx context.Context, tx Tx, projectID string) (int64, error) {
	n, err := tx.IncrementTaskNumber(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("next task number for project %s: %w", projectID, err)
	}
	return n, nil
}
