package ordering

import (
	"context"
	"fmt"
	"time"

	"prism-board/domain"
)

// Ledger keeps task positions dense within a column and column positions
// dense within a project. Every method runs inside the caller's transaction;
// the caller must already hold the project lock.
type Ledger struct{}

// AppendTask returns the tail position of the column.
func (Ledger) AppendTask(ctx context.Context, tx Tx, columnID string) (int, error) {
	n, err := tx.CountTasks(ctx, columnID, "")
	if err != nil {
		return 0, fmt.Errorf("count tasks in column %s: %w", columnID, err)
	}
	return n, nil
}

// InsertTaskAt opens a gap at targetIndex and places the task there. The
// task itself is excluded from the shift so a same-column move is not
// counted twice.
func (Ledger) InsertTaskAt(ctx context.Context, tx Tx, taskID, columnID string, targetIndex int, now time.Time) (domain.Task, error) {
	if err := tx.ShiftTasks(ctx, columnID, targetIndex, 1, taskID); err != nil {
		return domain.Task{}, fmt.Errorf("open gap in column %s at %d: %w", columnID, targetIndex, err)
	}
	t, err := tx.PlaceTask(ctx, taskID, columnID, targetIndex, now)
	if err != nil {
		return domain.Task{}, fmt.Errorf("place task %s: %w", taskID, err)
	}
	return t, nil
}

// RemoveTask closes the gap left at position.
func (Ledger) RemoveTask(ctx context.Context, tx Tx, columnID string, position int, excludeTaskID string) error {
	if err := tx.ShiftTasks(ctx, columnID, position+1, -1, excludeTaskID); err != nil {
		return fmt.Errorf("close gap in column %s at %d: %w", columnID, position, err)
	}
	return nil
}

// CompactColumnPositions renumbers the project's columns to 0..n-1 keeping
// their relative order.
func (Ledger) CompactColumnPositions(ctx context.Context, tx Tx, projectID string, now time.Time) ([]domain.Column, error) {
	cols, err := tx.LockColumns(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("lock columns of project %s: %w", projectID, err)
	}
	for i := range cols {
		if cols[i].Position == i {
			continue
		}
		if err := tx.SetColumnPosition(ctx, cols[i].ID, i, now); err != nil {
			return nil, fmt.Errorf("renumber column %s: %w", cols[i].ID, err)
		}
		cols[i].Position = i
		cols[i].UpdatedAt = now
	}
	return cols, nil
}

// CompactTaskPositions renumbers a column's tasks to 0..k-1. It writes
// nothing when the column is already dense.
func (Ledger) CompactTaskPositions(ctx context.Context, tx Tx, columnID string) error {
	tasks, err := tx.ListTasks(ctx, columnID)
	if err != nil {
		return fmt.Errorf("list tasks of column %s: %w", columnID, err)
	}
	for i := range tasks {
		if tasks[i].Position == i {
			continue
		}
		if err := tx.SetTaskPosition(ctx, tasks[i].ID, i); err != nil {
			return fmt.Errorf("renumber task %s: %w", tasks[i].ID, err)
		}
	}
	return nil
}

// MoveColumn relocates a column inside its project using the same
// close-then-open gap strategy as task moves.
func (Ledger) MoveColumn(ctx context.Context, tx Tx, col domain.Column, targetIndex int, now time.Time) error {
	if err := tx.ShiftColumns(ctx, col.ProjectID, col.Position+1, -1, col.ID); err != nil {
		return fmt.Errorf("close column gap at %d: %w", col.Position, err)
	}
	if err := tx.ShiftColumns(ctx, col.ProjectID, targetIndex, 1, col.ID); err != nil {
		return fmt.Errorf("open column gap at %d: %w", targetIndex, err)
	}
	if err := tx.SetColumnPosition(ctx, col.ID, targetIndex, now); err != nil {
		return fmt.Errorf("place column %s: %w", col.ID, err)
	}
	return nil
}
