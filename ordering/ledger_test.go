package ordering_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"prism-board/domain"
	"prism-board/ordering"
	"prism-board/storage"
)

func TestCompactTaskPositionsRepairsGaps(t *testing.T) {
	m := storage.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	err := m.InTx(ctx, func(tx ordering.Tx) error {
		if err := tx.InsertProject(ctx, domain.Project{ID: "p", Prefix: "P", CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if err := tx.InsertColumn(ctx, domain.Column{ID: "c", ProjectID: "p"}); err != nil {
			return err
		}
		for i, pos := range []int{0, 3, 7} {
			task := domain.Task{ID: string(rune('a' + i)), ProjectID: "p", ColumnID: "c", TaskNumber: int64(i + 1), Position: pos}
			if err := tx.InsertTask(ctx, task); err != nil {
				return err
			}
		}
		return ordering.Ledger{}.CompactTaskPositions(ctx, tx, "c")
	})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	b, err := m.Board(ctx, "p")
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	for i, task := range b.Tasks {
		if task.Position != i || task.ID != string(rune('a'+i)) {
			t.Fatalf("unexpected task %d: %+v", i, task)
		}
	}
}

func TestNextTaskNumberMissingProject(t *testing.T) {
	m := storage.NewMemory()
	ctx := context.Background()
	err := m.InTx(ctx, func(tx ordering.Tx) error {
		_, err := ordering.Sequence{}.NextTaskNumber(ctx, tx, "missing")
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
