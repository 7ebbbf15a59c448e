package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"

	"prism-board/broadcast"
	"prism-board/domain"
	"prism-board/ordering"
	"prism-board/storage"
)

func task(id, col string, pos int) domain.Task {
	return domain.Task{ID: id, ProjectID: "p1", ColumnID: col, Position: pos, Title: id}
}

// sample is column a=[t1,t2,t3], b=[t4], c=[].
func sample() domain.Board {
	return domain.Board{
		Project: domain.Project{ID: "p1", Prefix: "X"},
		Columns: []domain.Column{{ID: "a", Position: 0}, {ID: "b", Position: 1}, {ID: "c", Position: 2}},
		Tasks:   []domain.Task{task("t3", "a", 2), task("t1", "a", 0), task("t4", "b", 0), task("t2", "a", 1)},
	}
}

func event(t *testing.T, eventType string, tk domain.Task) domain.Event {
	t.Helper()
	data, err := broadcast.Encode(eventType, tk, tk.ProjectID)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev, err := broadcast.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return ev
}

func expectOrder(t *testing.T, b *Board, col string, want ...string) {
	t.Helper()
	got := b.TaskIDs(col)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("column %s: got %v, want %v", col, got, want)
	}
	for i, tk := range b.Tasks(col) {
		if tk.Position != i || tk.ColumnID != col {
			t.Fatalf("column %s: task %s at %s/%d", col, tk.ID, tk.ColumnID, tk.Position)
		}
	}
}

func TestSnapshotIsOrderedByPosition(t *testing.T) {
	b := NewBoard(sample())
	expectOrder(t, b, "a", "t1", "t2", "t3")
	expectOrder(t, b, "b", "t4")
	expectOrder(t, b, "c")
	if b.State() != Idle {
		t.Fatalf("expected idle, got %s", b.State())
	}
}

func TestDragOverIsIdempotentAndReversible(t *testing.T) {
	b := NewBoard(sample())
	if err := b.DragStart("t3"); err != nil {
		t.Fatalf("drag start: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := b.DragOver("a", 0); err != nil {
			t.Fatalf("drag over: %v", err)
		}
		expectOrder(t, b, "a", "t3", "t1", "t2")
	}
	if err := b.DragOver("b", 0); err != nil {
		t.Fatalf("drag over: %v", err)
	}
	expectOrder(t, b, "a", "t1", "t2")
	expectOrder(t, b, "b", "t3", "t4")

	if err := b.DragOver("a", 2); err != nil {
		t.Fatalf("drag over: %v", err)
	}
	expectOrder(t, b, "a", "t1", "t2", "t3")
	if _, ok := b.DragRelease(); ok {
		t.Fatal("release at the origin must not produce a request")
	}
	if b.State() != Idle {
		t.Fatalf("expected idle, got %s", b.State())
	}
}

func TestDragCancelRestoresView(t *testing.T) {
	b := NewBoard(sample())
	_ = b.DragStart("t1")
	_ = b.DragOver("c", 0)
	expectOrder(t, b, "c", "t1")
	b.DragCancel()
	expectOrder(t, b, "a", "t1", "t2", "t3")
	expectOrder(t, b, "c")
	if b.State() != Idle {
		t.Fatalf("expected idle, got %s", b.State())
	}
}

func TestDragRejections(t *testing.T) {
	b := NewBoard(sample())
	if err := b.DragOver("a", 0); !errors.Is(err, ErrNotDragging) {
		t.Fatalf("expected not dragging, got %v", err)
	}
	if err := b.DragStart("nope"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected unknown task, got %v", err)
	}
	_ = b.DragStart("t1")
	if err := b.DragStart("t2"); !errors.Is(err, ErrAlreadyDragging) {
		t.Fatalf("expected already dragging, got %v", err)
	}
	if err := b.DragOver("zzz", 0); !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected unknown column, got %v", err)
	}
	_ = b.DragOver("b", 5)
	intent, ok := b.DragRelease()
	if !ok {
		t.Fatal("expected a move")
	}
	if intent.Index != 1 || intent.ColumnID != "b" || intent.FromColumnID != "a" {
		t.Fatalf("overflow should clamp to append, got %+v", intent)
	}
	if err := b.DragStart("t2"); !errors.Is(err, ErrMoveOutstanding) {
		t.Fatalf("expected outstanding move, got %v", err)
	}
}

func TestReleaseCommitsOptimistically(t *testing.T) {
	b := NewBoard(sample())
	_ = b.DragStart("t3")
	_ = b.DragOver("a", 0)
	intent, ok := b.DragRelease()
	if !ok {
		t.Fatal("expected a move")
	}
	req := intent.Request()
	if req.TaskID != "t3" || req.NewColumnID != "a" || req.NewPosition != 0 || req.OldColumnID != "a" {
		t.Fatalf("unexpected request %+v", req)
	}
	if b.State() != Committing {
		t.Fatalf("expected committing, got %s", b.State())
	}
	expectOrder(t, b, "a", "t3", "t1", "t2")

	moved := task("t3", "a", 0)
	b.MoveSucceeded(moved)
	expectOrder(t, b, "a", "t3", "t1", "t2")
	// The echo of our own move is a no-op, however often it arrives.
	for i := 0; i < 2; i++ {
		if err := b.ApplyBroadcast(event(t, domain.EventTaskMoved, moved)); err != nil {
			t.Fatalf("apply: %v", err)
		}
		expectOrder(t, b, "a", "t3", "t1", "t2")
	}
	if _, ok := b.Pending(); ok {
		t.Fatal("no move should be pending")
	}
}

func TestMoveFailedRestoresAndFlagsReload(t *testing.T) {
	b := NewBoard(sample())
	_ = b.DragStart("t1")
	_ = b.DragOver("b", 0)
	b.DragRelease()
	expectOrder(t, b, "b", "t1", "t4")

	// Another client's change arrives mid-commit.
	if err := b.ApplyBroadcast(event(t, domain.EventTaskCreated, task("t5", "c", 0))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	b.MoveFailed()
	if !b.NeedsReload() || b.State() != Idle {
		t.Fatalf("expected idle with reload flag, got %s/%v", b.State(), b.NeedsReload())
	}
	expectOrder(t, b, "a", "t1", "t2", "t3")
	expectOrder(t, b, "b", "t4")
	expectOrder(t, b, "c", "t5")

	b.Reload(sample())
	if b.NeedsReload() {
		t.Fatal("reload should clear the flag")
	}
}

func TestBroadcastDuringDrag(t *testing.T) {
	b := NewBoard(sample())
	_ = b.DragStart("t1")
	_ = b.DragOver("b", 1)
	expectOrder(t, b, "b", "t4", "t1")

	if err := b.ApplyBroadcast(event(t, domain.EventTaskMoved, task("t2", "b", 0))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	expectOrder(t, b, "b", "t2", "t1", "t4")
	expectOrder(t, b, "a", "t3")

	if err := b.ApplyBroadcast(event(t, domain.EventTaskDeleted, task("t1", "a", 0))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if b.State() != Idle {
		t.Fatalf("deleting the dragged task should end the drag, got %s", b.State())
	}
	expectOrder(t, b, "b", "t2", "t4")
}

func TestBroadcastFiltering(t *testing.T) {
	b := NewBoard(sample())
	other := task("t9", "a", 0)
	other.ProjectID = "p2"
	if err := b.ApplyBroadcast(event(t, domain.EventTaskCreated, other)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	expectOrder(t, b, "a", "t1", "t2", "t3")

	if err := b.ApplyBroadcast(domain.Event{Type: domain.EventTaskMoved, ProjectID: "p1", Payload: []byte("{")}); err == nil {
		t.Fatal("expected decode error")
	}
	if err := b.ApplyBroadcast(event(t, domain.EventTaskMoved, task("t1", "unknown", 0))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !b.NeedsReload() {
		t.Fatal("a task in an unknown column needs a reload")
	}
	expectOrder(t, b, "a", "t2", "t3")
}

// eventLog collects committed events as a client would receive them.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Publish(_ context.Context, eventType string, entity any, projectID string) error {
	data, err := broadcast.Encode(eventType, entity, projectID)
	if err != nil {
		return err
	}
	ev, err := broadcast.Decode(data)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) drain() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.events
	l.events = nil
	return out
}

func expectMatchesServer(t *testing.T, b *Board, server domain.Board) {
	t.Helper()
	want := map[string][]string{}
	for _, tk := range server.Tasks {
		want[tk.ColumnID] = append(want[tk.ColumnID], tk.ID)
	}
	for _, c := range server.Columns {
		if fmt.Sprint(b.TaskIDs(c.ID)) != fmt.Sprint(want[c.ID]) {
			t.Fatalf("column %s: client %v, server %v", c.ID, b.TaskIDs(c.ID), want[c.ID])
		}
	}
}

func TestRoundTripMatchesServer(t *testing.T) {
	logger := log.New()
	logger.SetOutput(io.Discard)
	store := storage.NewMemory()
	events := &eventLog{}
	coord := ordering.NewCoordinator(store, events, logger)
	ctx := context.Background()

	snap, err := coord.CreateProject(ctx, domain.CreateProjectRequest{Name: "RT", Prefix: "RT"}, "u1")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	pid := snap.Project.ID
	for i := 0; i < 12; i++ {
		col := snap.Columns[i%len(snap.Columns)].ID
		if _, err := coord.CreateTask(ctx, domain.CreateTaskRequest{Title: fmt.Sprint(i), ColumnID: col, ProjectID: pid}, "u1"); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}
	events.drain()
	snap, _ = coord.Board(ctx, pid)

	mover := NewBoard(snap)
	watcher := NewBoard(snap)
	rng := rand.New(rand.NewPCG(7, 11))
	for step := 0; step < 150; step++ {
		srv, _ := coord.Board(ctx, pid)
		tk := srv.Tasks[rng.IntN(len(srv.Tasks))]
		col := srv.Columns[rng.IntN(len(srv.Columns))].ID

		if err := mover.DragStart(tk.ID); err != nil {
			t.Fatalf("step %d: drag start: %v", step, err)
		}
		if err := mover.DragOver(col, rng.IntN(6)); err != nil {
			t.Fatalf("step %d: drag over: %v", step, err)
		}
		intent, ok := mover.DragRelease()
		if ok {
			moved, err := coord.MoveTask(ctx, intent.Request(), "u1")
			if err != nil {
				t.Fatalf("step %d: move: %v", step, err)
			}
			mover.MoveSucceeded(moved)
		}
		for _, ev := range events.drain() {
			if err := mover.ApplyBroadcast(ev); err != nil {
				t.Fatalf("mover apply: %v", err)
			}
			if err := watcher.ApplyBroadcast(ev); err != nil {
				t.Fatalf("watcher apply: %v", err)
			}
		}
		srv, _ = coord.Board(ctx, pid)
		expectMatchesServer(t, mover, srv)
		expectMatchesServer(t, watcher, srv)
	}
}
