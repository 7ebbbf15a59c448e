// Package client keeps a local, optimistically updated copy of a project
// board and reconciles it with the server's broadcasts.
package client

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"prism-board/domain"
)

// State is the phase of the board view.
type State int

const (
	Idle State = iota
	Dragging
	Committing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dragging:
		return "dragging"
	case Committing:
		return "committing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrMoveOutstanding = errors.New("a move is still being committed")
	ErrNotDragging     = errors.New("no drag in progress")
	ErrAlreadyDragging = errors.New("a drag is already in progress")
	ErrUnknownTask     = errors.New("unknown task")
	ErrUnknownColumn   = errors.New("unknown column")
)

// MoveIntent is the single request a drag release produces.
type MoveIntent struct {
	TaskID       string
	FromColumnID string
	ColumnID     string
	Index        int
}

// Request converts the intent into the move endpoint body.
func (m MoveIntent) Request() domain.MoveTaskRequest {
	return domain.MoveTaskRequest{
		TaskID:      m.TaskID,
		NewColumnID: m.ColumnID,
		NewPosition: m.Index,
		OldColumnID: m.FromColumnID,
	}
}

// layout holds tasks per column in display order.
type layout struct {
	order []string
	tasks map[string][]domain.Task
}

func newLayout(b domain.Board) layout {
	l := layout{order: make([]string, 0, len(b.Columns)), tasks: make(map[string][]domain.Task, len(b.Columns))}
	for _, c := range b.Columns {
		l.order = append(l.order, c.ID)
		l.tasks[c.ID] = nil
	}
	for _, t := range b.Tasks {
		if _, ok := l.tasks[t.ColumnID]; !ok {
			continue
		}
		l.tasks[t.ColumnID] = append(l.tasks[t.ColumnID], t)
	}
	for id, ts := range l.tasks {
		sortByPosition(ts)
		renumber(ts)
		l.tasks[id] = ts
	}
	return l
}

func (l layout) clone() layout {
	out := layout{order: append([]string(nil), l.order...), tasks: make(map[string][]domain.Task, len(l.tasks))}
	for id, ts := range l.tasks {
		out.tasks[id] = append([]domain.Task(nil), ts...)
	}
	return out
}

// locate returns the column and index of taskID.
func (l layout) locate(taskID string) (string, int, bool) {
	for col, ts := range l.tasks {
		for i := range ts {
			if ts[i].ID == taskID {
				return col, i, true
			}
		}
	}
	return "", 0, false
}

// remove drops taskID wherever it is and closes the gap.
func (l layout) remove(taskID string) (domain.Task, bool) {
	col, i, ok := l.locate(taskID)
	if !ok {
		return domain.Task{}, false
	}
	ts := l.tasks[col]
	t := ts[i]
	ts = append(ts[:i:i], ts[i+1:]...)
	renumber(ts)
	l.tasks[col] = ts
	return t, true
}

// insert places t at index in columnID, clamping past-the-end to append.
func (l layout) insert(t domain.Task, columnID string, index int) int {
	ts := l.tasks[columnID]
	if index < 0 {
		index = 0
	}
	if index > len(ts) {
		index = len(ts)
	}
	t.ColumnID = columnID
	ts = append(ts, domain.Task{})
	copy(ts[index+1:], ts[index:])
	ts[index] = t
	renumber(ts)
	l.tasks[columnID] = ts
	return index
}

func renumber(ts []domain.Task) {
	for i := range ts {
		ts[i].Position = i
	}
}

func sortByPosition(ts []domain.Task) {
	// insertion sort keeps equal positions in arrival order
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].Position < ts[j-1].Position; j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

type drag struct {
	taskID   string
	columnID string
	index    int
}

// Board is a pure reducer over one project's board. It is not safe for
// concurrent use.
type Board struct {
	projectID string
	columns   []domain.Column
	state     State

	// base is the reconciled view. During a commit it already contains the
	// optimistic move and committed holds the view without it.
	base      layout
	committed layout
	tentative layout
	drag      *drag
	pending   *MoveIntent

	needsReload bool
}

// NewBoard starts an idle board from a server snapshot.
func NewBoard(snapshot domain.Board) *Board {
	b := &Board{}
	b.Reload(snapshot)
	return b
}

// Reload replaces all local state with an authoritative snapshot.
func (b *Board) Reload(snapshot domain.Board) {
	b.projectID = snapshot.Project.ID
	b.columns = append([]domain.Column(nil), snapshot.Columns...)
	b.base = newLayout(snapshot)
	b.committed = layout{}
	b.tentative = layout{}
	b.drag = nil
	b.pending = nil
	b.state = Idle
	b.needsReload = false
}

func (b *Board) ProjectID() string { return b.projectID }

func (b *Board) State() State { return b.state }

// NeedsReload reports that a failed move left the view unreliable.
func (b *Board) NeedsReload() bool { return b.needsReload }

// Pending returns the move being committed.
func (b *Board) Pending() (MoveIntent, bool) {
	if b.pending == nil {
		return MoveIntent{}, false
	}
	return *b.pending, true
}

// Columns returns the known columns in display order.
func (b *Board) Columns() []domain.Column {
	return append([]domain.Column(nil), b.columns...)
}

// Tasks returns the displayed tasks of a column, including an in-progress
// drag.
func (b *Board) Tasks(columnID string) []domain.Task {
	return append([]domain.Task(nil), b.view().tasks[columnID]...)
}

// TaskIDs returns the displayed task ids of a column in order.
func (b *Board) TaskIDs(columnID string) []string {
	ts := b.view().tasks[columnID]
	ids := make([]string, len(ts))
	for i := range ts {
		ids[i] = ts[i].ID
	}
	return ids
}

func (b *Board) view() layout {
	if b.state == Dragging {
		return b.tentative
	}
	return b.base
}

// DragStart begins dragging taskID. Only one move may be outstanding.
func (b *Board) DragStart(taskID string) error {
	switch b.state {
	case Committing:
		return ErrMoveOutstanding
	case Dragging:
		return ErrAlreadyDragging
	}
	col, idx, ok := b.base.locate(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	b.drag = &drag{taskID: taskID, columnID: col, index: idx}
	b.tentative = b.base.clone()
	b.state = Dragging
	return nil
}

// DragOver recomputes the tentative arrangement with the dragged task at
// (columnID, index). It always starts from the reconciled view, so
// repeating it or returning to the origin leaves no trace.
func (b *Board) DragOver(columnID string, index int) error {
	if b.state != Dragging {
		return ErrNotDragging
	}
	if _, ok := b.base.tasks[columnID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownColumn, columnID)
	}
	b.drag.columnID = columnID
	b.drag.index = index
	b.recomputeTentative()
	return nil
}

func (b *Board) recomputeTentative() {
	next := b.base.clone()
	if t, ok := next.remove(b.drag.taskID); ok {
		b.drag.index = next.insert(t, b.drag.columnID, b.drag.index)
	}
	b.tentative = next
}

// DragCancel discards the tentative arrangement.
func (b *Board) DragCancel() {
	if b.state != Dragging {
		return
	}
	b.drag = nil
	b.tentative = layout{}
	b.state = Idle
}

// DragRelease ends the drag. It reports false when the task would land in
// its current slot, in which case no request must be sent. Otherwise the
// tentative arrangement becomes the optimistic view and the board waits for
// MoveSucceeded or MoveFailed.
func (b *Board) DragRelease() (MoveIntent, bool) {
	if b.state != Dragging {
		return MoveIntent{}, false
	}
	d := b.drag
	fromCol, fromIdx, ok := b.base.locate(d.taskID)
	b.drag = nil
	if !ok || (fromCol == d.columnID && fromIdx == d.index) {
		b.tentative = layout{}
		b.state = Idle
		return MoveIntent{}, false
	}

	intent := MoveIntent{TaskID: d.taskID, FromColumnID: fromCol, ColumnID: d.columnID, Index: d.index}
	b.committed = b.base
	b.base = b.tentative
	b.tentative = layout{}
	b.pending = &intent
	b.state = Committing
	return intent, true
}

// MoveSucceeded merges the server's response to the pending move.
func (b *Board) MoveSucceeded(task domain.Task) {
	b.merge(task)
	b.pending = nil
	b.committed = layout{}
	b.state = Idle
}

// MoveFailed drops the optimistic move and asks for a full reload.
func (b *Board) MoveFailed() {
	if b.state != Committing {
		return
	}
	b.base = b.committed
	b.committed = layout{}
	b.pending = nil
	b.state = Idle
	b.needsReload = true
}

// ApplyBroadcast merges a server event. Events for other projects and
// event types the board does not track are ignored.
func (b *Board) ApplyBroadcast(ev domain.Event) error {
	if ev.ProjectID != b.projectID {
		return nil
	}
	switch ev.Type {
	case domain.EventTaskCreated, domain.EventTaskUpdated, domain.EventTaskMoved:
		var t domain.Task
		if err := sonic.Unmarshal(ev.Payload, &t); err != nil {
			return fmt.Errorf("decode %s payload: %w", ev.Type, err)
		}
		b.merge(t)
	case domain.EventTaskDeleted:
		var t domain.Task
		if err := sonic.Unmarshal(ev.Payload, &t); err != nil {
			return fmt.Errorf("decode %s payload: %w", ev.Type, err)
		}
		b.forget(t.ID)
	}
	return nil
}

// merge is the reconciliation primitive: remove the task from every column
// and reinsert it at its authoritative position. Applying the same snapshot
// twice yields the same view.
func (b *Board) merge(t domain.Task) {
	if _, ok := b.base.tasks[t.ColumnID]; !ok {
		// A column this view has never seen; only a reload can place it.
		b.needsReload = true
		b.forget(t.ID)
		return
	}
	b.base.remove(t.ID)
	b.base.insert(t, t.ColumnID, t.Position)
	if b.state == Committing {
		b.committed.remove(t.ID)
		b.committed.insert(t, t.ColumnID, t.Position)
	}
	if b.state == Dragging {
		b.recomputeTentative()
	}
}

func (b *Board) forget(taskID string) {
	b.base.remove(taskID)
	if b.state == Committing {
		b.committed.remove(taskID)
	}
	if b.state == Dragging {
		if b.drag.taskID == taskID {
			b.DragCancel()
			return
		}
		b.recomputeTentative()
	}
}
