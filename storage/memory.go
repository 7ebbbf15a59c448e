package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"prism-board/domain"
	"prism-board/ordering"
)

// Memory is an in-process ordering.Store. A transaction locks a whole
// project, which matches the lock hierarchy the Postgres store uses (project
// row first). Writes are applied in place and undone on rollback.
type Memory struct {
	mu       sync.RWMutex
	projects map[string]domain.Project
	columns  map[string]domain.Column
	tasks    map[string]domain.Task
	members  map[memberKey]domain.Role
	locks    map[string]chan struct{}
}

type memberKey struct {
	projectID string
	userID    string
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]domain.Project),
		columns:  make(map[string]domain.Column),
		tasks:    make(map[string]domain.Task),
		members:  make(map[memberKey]domain.Role),
		locks:    make(map[string]chan struct{}),
	}
}

func (m *Memory) projectLock(id string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[id] = l
	}
	return l
}

func acquire(ctx context.Context, l chan struct{}) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InTx implements ordering.Store.
func (m *Memory) InTx(ctx context.Context, fn func(tx ordering.Tx) error) error {
	tx := &memTx{m: m, held: make(map[string]chan struct{})}
	defer tx.release()
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Board implements ordering.Store.
func (m *Memory) Board(ctx context.Context, projectID string) (domain.Board, error) {
	l := m.projectLock(projectID)
	if err := acquire(ctx, l); err != nil {
		return domain.Board{}, err
	}
	defer func() { <-l }()

	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	if !ok {
		return domain.Board{}, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	cols := m.columnsOf(projectID)
	colPos := make(map[string]int, len(cols))
	for _, c := range cols {
		colPos[c.ID] = c.Position
	}
	tasks := make([]domain.Task, 0)
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			tasks = append(tasks, cloneTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].ColumnID != tasks[j].ColumnID {
			return colPos[tasks[i].ColumnID] < colPos[tasks[j].ColumnID]
		}
		return tasks[i].Position < tasks[j].Position
	})
	return domain.Board{Project: p, Columns: cols, Tasks: tasks}, nil
}

// ProjectRole implements ordering.Store.
func (m *Memory) ProjectRole(_ context.Context, projectID, userID string) (domain.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.projects[projectID]; !ok {
		return domain.RoleNone, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	return m.members[memberKey{projectID, userID}], nil
}

// columnsOf returns the project's columns ordered by position. Caller holds m.mu.
func (m *Memory) columnsOf(projectID string) []domain.Column {
	cols := make([]domain.Column, 0)
	for _, c := range m.columns {
		if c.ProjectID == projectID {
			cols = append(cols, c)
		}
	}
	sort.Slice(cols, func(i, j int) bool {
		if cols[i].Position != cols[j].Position {
			return cols[i].Position < cols[j].Position
		}
		return cols[i].ID < cols[j].ID
	})
	return cols
}

// tasksOf returns the column's tasks ordered by position. Caller holds m.mu.
func (m *Memory) tasksOf(columnID string) []domain.Task {
	tasks := make([]domain.Task, 0)
	for _, t := range m.tasks {
		if t.ColumnID == columnID {
			tasks = append(tasks, cloneTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

func cloneTask(t domain.Task) domain.Task {
	if t.Tags != nil {
		t.Tags = append([]string(nil), t.Tags...)
	}
	if t.AssigneeID != nil {
		a := *t.AssigneeID
		t.AssigneeID = &a
	}
	if t.DueDate != nil {
		d := *t.DueDate
		t.DueDate = &d
	}
	return t
}

type memTx struct {
	m    *Memory
	held map[string]chan struct{}
	undo []func()
}

func (tx *memTx) lock(ctx context.Context, projectID string) error {
	if _, ok := tx.held[projectID]; ok {
		return nil
	}
	l := tx.m.projectLock(projectID)
	if err := acquire(ctx, l); err != nil {
		return err
	}
	tx.held[projectID] = l
	return nil
}

func (tx *memTx) release() {
	for id, l := range tx.held {
		<-l
		delete(tx.held, id)
	}
}

func (tx *memTx) rollback() {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// write runs apply under the store mutex.
func (tx *memTx) write(apply func(m *Memory)) {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	apply(tx.m)
}

func (tx *memTx) putTask(m *Memory, t domain.Task) {
	prev, existed := m.tasks[t.ID]
	tx.undo = append(tx.undo, func() {
		if existed {
			m.tasks[t.ID] = prev
		} else {
			delete(m.tasks, t.ID)
		}
	})
	m.tasks[t.ID] = t
}

func (tx *memTx) putColumn(m *Memory, c domain.Column) {
	prev, existed := m.columns[c.ID]
	tx.undo = append(tx.undo, func() {
		if existed {
			m.columns[c.ID] = prev
		} else {
			delete(m.columns, c.ID)
		}
	})
	m.columns[c.ID] = c
}

func (tx *memTx) putProject(m *Memory, p domain.Project) {
	prev, existed := m.projects[p.ID]
	tx.undo = append(tx.undo, func() {
		if existed {
			m.projects[p.ID] = prev
		} else {
			delete(m.projects, p.ID)
		}
	})
	m.projects[p.ID] = p
}

func (tx *memTx) ProjectIDForTask(_ context.Context, taskID string) (string, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	t, ok := tx.m.tasks[taskID]
	if !ok {
		return "", fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return t.ProjectID, nil
}

func (tx *memTx) ProjectIDForColumn(_ context.Context, columnID string) (string, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	c, ok := tx.m.columns[columnID]
	if !ok {
		return "", fmt.Errorf("column %s: %w", columnID, domain.ErrNotFound)
	}
	return c.ProjectID, nil
}

func (tx *memTx) LockProject(ctx context.Context, projectID string) (domain.Project, error) {
	if err := tx.lock(ctx, projectID); err != nil {
		return domain.Project{}, err
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	p, ok := tx.m.projects[projectID]
	if !ok {
		return domain.Project{}, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	return p, nil
}

func (tx *memTx) IncrementTaskNumber(ctx context.Context, projectID string) (int64, error) {
	if err := tx.lock(ctx, projectID); err != nil {
		return 0, err
	}
	var (
		n   int64
		err error
	)
	tx.write(func(m *Memory) {
		p, ok := m.projects[projectID]
		if !ok {
			err = fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
			return
		}
		p.LastTaskNumber++
		n = p.LastTaskNumber
		tx.putProject(m, p)
	})
	return n, err
}

func (tx *memTx) InsertProject(ctx context.Context, p domain.Project) error {
	if err := tx.lock(ctx, p.ID); err != nil {
		return err
	}
	var err error
	tx.write(func(m *Memory) {
		if _, ok := m.projects[p.ID]; ok {
			err = fmt.Errorf("%w: project %s already exists", domain.ErrConflict, p.ID)
			return
		}
		for _, other := range m.projects {
			if other.Prefix == p.Prefix {
				err = fmt.Errorf("%w: prefix %s is already in use", domain.ErrConflict, p.Prefix)
				return
			}
		}
		tx.putProject(m, p)
	})
	return err
}

func (tx *memTx) UpdateProject(_ context.Context, p domain.Project) error {
	var err error
	tx.write(func(m *Memory) {
		if _, ok := m.projects[p.ID]; !ok {
			err = fmt.Errorf("project %s: %w", p.ID, domain.ErrNotFound)
			return
		}
		for _, other := range m.projects {
			if other.ID != p.ID && other.Prefix == p.Prefix {
				err = fmt.Errorf("%w: prefix %s is already in use", domain.ErrConflict, p.Prefix)
				return
			}
		}
		tx.putProject(m, p)
	})
	return err
}

func (tx *memTx) PrefixTaken(_ context.Context, prefix, exceptProjectID string) (bool, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	for _, p := range tx.m.projects {
		if p.Prefix == prefix && p.ID != exceptProjectID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) AddMember(_ context.Context, projectID, userID string, role domain.Role) error {
	tx.write(func(m *Memory) {
		key := memberKey{projectID, userID}
		prev, existed := m.members[key]
		tx.undo = append(tx.undo, func() {
			if existed {
				m.members[key] = prev
			} else {
				delete(m.members, key)
			}
		})
		m.members[key] = role
	})
	return nil
}

func (tx *memTx) GetColumn(_ context.Context, columnID string) (domain.Column, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	c, ok := tx.m.columns[columnID]
	if !ok {
		return domain.Column{}, fmt.Errorf("column %s: %w", columnID, domain.ErrNotFound)
	}
	return c, nil
}

func (tx *memTx) LockColumns(ctx context.Context, projectID string) ([]domain.Column, error) {
	if err := tx.lock(ctx, projectID); err != nil {
		return nil, err
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	return tx.m.columnsOf(projectID), nil
}

func (tx *memTx) InsertColumn(_ context.Context, c domain.Column) error {
	var err error
	tx.write(func(m *Memory) {
		if _, ok := m.columns[c.ID]; ok {
			err = fmt.Errorf("%w: column %s already exists", domain.ErrConflict, c.ID)
			return
		}
		tx.putColumn(m, c)
	})
	return err
}

func (tx *memTx) SetColumnPosition(_ context.Context, columnID string, position int, updatedAt time.Time) error {
	var err error
	tx.write(func(m *Memory) {
		c, ok := m.columns[columnID]
		if !ok {
			err = fmt.Errorf("column %s: %w", columnID, domain.ErrNotFound)
			return
		}
		c.Position = position
		c.UpdatedAt = updatedAt
		tx.putColumn(m, c)
	})
	return err
}

func (tx *memTx) ShiftColumns(_ context.Context, projectID string, from, delta int, excludeColumnID string) error {
	tx.write(func(m *Memory) {
		for _, c := range m.columns {
			if c.ProjectID != projectID || c.ID == excludeColumnID || c.Position < from {
				continue
			}
			c.Position += delta
			tx.putColumn(m, c)
		}
	})
	return nil
}

func (tx *memTx) DeleteColumn(_ context.Context, columnID string) error {
	var err error
	tx.write(func(m *Memory) {
		c, ok := m.columns[columnID]
		if !ok {
			err = fmt.Errorf("column %s: %w", columnID, domain.ErrNotFound)
			return
		}
		for _, t := range m.tasks {
			if t.ColumnID == columnID {
				err = fmt.Errorf("%w: column %s still holds tasks", domain.ErrConflict, columnID)
				return
			}
		}
		tx.undo = append(tx.undo, func() { m.columns[columnID] = c })
		delete(m.columns, columnID)
	})
	return err
}

func (tx *memTx) LockTask(_ context.Context, taskID string) (domain.Task, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	t, ok := tx.m.tasks[taskID]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if _, held := tx.held[t.ProjectID]; !held {
		return domain.Task{}, fmt.Errorf("task %s locked outside its project lock", taskID)
	}
	return cloneTask(t), nil
}

func (tx *memTx) CountTasks(_ context.Context, columnID, excludeTaskID string) (int, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	n := 0
	for _, t := range tx.m.tasks {
		if t.ColumnID == columnID && t.ID != excludeTaskID {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) ListTasks(_ context.Context, columnID string) ([]domain.Task, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	return tx.m.tasksOf(columnID), nil
}

func (tx *memTx) ShiftTasks(_ context.Context, columnID string, from, delta int, excludeTaskID string) error {
	tx.write(func(m *Memory) {
		for _, t := range m.tasks {
			if t.ColumnID != columnID || t.ID == excludeTaskID || t.Position < from {
				continue
			}
			t.Position += delta
			tx.putTask(m, t)
		}
	})
	return nil
}

func (tx *memTx) PlaceTask(_ context.Context, taskID, columnID string, position int, updatedAt time.Time) (domain.Task, error) {
	var (
		out domain.Task
		err error
	)
	tx.write(func(m *Memory) {
		t, ok := m.tasks[taskID]
		if !ok {
			err = fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
			return
		}
		t.ColumnID = columnID
		t.Position = position
		t.UpdatedAt = updatedAt
		tx.putTask(m, t)
		out = cloneTask(t)
	})
	return out, err
}

func (tx *memTx) SetTaskPosition(_ context.Context, taskID string, position int) error {
	var err error
	tx.write(func(m *Memory) {
		t, ok := m.tasks[taskID]
		if !ok {
			err = fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
			return
		}
		t.Position = position
		tx.putTask(m, t)
	})
	return err
}

func (tx *memTx) InsertTask(_ context.Context, t domain.Task) error {
	var err error
	tx.write(func(m *Memory) {
		if _, ok := m.tasks[t.ID]; ok {
			err = fmt.Errorf("%w: task %s already exists", domain.ErrConflict, t.ID)
			return
		}
		for _, other := range m.tasks {
			if other.ProjectID == t.ProjectID && other.TaskNumber == t.TaskNumber {
				err = fmt.Errorf("%w: task number %d already used", domain.ErrConflict, t.TaskNumber)
				return
			}
		}
		tx.putTask(m, cloneTask(t))
	})
	return err
}

func (tx *memTx) UpdateTask(_ context.Context, t domain.Task) error {
	var err error
	tx.write(func(m *Memory) {
		cur, ok := m.tasks[t.ID]
		if !ok {
			err = fmt.Errorf("task %s: %w", t.ID, domain.ErrNotFound)
			return
		}
		// Ordering and identity fields are owned by the ledger and sequence.
		t.ColumnID = cur.ColumnID
		t.Position = cur.Position
		t.ProjectID = cur.ProjectID
		t.TaskNumber = cur.TaskNumber
		t.HumanReadableID = cur.HumanReadableID
		tx.putTask(m, cloneTask(t))
	})
	return err
}

func (tx *memTx) DeleteTask(_ context.Context, taskID string) error {
	var err error
	tx.write(func(m *Memory) {
		t, ok := m.tasks[taskID]
		if !ok {
			err = fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
			return
		}
		tx.undo = append(tx.undo, func() { m.tasks[taskID] = t })
		delete(m.tasks, taskID)
	})
	return err
}

func (tx *memTx) ReassignTasks(_ context.Context, fromColumnID, toColumnID string, offset int, updatedAt time.Time) ([]domain.Task, error) {
	var moved []domain.Task
	tx.write(func(m *Memory) {
		moved = m.tasksOf(fromColumnID)
		for i := range moved {
			moved[i].ColumnID = toColumnID
			moved[i].Position += offset
			moved[i].UpdatedAt = updatedAt
			tx.putTask(m, cloneTask(moved[i]))
		}
	})
	return moved, nil
}

func (tx *memTx) RewriteTaskKeys(_ context.Context, projectID, prefix string, updatedAt time.Time) ([]domain.Task, error) {
	var rewritten []domain.Task
	tx.write(func(m *Memory) {
		for _, t := range m.tasks {
			if t.ProjectID != projectID {
				continue
			}
			t.HumanReadableID = domain.HumanReadableID(prefix, t.TaskNumber)
			t.UpdatedAt = updatedAt
			tx.putTask(m, t)
			rewritten = append(rewritten, cloneTask(t))
		}
	})
	sort.Slice(rewritten, func(i, j int) bool { return rewritten[i].TaskNumber < rewritten[j].TaskNumber })
	return rewritten, nil
}
