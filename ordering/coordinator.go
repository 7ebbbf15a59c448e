package ordering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-board/domain"
)

const tracerName = "prism-board/ordering"

// Coordinator is the only writer of positions and task numbers. Each
// operation runs as one scoped transaction that takes the project row lock
// first, then column and task rows. Events are published only after commit
// and publish failures never fail the operation.
type Coordinator struct {
	store  Store
	pub    Publisher
	logger *log.Logger
	ledger Ledger
	seq    Sequence
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator overrides entity id generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newID = gen }
}

// WithTracerProvider sets the tracer provider used for operation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) { c.tracer = tp.Tracer(tracerName) }
}

// NewCoordinator creates a coordinator over store. pub may be nil, in which
// case nothing is broadcast.
func NewCoordinator(store Store, pub Publisher, logger *log.Logger, opts ...Option) *Coordinator {
	if store == nil {
		panic("ordering.NewCoordinator: store is nil")
	}
	if logger == nil {
		panic("ordering.NewCoordinator: logger is nil")
	}
	c := &Coordinator{
		store:  store,
		pub:    pub,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type pendingEvent struct {
	eventType string
	entity    any
	projectID string
}

type emitter struct{ events []pendingEvent }

func (e *emitter) emit(eventType string, entity any, projectID string) {
	e.events = append(e.events, pendingEvent{eventType: eventType, entity: entity, projectID: projectID})
}

// mutate runs fn in a scoped transaction and publishes what it emitted once
// the commit succeeded.
func (c *Coordinator) mutate(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context, tx Tx, em *emitter) error) error {
	ctx, span := c.tracer.Start(ctx, "ordering."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	em := &emitter{}
	err := c.store.InTx(ctx, func(tx Tx) error {
		em.events = em.events[:0]
		return fn(ctx, tx, em)
	})
	observe(op, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("board.events", len(em.events)))

	// Fan-out must outlive the request that triggered it.
	pubCtx := context.WithoutCancel(ctx)
	for _, ev := range em.events {
		c.publish(pubCtx, ev)
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, ev pendingEvent) {
	if c.pub == nil {
		return
	}
	if err := c.pub.Publish(ctx, ev.eventType, ev.entity, ev.projectID); err != nil {
		publishFailures.Inc()
		c.logger.WithError(err).WithFields(log.Fields{
			"event":   ev.eventType,
			"project": ev.projectID,
		}).Warn("broadcast failed; committed state is unaffected")
	}
}

func (c *Coordinator) columnInProject(ctx context.Context, tx Tx, columnID, projectID string) (domain.Column, error) {
	col, err := tx.GetColumn(ctx, columnID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Column{}, fmt.Errorf("%w: column %s does not exist", domain.ErrValidation, columnID)
	}
	if err != nil {
		return domain.Column{}, err
	}
	if col.ProjectID != projectID {
		return domain.Column{}, fmt.Errorf("%w: column %s does not belong to project %s", domain.ErrValidation, columnID, projectID)
	}
	return col, nil
}

// MoveTask relocates a task to (NewColumnID, NewPosition). Positions beyond
// the destination's task count append; a move to the current slot changes
// nothing and publishes nothing.
func (c *Coordinator) MoveTask(ctx context.Context, req domain.MoveTaskRequest, userID string) (domain.Task, error) {
	if err := domain.Validate(req); err != nil {
		return domain.Task{}, err
	}
	var moved domain.Task
	attrs := []attribute.KeyValue{
		attribute.String("board.task_id", req.TaskID),
		attribute.String("board.column_id", req.NewColumnID),
		attribute.Int("board.position", req.NewPosition),
	}
	err := c.mutate(ctx, "move_task", attrs, func(ctx context.Context, tx Tx, em *emitter) error {
		projectID, err := tx.ProjectIDForTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		if _, err := tx.LockProject(ctx, projectID); err != nil {
			return err
		}
		task, err := tx.LockTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		target, err := c.columnInProject(ctx, tx, req.NewColumnID, task.ProjectID)
		if err != nil {
			return err
		}
		if req.OldColumnID != "" && req.OldColumnID != task.ColumnID {
			c.logger.WithFields(log.Fields{
				"task":   task.ID,
				"hint":   req.OldColumnID,
				"actual": task.ColumnID,
				"user":   userID,
			}).Debug("move request carried a stale source column")
		}

		count, err := tx.CountTasks(ctx, target.ID, task.ID)
		if err != nil {
			return err
		}
		pos := req.NewPosition
		if pos > count {
			pos = count
		}
		if target.ID == task.ColumnID && pos == task.Position {
			moved = task
			return nil
		}

		if err := c.ledger.RemoveTask(ctx, tx, task.ColumnID, task.Position, task.ID); err != nil {
			return err
		}
		moved, err = c.ledger.InsertTaskAt(ctx, tx, task.ID, target.ID, pos, c.now())
		if err != nil {
			return err
		}
		em.emit(domain.EventTaskMoved, moved, moved.ProjectID)
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return moved, nil
}

// CreateTask allocates the next task number and appends the task to the tail
// of its column.
func (c *Coordinator) CreateTask(ctx context.Context, req domain.CreateTaskRequest, userID string) (domain.Task, error) {
	if err := domain.Validate(req); err != nil {
		return domain.Task{}, err
	}
	var created domain.Task
	attrs := []attribute.KeyValue{
		attribute.String("board.project_id", req.ProjectID),
		attribute.String("board.column_id", req.ColumnID),
	}
	err := c.mutate(ctx, "create_task", attrs, func(ctx context.Context, tx Tx, em *emitter) error {
		project, err := tx.LockProject(ctx, req.ProjectID)
		if err != nil {
			return err
		}
		col, err := c.columnInProject(ctx, tx, req.ColumnID, project.ID)
		if err != nil {
			return err
		}
		number, err := c.seq.NextTaskNumber(ctx, tx, project.ID)
		if err != nil {
			return err
		}
		pos, err := c.ledger.AppendTask(ctx, tx, col.ID)
		if err != nil {
			return err
		}
		now := c.now()
		created = domain.Task{
			ID:              c.newID(),
			ProjectID:       project.ID,
			ColumnID:        col.ID,
			TaskNumber:      number,
			HumanReadableID: domain.HumanReadableID(project.Prefix, number),
			Title:           req.Title,
			Description:     req.Description,
			AssigneeID:      req.AssigneeID,
			DueDate:         req.DueDate,
			Type:            valueOr(req.Type, domain.TaskTypeTask),
			Priority:        valueOr(req.Priority, domain.PriorityMedium),
			Tags:            normalizeTags(req.Tags),
			Position:        pos,
			CreatedBy:       userID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertTask(ctx, created); err != nil {
			return err
		}
		em.emit(domain.EventTaskCreated, created, project.ID)
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return created, nil
}

// UpdateTask changes the non-ordering fields of a task.
func (c *Coordinator) UpdateTask(ctx context.Context, taskID string, req domain.UpdateTaskRequest, userID string) (domain.Task, error) {
	if err := domain.Validate(req); err != nil {
		return domain.Task{}, err
	}
	var updated domain.Task
	attrs := []attribute.KeyValue{attribute.String("board.task_id", taskID)}
	err := c.mutate(ctx, "update_task", attrs, func(ctx context.Context, tx Tx, em *emitter) error {
		projectID, err := tx.ProjectIDForTask(ctx, taskID)
		if err != nil {
			return err
		}
		if _, err := tx.LockProject(ctx, projectID); err != nil {
			return err
		}
		task, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if req.Title != nil {
			task.Title = *req.Title
		}
		if req.Description != nil {
			task.Description = *req.Description
		}
		if req.AssigneeID != nil {
			if *req.AssigneeID == "" {
				task.AssigneeID = nil
			} else {
				assignee := *req.AssigneeID
				task.AssigneeID = &assignee
			}
		}
		if req.DueDate != nil {
			task.DueDate = req.DueDate
		}
		if req.Type != nil {
			task.Type = *req.Type
		}
		if req.Priority != nil {
			task.Priority = *req.Priority
		}
		if req.Tags != nil {
			task.Tags = normalizeTags(req.Tags)
		}
		task.UpdatedAt = c.now()
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		updated = task
		em.emit(domain.EventTaskUpdated, updated, updated.ProjectID)
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

// DeleteTask removes a task and closes the gap it leaves.
func (c *Coordinator) DeleteTask(ctx context.Context, taskID, userID string) error {
	attrs := []attribute.KeyValue{attribute.String("board.task_id", taskID)}
	return c.mutate(ctx, "delete_task", attrs, func(ctx context.Context, tx Tx, em *emitter) error {
		projectID, err := tx.ProjectIDForTask(ctx, taskID)
		if err != nil {
			return err
		}
		if _, err := tx.LockProject(ctx, projectID); err != nil {
			return err
		}
		task, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := tx.DeleteTask(ctx, task.ID); err != nil {
			return err
		}
		if err := c.ledger.RemoveTask(ctx, tx, task.ColumnID, task.Position, task.ID); err != nil {
			return err
		}
		c.logger.WithFields(log.Fields{"task": task.ID, "key": task.HumanReadableID, "user": userID}).Debug("task deleted")
		em.emit(domain.EventTaskDeleted, task, task.ProjectID)
		return nil
	})
}

// CreateProject stores a project with the default columns and makes the
// creator its admin.
func (c *Coordinator) CreateProject(ctx context.Context, req domain.CreateProjectRequest, userID string) (domain.Board, error) {
	req.Prefix = domain.NormalizePrefix(req.Prefix)
	if err := domain.Validate(req); err != nil {
		return domain.Board{}, err
	}
	var board domain.Board
	attrs := []attribute.KeyValue{attribute.String("board.prefix", req.Prefix)}
	err := c.mutate(ctx, "create_project", attrs, func(ctx context.Context, tx Tx, _ *emitter) error {
		taken, err := tx.PrefixTaken(ctx, req.Prefix, "")
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: prefix %s is already in use", domain.ErrConflict, req.Prefix)
		}
		now := c.now()
		project := domain.Project{
			ID:        c.newID(),
			Name:      req.Name,
			Prefix:    req.Prefix,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertProject(ctx, project); err != nil {
			return err
		}
		cols := make([]domain.Column, 0, len(domain.DefaultColumns))
		for i, name := range domain.DefaultColumns {
			col := domain.Column{
				ID:        c.newID(),
				ProjectID: project.ID,
				Name:      name,
				Position:  i,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.InsertColumn(ctx, col); err != nil {
				return err
			}
			cols = append(cols, col)
		}
		if err := tx.AddMember(ctx, project.ID, userID, domain.RoleAdmin); err != nil {
			return err
		}
		board = domain.Board{Project: project, Columns: cols, Tasks: []domain.Task{}}
		return nil
	})
	if err != nil {
		return domain.Board{}, err
	}
	return board, nil
}

// UpdateProjectSettings renames a project and/or changes its prefix. A
// prefix change rewrites every task key in the same transaction; task
// numbers are untouched.
func (c *Coordinator) UpdateProjectSettings(ctx context.Context, projectID string, settings domain.ProjectSettings) (domain.Project, error) {
	if settings.Prefix != nil {
		p := domain.NormalizePrefix(*settings.Prefix)
		settings.Prefix = &p
	}
	if err := domain.Validate(settings); err != nil {
		return domain.Project{}, err
	}
	var project domain.Project
	attrs := []attribute.KeyValue{attribute.String("board.project_id", projectID)}
	err := c.mutate(ctx, "update_project", attrs, func(ctx context.Context, tx Tx, em *emitter) error {
		var err error
		project, err = tx.LockProject(ctx, projectID)
		if err != nil {
			return err
		}
		now := c.now()
		prefixChanged := settings.Prefix != nil && *settings.Prefix != project.Prefix
		if prefixChanged {
			taken, err := tx.PrefixTaken(ctx, *settings.Prefix, project.ID)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("%w: prefix %s is already in use", domain.ErrConflict, *settings.Prefix)
			}
			project.Prefix = *settings.Prefix
		}
		if settings.Name != nil {
			project.Name = *settings.Name
		}
		project.UpdatedAt = now
		if err := tx.UpdateProject(ctx, project); err != nil {
			return err
		}
		if !prefixChanged {
			return nil
		}
		tasks, err := tx.RewriteTaskKeys(ctx, project.ID, project.Prefix, now)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			em.emit(domain.EventTaskUpdated, t, project.ID)
		}
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	return project, nil
}

// SetMember grants userID the given role on the project, replacing any
// previous role.
func (c *Coordinator) SetMember(ctx context.Context, projectID, userID string, req domain.SetMemberRequest) error {
	if err := domain.Validate(req); err != nil {
		return err
	}
	if userID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	attrs := []attribute.KeyValue{attribute.String("board.project_id", projectID)}
	return c.mutate(ctx, "set_member", attrs, func(ctx context.Context, tx Tx, _ *emitter) error {
		if _, err := tx.LockProject(ctx, projectID); err != nil {
			return err
		}
		return tx.AddMember(ctx, projectID, userID, req.Role)
	})
}

// CreateColumn appends a column to the project.
func (c *Coordinator) CreateColumn(ctx context.Context, projectID string, req domain.CreateColumnRequest) (domain.Column, error) {
	if err := domain.Validate(req); err != nil {
		return domain.Column{}, err
	}
	var col domain.Column
	attrs := []attribute.KeyValue{attribute.String("board.project_id", projectID)}
	err := c.mutate(ctx, "create_column", attrs, func(ctx context.Context, tx Tx, _ *emitter) error {
		if _, err := tx.LockProject(ctx, projectID); err != nil {
			return err
		}
		cols, err := tx.LockColumns(ctx, projectID)
		if err != nil {
			return err
		}
		now := c.now()
		col = domain.Column{
			ID:        c.newID(),
			ProjectID: projectID,
			Name:      req.Name,
			Position:  len(cols),
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.InsertColumn(ctx, col)
	})
	if err != nil {
		return domain.Column{}, err
	}
	return col, nil
}

// MoveColumn reorders a column within its project. Overflowing positions append.
func (c *Coordinator) MoveColumn(ctx context.Context, columnID string, req domain.MoveColumnRequest) (domain.Column, error) {
	if err := domain.Validate(req); err != nil {
		return domain.Column{}, err
	}
	var moved domain.Column
	attrs := []attribute.KeyValue{
		attribute.String("board.column_id", columnID),
		attribute.Int("board.position", req.Position),
	}
	err := c.mutate(ctx, "move_column", attrs, func(ctx context.Context, tx Tx, _ *emitter) error {
		projectID, err := tx.ProjectIDForColumn(ctx, columnID)
		if err != nil {
			return err
		}
		if _, err := tx.LockProject(ctx, projectID); err != nil {
			return err
		}
		cols, err := tx.LockColumns(ctx, projectID)
		if err != nil {
			return err
		}
		idx := indexOfColumn(cols, columnID)
		if idx < 0 {
			return fmt.Errorf("column %s: %w", columnID, domain.ErrNotFound)
		}
		moved = cols[idx]
		pos := req.Position
		if pos > len(cols)-1 {
			pos = len(cols) - 1
		}
		if pos == moved.Position {
			return nil
		}
		now := c.now()
		if err := c.ledger.MoveColumn(ctx, tx, moved, pos, now); err != nil {
			return err
		}
		moved.Position = pos
		moved.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Column{}, err
	}
	return moved, nil
}

// DeleteColumn removes a column after moving its tasks to the tail of the
// previous column (or the next one when deleting the first), then compacts
// column positions. A project never drops below domain.MinColumns.
func (c *Coordinator) DeleteColumn(ctx context.Context, columnID, userID string) error {
	attrs := []attribute.KeyValue{attribute.String("board.column_id", columnID)}
	return c.mutate(ctx, "delete_column", attrs, func(ctx context.Context, tx Tx, em *emitter) error {
		projectID, err := tx.ProjectIDForColumn(ctx, columnID)
		if err != nil {
			return err
		}
		if _, err := tx.LockProject(ctx, projectID); err != nil {
			return err
		}
		cols, err := tx.LockColumns(ctx, projectID)
		if err != nil {
			return err
		}
		idx := indexOfColumn(cols, columnID)
		if idx < 0 {
			return fmt.Errorf("column %s: %w", columnID, domain.ErrNotFound)
		}
		if len(cols)-1 < domain.MinColumns {
			return fmt.Errorf("%w: project must keep at least %d columns", domain.ErrValidation, domain.MinColumns)
		}
		var target domain.Column
		if idx > 0 {
			target = cols[idx-1]
		} else {
			target = cols[1]
		}

		offset, err := c.ledger.AppendTask(ctx, tx, target.ID)
		if err != nil {
			return err
		}
		now := c.now()
		moved, err := tx.ReassignTasks(ctx, columnID, target.ID, offset, now)
		if err != nil {
			return err
		}
		if err := c.ledger.CompactTaskPositions(ctx, tx, target.ID); err != nil {
			return err
		}
		if err := tx.DeleteColumn(ctx, columnID); err != nil {
			return err
		}
		if _, err := c.ledger.CompactColumnPositions(ctx, tx, projectID, now); err != nil {
			return err
		}
		c.logger.WithFields(log.Fields{
			"column": columnID,
			"target": target.ID,
			"moved":  len(moved),
			"user":   userID,
		}).Info("column deleted")
		for _, t := range moved {
			em.emit(domain.EventTaskMoved, t, projectID)
		}
		return nil
	})
}

// Board returns the project's read snapshot.
func (c *Coordinator) Board(ctx context.Context, projectID string) (domain.Board, error) {
	return c.store.Board(ctx, projectID)
}

// Role returns the caller's membership role in a project.
func (c *Coordinator) Role(ctx context.Context, projectID, userID string) (domain.Role, error) {
	return c.store.ProjectRole(ctx, projectID, userID)
}

// ProjectOfTask returns the id of the project owning taskID.
func (c *Coordinator) ProjectOfTask(ctx context.Context, taskID string) (string, error) {
	var projectID string
	err := c.store.InTx(ctx, func(tx Tx) error {
		var err error
		projectID, err = tx.ProjectIDForTask(ctx, taskID)
		return err
	})
	return projectID, err
}

// ProjectOfColumn returns the id of the project owning columnID.
func (c *Coordinator) ProjectOfColumn(ctx context.Context, columnID string) (string, error) {
	var projectID string
	err := c.store.InTx(ctx, func(tx Tx) error {
		var err error
		projectID, err = tx.ProjectIDForColumn(ctx, columnID)
		return err
	})
	return projectID, err
}

func indexOfColumn(cols []domain.Column, id string) int {
	for i := range cols {
		if cols[i].ID == id {
			return i
		}
	}
	return -1
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
