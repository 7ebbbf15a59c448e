package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"prism-board/domain"
	"prism-board/ordering"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements ordering.Store on PostgreSQL. Row locks are taken with
// SELECT ... FOR UPDATE and held until the scoped transaction ends.
type Postgres struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgres connects a pool to connStr. lockTimeout bounds how long a
// transaction waits on a row lock; zero waits indefinitely.
func NewPostgres(ctx context.Context, connStr string, lockTimeout time.Duration) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool, lockTimeout: lockTimeout}, nil
}

// Migrate creates the schema if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// InTx implements ordering.Store.
func (p *Postgres) InTx(ctx context.Context, fn func(tx ordering.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if p.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", p.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Board implements ordering.Store. The snapshot is read in a single
// repeatable-read transaction so columns and tasks agree.
func (p *Postgres) Board(ctx context.Context, projectID string) (domain.Board, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.Board{}, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only

	project, err := scanProject(tx.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, projectID))
	if err != nil {
		return domain.Board{}, mapErr(fmt.Errorf("project %s: %w", projectID, err))
	}
	cols, err := queryColumns(ctx, tx, `SELECT `+columnColumns+` FROM board_columns WHERE project_id = $1 ORDER BY position, id`, projectID)
	if err != nil {
		return domain.Board{}, err
	}
	tasks, err := queryTasks(ctx, tx, `
		SELECT `+taskColumnsQualified+`
		FROM tasks t JOIN board_columns c ON c.id = t.column_id
		WHERE t.project_id = $1
		ORDER BY c.position, t.position`, projectID)
	if err != nil {
		return domain.Board{}, err
	}
	return domain.Board{Project: project, Columns: cols, Tasks: tasks}, nil
}

// ProjectRole implements ordering.Store.
func (p *Postgres) ProjectRole(ctx context.Context, projectID, userID string) (domain.Role, error) {
	var role *string
	err := p.pool.QueryRow(ctx, `
		SELECT m.role FROM projects p
		LEFT JOIN project_members m ON m.project_id = p.id AND m.user_id = $2
		WHERE p.id = $1`, projectID, userID).Scan(&role)
	if err != nil {
		return domain.RoleNone, mapErr(fmt.Errorf("project %s: %w", projectID, err))
	}
	if role == nil {
		return domain.RoleNone, nil
	}
	return domain.Role(*role), nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

const (
	projectColumns       = `id, name, prefix, last_task_number, created_at, updated_at`
	columnColumns        = `id, project_id, name, position, created_at, updated_at`
	taskColumns          = `id, project_id, column_id, task_number, human_readable_id, title, description, assignee_id, due_date, type, priority, tags, position, created_by, created_at, updated_at`
	taskColumnsQualified = `t.id, t.project_id, t.column_id, t.task_number, t.human_readable_id, t.title, t.description, t.assignee_id, t.due_date, t.type, t.priority, t.tags, t.position, t.created_by, t.created_at, t.updated_at`
)

func scanProject(row pgx.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Prefix, &p.LastTaskNumber, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanColumn(row pgx.Row) (domain.Column, error) {
	var c domain.Column
	err := row.Scan(&c.ID, &c.ProjectID, &c.Name, &c.Position, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.ProjectID, &t.ColumnID, &t.TaskNumber, &t.HumanReadableID, &t.Title,
		&t.Description, &t.AssigneeID, &t.DueDate, &t.Type, &t.Priority, &t.Tags, &t.Position,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if t.Tags == nil {
		t.Tags = []string{}
	}
	return t, err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryColumns(ctx context.Context, q querier, sql string, args ...any) ([]domain.Column, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()
	cols := []domain.Column{}
	for rows.Next() {
		c, err := scanColumn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func queryTasks(ctx context.Context, q querier, sql string, args ...any) ([]domain.Task, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ProjectIDForTask(ctx context.Context, taskID string) (string, error) {
	var id string
	err := t.tx.QueryRow(ctx, `SELECT project_id FROM tasks WHERE id = $1`, taskID).Scan(&id)
	return id, mapErr(wrapID("task", taskID, err))
}

func (t *pgTx) ProjectIDForColumn(ctx context.Context, columnID string) (string, error) {
	var id string
	err := t.tx.QueryRow(ctx, `SELECT project_id FROM board_columns WHERE id = $1`, columnID).Scan(&id)
	return id, mapErr(wrapID("column", columnID, err))
}

func (t *pgTx) LockProject(ctx context.Context, projectID string) (domain.Project, error) {
	p, err := scanProject(t.tx.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, projectID))
	return p, mapErr(wrapID("project", projectID, err))
}

func (t *pgTx) IncrementTaskNumber(ctx context.Context, projectID string) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx, `
		UPDATE projects SET last_task_number = last_task_number + 1
		WHERE id = $1
		RETURNING last_task_number`, projectID).Scan(&n)
	return n, mapErr(wrapID("project", projectID, err))
}

func (t *pgTx) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO projects (id, name, prefix, last_task_number, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.Prefix, p.LastTaskNumber, p.CreatedAt, p.UpdatedAt)
	return mapErr(wrapID("insert project", p.ID, err))
}

func (t *pgTx) UpdateProject(ctx context.Context, p domain.Project) error {
	tag, err := t.tx.Exec(ctx, `UPDATE projects SET name = $2, prefix = $3, updated_at = $4 WHERE id = $1`,
		p.ID, p.Name, p.Prefix, p.UpdatedAt)
	if err != nil {
		return mapErr(wrapID("update project", p.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) PrefixTaken(ctx context.Context, prefix, exceptProjectID string) (bool, error) {
	var taken bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE prefix = $1 AND id <> $2)`,
		prefix, exceptProjectID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check prefix %s: %w", prefix, err)
	}
	return taken, nil
}

func (t *pgTx) AddMember(ctx context.Context, projectID, userID string, role domain.Role) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO project_members (project_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		projectID, userID, string(role))
	return mapErr(wrapID("add member to project", projectID, err))
}

func (t *pgTx) GetColumn(ctx context.Context, columnID string) (domain.Column, error) {
	c, err := scanColumn(t.tx.QueryRow(ctx, `SELECT `+columnColumns+` FROM board_columns WHERE id = $1`, columnID))
	return c, mapErr(wrapID("column", columnID, err))
}

func (t *pgTx) LockColumns(ctx context.Context, projectID string) ([]domain.Column, error) {
	return queryColumns(ctx, t.tx, `
		SELECT `+columnColumns+` FROM board_columns
		WHERE project_id = $1
		ORDER BY position, id
		FOR UPDATE`, projectID)
}

func (t *pgTx) InsertColumn(ctx context.Context, c domain.Column) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO board_columns (id, project_id, name, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.ProjectID, c.Name, c.Position, c.CreatedAt, c.UpdatedAt)
	return mapErr(wrapID("insert column", c.ID, err))
}

func (t *pgTx) SetColumnPosition(ctx context.Context, columnID string, position int, updatedAt time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE board_columns SET position = $2, updated_at = $3 WHERE id = $1`,
		columnID, position, updatedAt)
	if err != nil {
		return mapErr(wrapID("position column", columnID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("column %s: %w", columnID, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) ShiftColumns(ctx context.Context, projectID string, from, delta int, excludeColumnID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE board_columns SET position = position + $3
		WHERE project_id = $1 AND position >= $2 AND id <> $4`,
		projectID, from, delta, excludeColumnID)
	if err != nil {
		return fmt.Errorf("shift columns of project %s: %w", projectID, err)
	}
	return nil
}

func (t *pgTx) DeleteColumn(ctx context.Context, columnID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM board_columns WHERE id = $1`, columnID)
	if err != nil {
		return mapErr(wrapID("delete column", columnID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("column %s: %w", columnID, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockTask(ctx context.Context, taskID string) (domain.Task, error) {
	task, err := scanTask(t.tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
	return task, mapErr(wrapID("task", taskID, err))
}

func (t *pgTx) CountTasks(ctx context.Context, columnID, excludeTaskID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE column_id = $1 AND id <> $2`,
		columnID, excludeTaskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks of column %s: %w", columnID, err)
	}
	return n, nil
}

func (t *pgTx) ListTasks(ctx context.Context, columnID string) ([]domain.Task, error) {
	return queryTasks(ctx, t.tx, `SELECT `+taskColumns+` FROM tasks WHERE column_id = $1 ORDER BY position, id`, columnID)
}

func (t *pgTx) ShiftTasks(ctx context.Context, columnID string, from, delta int, excludeTaskID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE tasks SET position = position + $3
		WHERE column_id = $1 AND position >= $2 AND id <> $4`,
		columnID, from, delta, excludeTaskID)
	if err != nil {
		return fmt.Errorf("shift tasks of column %s: %w", columnID, err)
	}
	return nil
}

func (t *pgTx) PlaceTask(ctx context.Context, taskID, columnID string, position int, updatedAt time.Time) (domain.Task, error) {
	task, err := scanTask(t.tx.QueryRow(ctx, `
		UPDATE tasks SET column_id = $2, position = $3, updated_at = $4
		WHERE id = $1
		RETURNING `+taskColumns, taskID, columnID, position, updatedAt))
	return task, mapErr(wrapID("place task", taskID, err))
}

func (t *pgTx) SetTaskPosition(ctx context.Context, taskID string, position int) error {
	tag, err := t.tx.Exec(ctx, `UPDATE tasks SET position = $2 WHERE id = $1`, taskID, position)
	if err != nil {
		return mapErr(wrapID("position task", taskID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTask(ctx context.Context, task domain.Task) error {
	tags := task.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		task.ID, task.ProjectID, task.ColumnID, task.TaskNumber, task.HumanReadableID, task.Title,
		task.Description, task.AssigneeID, task.DueDate, task.Type, task.Priority, tags, task.Position,
		task.CreatedBy, task.CreatedAt, task.UpdatedAt)
	return mapErr(wrapID("insert task", task.ID, err))
}

func (t *pgTx) UpdateTask(ctx context.Context, task domain.Task) error {
	tags := task.Tags
	if tags == nil {
		tags = []string{}
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE tasks SET title = $2, description = $3, assignee_id = $4, due_date = $5,
		       type = $6, priority = $7, tags = $8, updated_at = $9
		WHERE id = $1`,
		task.ID, task.Title, task.Description, task.AssigneeID, task.DueDate,
		task.Type, task.Priority, tags, task.UpdatedAt)
	if err != nil {
		return mapErr(wrapID("update task", task.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", task.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return mapErr(wrapID("delete task", taskID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) ReassignTasks(ctx context.Context, fromColumnID, toColumnID string, offset int, updatedAt time.Time) ([]domain.Task, error) {
	moved, err := queryTasks(ctx, t.tx, `
		UPDATE tasks SET column_id = $2, position = position + $3, updated_at = $4
		WHERE column_id = $1
		RETURNING `+taskColumns, fromColumnID, toColumnID, offset, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("reassign tasks of column %s: %w", fromColumnID, err)
	}
	sortByPosition(moved)
	return moved, nil
}

func (t *pgTx) RewriteTaskKeys(ctx context.Context, projectID, prefix string, updatedAt time.Time) ([]domain.Task, error) {
	tasks, err := queryTasks(ctx, t.tx, `
		UPDATE tasks SET human_readable_id = $2 || '-' || task_number::text, updated_at = $3
		WHERE project_id = $1
		RETURNING `+taskColumns, projectID, prefix, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("rewrite task keys of project %s: %w", projectID, err)
	}
	sortByNumber(tasks)
	return tasks, nil
}

func wrapID(what, id string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

func sortByPosition(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Position < tasks[j].Position })
}

func sortByNumber(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskNumber < tasks[j].TaskNumber })
}
