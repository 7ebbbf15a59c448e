package client

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"prism-board/domain"
)

// ErrQueueFull is returned by Move when too many moves are waiting.
var ErrQueueFull = errors.New("move queue is full")

var errStreamClosed = errors.New("event stream closed")

const moveQueueSize = 32

// BoardAPI is the part of the HTTP API a session uses.
type BoardAPI interface {
	Board(ctx context.Context, projectID string) (domain.Board, error)
	MoveTask(ctx context.Context, req domain.MoveTaskRequest) (domain.Task, error)
	CreateTask(ctx context.Context, req domain.CreateTaskRequest) (domain.Task, error)
}

type moveCmd struct {
	taskID   string
	columnID string
	index    int
}

// Session drives a Board against the server. Moves are committed one at a
// time in the order they were requested; broadcasts are merged as they
// arrive.
type Session struct {
	api       BoardAPI
	projectID string
	logger    *log.Logger

	mu    sync.Mutex
	board *Board

	moves   chan moveCmd
	pending sync.WaitGroup
}

// NewSession loads the project's board.
func NewSession(ctx context.Context, api BoardAPI, projectID string, logger *log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	snap, err := api.Board(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &Session{
		api:       api,
		projectID: projectID,
		logger:    logger,
		board:     NewBoard(snap),
		moves:     make(chan moveCmd, moveQueueSize),
	}, nil
}

// Run merges events and commits queued moves until ctx ends or the event
// channel closes.
func (s *Session) Run(ctx context.Context, events <-chan domain.Event) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return errStreamClosed
				}
				s.apply(ctx, ev)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case cmd := <-s.moves:
				s.commit(ctx, cmd)
				s.pending.Done()
			}
		}
	})
	return g.Wait()
}

// Move queues a drop of taskID at (columnID, index).
func (s *Session) Move(taskID, columnID string, index int) error {
	s.pending.Add(1)
	select {
	case s.moves <- moveCmd{taskID: taskID, columnID: columnID, index: index}:
		return nil
	default:
		s.pending.Done()
		return ErrQueueFull
	}
}

// Wait blocks until every queued move has been resolved.
func (s *Session) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateTask creates a task and merges the result without waiting for the
// broadcast.
func (s *Session) CreateTask(ctx context.Context, req domain.CreateTaskRequest) (domain.Task, error) {
	req.ProjectID = s.projectID
	t, err := s.api.CreateTask(ctx, req)
	if err != nil {
		return domain.Task{}, err
	}
	s.mu.Lock()
	s.board.merge(t)
	s.mu.Unlock()
	return t, nil
}

// TaskIDs returns the displayed order of a column.
func (s *Session) TaskIDs(columnID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.TaskIDs(columnID)
}

// Columns returns the known columns.
func (s *Session) Columns() []domain.Column {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.Columns()
}

// State returns the reducer state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.State()
}

// Reload replaces the local board with a fresh snapshot.
func (s *Session) Reload(ctx context.Context) error {
	snap, err := s.api.Board(ctx, s.projectID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.board.State() == Committing {
		// The pending move's outcome triggers its own reload if needed.
		return nil
	}
	s.board.Reload(snap)
	return nil
}

func (s *Session) apply(ctx context.Context, ev domain.Event) {
	s.mu.Lock()
	err := s.board.ApplyBroadcast(ev)
	reload := s.board.NeedsReload() && s.board.State() == Idle
	s.mu.Unlock()
	if err != nil {
		s.logger.WithError(err).WithField("event", ev.Type).Warn("ignoring malformed broadcast")
	}
	if reload {
		if err := s.Reload(ctx); err != nil {
			s.logger.WithError(err).Warn("board reload failed")
		}
	}
}

func (s *Session) commit(ctx context.Context, cmd moveCmd) {
	s.mu.Lock()
	if err := s.board.DragStart(cmd.taskID); err != nil {
		s.mu.Unlock()
		s.logger.WithError(err).WithField("task", cmd.taskID).Warn("move skipped")
		return
	}
	if err := s.board.DragOver(cmd.columnID, cmd.index); err != nil {
		s.board.DragCancel()
		s.mu.Unlock()
		s.logger.WithError(err).WithField("task", cmd.taskID).Warn("move skipped")
		return
	}
	intent, ok := s.board.DragRelease()
	s.mu.Unlock()
	if !ok {
		return
	}

	task, err := s.api.MoveTask(ctx, intent.Request())
	s.mu.Lock()
	if err != nil {
		s.board.MoveFailed()
		s.mu.Unlock()
		s.logger.WithError(err).WithField("task", intent.TaskID).Warn("move failed, reloading board")
		if err := s.Reload(ctx); err != nil {
			s.logger.WithError(err).Warn("board reload failed")
		}
		return
	}
	s.board.MoveSucceeded(task)
	s.mu.Unlock()
}
