package broadcast

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/ordering"
)

// PoolConfig sizes the asynchronous publish pool.
type PoolConfig struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.HandoffTimeout < 0 {
		c.HandoffTimeout = 0
	}
	return c
}

type publishJob struct {
	eventType string
	entity    any
	projectID string
}

var (
	// ErrSaturated is returned when a project's queue stays full past the
	// handoff timeout. The event is dropped.
	ErrSaturated = errors.New("broadcast pool saturated")
	// ErrPoolClosed is returned for events published after Close.
	ErrPoolClosed = errors.New("broadcast pool closed")
)

// Async hands events to a bounded worker pool so fan-out does not hold up
// the mutating request. Each project is pinned to one worker, so events of a
// project reach the next publisher in the order they were handed over.
type Async struct {
	next   ordering.Publisher
	logger *log.Logger
	cfg    PoolConfig

	mu     sync.RWMutex
	shards []chan publishJob
	closed bool
	wg     sync.WaitGroup
}

// NewAsync starts the worker pool in front of next. Buffer is per worker.
func NewAsync(next ordering.Publisher, logger *log.Logger, cfg PoolConfig) *Async {
	if next == nil {
		panic("broadcast.NewAsync: publisher is nil")
	}
	if logger == nil {
		panic("broadcast.NewAsync: logger is nil")
	}
	cfg = cfg.withDefaults()
	a := &Async{next: next, logger: logger, cfg: cfg, shards: make([]chan publishJob, cfg.Workers)}
	for i := range a.shards {
		a.shards[i] = make(chan publishJob, cfg.Buffer)
		a.wg.Add(1)
		go a.worker(i, a.shards[i])
	}
	logger.Infof("broadcast pool started, workers: %d, buffer: %d, timeout: %v, handoff: %v",
		cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.HandoffTimeout)
	return a
}

func (a *Async) worker(id int, jobs <-chan publishJob) {
	defer a.wg.Done()
	for j := range jobs {
		if err := a.send(j); err != nil {
			a.logger.WithError(err).WithFields(log.Fields{
				"event":   j.eventType,
				"project": j.projectID,
				"worker":  id,
			}).Warn("broadcast failed")
		}
	}
}

func (a *Async) send(j publishJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()
	return a.next.Publish(ctx, j.eventType, j.entity, j.projectID)
}

func (a *Async) shard(projectID string) chan publishJob {
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectID))
	return a.shards[h.Sum32()%uint32(len(a.shards))]
}

// Publish implements ordering.Publisher. Delivery failures of queued events
// are logged; the returned error only reports events that were not queued.
func (a *Async) Publish(_ context.Context, eventType string, entity any, projectID string) error {
	job := publishJob{eventType: eventType, entity: entity, projectID: projectID}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrPoolClosed
	}
	jobs := a.shard(projectID)

	select {
	case jobs <- job:
		return nil
	default:
	}
	if a.cfg.HandoffTimeout > 0 {
		timer := time.NewTimer(a.cfg.HandoffTimeout)
		defer timer.Stop()
		select {
		case jobs <- job:
			return nil
		case <-timer.C:
		}
	}
	a.logger.WithFields(log.Fields{
		"event":   eventType,
		"project": projectID,
	}).Warn("broadcast queue full, dropping event")
	return ErrSaturated
}

// Close stops accepting events and waits for queued ones to drain or ctx to
// expire.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		for _, jobs := range a.shards {
			close(jobs)
		}
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
