package subscription

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/broadcast"
	"prism-board/domain"
)

type recorder struct {
	mu  sync.Mutex
	got map[string][]string
}

func (r *recorder) Deliver(channel string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got[channel] = append(r.got[channel], string(data))
}

func (r *recorder) count(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got[channel])
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRelayForwardsBoardChannels(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	logger := log.New()
	logger.SetOutput(io.Discard)
	rec := &recorder{got: map[string][]string{}}
	relay := NewRelay(rc, rec, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	waitFor(t, func() bool { return mr.PubSubNumPat() > 0 })

	pub := broadcast.NewRedisPublisher(rc)
	if err := pub.Publish(context.Background(), domain.EventTaskMoved, domain.Task{ID: "t1"}, "p1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := pub.PublishTo(context.Background(), domain.UserChannel("u1"), []byte(`{"type":"notification:created"}`)); err != nil {
		t.Fatalf("publish user: %v", err)
	}
	// Channels outside the board namespace are ignored by the pattern.
	if err := rc.Publish(context.Background(), "other:p1", "x").Err(); err != nil {
		t.Fatalf("publish other: %v", err)
	}

	waitFor(t, func() bool {
		return rec.count(domain.ProjectChannel("p1")) == 1 && rec.count(domain.UserChannel("u1")) == 1
	})
	if rec.count("p1") != 0 {
		t.Fatal("unexpected delivery without namespace")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
