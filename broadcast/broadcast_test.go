package broadcast

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func receive(t *testing.T, s *Subscription) []byte {
	t.Helper()
	select {
	case data, ok := <-s.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return data
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

func expectNothing(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case data := <-s.C():
		t.Fatalf("unexpected message %s", data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEncodeEnvelope(t *testing.T) {
	task := domain.Task{ID: "t1", ProjectID: "p1", ColumnID: "c1", Position: 0, HumanReadableID: "X-1"}
	data, err := Encode(domain.EventTaskMoved, task, "p1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != domain.EventTaskMoved || ev.ProjectID != "p1" {
		t.Fatalf("unexpected envelope: %+v", ev)
	}
	var got domain.Task
	if err := sonic.Unmarshal(ev.Payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.ID != "t1" || got.ColumnID != "c1" || !strings.Contains(string(ev.Payload), `"position":0`) {
		t.Fatalf("unexpected payload: %s", ev.Payload)
	}
	if _, err := Decode([]byte(`{"projectId":"p1"}`)); err == nil {
		t.Fatal("expected error for envelope without type")
	}
}

func TestHubRoutesByChannel(t *testing.T) {
	hub := NewHub(quietLogger(), 4)
	a := hub.Subscribe(domain.ProjectChannel("p1"))
	b := hub.Subscribe(domain.ProjectChannel("p2"))
	defer a.Close()
	defer b.Close()

	if err := hub.Publish(context.Background(), domain.EventTaskCreated, domain.Task{ID: "t1"}, "p1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev, err := Decode(receive(t, a))
	if err != nil || ev.Type != domain.EventTaskCreated {
		t.Fatalf("unexpected event %+v (%v)", ev, err)
	}
	expectNothing(t, b)
}

func TestHubJoinLeave(t *testing.T) {
	hub := NewHub(quietLogger(), 4)
	s := hub.Subscribe(domain.UserChannel("u1"))
	ch := domain.ProjectChannel("p1")

	s.Join(ch)
	s.Join(ch)
	if n := hub.Subscribers(ch); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	hub.Deliver(ch, []byte("one"))
	if got := string(receive(t, s)); got != "one" {
		t.Fatalf("unexpected message %s", got)
	}

	s.Leave(ch)
	hub.Deliver(ch, []byte("two"))
	expectNothing(t, s)
	if n := hub.Subscribers(ch); n != 0 {
		t.Fatalf("expected channel to be empty, got %d", n)
	}

	s.Close()
	if n := hub.Subscribers(domain.UserChannel("u1")); n != 0 {
		t.Fatalf("close should leave every channel, got %d", n)
	}
	if _, ok := <-s.C(); ok {
		t.Fatal("expected closed channel")
	}
	s.Close()
	s.Join(ch)
	if n := hub.Subscribers(ch); n != 0 {
		t.Fatal("join after close must be ignored")
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub(quietLogger(), 1)
	s := hub.Subscribe("c")
	defer s.Close()

	hub.Deliver("c", []byte("1"))
	hub.Deliver("c", []byte("2"))
	if s.Dropped() != 1 {
		t.Fatalf("expected 1 dropped message, got %d", s.Dropped())
	}
	if got := string(receive(t, s)); got != "1" {
		t.Fatalf("expected first message to survive, got %s", got)
	}
}

type stubPublisher struct {
	mu    sync.Mutex
	calls []string
	err   error
	block chan struct{}
}

func (p *stubPublisher) Publish(_ context.Context, eventType string, _ any, projectID string) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, eventType+"@"+projectID)
	return p.err
}

func (p *stubPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &stubPublisher{}
	bad := &stubPublisher{err: errors.New("down")}
	err := Fanout{ok, nil, bad}.Publish(context.Background(), domain.EventTaskMoved, nil, "p")
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Fatal("every publisher should be called")
	}
}

func TestAsyncDeliversAndDrains(t *testing.T) {
	next := &stubPublisher{}
	a := NewAsync(next, quietLogger(), PoolConfig{Workers: 2, Buffer: 16})
	for i := 0; i < 10; i++ {
		if err := a.Publish(context.Background(), domain.EventTaskCreated, nil, "p"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if next.count() != 10 {
		t.Fatalf("expected 10 deliveries, got %d", next.count())
	}
	if err := a.Publish(context.Background(), domain.EventTaskCreated, nil, "p"); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected closed pool error, got %v", err)
	}
	if next.count() != 10 {
		t.Fatalf("closed pool must not deliver, got %d", next.count())
	}
}

// gatedPublisher records deliveries in order and holds back one event type
// until released.
type gatedPublisher struct {
	mu      sync.Mutex
	calls   []string
	gate    string
	release chan struct{}
	arrived chan struct{}
}

func (p *gatedPublisher) Publish(_ context.Context, eventType string, _ any, projectID string) error {
	if eventType == p.gate {
		close(p.arrived)
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, projectID+"/"+eventType)
	return nil
}

func (p *gatedPublisher) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func TestAsyncKeepsProjectOrder(t *testing.T) {
	next := &gatedPublisher{gate: "pos=0", release: make(chan struct{}), arrived: make(chan struct{})}
	a := NewAsync(next, quietLogger(), PoolConfig{Workers: 8, Buffer: 16})

	_ = a.Publish(context.Background(), "pos=0", nil, "p")
	<-next.arrived
	for _, ev := range []string{"pos=2", "pos=1"} {
		if err := a.Publish(context.Background(), ev, nil, "p"); err != nil {
			t.Fatalf("publish %s: %v", ev, err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	for _, call := range next.snapshot() {
		if strings.HasPrefix(call, "p/") {
			t.Fatalf("%s overtook the held event", call)
		}
	}

	close(next.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := next.snapshot()
	want := []string{"p/pos=0", "p/pos=2", "p/pos=1"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestAsyncDropsWhenProjectQueueIsFull(t *testing.T) {
	block := make(chan struct{})
	queued := &stubPublisher{block: block}
	a := NewAsync(queued, quietLogger(), PoolConfig{Workers: 1, Buffer: 1, HandoffTimeout: 10 * time.Millisecond})

	// First job occupies the worker, second fills the buffer.
	_ = a.Publish(context.Background(), "first", nil, "p")
	time.Sleep(20 * time.Millisecond)
	_ = a.Publish(context.Background(), "second", nil, "p")

	start := time.Now()
	if err := a.Publish(context.Background(), "third", nil, "p"); !errors.Is(err, ErrSaturated) {
		t.Fatalf("expected saturation, got %v", err)
	}
	if waited := time.Since(start); waited < 10*time.Millisecond {
		t.Fatalf("expected to wait for the handoff timeout, waited %v", waited)
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	queued.mu.Lock()
	defer queued.mu.Unlock()
	if strings.Join(queued.calls, ",") != "first@p,second@p" {
		t.Fatalf("unexpected deliveries %v", queued.calls)
	}
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []string
	ttl      *int32
	err      error
}

func (f *fakeQueue) EnqueueMessage(_ context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	if o != nil {
		f.ttl = o.TimeToLive
	}
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestQueueSinkEnqueuesEnvelope(t *testing.T) {
	fq := &fakeQueue{}
	sink := newQueueSink(fq, time.Hour)
	if err := sink.Publish(context.Background(), domain.EventTaskDeleted, domain.Task{ID: "t9"}, "p1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fq.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fq.messages))
	}
	ev, err := Decode([]byte(fq.messages[0]))
	if err != nil || ev.Type != domain.EventTaskDeleted || ev.ProjectID != "p1" {
		t.Fatalf("unexpected message %+v (%v)", ev, err)
	}
	if fq.ttl == nil || *fq.ttl != 3600 {
		t.Fatalf("expected ttl 3600, got %v", fq.ttl)
	}

	fq.err = errors.New("throttled")
	if err := sink.Publish(context.Background(), domain.EventTaskDeleted, nil, "p1"); err == nil {
		t.Fatal("expected enqueue error")
	}
}

func TestRedisPublisher(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	ctx := context.Background()
	sub := rc.Subscribe(ctx, RedisChannel(domain.ProjectChannel("p1")))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := NewRedisPublisher(rc).Publish(ctx, domain.EventTaskUpdated, domain.Task{ID: "t1"}, "p1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-sub.Channel():
		ev, err := Decode([]byte(msg.Payload))
		if err != nil || ev.Type != domain.EventTaskUpdated {
			t.Fatalf("unexpected message %+v (%v)", ev, err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for redis message")
	}
}
