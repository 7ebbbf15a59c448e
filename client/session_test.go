package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/api"
	"prism-board/broadcast"
	"prism-board/domain"
	"prism-board/ordering"
	"prism-board/storage"
)

var secret = []byte("client-test-secret")

func token(t *testing.T, user string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": user,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

type stack struct {
	url   string
	coord *ordering.Coordinator
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := quietLogger()
	hub := broadcast.NewHub(logger, 256)
	coord := ordering.NewCoordinator(storage.NewMemory(), hub, logger)
	e := echo.New()
	api.Register(e, api.Deps{
		Board:      coord,
		Auth:       api.NewAuth(nil, api.AuthConfig{TestSecret: secret}),
		Subscriber: hub,
		Logger:     logger,
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &stack{url: srv.URL, coord: coord}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func sameAsServer(ctx context.Context, s *Session, coord *ordering.Coordinator, pid string) bool {
	srv, err := coord.Board(ctx, pid)
	if err != nil {
		return false
	}
	want := map[string][]string{}
	for _, tk := range srv.Tasks {
		want[tk.ColumnID] = append(want[tk.ColumnID], tk.ID)
	}
	for _, c := range srv.Columns {
		if fmt.Sprint(s.TaskIDs(c.ID)) != fmt.Sprint(want[c.ID]) {
			return false
		}
	}
	return true
}

func seed(t *testing.T, ctx context.Context, hc *HTTPClient, n int) domain.Board {
	t.Helper()
	b, err := hc.CreateProject(ctx, domain.CreateProjectRequest{Name: "Client", Prefix: "CLI"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, err := hc.CreateTask(ctx, domain.CreateTaskRequest{
			Title: fmt.Sprint("task ", i), ColumnID: b.Columns[0].ID, ProjectID: b.Project.ID,
		}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}
	b, err = hc.Board(ctx, b.Project.ID)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	return b
}

func TestSessionCommitsQueuedMovesAndReconciles(t *testing.T) {
	st := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := token(t, "alice")
	hc := NewHTTPClient(st.url, alice)
	b := seed(t, ctx, hc, 3)
	pid := b.Project.ID
	t1, t3 := b.Tasks[0].ID, b.Tasks[2].ID

	stream, err := DialStream(ctx, st.url, alice, quietLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer stream.Close()
	if err := stream.Join(ctx, pid); err != nil {
		t.Fatalf("join: %v", err)
	}

	sess, err := NewSession(ctx, hc, pid, quietLogger())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = sess.Run(runCtx, stream.Events()) }()

	if err := sess.Move(t3, b.Columns[0].ID, 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := sess.Move(t1, b.Columns[1].ID, 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := sess.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	srv, _ := st.coord.Board(ctx, pid)
	if got := sess.TaskIDs(b.Columns[1].ID); len(got) != 1 || got[0] != t1 {
		t.Fatalf("unexpected second column %v", got)
	}
	if srv.Tasks[0].ID != t3 {
		t.Fatalf("server should have %s first, got %+v", t3, srv.Tasks[0])
	}
	eventually(t, "session to match server", func() bool { return sameAsServer(ctx, sess, st.coord, pid) })

	// A change by another client reaches the session through the stream.
	other := NewHTTPClient(st.url, alice)
	if _, err := other.MoveTask(ctx, domain.MoveTaskRequest{TaskID: t1, NewColumnID: b.Columns[2].ID, NewPosition: 0}); err != nil {
		t.Fatalf("other move: %v", err)
	}
	eventually(t, "foreign move", func() bool {
		ids := sess.TaskIDs(b.Columns[2].ID)
		return len(ids) == 1 && ids[0] == t1
	})
	if sess.State() != Idle {
		t.Fatalf("expected idle, got %s", sess.State())
	}
}

// flakyAPI fails the first move.
type flakyAPI struct {
	*HTTPClient
	failures atomic.Int32
	loads    atomic.Int32
}

func (f *flakyAPI) Board(ctx context.Context, projectID string) (domain.Board, error) {
	f.loads.Add(1)
	return f.HTTPClient.Board(ctx, projectID)
}

func (f *flakyAPI) MoveTask(ctx context.Context, req domain.MoveTaskRequest) (domain.Task, error) {
	if f.failures.Add(1) == 1 {
		return domain.Task{}, errors.New("connection reset")
	}
	return f.HTTPClient.MoveTask(ctx, req)
}

func TestSessionReloadsAfterFailedMove(t *testing.T) {
	st := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hc := NewHTTPClient(st.url, token(t, "alice"))
	b := seed(t, ctx, hc, 2)
	pid := b.Project.ID

	fa := &flakyAPI{HTTPClient: hc}
	sess, err := NewSession(ctx, fa, pid, quietLogger())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	events := make(chan domain.Event)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = sess.Run(runCtx, events) }()

	_ = sess.Move(b.Tasks[1].ID, b.Columns[0].ID, 0)
	if err := sess.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if fa.loads.Load() != 2 {
		t.Fatalf("expected a reload after the failure, got %d loads", fa.loads.Load())
	}
	if !sameAsServer(ctx, sess, st.coord, pid) {
		t.Fatal("failed move should leave the server order on screen")
	}
	if got := sess.TaskIDs(b.Columns[0].ID); got[0] != b.Tasks[0].ID {
		t.Fatalf("optimistic move should be gone, got %v", got)
	}

	_ = sess.Move(b.Tasks[1].ID, b.Columns[0].ID, 0)
	if err := sess.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := sess.TaskIDs(b.Columns[0].ID); got[0] != b.Tasks[1].ID {
		t.Fatalf("retry should succeed, got %v", got)
	}
	if !sameAsServer(ctx, sess, st.coord, pid) {
		t.Fatal("session diverged from server")
	}
}

func TestSessionCreateTaskAndQueueLimit(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()
	hc := NewHTTPClient(st.url, token(t, "alice"))
	b := seed(t, ctx, hc, 0)

	sess, err := NewSession(ctx, hc, b.Project.ID, quietLogger())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	created, err := sess.CreateTask(ctx, domain.CreateTaskRequest{Title: "direct", ColumnID: b.Columns[1].ID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ids := sess.TaskIDs(b.Columns[1].ID); len(ids) != 1 || ids[0] != created.ID {
		t.Fatalf("created task should show up immediately, got %v", ids)
	}
	if created.HumanReadableID != "CLI-1" {
		t.Fatalf("unexpected key %s", created.HumanReadableID)
	}

	// Without Run nothing drains the queue.
	for i := 0; i < moveQueueSize; i++ {
		if err := sess.Move(created.ID, b.Columns[0].ID, 0); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}
	if err := sess.Move(created.ID, b.Columns[0].ID, 0); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
}

func TestHTTPClientErrors(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()
	hc := NewHTTPClient(st.url, token(t, "alice"))
	b := seed(t, ctx, hc, 1)

	_, err := hc.MoveTask(ctx, domain.MoveTaskRequest{TaskID: "missing", NewColumnID: b.Columns[0].ID})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 404 || apiErr.Message == "" {
		t.Fatalf("expected api error, got %#v", err)
	}

	mallory := NewHTTPClient(st.url, token(t, "mallory"))
	if _, err := mallory.Board(ctx, b.Project.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	anon := NewHTTPClient(st.url, "")
	if _, err := anon.Board(ctx, b.Project.ID); err == nil {
		t.Fatal("expected unauthorized")
	}
	if err := hc.DeleteTask(ctx, b.Tasks[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	stream, err := DialStream(ctx, st.url, token(t, "mallory"), quietLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer stream.Close()
	if err := stream.Join(ctx, b.Project.ID); err == nil {
		t.Fatal("join without a role should fail")
	}
}
