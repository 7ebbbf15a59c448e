package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"prism-board/domain"
)

const (
	postBodyMaxSize    = 64 << 10
	healthCheckTimeout = 2 * time.Second
	idempotencyHeader  = "Idempotency-Key"
)

// Deps are the collaborators of the HTTP layer. Deduper, Subscriber and the
// Prometheus registry are optional.
type Deps struct {
	Board      Board
	Auth       Authenticator
	Deduper    Deduper
	Subscriber Subscriber
	Health     []Pinger
	Logger     *log.Logger

	TracerProvider trace.TracerProvider
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer

	// Heartbeat is the idle interval between SSE keep-alive comments.
	Heartbeat time.Duration
}

type handlers struct {
	board      Board
	auth       Authenticator
	deduper    Deduper
	subscriber Subscriber
	health     []Pinger
	logger     *log.Logger
	tracer     trace.Tracer
	heartbeat  time.Duration
	upgrader   websocket.Upgrader
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Board == nil || d.Auth == nil {
		panic("api.Register: board and auth are required")
	}
	h := newHandlers(d)

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			h.logger.WithError(err).WithFields(log.Fields{
				"path":  c.Path(),
				"stack": string(stack),
			}).Error("handler panicked")
			if c.Response().Committed {
				return nil
			}
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: publicMessage(err, http.StatusInternalServerError)})
		},
	}))
	if d.Registerer != nil {
		e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Subsystem:  "board_api",
			Registerer: d.Registerer,
		}))
	}
	if d.Gatherer != nil {
		e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: d.Gatherer}))
	}
	e.GET("/healthz", h.healthz)

	g := e.Group("/api", GzipRequestMiddleware(), h.authenticate)
	g.POST("/projects", h.instrumented("create_project", h.createProject))
	g.GET("/projects/:id/board", h.instrumented("get_board", h.getBoard))
	g.PATCH("/projects/:id/settings", h.instrumented("update_settings", h.updateSettings))
	g.PUT("/projects/:id/members/:userId", h.instrumented("set_member", h.setMember))
	g.POST("/projects/:id/columns", h.instrumented("create_column", h.createColumn))
	g.PATCH("/columns/:id/position", h.instrumented("move_column", h.moveColumn))
	g.DELETE("/columns/:id", h.instrumented("delete_column", h.deleteColumn))
	g.POST("/tasks", h.instrumented("create_task", h.createTask))
	g.PUT("/tasks/move", h.instrumented("move_task", h.moveTask))
	g.PATCH("/tasks/:id", h.instrumented("update_task", h.updateTask))
	g.DELETE("/tasks/:id", h.instrumented("delete_task", h.deleteTask))
	if d.Subscriber != nil {
		g.GET("/stream", h.stream)
		g.GET("/ws", h.socket)
	}
}

func newHandlers(d Deps) *handlers {
	logger := d.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	tp := d.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	heartbeat := d.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &handlers{
		board:      d.Board,
		auth:       d.Auth,
		deduper:    d.Deduper,
		subscriber: d.Subscriber,
		health:     d.Health,
		logger:     logger,
		tracer:     tp.Tracer("prism-board/api"),
		heartbeat:  heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// handlerFunc returns the success status and body. A nil body answers with
// no content.
type handlerFunc func(ctx context.Context, c echo.Context, m *requestMetrics) (int, any, error)

func (h *handlers) instrumented(route string, fn handlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		m, ctx := newRequestMetrics(c.Request().Context(), h.logger, h.tracer, route)
		c.SetRequest(c.Request().WithContext(ctx))
		if d, ok := c.Get(authDurationKey).(time.Duration); ok {
			m.ObserveAuth(d)
		}

		status, body, err := fn(ctx, c, m)
		if err != nil {
			status = statusFor(err)
			m.SetErrorStage(errorStage(err))
			if status == http.StatusInternalServerError {
				h.logger.WithError(err).WithField("route", route).Error("request failed")
			}
			writeErr := c.JSON(status, errorResponse{Error: publicMessage(err, status)})
			m.Finish(status, err)
			return writeErr
		}

		var writeErr error
		if body == nil {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			m.SetErrorStage("encode_response")
		}
		m.Finish(status, writeErr)
		return writeErr
	}
}

func decodeBody(c echo.Context, dst any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, postBodyMaxSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}

// authorize checks that the caller holds at least min on the project.
func (h *handlers) authorize(ctx context.Context, m *requestMetrics, projectID, userID string, min domain.Role) error {
	m.SetProject(projectID)
	start := time.Now()
	role, err := h.board.Role(ctx, projectID, userID)
	m.ObserveAuthorize(time.Since(start))
	if err != nil {
		return err
	}
	if !role.Allows(min) {
		return fmt.Errorf("%w: %s role required", domain.ErrForbidden, min)
	}
	return nil
}

func (h *handlers) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()
	for _, p := range h.health {
		if err := p.Ping(ctx); err != nil {
			h.logger.WithError(err).Warn("health check failed")
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "unavailable"})
		}
	}
	return c.NoContent(http.StatusOK)
}

func (h *handlers) createProject(ctx context.Context, c echo.Context, m *requestMetrics) (int, any, error) {
	var req domain.CreateProjectRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	board, err := h.board.CreateProject(ctx, req, userIDFrom(c))
	if err != nil {
		return 0, nil, err
	}
	m.SetProject(board.Project.ID)
	return http.StatusCreated, board, nil
}

func (h *handlers) getBoard(ctx context.Context, c echo.Context, m *requestMetrics) (int, any, error) {
	projectID := c.Param("id")
	if err := h.authorize(ctx, m, projectID, userIDFrom(c), domain.RoleViewer); err != nil {
		return 0, nil, err
	}
	start := time.Now()
	board, err := h.board.Board(ctx, projectID)
	m.ObserveOp(time.Since(start))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, board, nil
}

func (h *handlers) updateSettings(ctx context.Context, c echo.Context, m *requestMetrics) (int, any, error) {
	projectID := c.Param("id")
	var req domain.ProjectSettings
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	if err := h.authorize(ctx, m, projectID, userIDFrom(c), domain.RoleAdmin); err != nil {
		return 0, nil, err
	}
	start := time.Now()
	project, err := h.board.UpdateProjectSettings(ctx, projectID, req)
	m.ObserveOp(time.Since(start))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, project, nil
}

func (h *handlers) setMember(ctx context.Context, c echo.Context, m *requestMetrics) (int, any, error) {
	projectID := c.Param("id")
	var req domain.SetMemberRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	if err := h.authorize(ctx, m, projectID, userIDFrom(c), domain.RoleAdmin); err != nil {
		return 0, nil, err
	}
	start := time.Now()
	err := h.board.SetMember(ctx, projectID, c.Param("userId"), req)
	m.ObserveOp(time.Since(start))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, nil
}

func (h *handlers) createColumn(ctx context.Context, c echo.Context, m *requestMetrics) (int, any, error) {
	projectID := c.Param("id")
	var req domain.CreateColumnRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	if err := h.authorize(ctx, m, projectID, userIDFrom(c), domain.RoleAdmin); err != nil {
		return 0, nil, err
	}
	start := time.Now()
	col, err := h.board.CreateColumn(ctx, projectID, req)
	m.ObserveOp(time.Since(start))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, col, nil
}

func (h *handlers) moveColumn(ctx context.Context, c echo.Context, m *requestMetrics) (int, any, error) {
	columnID := c.Param("id")
	var req domain.MoveColumnRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	projectID, err := h.board.ProjectOfColumn(ctx, columnID)
	if err != nil {
		return 0, nil, err
	}
	if err := h.authorize(ctx, m, projectID, userIDFrom(c), domain.RoleAdmin); err != nil {
		return 0, nil, err
	}
	start := time.Now()
	col, err := h.board.MoveColumn(ctx, columnID, req)
	m.ObserveOp(time.Since(start))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, col, nil
}

func (h *handlers) deleteColumn(ctx context.Context, c echo.Context, m *requestMetrics) (int, any, error) {
	columnID := c.Param("id")
	userID := userIDFrom(c)
	projectID, err := h.board.ProjectOfColumn(ctx, columnID)
	if err != nil {
		return 0, nil, err
	}
	if err := h.authorize(ctx, m, projectID, userID, domain.RoleAdmin); err != nil {
		return 0, nil, err
	}
	start := time.Now()
	err = h.board.DeleteColumn(ctx, columnID, userID)
	m.ObserveOp(time.Since(start))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, nil
}

func (h *handlers) createTask(ctx context.Context, c echo.Context, m *requestMetrics) (int, any, error) {
	var req domain.CreateTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	userID := userIDFrom(c)
	if err := h.authorize(ctx, m, req.ProjectID, userID, domain.RoleMember); err != nil {
		return 0, nil, err
	}

	key := c.Request().Header.Get(idempotencyHeader)
	if key != "" && h.deduper != nil {
		added, err := h.deduper.Add(ctx, userID, key)
		if err != nil {
			return 0, nil, fmt.Errorf("record idempotency key: %w", err)
		}
		if !added {
			return 0, nil, fmt.Errorf("%w: duplicate request", domain.ErrConflict)
		}
	}

	start := time.Now()
	task, err := h.board.CreateTask(ctx, req, userID)
	m.ObserveOp(time.Since(start))
	if err != nil {
		if key != "" && h.deduper != nil {
			if rmErr := h.deduper.Remove(context.WithoutCancel(ctx), userID, key); rmErr != nil {
				h.logger.WithError(rmErr).Warn("failed to release idempotency key")
			}
		}
		return 0, nil, err
	}
	return http.StatusCreated, task, nil
}

func (h *handlers) updateTask(ctx context.Context, c echo.Context, m *requestMetrics) (int, any, error) {
	taskID := c.Param("id")
	var req domain.UpdateTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	userID := userIDFrom(c)
	if err := h.authorizeTask(ctx, m, taskID, userID); err != nil {
		return 0, nil, err
	}
	start := time.Now()
	task, err := h.board.UpdateTask(ctx, taskID, req, userID)
	m.ObserveOp(time.Since(start))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, task, nil
}

func (h *handlers) moveTask(ctx context.Context, c echo.Context, m *requestMetrics) (int, any, error) {
	var req domain.MoveTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	if err := domain.Validate(req); err != nil {
		return 0, nil, err
	}
	userID := userIDFrom(c)
	if err := h.authorizeTask(ctx, m, req.TaskID, userID); err != nil {
		return 0, nil, err
	}
	start := time.Now()
	task, err := h.board.MoveTask(ctx, req, userID)
	m.ObserveOp(time.Since(start))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, task, nil
}

func (h *handlers) deleteTask(ctx context.Context, c echo.Context, m *requestMetrics) (int, any, error) {
	taskID := c.Param("id")
	userID := userIDFrom(c)
	if err := h.authorizeTask(ctx, m, taskID, userID); err != nil {
		return 0, nil, err
	}
	start := time.Now()
	err := h.board.DeleteTask(ctx, taskID, userID)
	m.ObserveOp(time.Since(start))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, nil
}

// authorizeTask requires member access to the project owning taskID.
func (h *handlers) authorizeTask(ctx context.Context, m *requestMetrics, taskID, userID string) error {
	projectID, err := h.board.ProjectOfTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
		}
		return err
	}
	return h.authorize(ctx, m, projectID, userID, domain.RoleMember)
}
