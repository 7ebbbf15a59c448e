package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"prism-board/domain"
	"prism-board/internal/consts"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = wsPongWait * 9 / 10
	wsMaxMessage   = 4096
)

// stream serves project and user events as server-sent events.
func (h *handlers) stream(c echo.Context) error {
	ctx := c.Request().Context()
	userID := userIDFrom(c)
	projectID := strings.TrimSpace(c.QueryParam("projectId"))
	if projectID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "projectId is required"})
	}
	if err := h.authorize(ctx, nil, projectID, userID, domain.RoleViewer); err != nil {
		status := statusFor(err)
		return c.JSON(status, errorResponse{Error: publicMessage(err, status)})
	}

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "stream unsupported"})
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	sub := h.subscriber.Subscribe(domain.ProjectChannel(projectID), domain.UserChannel(userID))
	defer sub.Close()
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-sub.C():
			if !ok {
				return nil
			}
			if _, err := c.Response().Write([]byte(consts.SSEDataPrefix + string(data) + "\n\n")); err != nil {
				c.Logger().Error(err)
				return err
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// wsControl is a client message on the WebSocket.
type wsControl struct {
	Action    string `json:"action"`
	ProjectID string `json:"projectId"`
}

// wsReply acknowledges a control message.
type wsReply struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId,omitempty"`
	Error     string `json:"error,omitempty"`
}

const (
	wsActionJoin  = "join"
	wsActionLeave = "leave"

	wsReplyJoined = "joined"
	wsReplyLeft   = "left"
	wsReplyError  = "error"
)

// socket serves the same events as stream over a single connection on
// which the client joins and leaves project channels.
func (h *handlers) socket(c echo.Context) error {
	userID := userIDFrom(c)
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already answered the request.
		h.logger.WithError(err).Debug("websocket upgrade failed")
		return nil
	}
	defer conn.Close()

	sub := h.subscriber.Subscribe(domain.UserChannel(userID))
	defer sub.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	replies := make(chan wsReply, 8)
	go func() {
		defer cancel()
		h.readControl(ctx, conn, userID, sub.Join, sub.Leave, replies)
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := writeWS(conn, websocket.TextMessage, data); err != nil {
				return nil
			}
		case reply := <-replies:
			data, err := sonic.Marshal(reply)
			if err != nil {
				return err
			}
			if err := writeWS(conn, websocket.TextMessage, data); err != nil {
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}
		}
	}
}

func writeWS(conn *websocket.Conn, messageType int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

// readControl handles join and leave messages until the connection closes.
// All writes stay on the caller's goroutine; replies are handed over.
func (h *handlers) readControl(ctx context.Context, conn *websocket.Conn, userID string, join, leave func(string), replies chan<- wsReply) {
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.WithError(err).Debug("websocket closed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg wsControl
		reply := wsReply{Type: wsReplyError}
		if err := sonic.Unmarshal(data, &msg); err != nil || msg.ProjectID == "" {
			reply.Error = "invalid message"
		} else {
			reply.ProjectID = msg.ProjectID
			switch msg.Action {
			case wsActionJoin:
				if err := h.authorize(ctx, nil, msg.ProjectID, userID, domain.RoleViewer); err != nil {
					reply.Error = publicMessage(err, statusFor(err))
				} else {
					join(domain.ProjectChannel(msg.ProjectID))
					reply.Type = wsReplyJoined
				}
			case wsActionLeave:
				leave(domain.ProjectChannel(msg.ProjectID))
				reply.Type = wsReplyLeft
			default:
				reply.Error = "unknown action"
			}
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}
