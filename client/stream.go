package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

type control struct {
	Action    string `json:"action"`
	ProjectID string `json:"projectId"`
}

type reply struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Stream is a WebSocket subscription to board events.
type Stream struct {
	conn   *websocket.Conn
	logger *log.Logger

	writeMu sync.Mutex
	events  chan domain.Event
	replies chan reply
	closing chan struct{}
	once    sync.Once
	done    chan struct{}
	err     error
}

// DialStream opens the event socket at baseURL (http or https) with a
// bearer token.
func DialStream(ctx context.Context, baseURL, bearer string, logger *log.Logger) (*Stream, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/ws"
	header := http.Header{}
	if bearer != "" {
		header.Set("Authorization", "Bearer "+bearer)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	s := &Stream{
		conn:    conn,
		logger:  logger,
		events:  make(chan domain.Event, 256),
		replies: make(chan reply, 8),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events delivers board events until the stream closes.
func (s *Stream) Events() <-chan domain.Event { return s.events }

// Done is closed when the connection ends. Err then reports why.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Stream) readLoop() {
	defer close(s.done)
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				s.err = err
			}
			return
		}
		var ev domain.Event
		if err := sonic.Unmarshal(data, &ev); err != nil {
			s.logger.WithError(err).Warn("dropping undecodable stream message")
			continue
		}
		switch ev.Type {
		case "joined", "left", "error":
			var r reply
			_ = sonic.Unmarshal(data, &r)
			select {
			case s.replies <- r:
			default:
				s.logger.WithField("type", r.Type).Debug("unclaimed stream reply")
			}
		default:
			select {
			case s.events <- ev:
			case <-s.closing:
				return
			}
		}
	}
}

// Join subscribes to a project's channel and waits for the server's answer.
func (s *Stream) Join(ctx context.Context, projectID string) error {
	return s.control(ctx, "join", projectID, "joined")
}

// Leave unsubscribes from a project's channel.
func (s *Stream) Leave(ctx context.Context, projectID string) error {
	return s.control(ctx, "leave", projectID, "left")
}

func (s *Stream) control(ctx context.Context, action, projectID, want string) error {
	data, err := sonic.Marshal(control{Action: action, ProjectID: projectID})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	for {
		select {
		case r := <-s.replies:
			if r.ProjectID != projectID {
				continue
			}
			if r.Type != want {
				return fmt.Errorf("%s %s: %s", action, projectID, r.Error)
			}
			return nil
		case <-s.done:
			return errors.New("stream closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close ends the connection and waits for the reader to stop.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closing)
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	<-s.done
	return err
}
