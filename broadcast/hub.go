package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Hub fans messages out to the local subscribers of a channel. Sends never
// block: a subscriber whose buffer is full misses the message.
type Hub struct {
	logger *log.Logger
	buffer int

	mu       sync.RWMutex
	channels map[string]map[*Subscription]struct{}
}

// NewHub creates a hub whose subscriptions buffer up to buffer messages.
func NewHub(logger *log.Logger, buffer int) *Hub {
	if logger == nil {
		panic("broadcast.NewHub: logger is nil")
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{logger: logger, buffer: buffer, channels: make(map[string]map[*Subscription]struct{})}
}

// Subscription is one connection's view of the hub.
type Subscription struct {
	hub     *Hub
	ch      chan []byte
	dropped atomic.Int64

	mu     sync.Mutex
	joined map[string]struct{}
	closed bool
}

// Subscribe registers a subscription joined to the given channels.
func (h *Hub) Subscribe(channels ...string) *Subscription {
	s := &Subscription{hub: h, ch: make(chan []byte, h.buffer), joined: make(map[string]struct{})}
	for _, c := range channels {
		s.Join(c)
	}
	return s
}

// C delivers messages for every joined channel.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Dropped reports how many messages were skipped because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Join adds channel to the subscription. Joining twice is a no-op.
func (s *Subscription) Join(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.joined[channel]; ok {
		return
	}
	s.joined[channel] = struct{}{}

	h := s.hub
	h.mu.Lock()
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.channels[channel] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
}

// Leave removes channel from the subscription.
func (s *Subscription) Leave(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.joined[channel]; !ok {
		return
	}
	delete(s.joined, channel)
	s.hub.remove(channel, s)
}

// Close leaves every channel and closes C.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for c := range s.joined {
		s.hub.remove(c, s)
	}
	s.joined = nil
	close(s.ch)
}

func (h *Hub) remove(channel string, s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.channels[channel]
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// Subscribers returns the number of subscriptions joined to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Deliver sends data to every subscriber of channel.
func (h *Hub) Deliver(channel string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.channels[channel] {
		select {
		case s.ch <- data:
		default:
			s.dropped.Add(1)
			h.logger.WithField("channel", channel).Debug("subscriber buffer full, message dropped")
		}
	}
}

// Publish implements ordering.Publisher for a single-instance deployment.
func (h *Hub) Publish(_ context.Context, eventType string, entity any, projectID string) error {
	data, err := Encode(eventType, entity, projectID)
	if err != nil {
		return err
	}
	h.Deliver(domain.ProjectChannel(projectID), data)
	return nil
}
