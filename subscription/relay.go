package subscription

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/internal/consts"
)

// Deliverer hands a message to the local subscribers of a channel.
type Deliverer interface {
	Deliver(channel string, data []byte)
}

// Relay forwards board events published on Redis by any API instance to the
// subscribers connected to this one.
type Relay struct {
	rc        *redis.Client
	target    Deliverer
	logger    *log.Logger
	reconnect time.Duration
}

// NewRelay creates a relay from rc into target.
func NewRelay(rc *redis.Client, target Deliverer, logger *log.Logger) *Relay {
	if rc == nil || target == nil || logger == nil {
		panic("subscription.NewRelay: nil dependency")
	}
	return &Relay{rc: rc, target: target, logger: logger, reconnect: time.Second}
}

// Run subscribes to every board channel and relays until ctx is done. A
// dropped subscription is re-established after a short pause.
func (r *Relay) Run(ctx context.Context) error {
	pattern := consts.BroadcastChannelPrefix + "*"
	for {
		sub := r.rc.PSubscribe(ctx, pattern)
		r.pump(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.reconnect):
		}
	}
}

func (r *Relay) pump(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			channel, found := strings.CutPrefix(msg.Channel, consts.BroadcastChannelPrefix)
			if !found {
				r.logger.WithField("channel", msg.Channel).Warn("unexpected pubsub channel")
				continue
			}
			r.target.Deliver(channel, []byte(msg.Payload))
		}
	}
}
