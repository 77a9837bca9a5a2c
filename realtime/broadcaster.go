package realtime

import (
	"context"
	"errors"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-board/domain"
)

// Broadcaster publishes each event to the board's Redis channel so every
// API instance can forward it to its connected viewers.
type Broadcaster struct {
	rc *redis.Client
}

// NewBroadcaster creates a Broadcaster on rc.
func NewBroadcaster(rc *redis.Client) *Broadcaster {
	return &Broadcaster{rc: rc}
}

// Name implements events.Handler.
func (b *Broadcaster) Name() string { return "realtime-broadcaster" }

// Handle implements events.Handler.
func (b *Broadcaster) Handle(ctx context.Context, ev domain.Event) error {
	if ev.BoardID == "" {
		return errors.New("event has no board")
	}
	msg, err := domain.NewMessage(ev)
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rc.Publish(ctx, domain.Topic(ev.BoardID), data).Err()
}
