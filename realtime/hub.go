package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

const topicPattern = "board/*"

// Hub relays board channel messages from Redis to the viewers connected to
// this instance. A viewer that falls behind is disconnected; clients refetch
// on reconnect, so nothing is silently skipped.
type Hub struct {
	rc     *redis.Client
	logger *log.Logger
	buffer int

	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}

	ready chan struct{}
	once  sync.Once
}

// NewHub creates a hub. buffer is the per-viewer queue length.
func NewHub(rc *redis.Client, logger *log.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		rc:     rc,
		logger: logger,
		buffer: buffer,
		subs:   make(map[string]map[chan []byte]struct{}),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the first Redis subscription is active.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

// Subscribe registers a viewer for a board. The returned channel is closed
// when the viewer is dropped or cancel is called.
func (h *Hub) Subscribe(boardID string) (<-chan []byte, func()) {
	ch := make(chan []byte, h.buffer)
	h.mu.Lock()
	set, ok := h.subs[boardID]
	if !ok {
		set = make(map[chan []byte]struct{})
		h.subs[boardID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.remove(boardID, ch) })
	}
	return ch, cancel
}

func (h *Hub) remove(boardID string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[boardID]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(h.subs, boardID)
	}
}

// Viewers reports how many viewers are connected for a board.
func (h *Hub) Viewers(boardID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[boardID])
}

func (h *Hub) fanout(boardID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[boardID]
	for ch := range set {
		select {
		case ch <- data:
		default:
			delete(set, ch)
			close(ch)
			h.logger.WithField("board_id", boardID).Warn("viewer too slow, disconnecting")
		}
	}
	if len(set) == 0 {
		delete(h.subs, boardID)
	}
}

// Run subscribes to every board channel and relays messages until ctx is
// done, resubscribing if the Redis connection drops.
func (h *Hub) Run(ctx context.Context) {
	for {
		sub := h.rc.PSubscribe(ctx, topicPattern)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			h.logger.WithError(err).Error("board channel subscribe failed, retrying")
			time.Sleep(time.Second)
			continue
		}
		h.once.Do(func() { close(h.ready) })

		ch := sub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				boardID, ok := domain.BoardFromTopic(msg.Channel)
				if !ok {
					continue
				}
				h.fanout(boardID, []byte(msg.Payload))
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		h.logger.Error("board pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
