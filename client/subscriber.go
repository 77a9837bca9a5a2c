package client

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Sink consumes a board stream. *Reconciler implements it.
type Sink interface {
	HandleMessage(msg domain.Message)
	HandleReconnect(ctx context.Context) error
}

// Subscriber keeps one WebSocket open for the board being viewed and
// refetches the board every time the connection is (re)established.
type Subscriber struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	logger *log.Logger
}

// NewSubscriber creates a Subscriber for a board stream URL.
func NewSubscriber(url, bearer string, logger *log.Logger) *Subscriber {
	h := http.Header{}
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}
	return &Subscriber{
		URL:            url,
		Header:         h,
		Dialer:         websocket.DefaultDialer,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		logger:         logger,
	}
}

// Run streams messages into sink until ctx is done. Leaving the board view
// is expressed by cancelling ctx.
func (s *Subscriber) Run(ctx context.Context, sink Sink) {
	attempt := 0
	for {
		conn, _, err := s.Dialer.DialContext(ctx, s.URL, s.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := backoff(attempt, s.InitialBackoff, s.MaxBackoff)
			s.logger.WithError(err).WithFields(log.Fields{"attempt": attempt, "delay": delay.String()}).Warn("board stream dial failed")
			if !wait(ctx, delay) {
				return
			}
			continue
		}
		attempt = 0

		if err := sink.HandleReconnect(ctx); err != nil {
			s.logger.WithError(err).Error("board refetch after connect failed")
		}
		err = s.read(ctx, conn, sink)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.WithError(err).Warn("board stream closed, reconnecting")
		if !wait(ctx, s.InitialBackoff) {
			return
		}
	}
}

func (s *Subscriber) read(ctx context.Context, conn *websocket.Conn, sink Sink) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg domain.Message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			s.logger.WithError(err).Warn("undecodable board message")
			continue
		}
		sink.HandleMessage(msg)
	}
}

func backoff(attempt int, initial, ceiling time.Duration) time.Duration {
	d := initial << min(attempt-1, 16)
	if d <= 0 || d > ceiling {
		d = ceiling
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
