package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Handler reacts to committed domain events. Handlers run on the bus
// worker pool and must not write to the board store.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev domain.Event) error
}

// DeadLetter parks events a handler failed on, for operator replay.
type DeadLetter interface {
	Park(ctx context.Context, handler string, ev domain.Event, cause error) error
}

// Config sizes the worker pool.
type Config struct {
	Workers        int
	Buffer         int
	HandoffTimeout time.Duration
	HandlerTimeout time.Duration
}

var (
	errBusSaturated = errors.New("event bus is saturated")
	errBusClosed    = errors.New("event bus is closed")
)

type job struct {
	handler Handler
	ev      domain.Event
	queued  time.Time
}

// Bus fans every published event out to a fixed list of handlers on a
// bounded worker pool. Delivery is best effort: a handler that errors or
// panics is logged and optionally dead-lettered, and never affects the
// publisher or the other handlers.
type Bus struct {
	cfg        Config
	handlers   []Handler
	logger     *log.Logger
	deadLetter DeadLetter

	jobs     chan job
	workerWG sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates a bus for the given handlers. Call Start before Publish.
func NewBus(cfg Config, logger *log.Logger, handlers ...Handler) *Bus {
	if logger == nil {
		panic("logger is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = cfg.Workers * 64
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}
	return &Bus{
		cfg:      cfg,
		handlers: append([]Handler(nil), handlers...),
		logger:   logger,
		jobs:     make(chan job, cfg.Buffer),
	}
}

// WithDeadLetter sets where failed deliveries are parked.
func (b *Bus) WithDeadLetter(dl DeadLetter) *Bus {
	b.deadLetter = dl
	return b
}

// Start launches the workers.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	for i := 0; i < b.cfg.Workers; i++ {
		b.workerWG.Add(1)
		go b.worker(i)
	}
	names := make([]string, len(b.handlers))
	for i, h := range b.handlers {
		names[i] = h.Name()
	}
	b.logger.Infof("event bus started, workers: %d, buffer: %d, handoff: %v, handlers: %v", b.cfg.Workers, b.cfg.Buffer, b.cfg.HandoffTimeout, names)
}

// Publish queues ev for every handler. It never blocks longer than the
// handoff timeout per handler and reports jobs it could not queue.
func (b *Bus) Publish(ev domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}

	var dropped []string
	now := time.Now()
	for _, h := range b.handlers {
		if !b.tryEnqueue(job{handler: h, ev: ev, queued: now}) {
			b.dropped.Add(1)
			dropped = append(dropped, h.Name())
		}
	}
	if len(dropped) > 0 {
		return fmt.Errorf("%w: dropped event %s for %v", errBusSaturated, ev.ID, dropped)
	}
	return nil
}

func (b *Bus) tryEnqueue(j job) bool {
	select {
	case b.jobs <- j:
		return true
	default:
	}
	if b.cfg.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(b.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case b.jobs <- j:
		return true
	case <-timer.C:
		return false
	}
}

func (b *Bus) worker(id int) {
	defer b.workerWG.Done()
	for j := range b.jobs {
		b.dispatch(id, j)
	}
}

func (b *Bus) dispatch(workerID int, j job) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()

	err := invoke(ctx, j.handler, j.ev)
	if err == nil {
		b.delivered.Add(1)
		return
	}
	b.failed.Add(1)
	entry := b.logger.WithError(err).WithFields(log.Fields{
		"handler":    j.handler.Name(),
		"event_id":   j.ev.ID,
		"event_type": j.ev.Type,
		"board_id":   j.ev.BoardID,
		"worker":     workerID,
		"queued_ms":  float64(time.Since(j.queued)) / float64(time.Millisecond),
	})
	entry.Error("event handler failed")

	if b.deadLetter == nil {
		return
	}
	if perr := b.deadLetter.Park(ctx, j.handler.Name(), j.ev, err); perr != nil {
		entry.WithField("park_error", perr.Error()).Error("dead letter parking failed")
	}
}

func invoke(ctx context.Context, h Handler, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, ev)
}

// Shutdown stops accepting events and waits for queued ones to drain.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	close(b.jobs)
	b.mu.Unlock()

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		b.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports delivery counters.
type Stats struct {
	Buffered  int    `json:"buffered"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Buffered:  len(b.jobs),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		Dropped:   b.dropped.Load(),
	}
}
