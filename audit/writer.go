package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"prism-board/domain"
)

// Record is one durable audit line, owned by a board.
type Record struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	OwnerID   string    `json:"ownerId"`
	ActorID   string    `json:"actorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sink stores audit records.
type Sink interface {
	Append(ctx context.Context, r Record) error
	List(ctx context.Context, ownerID string, limit int) ([]Record, error)
}

// Directory resolves container names for messages.
type Directory interface {
	Container(ctx context.Context, id string) (domain.Container, error)
}

// Writer turns domain events into human readable audit records.
type Writer struct {
	sink Sink
	dir  Directory
}

// NewWriter creates a Writer.
func NewWriter(sink Sink, dir Directory) *Writer {
	return &Writer{sink: sink, dir: dir}
}

// Name implements events.Handler.
func (w *Writer) Name() string { return "audit-writer" }

// Handle implements events.Handler.
func (w *Writer) Handle(ctx context.Context, ev domain.Event) error {
	msg, err := w.Render(ctx, ev)
	if err != nil {
		return err
	}
	return w.sink.Append(ctx, Record{
		ID:        ev.ID,
		Message:   msg,
		OwnerID:   ev.BoardID,
		ActorID:   ev.Actor,
		CreatedAt: ev.OccurredAt,
	})
}

// Render builds the message for ev. Containers that no longer exist are
// named with a placeholder.
func (w *Writer) Render(ctx context.Context, ev domain.Event) (string, error) {
	item := ev.Item
	switch ev.Type {
	case domain.ItemCreated:
		return fmt.Sprintf("%s added %s %q to %s", ev.Actor, item.Kind, item.Title, w.name(ctx, item.ContainerID)), nil
	case domain.ItemUpdated:
		return fmt.Sprintf("%s updated %s %q", ev.Actor, item.Kind, item.Title), nil
	case domain.ItemDeleted:
		return fmt.Sprintf("%s deleted %s %q from %s", ev.Actor, item.Kind, item.Title, w.name(ctx, item.ContainerID)), nil
	case domain.ItemMoved:
		if ev.PreviousContainerID == "" || ev.PreviousContainerID == item.ContainerID {
			return fmt.Sprintf("%s reordered %s %q in %s", ev.Actor, item.Kind, item.Title, w.name(ctx, item.ContainerID)), nil
		}
		return fmt.Sprintf("%s moved %s %q from %s to %s", ev.Actor, item.Kind, item.Title,
			w.name(ctx, ev.PreviousContainerID), w.name(ctx, item.ContainerID)), nil
	case domain.MembershipChanged:
		return fmt.Sprintf("%s added %s to %s", ev.Actor, ev.Member, w.name(ctx, ev.BoardID)), nil
	}
	return "", fmt.Errorf("no audit message for event type %q", ev.Type)
}

func (w *Writer) name(ctx context.Context, id string) string {
	c, err := w.dir.Container(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "(deleted)"
		}
		return "(unknown)"
	}
	return fmt.Sprintf("%s %q", c.Kind, c.Title)
}

// MemorySink keeps records in process. It backs local runs without table storage.
type MemorySink struct {
	mu      sync.Mutex
	records map[string][]Record
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string][]Record)}
}

// Append implements Sink.
func (m *MemorySink) Append(_ context.Context, r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.records[r.OwnerID] = append(m.records[r.OwnerID], r)
	m.mu.Unlock()
	return nil
}

// List implements Sink, newest first.
func (m *MemorySink) List(_ context.Context, ownerID string, limit int) ([]Record, error) {
	m.mu.Lock()
	out := append([]Record(nil), m.records[ownerID]...)
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
