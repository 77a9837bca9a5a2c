package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"prism-board/domain"
)

type stubDirectory map[string]domain.Container

func (d stubDirectory) Container(_ context.Context, id string) (domain.Container, error) {
	c, ok := d[id]
	if !ok {
		return domain.Container{}, domain.ErrNotFound
	}
	return c, nil
}

var dir = stubDirectory{
	"b1": {ID: "b1", Kind: domain.KindBoard, BoardID: "b1", Title: "Roadmap"},
	"l1": {ID: "l1", Kind: domain.KindList, BoardID: "b1", Title: "Todo"},
	"l2": {ID: "l2", Kind: domain.KindList, BoardID: "b1", Title: "Doing"},
}

func cardEvent(typ domain.EventType, container string) domain.Event {
	ev := domain.NewEvent(typ, "b1", "alice", time.Now())
	ev.Item = domain.Item{ID: "c1", Kind: domain.KindCard, BoardID: "b1", ContainerID: container, OrderKey: 1, Title: "Ship it"}
	return ev
}

func TestRenderMessages(t *testing.T) {
	w := NewWriter(NewMemorySink(), dir)
	moved := cardEvent(domain.ItemMoved, "l2")
	moved.PreviousContainerID = "l1"
	reordered := cardEvent(domain.ItemMoved, "l1")
	reordered.PreviousContainerID = "l1"
	member := domain.NewEvent(domain.MembershipChanged, "b1", "alice", time.Now())
	member.Member = "bob"

	cases := []struct {
		name string
		ev   domain.Event
		want string
	}{
		{"created", cardEvent(domain.ItemCreated, "l1"), `alice added card "Ship it" to list "Todo"`},
		{"updated", cardEvent(domain.ItemUpdated, "l1"), `alice updated card "Ship it"`},
		{"deleted", cardEvent(domain.ItemDeleted, "l1"), `alice deleted card "Ship it" from list "Todo"`},
		{"moved", moved, `alice moved card "Ship it" from list "Todo" to list "Doing"`},
		{"reordered", reordered, `alice reordered card "Ship it" in list "Todo"`},
		{"member", member, `alice added bob to board "Roadmap"`},
		{"dangling", cardEvent(domain.ItemCreated, "gone"), `alice added card "Ship it" to (deleted)`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := w.Render(context.Background(), tc.ev)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRenderUnknownType(t *testing.T) {
	w := NewWriter(NewMemorySink(), dir)
	if _, err := w.Render(context.Background(), domain.Event{Type: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
}

func TestHandleAppendsRecordForBoard(t *testing.T) {
	sink := NewMemorySink()
	w := NewWriter(sink, dir)
	ev := cardEvent(domain.ItemCreated, "l1")
	if err := w.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	recs, err := sink.List(context.Background(), "b1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	r := recs[0]
	if r.ID != ev.ID || r.OwnerID != "b1" || r.ActorID != "alice" || !r.CreatedAt.Equal(ev.OccurredAt) {
		t.Fatalf("unexpected record %#v", r)
	}
}

type failingSink struct{ MemorySink }

func (*failingSink) Append(context.Context, Record) error { return errors.New("table down") }

func TestHandleSurfacesSinkError(t *testing.T) {
	w := NewWriter(&failingSink{}, dir)
	if err := w.Handle(context.Background(), cardEvent(domain.ItemCreated, "l1")); err == nil {
		t.Fatalf("expected sink error")
	}
}

func TestMemorySinkNewestFirstWithLimit(t *testing.T) {
	sink := NewMemorySink()
	base := time.Now()
	for i := 0; i < 5; i++ {
		_ = sink.Append(context.Background(), Record{OwnerID: "b1", Message: string(rune('a' + i)), CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	_ = sink.Append(context.Background(), Record{OwnerID: "b2", Message: "other", CreatedAt: base})

	recs, _ := sink.List(context.Background(), "b1", 3)
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Message != "e" || recs[2].Message != "c" {
		t.Fatalf("unexpected order %v", recs)
	}
	if recs[0].ID == "" {
		t.Fatalf("expected generated id")
	}
}

type fakeTable struct {
	mu   sync.Mutex
	rows [][]byte
	page int
}

func (f *fakeTable) UpsertEntity(_ context.Context, entity []byte, _ *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error) {
	f.mu.Lock()
	f.rows = append(f.rows, entity)
	f.mu.Unlock()
	return aztables.UpsertEntityResponse{}, nil
}

// NewListEntitiesPager serves rows in pages of f.page, in reverse insertion
// order to mimic the descending row keys.
func (f *fakeTable) NewListEntitiesPager(_ *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	f.mu.Lock()
	var rows [][]byte
	for i := len(f.rows) - 1; i >= 0; i-- {
		rows = append(rows, f.rows[i])
	}
	f.mu.Unlock()
	next := 0
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return next < len(rows) },
		Fetcher: func(context.Context, *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			end := next + f.page
			if end > len(rows) {
				end = len(rows)
			}
			resp := aztables.ListEntitiesResponse{Entities: rows[next:end]}
			next = end
			return resp, nil
		},
	})
}

func TestTableSinkRoundTrip(t *testing.T) {
	table := &fakeTable{page: 2}
	sink := &TableSink{table: table}
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"e1", "e2", "e3"} {
		err := sink.Append(context.Background(), Record{
			ID: id, Message: "m-" + id, OwnerID: "b1", ActorID: "alice",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var first map[string]any
	if err := sonic.Unmarshal(table.rows[0], &first); err != nil {
		t.Fatalf("decode entity: %v", err)
	}
	if first["PartitionKey"] != "b1" || !strings.HasSuffix(first["RowKey"].(string), "_e1") {
		t.Fatalf("unexpected entity %v", first)
	}

	recs, err := sink.List(context.Background(), "b1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "e3" || recs[1].ID != "e2" {
		t.Fatalf("unexpected records %#v", recs)
	}
	if recs[0].Message != "m-e3" || recs[0].ActorID != "alice" || !recs[0].CreatedAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("unexpected record %#v", recs[0])
	}
}

func TestRowKeysSortNewestFirst(t *testing.T) {
	base := time.Now()
	older := rowKey(Record{ID: "a", CreatedAt: base})
	newer := rowKey(Record{ID: "b", CreatedAt: base.Add(time.Millisecond)})
	if !(newer < older) {
		t.Fatalf("expected newer row key %s to sort before %s", newer, older)
	}
}

func TestEscapeODataString(t *testing.T) {
	if got := escapeODataString("o'brien"); got != "o''brien" {
		t.Fatalf("got %q", got)
	}
}
