package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"prism-board/board"
	"prism-board/domain"
)

// Fault is consulted before every write and before commit of a Memory
// transaction. A non-nil error aborts the transaction with that error.
type Fault func(op, id string) error

// Memory is an in-process board store. Transactions are fully serialized
// and see their own staged writes; nothing is visible to others until commit.
type Memory struct {
	mu     sync.Mutex
	boards map[string]domain.Board
	items  map[string]domain.Item

	faultMu sync.Mutex
	fault   Fault
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		boards: make(map[string]domain.Board),
		items:  make(map[string]domain.Item),
	}
}

// InjectFault installs f for subsequent transactions. Pass nil to clear it.
func (m *Memory) InjectFault(f Fault) {
	m.faultMu.Lock()
	m.fault = f
	m.faultMu.Unlock()
}

func (m *Memory) check(op, id string) error {
	m.faultMu.Lock()
	f := m.fault
	m.faultMu.Unlock()
	if f == nil {
		return nil
	}
	return f(op, id)
}

// InTx implements board.Repository.
func (m *Memory) InTx(ctx context.Context, fn func(tx board.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:      m,
		boards: make(map[string]domain.Board),
		items:  make(map[string]stagedItem),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := m.check("commit", ""); err != nil {
		return err
	}
	return tx.commit()
}

type stagedItem struct {
	item    domain.Item
	removed bool
}

type memTx struct {
	m      *Memory
	boards map[string]domain.Board
	items  map[string]stagedItem
}

var _ board.Tx = (*memTx)(nil)

func (t *memTx) board(id string) (domain.Board, bool) {
	if b, ok := t.boards[id]; ok {
		return b, true
	}
	b, ok := t.m.boards[id]
	return b, ok
}

func (t *memTx) item(id string) (domain.Item, bool) {
	if s, ok := t.items[id]; ok {
		return s.item, !s.removed
	}
	it, ok := t.m.items[id]
	return it, ok
}

func (t *memTx) Board(_ context.Context, boardID string) (domain.Board, error) {
	b, ok := t.board(boardID)
	if !ok {
		return domain.Board{}, fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
	}
	b.Members = append([]string(nil), b.Members...)
	return b, nil
}

func (t *memTx) Container(_ context.Context, id string) (domain.Container, error) {
	if b, ok := t.board(id); ok {
		return domain.Container{ID: b.ID, Kind: domain.KindBoard, BoardID: b.ID, Title: b.Title}, nil
	}
	if it, ok := t.item(id); ok {
		return domain.Container{ID: it.ID, Kind: it.Kind, BoardID: it.BoardID, Title: it.Title}, nil
	}
	return domain.Container{}, fmt.Errorf("container %s: %w", id, domain.ErrNotFound)
}

func (t *memTx) Item(_ context.Context, id string) (domain.Item, error) {
	it, ok := t.item(id)
	if !ok {
		return domain.Item{}, fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
	}
	return it, nil
}

func (t *memTx) collect(match func(domain.Item) bool) []domain.Item {
	var out []domain.Item
	for id, it := range t.m.items {
		if _, staged := t.items[id]; staged {
			continue
		}
		if match(it) {
			out = append(out, it)
		}
	}
	for _, s := range t.items {
		if !s.removed && match(s.item) {
			out = append(out, s.item)
		}
	}
	return out
}

func (t *memTx) Children(_ context.Context, containerID string) ([]domain.Item, error) {
	out := t.collect(func(it domain.Item) bool { return it.ContainerID == containerID })
	sortByKey(out)
	return out, nil
}

func (t *memTx) BoardItems(_ context.Context, boardID string) ([]domain.Item, error) {
	return t.collect(func(it domain.Item) bool { return it.BoardID == boardID }), nil
}

func (t *memTx) PutBoard(_ context.Context, b domain.Board) error {
	if err := t.m.check("put_board", b.ID); err != nil {
		return err
	}
	b.Members = append([]string(nil), b.Members...)
	t.boards[b.ID] = b
	return nil
}

func (t *memTx) AddMember(_ context.Context, boardID, userID string) error {
	if err := t.m.check("add_member", boardID); err != nil {
		return err
	}
	b, ok := t.board(boardID)
	if !ok {
		return fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
	}
	b.Members = append(append([]string(nil), b.Members...), userID)
	t.boards[boardID] = b
	return nil
}

func (t *memTx) Detach(_ context.Context, itemID string) error {
	if err := t.m.check("detach", itemID); err != nil {
		return err
	}
	it, ok := t.item(itemID)
	if !ok {
		return fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	t.items[itemID] = stagedItem{item: it, removed: true}
	return nil
}

func (t *memTx) PutItem(_ context.Context, item domain.Item) error {
	if err := t.m.check("put", item.ID); err != nil {
		return err
	}
	t.items[item.ID] = stagedItem{item: item}
	return nil
}

func (t *memTx) DeleteItem(_ context.Context, itemID string) error {
	if err := t.m.check("delete", itemID); err != nil {
		return err
	}
	it, ok := t.item(itemID)
	if !ok {
		return fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	t.items[itemID] = stagedItem{item: it, removed: true}
	return nil
}

// commit validates that no container ends up with two equal keys and then
// applies the staged writes.
func (t *memTx) commit() error {
	touched := make(map[string]struct{})
	for _, s := range t.items {
		touched[s.item.ContainerID] = struct{}{}
	}
	for containerID := range touched {
		seen := make(map[float64]string)
		for _, it := range t.collect(func(it domain.Item) bool { return it.ContainerID == containerID }) {
			if other, dup := seen[it.OrderKey]; dup {
				return fmt.Errorf("%w: %s and %s share key %v in %s", domain.ErrInvalidTarget, other, it.ID, it.OrderKey, containerID)
			}
			seen[it.OrderKey] = it.ID
		}
	}
	for id, b := range t.boards {
		t.m.boards[id] = b
	}
	for id, s := range t.items {
		if s.removed {
			delete(t.m.items, id)
			continue
		}
		t.m.items[id] = s.item
	}
	return nil
}

func sortByKey(items []domain.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].OrderKey != items[j].OrderKey {
			return items[i].OrderKey < items[j].OrderKey
		}
		return items[i].ID < items[j].ID
	})
}
