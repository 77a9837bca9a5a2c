package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"prism-board/domain"
)

// State is the lifecycle of one pending mutation.
type State int

const (
	Idle State = iota
	Optimistic
	Confirmed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Optimistic:
		return "optimistic"
	case Confirmed:
		return "confirmed"
	case RolledBack:
		return "rolled-back"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Mutation is one local edit sent to the server.
type Mutation struct {
	ID     string
	Op     string
	ItemID string
	State  State
	Err    error
}

// API is the server surface the reconciler needs. *HTTPClient implements it.
type API interface {
	Snapshot(ctx context.Context, boardID string) (domain.Snapshot, error)
	Create(ctx context.Context, containerID string, p domain.Payload, idempotencyKey string) (domain.Item, error)
	Update(ctx context.Context, itemID string, patch domain.PayloadPatch) (domain.Item, error)
	Delete(ctx context.Context, itemID string) error
	Move(ctx context.Context, req domain.MoveRequest) (domain.MoveResult, error)
	Reorder(ctx context.Context, containerID string, orderedIDs []string) ([]domain.Item, error)
}

// Reconciler applies local edits optimistically, settles them against the
// server's answer and folds in realtime messages as they arrive. A failed
// mutation discards all speculation by refetching the board.
type Reconciler struct {
	api    API
	cache  *BoardCache
	logger *log.Logger

	refresh singleflight.Group

	mu      sync.Mutex
	pending map[string]*Mutation
}

// NewReconciler creates a Reconciler for the board held by cache.
func NewReconciler(api API, cache *BoardCache, logger *log.Logger) *Reconciler {
	return &Reconciler{
		api:     api,
		cache:   cache,
		logger:  logger,
		pending: make(map[string]*Mutation),
	}
}

// Cache exposes the board cache the reconciler maintains.
func (r *Reconciler) Cache() *BoardCache { return r.cache }

// Refresh reloads the board from the server. Concurrent calls share one
// request.
func (r *Reconciler) Refresh(ctx context.Context) error {
	_, err, _ := r.refresh.Do("snapshot", func() (any, error) {
		snap, err := r.api.Snapshot(ctx, r.cache.BoardID())
		if err != nil {
			return nil, err
		}
		r.cache.Load(snap)
		return nil, nil
	})
	return err
}

// Pending lists mutations still waiting for the server.
func (r *Reconciler) Pending() []Mutation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Mutation, 0, len(r.pending))
	for _, m := range r.pending {
		out = append(out, *m)
	}
	return out
}

func (r *Reconciler) begin(op, itemID string) *Mutation {
	m := &Mutation{ID: uuid.NewString(), Op: op, ItemID: itemID, State: Optimistic}
	r.mu.Lock()
	r.pending[m.ID] = m
	r.mu.Unlock()
	return m
}

// settle moves m to its final state. On failure the cache is marked stale
// and refetched so no speculative state survives.
func (r *Reconciler) settle(ctx context.Context, m *Mutation, err error) Mutation {
	r.mu.Lock()
	delete(r.pending, m.ID)
	if err == nil {
		m.State = Confirmed
	} else {
		m.State = RolledBack
		m.Err = err
	}
	out := *m
	r.mu.Unlock()

	if err != nil {
		entry := r.logger.WithError(err).WithFields(log.Fields{"op": m.Op, "item_id": m.ItemID, "board_id": r.cache.BoardID()})
		entry.Warn("mutation rejected, refetching board")
		r.cache.MarkStale()
		if rerr := r.Refresh(ctx); rerr != nil {
			entry.WithField("refresh_error", rerr.Error()).Error("refetch after rollback failed")
		}
	}
	return out
}

// Move places an item at index among the target's children.
func (r *Reconciler) Move(ctx context.Context, itemID, targetContainerID string, index int) (Mutation, error) {
	cur, ok := r.cache.Item(itemID)
	if !ok {
		return Mutation{}, fmt.Errorf("%w: item %s not cached", domain.ErrNotFound, itemID)
	}
	m := r.begin("move", itemID)

	siblings := without(r.cache.Children(targetContainerID), itemID)
	if key, err := domain.AllocateAt(siblings, index); err == nil {
		local := cur
		local.ContainerID = targetContainerID
		local.OrderKey = key
		r.cache.Put(local)
	}

	res, err := r.api.Move(ctx, domain.MoveRequest{ItemID: itemID, TargetContainerID: targetContainerID, Index: &index})
	if err == nil {
		confirmed := cur
		if latest, ok := r.cache.Item(itemID); ok {
			confirmed = latest
		}
		confirmed.ContainerID = res.ContainerID
		confirmed.OrderKey = res.OrderKey
		r.cache.Put(confirmed)
	}
	out := r.settle(ctx, m, err)
	return out, err
}

// Create appends a new item to a container. The item shows up under a
// temporary id until the server assigns the real one.
func (r *Reconciler) Create(ctx context.Context, containerID string, p domain.Payload) (domain.Item, Mutation, error) {
	tempID := "tmp-" + uuid.NewString()
	m := r.begin("create", tempID)

	siblings := r.cache.Children(containerID)
	key, err := domain.AllocateAt(siblings, len(siblings))
	if err == nil {
		kind := domain.KindCard
		if containerID == r.cache.BoardID() {
			kind = domain.KindList
		}
		r.cache.Put(domain.Item{
			ID: tempID, Kind: kind, BoardID: r.cache.BoardID(), ContainerID: containerID,
			OrderKey: key, Title: p.Title, Notes: p.Notes,
		})
	}

	created, err := r.api.Create(ctx, containerID, p, m.ID)
	r.cache.Remove(tempID)
	if err == nil {
		r.cache.Put(created)
	}
	out := r.settle(ctx, m, err)
	return created, out, err
}

// Update edits the title or notes of an item.
func (r *Reconciler) Update(ctx context.Context, itemID string, patch domain.PayloadPatch) (Mutation, error) {
	cur, ok := r.cache.Item(itemID)
	if !ok {
		return Mutation{}, fmt.Errorf("%w: item %s not cached", domain.ErrNotFound, itemID)
	}
	m := r.begin("update", itemID)

	local := cur
	if patch.Title != nil {
		local.Title = *patch.Title
	}
	if patch.Notes != nil {
		local.Notes = *patch.Notes
	}
	r.cache.Put(local)

	updated, err := r.api.Update(ctx, itemID, patch)
	if err == nil {
		r.cache.Put(updated)
	}
	out := r.settle(ctx, m, err)
	return out, err
}

// Delete removes an item and, for a list, its cards.
func (r *Reconciler) Delete(ctx context.Context, itemID string) (Mutation, error) {
	m := r.begin("delete", itemID)
	r.cache.Remove(itemID)
	err := r.api.Delete(ctx, itemID)
	out := r.settle(ctx, m, err)
	return out, err
}

// Reorder renumbers every child of a container in the given order.
func (r *Reconciler) Reorder(ctx context.Context, containerID string, orderedIDs []string) (Mutation, error) {
	m := r.begin("reorder", containerID)
	for i, id := range orderedIDs {
		if it, ok := r.cache.Item(id); ok && it.ContainerID == containerID {
			it.OrderKey = float64(i)
			r.cache.Put(it)
		}
	}

	items, err := r.api.Reorder(ctx, containerID, orderedIDs)
	if err == nil {
		for _, it := range items {
			r.cache.Put(it)
		}
	}
	out := r.settle(ctx, m, err)
	return out, err
}

// HandleMessage applies a realtime message on arrival, regardless of any
// pending optimistic edits.
func (r *Reconciler) HandleMessage(msg domain.Message) {
	changed, err := r.cache.ApplyMessage(msg)
	if err != nil {
		r.logger.WithError(err).WithField("action", msg.ActionType).Warn("realtime message ignored")
		return
	}
	if changed {
		r.logger.WithFields(log.Fields{
			"action":   msg.ActionType,
			"event_id": msg.Payload.EventID,
		}).Debug("realtime message applied")
	}
}

// HandleReconnect refetches the board since messages may have been missed
// while disconnected.
func (r *Reconciler) HandleReconnect(ctx context.Context) error {
	r.cache.MarkStale()
	return r.Refresh(ctx)
}

func without(items []domain.Item, id string) []domain.Item {
	out := items[:0:0]
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}
