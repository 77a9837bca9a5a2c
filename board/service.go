package board

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Publisher receives events after their transaction committed.
type Publisher interface {
	Publish(ev domain.Event) error
}

// Config bounds the retry loop around transient storage failures.
type Config struct {
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// DefaultConfig is used for zero fields of a Config.
var DefaultConfig = Config{
	MaxAttempts:  4,
	RetryInitial: 20 * time.Millisecond,
	RetryMax:     500 * time.Millisecond,
}

// Service performs board mutations transactionally and emits one event per
// committed change.
type Service struct {
	repo   Repository
	pub    Publisher
	cfg    Config
	logger *log.Logger

	now   func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates a Service. pub may be nil when nothing consumes events.
func NewService(repo Repository, pub Publisher, cfg Config, logger *log.Logger) *Service {
	if repo == nil {
		panic("repository is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultConfig.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultConfig.RetryMax
	}
	return &Service{
		repo:   repo,
		pub:    pub,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
		sleep:  sleepCtx,
	}
}

// unit collects the events of one transaction attempt.
type unit struct {
	tx     Tx
	events []domain.Event
}

// run executes fn inside a transaction, retrying transient failures with
// exponential backoff, and publishes the collected events once it commits.
func (s *Service) run(ctx context.Context, op string, fn func(u *unit) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		u := &unit{}
		err := s.repo.InTx(ctx, func(tx Tx) error {
			u.tx = tx
			u.events = u.events[:0]
			return fn(u)
		})
		if err == nil {
			s.publish(u.events)
			return nil
		}
		if !errors.Is(err, domain.ErrTransientStorage) {
			return err
		}
		lastErr = err
		if attempt == s.cfg.MaxAttempts {
			break
		}
		delay := exponentialBackoff(attempt, s.cfg.RetryInitial, s.cfg.RetryMax)
		s.logger.WithError(err).WithFields(log.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("transient storage failure, retrying")
		if serr := s.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%w: %v", domain.ErrUnavailable, serr)
		}
	}
	return fmt.Errorf("%w: %s gave up after %d attempts: %v", domain.ErrUnavailable, op, s.cfg.MaxAttempts, lastErr)
}

func (s *Service) publish(events []domain.Event) {
	if s.pub == nil {
		return
	}
	for _, ev := range events {
		if err := s.pub.Publish(ev); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"event_id":   ev.ID,
				"event_type": ev.Type,
				"board_id":   ev.BoardID,
			}).Warn("event not dispatched")
		}
	}
}

func (s *Service) event(u *unit, typ domain.EventType, boardID, actor string) *domain.Event {
	u.events = append(u.events, domain.NewEvent(typ, boardID, actor, s.now()))
	return &u.events[len(u.events)-1]
}

// CreateBoard creates an empty board owned by actor.
func (s *Service) CreateBoard(ctx context.Context, title, actor string) (domain.Board, error) {
	b := domain.Board{ID: s.newID(), Title: title, OwnerID: actor, Members: []string{}}
	err := s.run(ctx, "create_board", func(u *unit) error {
		return u.tx.PutBoard(ctx, b)
	})
	if err != nil {
		return domain.Board{}, err
	}
	return b, nil
}

// Snapshot reads the authoritative state of a board.
func (s *Service) Snapshot(ctx context.Context, boardID string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := s.run(ctx, "snapshot", func(u *unit) error {
		b, err := u.tx.Board(ctx, boardID)
		if err != nil {
			return err
		}
		items, err := u.tx.BoardItems(ctx, boardID)
		if err != nil {
			return err
		}
		domain.SortItems(items)
		snap = domain.Snapshot{Board: b, Items: items}
		return nil
	})
	return snap, err
}

// Create appends a new child to a container.
func (s *Service) Create(ctx context.Context, containerID string, p domain.Payload, actor string) (domain.Item, error) {
	var created domain.Item
	err := s.run(ctx, "create", func(u *unit) error {
		c, err := u.tx.Container(ctx, containerID)
		if err != nil {
			return err
		}
		kind, ok := domain.ChildKind(c.Kind)
		if !ok {
			return fmt.Errorf("%w: %s %s cannot hold items", domain.ErrInvalidTarget, c.Kind, c.ID)
		}
		children, err := u.tx.Children(ctx, containerID)
		if err != nil {
			return err
		}
		key, err := s.allocate(ctx, u, actor, containerID, children, len(children))
		if err != nil {
			return err
		}
		created = domain.Item{
			ID:          s.newID(),
			Kind:        kind,
			BoardID:     c.BoardID,
			ContainerID: containerID,
			OrderKey:    key,
			Title:       p.Title,
			Notes:       p.Notes,
		}
		if err := u.tx.PutItem(ctx, created); err != nil {
			return err
		}
		s.event(u, domain.ItemCreated, c.BoardID, actor).Item = created
		return nil
	})
	if err != nil {
		return domain.Item{}, err
	}
	return created, nil
}

// Update edits the payload of an item. The order key is never touched.
func (s *Service) Update(ctx context.Context, itemID string, patch domain.PayloadPatch, actor string) (domain.Item, error) {
	var updated domain.Item
	err := s.run(ctx, "update", func(u *unit) error {
		item, err := u.tx.Item(ctx, itemID)
		if err != nil {
			return err
		}
		if patch.Title != nil {
			item.Title = *patch.Title
		}
		if patch.Notes != nil {
			item.Notes = *patch.Notes
		}
		if err := u.tx.PutItem(ctx, item); err != nil {
			return err
		}
		updated = item
		s.event(u, domain.ItemUpdated, item.BoardID, actor).Item = item
		return nil
	})
	if err != nil {
		return domain.Item{}, err
	}
	return updated, nil
}

// Delete removes an item, and a list's cards with it. Siblings keep their keys.
func (s *Service) Delete(ctx context.Context, itemID, actor string) error {
	return s.run(ctx, "delete", func(u *unit) error {
		item, err := u.tx.Item(ctx, itemID)
		if err != nil {
			return err
		}
		if _, err := u.tx.Children(ctx, item.ContainerID); err != nil {
			return err
		}
		if item.Kind == domain.KindList {
			cards, err := u.tx.Children(ctx, item.ID)
			if err != nil {
				return err
			}
			for _, c := range cards {
				if err := u.tx.DeleteItem(ctx, c.ID); err != nil {
					return err
				}
			}
		}
		if err := u.tx.DeleteItem(ctx, item.ID); err != nil {
			return err
		}
		s.event(u, domain.ItemDeleted, item.BoardID, actor).Item = item
		return nil
	})
}

// AddMember grants userID access to a board.
func (s *Service) AddMember(ctx context.Context, boardID, userID, actor string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty member id", domain.ErrInvalidTarget)
	}
	return s.run(ctx, "add_member", func(u *unit) error {
		b, err := u.tx.Board(ctx, boardID)
		if err != nil {
			return err
		}
		if b.HasMember(userID) {
			return nil
		}
		if err := u.tx.AddMember(ctx, boardID, userID); err != nil {
			return err
		}
		s.event(u, domain.MembershipChanged, boardID, actor).Member = userID
		return nil
	})
}

// Move places an item into a target container. Source and target are
// changed in a single transaction, so a failure leaves the item where it was.
func (s *Service) Move(ctx context.Context, req domain.MoveRequest, actor string) (domain.Item, error) {
	if req.Key != nil && !domain.ValidKey(*req.Key) {
		return domain.Item{}, fmt.Errorf("%w: explicit key must be finite", domain.ErrInvalidTarget)
	}
	var moved domain.Item
	err := s.run(ctx, "move", func(u *unit) error {
		item, err := u.tx.Item(ctx, req.ItemID)
		if err != nil {
			return err
		}
		target, err := u.tx.Container(ctx, req.TargetContainerID)
		if err != nil {
			return err
		}
		if err := checkTarget(item, target); err != nil {
			return err
		}
		if item.ContainerID != target.ID {
			if _, err := u.tx.Children(ctx, item.ContainerID); err != nil {
				return err
			}
		}
		children, err := u.tx.Children(ctx, target.ID)
		if err != nil {
			return err
		}
		siblings := without(children, item.ID)

		var key float64
		switch {
		case req.Key != nil:
			key = *req.Key
			for _, sib := range siblings {
				if sib.OrderKey == key {
					return fmt.Errorf("%w: key %v already used by %s", domain.ErrInvalidTarget, key, sib.ID)
				}
			}
		case req.Index != nil:
			key, err = s.allocate(ctx, u, actor, target.ID, siblings, *req.Index)
		default:
			key, err = s.allocate(ctx, u, actor, target.ID, siblings, len(siblings))
		}
		if err != nil {
			return err
		}

		moved = item
		moved.ContainerID = target.ID
		moved.OrderKey = key
		if item.ContainerID != target.ID {
			if err := u.tx.Detach(ctx, item.ID); err != nil {
				return err
			}
		}
		if err := u.tx.PutItem(ctx, moved); err != nil {
			return err
		}
		ev := s.event(u, domain.ItemMoved, item.BoardID, actor)
		ev.Item = moved
		ev.PreviousContainerID = item.ContainerID
		return nil
	})
	if err != nil {
		return domain.Item{}, err
	}
	return moved, nil
}

// Renumber assigns keys 0, 1, 2, ... to the children of a container in the
// given order. orderedIDs must name every child exactly once.
func (s *Service) Renumber(ctx context.Context, containerID string, orderedIDs []string, actor string) ([]domain.Item, error) {
	var out []domain.Item
	err := s.run(ctx, "renumber", func(u *unit) error {
		if _, err := u.tx.Container(ctx, containerID); err != nil {
			return err
		}
		children, err := u.tx.Children(ctx, containerID)
		if err != nil {
			return err
		}
		if len(orderedIDs) != len(children) {
			return fmt.Errorf("%w: expected %d child ids, got %d", domain.ErrInvalidTarget, len(children), len(orderedIDs))
		}
		byID := make(map[string]domain.Item, len(children))
		for _, c := range children {
			byID[c.ID] = c
		}
		seen := make(map[string]struct{}, len(orderedIDs))
		ordered := make([]domain.Item, 0, len(orderedIDs))
		for _, id := range orderedIDs {
			c, ok := byID[id]
			if !ok {
				return fmt.Errorf("%w: %s is not a child of %s", domain.ErrInvalidTarget, id, containerID)
			}
			if _, dup := seen[id]; dup {
				return fmt.Errorf("%w: %s listed twice", domain.ErrInvalidTarget, id)
			}
			seen[id] = struct{}{}
			ordered = append(ordered, c)
		}
		out, err = s.rekey(ctx, u, actor, ordered)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rekey writes keys 0..n-1 to items in order and emits a Moved event for
// each item whose key changed.
func (s *Service) rekey(ctx context.Context, u *unit, actor string, ordered []domain.Item) ([]domain.Item, error) {
	out := make([]domain.Item, len(ordered))
	for i, item := range ordered {
		key := float64(i)
		if item.OrderKey != key {
			prev := item
			item.OrderKey = key
			if err := u.tx.PutItem(ctx, item); err != nil {
				return nil, err
			}
			ev := s.event(u, domain.ItemMoved, item.BoardID, actor)
			ev.Item = item
			ev.PreviousContainerID = prev.ContainerID
		}
		out[i] = item
	}
	return out, nil
}

// allocate picks a key for index among siblings. When the float gap is used
// up the siblings are renumbered inside the same transaction first.
func (s *Service) allocate(ctx context.Context, u *unit, actor, containerID string, siblings []domain.Item, index int) (float64, error) {
	key, err := domain.AllocateAt(siblings, index)
	if !errors.Is(err, domain.ErrPositionExhausted) {
		return key, err
	}
	s.logger.WithFields(log.Fields{
		"container_id": containerID,
		"children":     len(siblings),
	}).Info("order keys exhausted, renumbering container")
	rekeyed, err := s.rekey(ctx, u, actor, siblings)
	if err != nil {
		return 0, err
	}
	copy(siblings, rekeyed)
	return domain.AllocateAt(siblings, index)
}

func checkTarget(item domain.Item, target domain.Container) error {
	if item.BoardID != target.BoardID {
		return fmt.Errorf("%w: %s belongs to another board", domain.ErrInvalidTarget, target.ID)
	}
	if item.ID == target.ID {
		return fmt.Errorf("%w: %s cannot contain itself", domain.ErrInvalidTarget, item.ID)
	}
	kind, ok := domain.ChildKind(target.Kind)
	if !ok || kind != item.Kind {
		return fmt.Errorf("%w: a %s cannot be placed in a %s", domain.ErrInvalidTarget, item.Kind, target.Kind)
	}
	return nil
}

func without(items []domain.Item, id string) []domain.Item {
	out := make([]domain.Item, 0, len(items))
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
