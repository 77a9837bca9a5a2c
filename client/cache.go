package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"prism-board/domain"
)

var errNoItem = errors.New("message carries no item")

// BoardCache is the local copy of one board. It is safe for concurrent use.
type BoardCache struct {
	mu      sync.RWMutex
	boardID string
	board   domain.Board
	items   map[string]domain.Item
	loaded  bool
	stale   bool
}

// NewBoardCache returns an empty cache for boardID.
func NewBoardCache(boardID string) *BoardCache {
	return &BoardCache{boardID: boardID, items: make(map[string]domain.Item)}
}

// BoardID returns the board this cache mirrors.
func (c *BoardCache) BoardID() string { return c.boardID }

// Load replaces the whole cache with an authoritative snapshot and clears
// the stale marker.
func (c *BoardCache) Load(s domain.Snapshot) {
	items := make(map[string]domain.Item, len(s.Items))
	for _, it := range s.Items {
		items[it.ID] = it
	}
	c.mu.Lock()
	c.board = s.Board
	c.board.Members = append([]string(nil), s.Board.Members...)
	c.items = items
	c.loaded = true
	c.stale = false
	c.mu.Unlock()
}

// MarkStale flags the cache as no longer trustworthy until the next Load.
func (c *BoardCache) MarkStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Stale reports whether a refetch is pending.
func (c *BoardCache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale || !c.loaded
}

// Put inserts or replaces an item.
func (c *BoardCache) Put(it domain.Item) {
	c.mu.Lock()
	c.items[it.ID] = it
	c.mu.Unlock()
}

// Remove deletes an item together with everything it contains.
func (c *BoardCache) Remove(id string) {
	c.mu.Lock()
	c.remove(id)
	c.mu.Unlock()
}

func (c *BoardCache) remove(id string) {
	delete(c.items, id)
	for childID, it := range c.items {
		if it.ContainerID == id {
			c.remove(childID)
		}
	}
}

// Item looks up one item.
func (c *BoardCache) Item(id string) (domain.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[id]
	return it, ok
}

// Board returns the cached board record.
func (c *BoardCache) Board() domain.Board {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b := c.board
	b.Members = append([]string(nil), c.board.Members...)
	return b
}

// Children returns the children of a container in display order.
func (c *BoardCache) Children(containerID string) []domain.Item {
	c.mu.RLock()
	var out []domain.Item
	for _, it := range c.items {
		if it.ContainerID == containerID {
			out = append(out, it)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderKey != out[j].OrderKey {
			return out[i].OrderKey < out[j].OrderKey
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns the cached state in the same shape the server returns.
func (c *BoardCache) Snapshot() domain.Snapshot {
	c.mu.RLock()
	items := make([]domain.Item, 0, len(c.items))
	for _, it := range c.items {
		items = append(items, it)
	}
	c.mu.RUnlock()
	domain.SortItems(items)
	return domain.Snapshot{Board: c.Board(), Items: items}
}

// ApplyMessage folds one realtime message into the cache. It reports
// whether anything changed. Messages for other boards are ignored, and a
// MOVED that matches the cached container and key is a no-op.
func (c *BoardCache) ApplyMessage(msg domain.Message) (bool, error) {
	p := msg.Payload
	if p.BoardID != "" && p.BoardID != c.boardID {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.ActionType {
	case domain.ActionCreated, domain.ActionUpdated:
		if p.Item == nil {
			return false, errNoItem
		}
		if cur, ok := c.items[p.Item.ID]; ok && cur == *p.Item {
			return false, nil
		}
		c.items[p.Item.ID] = *p.Item
		return true, nil
	case domain.ActionMoved:
		if p.Item == nil {
			return false, errNoItem
		}
		cur, ok := c.items[p.Item.ID]
		if ok && cur.ContainerID == p.Item.ContainerID && cur.OrderKey == p.Item.OrderKey {
			return false, nil
		}
		c.items[p.Item.ID] = *p.Item
		return true, nil
	case domain.ActionDeleted:
		if p.Item == nil {
			return false, errNoItem
		}
		if _, ok := c.items[p.Item.ID]; !ok {
			return false, nil
		}
		c.remove(p.Item.ID)
		return true, nil
	case domain.ActionMemberAdded:
		for _, m := range c.board.Members {
			if m == p.Member {
				return false, nil
			}
		}
		c.board.Members = append(c.board.Members, p.Member)
		return true, nil
	}
	return false, fmt.Errorf("unknown action type %q", msg.ActionType)
}
