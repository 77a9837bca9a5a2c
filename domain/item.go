package domain

import "sort"

// Kind identifies the level of an entity in the board hierarchy.
type Kind string

const (
	KindBoard Kind = "board"
	KindList  Kind = "list"
	KindCard  Kind = "card"
)

// ChildKind reports which kind of item a container of kind k holds.
func ChildKind(k Kind) (Kind, bool) {
	switch k {
	case KindBoard:
		return KindList, true
	case KindList:
		return KindCard, true
	}
	return "", false
}

// Item is a list or a card positioned inside its container by OrderKey.
type Item struct {
	ID          string  `json:"id"`
	Kind        Kind    `json:"kind"`
	BoardID     string  `json:"boardId"`
	ContainerID string  `json:"containerId"`
	OrderKey    float64 `json:"orderKey"`
	Title       string  `json:"title"`
	Notes       string  `json:"notes,omitempty"`
}

// Payload holds the user editable fields of an item.
type Payload struct {
	Title string `json:"title"`
	Notes string `json:"notes,omitempty"`
}

// PayloadPatch carries a partial field edit. Nil fields are left untouched.
type PayloadPatch struct {
	Title *string `json:"title"`
	Notes *string `json:"notes"`
}

// Board is the root container.
type Board struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	OwnerID string   `json:"ownerId"`
	Members []string `json:"members"`
}

// HasMember reports whether userID is the owner or a member of the board.
func (b Board) HasMember(userID string) bool {
	if b.OwnerID == userID {
		return true
	}
	for _, m := range b.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Container is anything that holds ordered children: a board or a list.
type Container struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	BoardID string `json:"boardId"`
	Title   string `json:"title"`
}

// Snapshot is the authoritative state of one board.
type Snapshot struct {
	Board Board  `json:"board"`
	Items []Item `json:"items"`
}

// SortItems orders items by container, then key, then id so that equal
// snapshots compare equal.
func SortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].ContainerID != items[j].ContainerID {
			return items[i].ContainerID < items[j].ContainerID
		}
		if items[i].OrderKey != items[j].OrderKey {
			return items[i].OrderKey < items[j].OrderKey
		}
		return items[i].ID < items[j].ID
	})
}

// MoveRequest asks for an item to be placed in a container, either at an
// ordinal index or at an explicit key. With neither, the item is appended.
type MoveRequest struct {
	ItemID            string   `json:"itemId"`
	TargetContainerID string   `json:"targetContainerId"`
	Index             *int     `json:"desiredOrdinalIndex,omitempty"`
	Key               *float64 `json:"explicitKey,omitempty"`
}

// MoveResult is the authoritative outcome of a move.
type MoveResult struct {
	ItemID      string  `json:"itemId"`
	ContainerID string  `json:"containerId"`
	OrderKey    float64 `json:"orderKey"`
}

// ReorderRequest lists every child of a container in its new order.
type ReorderRequest struct {
	OrderedChildIDs []string `json:"orderedChildIds"`
}
