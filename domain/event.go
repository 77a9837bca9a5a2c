package domain

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType names what happened to an item or board.
type EventType string

const (
	ItemCreated       EventType = "item-created"
	ItemUpdated       EventType = "item-updated"
	ItemMoved         EventType = "item-moved"
	ItemDeleted       EventType = "item-deleted"
	MembershipChanged EventType = "membership-changed"
)

// Event is produced once per committed mutation and handed to every handler.
// Events are never persisted.
type Event struct {
	ID                  string    `json:"id"`
	Type                EventType `json:"type"`
	BoardID             string    `json:"boardId"`
	Item                Item      `json:"item"`
	PreviousContainerID string    `json:"previousContainerId,omitempty"`
	Member              string    `json:"member,omitempty"`
	Actor               string    `json:"actor"`
	OccurredAt          time.Time `json:"occurredAt"`
}

// NewEvent stamps an event with a sortable id and the given time.
func NewEvent(typ EventType, boardID, actor string, at time.Time) Event {
	return Event{
		ID:         ulid.MustNew(ulid.Timestamp(at), rand.Reader).String(),
		Type:       typ,
		BoardID:    boardID,
		Actor:      actor,
		OccurredAt: at.UTC(),
	}
}
