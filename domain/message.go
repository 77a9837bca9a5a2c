package domain

import "fmt"

// ActionType is the realtime action carried to board subscribers.
type ActionType string

const (
	ActionCreated     ActionType = "CREATED"
	ActionUpdated     ActionType = "UPDATED"
	ActionMoved       ActionType = "MOVED"
	ActionDeleted     ActionType = "DELETED"
	ActionMemberAdded ActionType = "MEMBER_ADDED"
)

const topicPrefix = "board/"

// Topic returns the pub/sub channel for a board.
func Topic(boardID string) string {
	return topicPrefix + boardID
}

// BoardFromTopic extracts the board id from a channel name.
func BoardFromTopic(channel string) (string, bool) {
	if len(channel) <= len(topicPrefix) || channel[:len(topicPrefix)] != topicPrefix {
		return "", false
	}
	return channel[len(topicPrefix):], true
}

// Message is the realtime wire format.
type Message struct {
	ActionType ActionType     `json:"actionType"`
	Payload    MessagePayload `json:"payload"`
	Timestamp  int64          `json:"timestamp"`
}

// MessagePayload describes the change. Item is nil for membership changes.
type MessagePayload struct {
	EventID             string `json:"eventId"`
	BoardID             string `json:"boardId"`
	Actor               string `json:"actor"`
	Item                *Item  `json:"item,omitempty"`
	PreviousContainerID string `json:"previousContainerId,omitempty"`
	Member              string `json:"member,omitempty"`
}

// ActionFor maps an event type to its realtime action.
func ActionFor(typ EventType) (ActionType, error) {
	switch typ {
	case ItemCreated:
		return ActionCreated, nil
	case ItemUpdated:
		return ActionUpdated, nil
	case ItemMoved:
		return ActionMoved, nil
	case ItemDeleted:
		return ActionDeleted, nil
	case MembershipChanged:
		return ActionMemberAdded, nil
	}
	return "", fmt.Errorf("unknown event type %q", typ)
}

// NewMessage builds the realtime message for an event.
func NewMessage(ev Event) (Message, error) {
	action, err := ActionFor(ev.Type)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ActionType: action,
		Payload: MessagePayload{
			EventID:             ev.ID,
			BoardID:             ev.BoardID,
			Actor:               ev.Actor,
			PreviousContainerID: ev.PreviousContainerID,
			Member:              ev.Member,
		},
		Timestamp: ev.OccurredAt.UnixMilli(),
	}
	if ev.Type != MembershipChanged {
		item := ev.Item
		msg.Payload.Item = &item
	}
	return msg, nil
}
