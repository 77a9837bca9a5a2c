package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestNewMessageMoved(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := NewEvent(ItemMoved, "b1", "alice", at)
	ev.Item = Item{ID: "c1", Kind: KindCard, BoardID: "b1", ContainerID: "l2", OrderKey: 1}
	ev.PreviousContainerID = "l1"

	msg, err := NewMessage(ev)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if msg.ActionType != ActionMoved {
		t.Fatalf("unexpected action %s", msg.ActionType)
	}
	if msg.Timestamp != at.UnixMilli() {
		t.Fatalf("unexpected timestamp %d", msg.Timestamp)
	}
	if msg.Payload.Item == nil || msg.Payload.Item.ContainerID != "l2" {
		t.Fatalf("expected item snapshot in payload, got %#v", msg.Payload.Item)
	}

	data, err := sonic.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"actionType":"MOVED"`, `"previousContainerId":"l1"`, `"timestamp":`} {
		if !strings.Contains(string(data), field) {
			t.Fatalf("expected %s in %s", field, data)
		}
	}
}

func TestNewMessageMembershipHasNoItem(t *testing.T) {
	ev := NewEvent(MembershipChanged, "b1", "alice", time.Now())
	ev.Member = "bob"
	msg, err := NewMessage(ev)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if msg.ActionType != ActionMemberAdded || msg.Payload.Item != nil || msg.Payload.Member != "bob" {
		t.Fatalf("unexpected message %#v", msg)
	}
}

func TestNewMessageUnknownType(t *testing.T) {
	if _, err := NewMessage(Event{Type: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
}

func TestTopicRoundTrip(t *testing.T) {
	if got := Topic("abc"); got != "board/abc" {
		t.Fatalf("unexpected topic %s", got)
	}
	id, ok := BoardFromTopic("board/abc")
	if !ok || id != "abc" {
		t.Fatalf("BoardFromTopic = %q, %v", id, ok)
	}
	if _, ok := BoardFromTopic("tasks/abc"); ok {
		t.Fatalf("expected foreign channel to be rejected")
	}
	if _, ok := BoardFromTopic("board/"); ok {
		t.Fatalf("expected empty board id to be rejected")
	}
}

func TestNewEventIDsAreSortable(t *testing.T) {
	first := NewEvent(ItemCreated, "b", "u", time.UnixMilli(1000))
	second := NewEvent(ItemCreated, "b", "u", time.UnixMilli(2000))
	if !(first.ID < second.ID) {
		t.Fatalf("expected %s < %s", first.ID, second.ID)
	}
}
