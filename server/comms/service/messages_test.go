package service

import (
	"context"
	"errors"
	"testing"

	"pharma_comms/server/comms/domain"
)

func TestCreateMessageAssignsMonotonicSequence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.createGroupRoom(t, "u1", "u2")

	var last int64
	for i := 0; i < 5; i++ {
		msg, err := env.messages.CreateMessage(ctx, CreateMessageInput{RoomID: room.ID, SenderID: "u1", Content: "hello"})
		if err != nil {
			t.Fatalf("create message %d: %v", i, err)
		}
		if msg.Seq != last+1 {
			t.Fatalf("seq gap: got %d after %d", msg.Seq, last)
		}
		last = msg.Seq
	}
}

func TestCreateMessageBroadcastsToParticipants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.createGroupRoom(t, "u1", "u2")
	c1 := env.connect(t, "u1")
	c2 := env.connect(t, "u2")

	if _, err := env.messages.CreateMessage(ctx, CreateMessageInput{RoomID: room.ID, SenderID: "u1", Content: "hi"}); err != nil {
		t.Fatalf("create message: %v", err)
	}
	for _, c := range []*fakeConn{c1, c2} {
		if got := len(c.eventsOfType(domain.EvtNewMessage)); got != 1 {
			t.Fatalf("conn %s received %d new_message events, want 1", c.ID(), got)
		}
	}
}

func TestSensitiveMessageEncryptedAtRestPlaintextOnWire(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.createGroupRoom(t, "u1", "u2")

	content := "rx: metformin 850mg"
	msg, err := env.messages.CreateMessage(ctx, CreateMessageInput{RoomID: room.ID, SenderID: "u1", Content: content, Type: domain.MessageTypePrescription})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if msg.Content != content || msg.Encrypted {
		t.Fatalf("echo should be plaintext: %+v", msg)
	}

	stored, err := env.store.GetMessage(ctx, room.ID, msg.ID)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if !stored.Encrypted {
		t.Fatal("prescription message stored unencrypted")
	}
	if stored.Content == content {
		t.Fatal("stored content is plaintext")
	}

	history, err := env.messages.History(ctx, room.ID, "u2", 10, nil)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Content != content || history[0].Encrypted {
		t.Fatalf("history should deliver decrypted content: %+v", history)
	}
}

func TestCreateMessageRejectsMissingParent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.createGroupRoom(t, "u1", "u2")

	_, err := env.messages.CreateMessage(ctx, CreateMessageInput{RoomID: room.ID, SenderID: "u1", Content: "reply", ParentID: "no-such-message"})
	if !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestCreateMessageDeniedWithoutSendCapability(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.createGroupRoom(t, "u1", "u2")

	if err := env.rooms.SetCapabilities(ctx, room.ID, "u1", "u2", domain.DefaultCapabilities(domain.RoleViewer)); err != nil {
		t.Fatalf("set capabilities: %v", err)
	}
	if _, err := env.messages.CreateMessage(ctx, CreateMessageInput{RoomID: room.ID, SenderID: "u2", Content: "hi"}); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestMarkRoomReadClearsUnread(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.createGroupRoom(t, "u1", "u2")

	for i := 0; i < 3; i++ {
		if _, err := env.messages.CreateMessage(ctx, CreateMessageInput{RoomID: room.ID, SenderID: "u1", Content: "msg"}); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}
	count, err := env.messages.UnreadCount(ctx, room.ID, "u2")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 3 {
		t.Fatalf("unread count: got %d, want 3", count)
	}
	// sender's own messages are never unread
	count, err = env.messages.UnreadCount(ctx, room.ID, "u1")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 0 {
		t.Fatalf("sender unread count: got %d, want 0", count)
	}

	if err := env.messages.MarkRoomRead(ctx, room.ID, "u2"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	count, err = env.messages.UnreadCount(ctx, room.ID, "u2")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 0 {
		t.Fatalf("unread after mark read: got %d, want 0", count)
	}
	// repeated mark read is a no-op
	if err := env.messages.MarkRoomRead(ctx, room.ID, "u2"); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
}

func TestEditMessageSenderOnlyWithHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.createGroupRoom(t, "u1", "u2")

	msg, err := env.messages.CreateMessage(ctx, CreateMessageInput{RoomID: room.ID, SenderID: "u1", Content: "original"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.messages.EditMessage(ctx, room.ID, "u2", msg.ID, "hijacked"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("non-sender edit: expected ErrAccessDenied, got %v", err)
	}

	edited, err := env.messages.EditMessage(ctx, room.ID, "u1", msg.ID, "fixed")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Content != "fixed" {
		t.Fatalf("edited content: %q", edited.Content)
	}
	if len(edited.EditHistory) != 1 || edited.EditHistory[0].Content != "original" {
		t.Fatalf("edit history: %+v", edited.EditHistory)
	}
}

func TestEditEncryptedMessageStaysEncrypted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.createGroupRoom(t, "u1", "u2")

	msg, err := env.messages.CreateMessage(ctx, CreateMessageInput{RoomID: room.ID, SenderID: "u1", Content: "lab: a1c 6.1", Type: domain.MessageTypeLabResult})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.messages.EditMessage(ctx, room.ID, "u1", msg.ID, "lab: a1c 6.2"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	stored, err := env.store.GetMessage(ctx, room.ID, msg.ID)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if !stored.Encrypted || stored.Content == "lab: a1c 6.2" {
		t.Fatal("edited sensitive message stored unencrypted")
	}
}

func TestDeleteMessageLeavesTombstone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.createGroupRoom(t, "u1", "u2")

	msg, err := env.messages.CreateMessage(ctx, CreateMessageInput{RoomID: room.ID, SenderID: "u1", Content: "oops"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.messages.DeleteMessage(ctx, room.ID, "u2", msg.ID); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("non-sender delete: expected ErrAccessDenied, got %v", err)
	}
	if err := env.messages.DeleteMessage(ctx, room.ID, "u1", msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// idempotent
	if err := env.messages.DeleteMessage(ctx, room.ID, "u1", msg.ID); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}

	stored, err := env.store.GetMessage(ctx, room.ID, msg.ID)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if !stored.Deleted || stored.Content != domain.DeletedMessagePlaceholder || stored.Seq != msg.Seq {
		t.Fatalf("tombstone: %+v", stored)
	}
	if _, err := env.messages.EditMessage(ctx, room.ID, "u1", msg.ID, "resurrect"); !errors.Is(err, domain.ErrState) {
		t.Fatalf("edit deleted: expected ErrState, got %v", err)
	}
}

func TestToggleReaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.createGroupRoom(t, "u1", "u2")

	msg, err := env.messages.CreateMessage(ctx, CreateMessageInput{RoomID: room.ID, SenderID: "u1", Content: "hello"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.messages.ToggleReaction(ctx, room.ID, "u2", msg.ID, "👍"); err != nil {
		t.Fatalf("add reaction: %v", err)
	}
	stored, _ := env.store.GetMessage(ctx, room.ID, msg.ID)
	if got := stored.Reactions["👍"]; len(got) != 1 || got[0] != "u2" {
		t.Fatalf("reactions after add: %v", stored.Reactions)
	}
	if err := env.messages.ToggleReaction(ctx, room.ID, "u2", msg.ID, "👍"); err != nil {
		t.Fatalf("remove reaction: %v", err)
	}
	stored, _ = env.store.GetMessage(ctx, room.ID, msg.ID)
	if len(stored.Reactions) != 0 {
		t.Fatalf("reactions after toggle off: %v", stored.Reactions)
	}
}

func TestSearchScopedToMembership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mine := env.createGroupRoom(t, "u1", "u2")
	theirs := env.createGroupRoom(t, "u3", "u4")

	if _, err := env.messages.CreateMessage(ctx, CreateMessageInput{RoomID: mine.ID, SenderID: "u1", Content: "dosage question"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.messages.CreateMessage(ctx, CreateMessageInput{RoomID: theirs.ID, SenderID: "u3", Content: "dosage answer"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	results, err := env.messages.Search(ctx, "u1", "dosage", nil, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].RoomID != mine.ID {
		t.Fatalf("search leaked across rooms: %+v", results)
	}

	if _, err := env.messages.Search(ctx, "u1", "dosage", &theirs.ID, 10); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("room-scoped search: expected ErrAccessDenied, got %v", err)
	}
}

func TestTypingRelaysToOthersOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.createGroupRoom(t, "u1", "u2")
	c1 := env.connect(t, "u1")
	c2 := env.connect(t, "u2")

	if err := env.messages.Typing(ctx, room.ID, "u1", true); err != nil {
		t.Fatalf("typing: %v", err)
	}
	if len(c1.eventsOfType(domain.EvtUserTyping)) != 0 {
		t.Fatal("typer received their own typing event")
	}
	if len(c2.eventsOfType(domain.EvtUserTyping)) != 1 {
		t.Fatal("peer missed the typing event")
	}
}
