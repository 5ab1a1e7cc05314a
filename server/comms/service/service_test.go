package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"pharma_comms/server/comms/domain"
	"pharma_comms/server/comms/repository"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []any
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) WriteJSON(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, payload)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) serverEvents() []domain.ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ServerEvent, 0, len(c.events))
	for _, e := range c.events {
		if se, ok := e.(domain.ServerEvent); ok {
			out = append(out, se)
		}
	}
	return out
}

func (c *fakeConn) eventsOfType(eventType string) []domain.ServerEvent {
	var out []domain.ServerEvent
	for _, e := range c.serverEvents() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	store    *repository.MemoryStore
	registry *Registry
	rooms    *RoomManager
	crypto   *EncryptionGateway
	messages *MessageService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	registry := NewRegistry()
	rooms := NewRoomManager(store)
	crypto, err := NewEncryptionGateway(testKeyHex)
	if err != nil {
		t.Fatalf("new encryption gateway: %v", err)
	}
	messages := NewMessageService(store, rooms, registry, crypto, nil)
	return &testEnv{store: store, registry: registry, rooms: rooms, crypto: crypto, messages: messages}
}

func (e *testEnv) connect(t *testing.T, userID string) *fakeConn {
	t.Helper()
	conn := newFakeConn(userID + "-conn")
	e.registry.Register(userID, "member", conn)
	return conn
}

func (e *testEnv) createGroupRoom(t *testing.T, createdBy string, memberIDs ...string) *domain.Room {
	t.Helper()
	room, err := e.rooms.CreateRoom(context.Background(), RoomSpec{
		Type:      domain.RoomTypeGroup,
		Name:      "test room",
		CreatedBy: createdBy,
		MemberIDs: memberIDs,
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func mustContain(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Fatalf("expected %q to contain %q", s, substr)
	}
}
