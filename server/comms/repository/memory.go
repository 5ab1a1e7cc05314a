package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pharma_comms/server/comms/domain"
)

// MemoryStore is the dev-mode and test backend. It keeps the same contract
// as the Postgres store, including per-room sequence assignment.
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[string]domain.Room
	byDedup  map[string]string
	messages map[string][]domain.Message
	byMsgID  map[string]string
	seq      map[string]int64
	calls    []domain.CallSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    map[string]domain.Room{},
		byDedup:  map[string]string{},
		messages: map[string][]domain.Message{},
		byMsgID:  map[string]string{},
		seq:      map[string]int64{},
	}
}

func cloneRoom(r domain.Room) domain.Room {
	out := r
	out.Participants = append([]domain.Participant(nil), r.Participants...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func cloneMessage(m domain.Message) domain.Message {
	out := m
	out.ReadBy = make(map[string]time.Time, len(m.ReadBy))
	for k, v := range m.ReadBy {
		out.ReadBy[k] = v
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = append([]string(nil), v...)
		}
	}
	out.EditHistory = append([]domain.MessageEdit(nil), m.EditHistory...)
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (s *MemoryStore) CreateRoom(_ context.Context, room domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = cloneRoom(room)
	if room.DedupKey != "" {
		s.byDedup[room.DedupKey] = room.ID
	}
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	out := cloneRoom(room)
	return &out, nil
}

func (s *MemoryStore) FindRoomByDedupKey(_ context.Context, key string) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roomID, ok := s.byDedup[key]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	out := cloneRoom(room)
	return &out, nil
}

func (s *MemoryStore) UpdateRoom(_ context.Context, room domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; !ok {
		return domain.ErrRoomNotFound
	}
	s.rooms[room.ID] = cloneRoom(room)
	return nil
}

func (s *MemoryStore) ListRoomsForUser(_ context.Context, userID string) ([]domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]domain.Room, 0)
	for _, room := range s.rooms {
		if _, ok := room.Participant(userID); ok {
			items = append(items, cloneRoom(room))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].LastActivity.After(items[j].LastActivity) })
	return items, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[msg.RoomID]++
	msg.Seq = s.seq[msg.RoomID]
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], cloneMessage(msg))
	s.byMsgID[msg.ID] = msg.RoomID
	return msg, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, roomID, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[roomID] {
		if m.ID == messageID {
			out := cloneMessage(m)
			return &out, nil
		}
	}
	return nil, domain.ErrMessageNotFound
}

func (s *MemoryStore) UpdateMessage(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.messages[msg.RoomID]
	for i, m := range items {
		if m.ID == msg.ID {
			items[i] = cloneMessage(msg)
			return nil
		}
	}
	return domain.ErrMessageNotFound
}

func (s *MemoryStore) ListMessages(_ context.Context, roomID string, limit int, beforeSeq *int64) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]domain.Message, 0, limit)
	all := s.messages[roomID]
	for i := len(all) - 1; i >= 0 && len(items) < limit; i-- {
		m := all[i]
		if beforeSeq != nil && m.Seq >= *beforeSeq {
			continue
		}
		items = append(items, cloneMessage(m))
	}
	// callers expect ascending sequence order
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

func (s *MemoryStore) MarkRoomRead(_ context.Context, roomID, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked int64
	items := s.messages[roomID]
	for i, m := range items {
		if m.SenderID == userID {
			continue
		}
		if _, ok := m.ReadBy[userID]; ok {
			continue
		}
		updated := cloneMessage(m)
		updated.ReadBy[userID] = at
		items[i] = updated
		marked++
	}
	return marked, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, roomID, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, m := range s.messages[roomID] {
		if m.SenderID == userID || m.Deleted {
			continue
		}
		if _, ok := m.ReadBy[userID]; !ok {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SearchMessages(_ context.Context, roomID *string, query string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(strings.TrimSpace(query))
	items := make([]domain.Message, 0)
	for id, msgs := range s.messages {
		if roomID != nil && id != *roomID {
			continue
		}
		for _, m := range msgs {
			if m.Deleted || m.Encrypted {
				continue
			}
			if strings.Contains(strings.ToLower(m.Content), needle) {
				items = append(items, cloneMessage(m))
			}
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) InsertCall(_ context.Context, session domain.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, session)
	return nil
}

func (s *MemoryStore) ListCallsForUser(_ context.Context, userID string, limit int) ([]domain.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]domain.CallSession, 0, limit)
	for i := len(s.calls) - 1; i >= 0 && len(items) < limit; i-- {
		c := s.calls[i]
		if c.InitiatorID == userID || c.TargetID == userID {
			items = append(items, c)
		}
	}
	return items, nil
}
