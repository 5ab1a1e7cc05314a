package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	commonlog "pharma_comms/server/common/log"
	"pharma_comms/server/comms/domain"
	"pharma_comms/server/comms/repository"
)

type RoomSpec struct {
	Type      domain.RoomType   `json:"type"`
	Name      string            `json:"name"`
	CreatedBy string            `json:"-"`
	MemberIDs []string          `json:"member_ids"`
	Metadata  map[string]string `json:"metadata"`
	Settings  *domain.RoomSettings
}

// RoomManager owns room lifecycle, the participant roster and the single
// authorization gate. Mutations are serialized per room id.
type RoomManager struct {
	store repository.RoomStore
	locks *keyedMutex
}

func NewRoomManager(store repository.RoomStore) *RoomManager {
	return &RoomManager{store: store, locks: newKeyedMutex()}
}

// dedupKey pins the logical identity of rooms that must never be duplicated:
// the sorted user pair for direct rooms, the business entity for order and
// consultation rooms.
func dedupKey(spec RoomSpec) string {
	switch spec.Type {
	case domain.RoomTypeDirect:
		pair := []string{spec.CreatedBy}
		pair = append(pair, spec.MemberIDs...)
		sort.Strings(pair)
		return "direct:" + strings.Join(pair, ":")
	case domain.RoomTypeOrder:
		if id := spec.Metadata["order_id"]; id != "" {
			return "order:" + id
		}
	case domain.RoomTypeConsultation:
		rx := spec.Metadata["prescription_id"]
		pharmacy := spec.Metadata["pharmacy_id"]
		if rx != "" && pharmacy != "" {
			return "consultation:" + rx + ":" + pharmacy
		}
	}
	return ""
}

func (m *RoomManager) CreateRoom(ctx context.Context, spec RoomSpec) (*domain.Room, error) {
	if !spec.Type.Valid() {
		return nil, fmt.Errorf("invalid room type %q", spec.Type)
	}
	if spec.CreatedBy == "" {
		return nil, domain.ErrAccessDenied
	}
	if spec.Type == domain.RoomTypeDirect && len(spec.MemberIDs) != 1 {
		return nil, fmt.Errorf("direct room requires exactly one other member")
	}

	key := dedupKey(spec)
	if key != "" {
		unlock := m.locks.Lock("dedup:" + key)
		defer unlock()
		if existing, err := m.store.FindRoomByDedupKey(ctx, key); err == nil {
			return existing, nil
		} else if !errors.Is(err, domain.ErrRoomNotFound) {
			return nil, err
		}
	}

	settings := domain.DefaultRoomSettings(spec.Type)
	if spec.Settings != nil {
		settings = *spec.Settings
	}
	now := time.Now().UTC()
	room := domain.Room{
		ID:           uuid.NewString(),
		Type:         spec.Type,
		Name:         spec.Name,
		CreatedBy:    spec.CreatedBy,
		Settings:     settings,
		Metadata:     spec.Metadata,
		DedupKey:     key,
		CreatedAt:    now,
		LastActivity: now,
	}
	room.Participants = append(room.Participants, domain.Participant{
		UserID:       spec.CreatedBy,
		Role:         domain.RoleAdmin,
		Capabilities: domain.DefaultCapabilities(domain.RoleAdmin),
		JoinedAt:     now,
	})
	for _, userID := range spec.MemberIDs {
		if userID == spec.CreatedBy {
			continue
		}
		if _, ok := room.Participant(userID); ok {
			continue
		}
		if len(room.Participants) >= settings.MaxParticipants {
			return nil, domain.ErrCapacityExceeded
		}
		room.Participants = append(room.Participants, domain.Participant{
			UserID:       userID,
			Role:         domain.RoleMember,
			Capabilities: domain.DefaultCapabilities(domain.RoleMember),
			JoinedAt:     now,
		})
	}

	if err := m.store.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	commonlog.Infof("event=room action=create room_id=%s room_type=%s participants=%d", room.ID, room.Type, len(room.Participants))
	return &room, nil
}

// ValidateAccess is the single authorization gate invoked before any per-room
// read or write.
func (m *RoomManager) ValidateAccess(ctx context.Context, roomID, userID string) (*domain.Room, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, ok := room.Participant(userID); !ok {
		return nil, domain.ErrAccessDenied
	}
	return room, nil
}

func RequireCapability(room *domain.Room, userID string, allowed func(domain.Capabilities) bool) error {
	p, ok := room.Participant(userID)
	if !ok {
		return domain.ErrAccessDenied
	}
	if !allowed(p.Capabilities) {
		return domain.ErrAccessDenied
	}
	return nil
}

func (m *RoomManager) AddParticipant(ctx context.Context, roomID, actorID, userID string, role domain.ParticipantRole) (*domain.Room, error) {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if actorID != "" {
		if err := RequireCapability(room, actorID, func(c domain.Capabilities) bool { return c.Invite || c.Manage }); err != nil {
			return nil, err
		}
	}
	if _, ok := room.Participant(userID); ok {
		return room, nil
	}
	if len(room.Participants) >= room.Settings.MaxParticipants {
		return nil, domain.ErrCapacityExceeded
	}
	if role == "" {
		role = domain.RoleMember
	}
	room.Participants = append(room.Participants, domain.Participant{
		UserID:       userID,
		Role:         role,
		Capabilities: domain.DefaultCapabilities(role),
		JoinedAt:     time.Now().UTC(),
	})
	if err := m.store.UpdateRoom(ctx, *room); err != nil {
		return nil, err
	}
	return room, nil
}

// RemoveParticipant handles both self-leave and kick by a managing member.
func (m *RoomManager) RemoveParticipant(ctx context.Context, roomID, actorID, userID string) (*domain.Room, error) {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if actorID != userID {
		if err := RequireCapability(room, actorID, func(c domain.Capabilities) bool { return c.Manage }); err != nil {
			return nil, err
		}
	}
	kept := room.Participants[:0]
	removed := false
	for _, p := range room.Participants {
		if p.UserID == userID {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	if !removed {
		return room, nil
	}
	room.Participants = kept
	if err := m.store.UpdateRoom(ctx, *room); err != nil {
		return nil, err
	}
	return room, nil
}

// SetCapabilities overrides a participant's role-derived capabilities.
func (m *RoomManager) SetCapabilities(ctx context.Context, roomID, actorID, userID string, caps domain.Capabilities) error {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if err := RequireCapability(room, actorID, func(c domain.Capabilities) bool { return c.Manage }); err != nil {
		return err
	}
	for i, p := range room.Participants {
		if p.UserID == userID {
			room.Participants[i].Capabilities = caps
			return m.store.UpdateRoom(ctx, *room)
		}
	}
	return domain.ErrAccessDenied
}

func (m *RoomManager) UpdateSettings(ctx context.Context, roomID, actorID string, settings domain.RoomSettings) error {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if err := RequireCapability(room, actorID, func(c domain.Capabilities) bool { return c.Manage }); err != nil {
		return err
	}
	if settings.MaxParticipants < len(room.Participants) {
		return domain.ErrCapacityExceeded
	}
	room.Settings = settings
	return m.store.UpdateRoom(ctx, *room)
}

func (m *RoomManager) RoomsForUser(ctx context.Context, userID string) ([]domain.Room, error) {
	return m.store.ListRoomsForUser(ctx, userID)
}

func (m *RoomManager) TouchActivity(ctx context.Context, roomID string) {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return
	}
	room.LastActivity = time.Now().UTC()
	if err := m.store.UpdateRoom(ctx, *room); err != nil {
		commonlog.Warnf("event=room action=touch_activity status=failed room_id=%s error=%v", roomID, err)
	}
}
