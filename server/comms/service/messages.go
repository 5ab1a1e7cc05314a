package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	commonlog "pharma_comms/server/common/log"
	"pharma_comms/server/comms/domain"
	"pharma_comms/server/comms/repository"
)

type CreateMessageInput struct {
	RoomID   string             `json:"room_id"`
	SenderID string             `json:"-"`
	Content  string             `json:"content"`
	Type     domain.MessageType `json:"type"`
	ParentID string             `json:"parent_id"`
	Metadata map[string]string  `json:"metadata"`
}

// MessageService persists and fans out chat traffic. A keyed lock per room is
// held across sequence assignment, persist and broadcast, so every connected
// participant observes the store's insertion order.
type MessageService struct {
	store    repository.MessageStore
	rooms    *RoomManager
	registry *Registry
	crypto   *EncryptionGateway
	notifier *Notifier
	locks    *keyedMutex
}

func NewMessageService(store repository.MessageStore, rooms *RoomManager, registry *Registry, crypto *EncryptionGateway, notifier *Notifier) *MessageService {
	return &MessageService{
		store:    store,
		rooms:    rooms,
		registry: registry,
		crypto:   crypto,
		notifier: notifier,
		locks:    newKeyedMutex(),
	}
}

func (s *MessageService) CreateMessage(ctx context.Context, in CreateMessageInput) (*domain.Message, error) {
	room, err := s.rooms.ValidateAccess(ctx, in.RoomID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if err := RequireCapability(room, in.SenderID, func(c domain.Capabilities) bool { return c.Send }); err != nil {
		return nil, err
	}
	if in.Content == "" {
		return nil, fmt.Errorf("content required")
	}
	if in.Type == "" {
		in.Type = domain.MessageTypeText
	}
	if in.ParentID != "" {
		if _, err := s.store.GetMessage(ctx, in.RoomID, in.ParentID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	msg := domain.Message{
		ID:        uuid.NewString(),
		RoomID:    in.RoomID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		Type:      in.Type,
		ParentID:  in.ParentID,
		Metadata:  in.Metadata,
		ReadBy:    map[string]time.Time{in.SenderID: now},
		CreatedAt: now,
	}
	if in.Type.Sensitive() {
		ciphertext, err := s.crypto.Encrypt([]byte(in.Content))
		if err != nil {
			return nil, fmt.Errorf("encrypt message: %w", err)
		}
		msg.Content = ciphertext
		msg.Encrypted = true
	}

	// The room lock is the single serialization point: persistence assigns
	// the sequence and the broadcast goes out before any later message's.
	unlock := s.locks.Lock(in.RoomID)
	persisted, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		unlock()
		commonlog.Errorf("event=message action=create status=failed room_id=%s sender_id=%s error=%v", in.RoomID, in.SenderID, err)
		return nil, err
	}
	echo := persisted
	echo.Content = in.Content
	echo.Encrypted = false
	s.registry.SendToUsers(room.ParticipantIDs(), domain.ServerEvent{Type: domain.EvtNewMessage, Payload: echo})
	unlock()

	offline := make([]string, 0)
	for _, p := range room.Participants {
		if p.UserID != in.SenderID && !s.registry.IsOnline(p.UserID) {
			offline = append(offline, p.UserID)
		}
	}
	go s.notifier.MessageCreated(context.Background(), echo, offline)
	go s.rooms.TouchActivity(context.Background(), in.RoomID)

	commonlog.Infof("event=message action=create status=ok room_id=%s message_id=%s seq=%d sensitive=%t", in.RoomID, echo.ID, echo.Seq, persisted.Encrypted)
	return &echo, nil
}

// History returns messages in ascending sequence order, decrypted for
// delivery.
func (s *MessageService) History(ctx context.Context, roomID, userID string, limit int, beforeSeq *int64) ([]domain.Message, error) {
	if _, err := s.rooms.ValidateAccess(ctx, roomID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := s.store.ListMessages(ctx, roomID, limit, beforeSeq)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if err := s.decryptForDelivery(&items[i]); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *MessageService) decryptForDelivery(m *domain.Message) error {
	if !m.Encrypted || m.Deleted {
		return nil
	}
	plaintext, err := s.crypto.Decrypt(m.Content)
	if err != nil {
		return err
	}
	m.Content = string(plaintext)
	m.Encrypted = false
	return nil
}

// MarkRoomRead marks every not-self-authored unread message read. Calling it
// again is a no-op.
func (s *MessageService) MarkRoomRead(ctx context.Context, roomID, userID string) error {
	room, err := s.rooms.ValidateAccess(ctx, roomID, userID)
	if err != nil {
		return err
	}
	marked, err := s.store.MarkRoomRead(ctx, roomID, userID, time.Now().UTC())
	if err != nil {
		return err
	}
	if marked > 0 {
		s.registry.SendToUsers(room.ParticipantIDs(), domain.ServerEvent{
			Type:    domain.EvtMessageRead,
			Payload: domain.MessageReadPayload{RoomID: roomID, UserID: userID},
		})
	}
	return nil
}

func (s *MessageService) UnreadCount(ctx context.Context, roomID, userID string) (int64, error) {
	if _, err := s.rooms.ValidateAccess(ctx, roomID, userID); err != nil {
		return 0, err
	}
	return s.store.UnreadCount(ctx, roomID, userID)
}

// EditMessage is sender-only; the previous content goes to the append-only
// edit history.
func (s *MessageService) EditMessage(ctx context.Context, roomID, userID, messageID, content string) (*domain.Message, error) {
	room, err := s.rooms.ValidateAccess(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, fmt.Errorf("content required")
	}

	unlock := s.locks.Lock(roomID)
	defer unlock()

	msg, err := s.store.GetMessage(ctx, roomID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, domain.ErrAccessDenied
	}
	if msg.Deleted {
		return nil, domain.ErrState
	}
	msg.EditHistory = append(msg.EditHistory, domain.MessageEdit{Content: msg.Content, EditedAt: time.Now().UTC()})
	if msg.Encrypted {
		ciphertext, err := s.crypto.Encrypt([]byte(content))
		if err != nil {
			return nil, fmt.Errorf("encrypt message: %w", err)
		}
		msg.Content = ciphertext
	} else {
		msg.Content = content
	}
	if err := s.store.UpdateMessage(ctx, *msg); err != nil {
		return nil, err
	}

	echo := *msg
	echo.Content = content
	echo.Encrypted = false
	s.registry.SendToUsers(room.ParticipantIDs(), domain.ServerEvent{Type: domain.EvtMessageEdited, Payload: echo})
	return &echo, nil
}

// DeleteMessage is sender-only and leaves a tombstone; nothing is physically
// removed inside the retention window.
func (s *MessageService) DeleteMessage(ctx context.Context, roomID, userID, messageID string) error {
	room, err := s.rooms.ValidateAccess(ctx, roomID, userID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(roomID)
	defer unlock()

	msg, err := s.store.GetMessage(ctx, roomID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return domain.ErrAccessDenied
	}
	if msg.Deleted {
		return nil
	}
	msg.Content = domain.DeletedMessagePlaceholder
	msg.Encrypted = false
	msg.Deleted = true
	if err := s.store.UpdateMessage(ctx, *msg); err != nil {
		return err
	}
	s.registry.SendToUsers(room.ParticipantIDs(), domain.ServerEvent{
		Type:    domain.EvtMessageDeleted,
		Payload: domain.MessageDeletedPayload{RoomID: roomID, MessageID: messageID},
	})
	return nil
}

func (s *MessageService) ToggleReaction(ctx context.Context, roomID, userID, messageID, emoji string) error {
	room, err := s.rooms.ValidateAccess(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if emoji == "" {
		return fmt.Errorf("emoji required")
	}

	unlock := s.locks.Lock(roomID)
	defer unlock()

	msg, err := s.store.GetMessage(ctx, roomID, messageID)
	if err != nil {
		return err
	}
	if msg.Deleted {
		return domain.ErrState
	}
	if msg.Reactions == nil {
		msg.Reactions = map[string][]string{}
	}
	users := msg.Reactions[emoji]
	added := true
	for i, id := range users {
		if id == userID {
			users = append(users[:i], users[i+1:]...)
			added = false
			break
		}
	}
	if added {
		users = append(users, userID)
	}
	if len(users) == 0 {
		delete(msg.Reactions, emoji)
	} else {
		msg.Reactions[emoji] = users
	}
	if err := s.store.UpdateMessage(ctx, *msg); err != nil {
		return err
	}
	s.registry.SendToUsers(room.ParticipantIDs(), domain.ServerEvent{
		Type:    domain.EvtReactionUpdated,
		Payload: domain.ReactionPayload{RoomID: roomID, MessageID: messageID, UserID: userID, Emoji: emoji, Added: added},
	})
	return nil
}

// Readers returns who has read a message and when.
func (s *MessageService) Readers(ctx context.Context, roomID, userID, messageID string) (map[string]time.Time, error) {
	if _, err := s.rooms.ValidateAccess(ctx, roomID, userID); err != nil {
		return nil, err
	}
	msg, err := s.store.GetMessage(ctx, roomID, messageID)
	if err != nil {
		return nil, err
	}
	return msg.ReadBy, nil
}

// Search runs over plaintext content only; encrypted messages are not
// indexed. Without a room filter, results are narrowed to rooms the user
// belongs to.
func (s *MessageService) Search(ctx context.Context, userID, query string, roomID *string, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	if roomID != nil {
		if _, err := s.rooms.ValidateAccess(ctx, *roomID, userID); err != nil {
			return nil, err
		}
		return s.store.SearchMessages(ctx, roomID, query, limit)
	}
	items, err := s.store.SearchMessages(ctx, nil, query, limit)
	if err != nil {
		return nil, err
	}
	allowed := map[string]bool{}
	filtered := items[:0]
	for _, m := range items {
		ok, seen := allowed[m.RoomID]
		if !seen {
			_, accessErr := s.rooms.ValidateAccess(ctx, m.RoomID, userID)
			ok = accessErr == nil
			allowed[m.RoomID] = ok
		}
		if ok {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// Typing relays a typing indicator to the other participants; nothing is
// persisted.
func (s *MessageService) Typing(ctx context.Context, roomID, userID string, isTyping bool) error {
	room, err := s.rooms.ValidateAccess(ctx, roomID, userID)
	if err != nil {
		return err
	}
	event := domain.ServerEvent{Type: domain.EvtUserTyping, Payload: domain.TypingPayload{RoomID: roomID, UserID: userID, IsTyping: isTyping}}
	for _, p := range room.Participants {
		if p.UserID == userID {
			continue
		}
		s.registry.SendToUser(p.UserID, event)
	}
	return nil
}
