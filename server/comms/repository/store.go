package repository

import (
	"context"
	"time"

	"pharma_comms/server/comms/domain"
)

type RoomStore interface {
	CreateRoom(ctx context.Context, room domain.Room) error
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	FindRoomByDedupKey(ctx context.Context, key string) (*domain.Room, error)
	UpdateRoom(ctx context.Context, room domain.Room) error
	ListRoomsForUser(ctx context.Context, userID string) ([]domain.Room, error)
}

type MessageStore interface {
	// InsertMessage assigns the next per-room sequence number. The caller
	// serializes inserts per room, so sequence assignment never races.
	InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	GetMessage(ctx context.Context, roomID, messageID string) (*domain.Message, error)
	UpdateMessage(ctx context.Context, msg domain.Message) error
	ListMessages(ctx context.Context, roomID string, limit int, beforeSeq *int64) ([]domain.Message, error)
	MarkRoomRead(ctx context.Context, roomID, userID string, at time.Time) (int64, error)
	UnreadCount(ctx context.Context, roomID, userID string) (int64, error)
	SearchMessages(ctx context.Context, roomID *string, query string, limit int) ([]domain.Message, error)
}

type CallStore interface {
	InsertCall(ctx context.Context, session domain.CallSession) error
	ListCallsForUser(ctx context.Context, userID string, limit int) ([]domain.CallSession, error)
}

type Store interface {
	RoomStore
	MessageStore
	CallStore
}
