package service

import (
	"context"
	"time"

	commonlog "pharma_comms/server/common/log"
	"pharma_comms/server/comms/domain"
)

// PresenceBroadcaster derives presence purely from registry connection counts
// and pushes 0↔>0 transitions into every room containing the user.
type PresenceBroadcaster struct {
	registry *Registry
	rooms    *RoomManager
}

func NewPresenceBroadcaster(registry *Registry, rooms *RoomManager) *PresenceBroadcaster {
	b := &PresenceBroadcaster{registry: registry, rooms: rooms}
	registry.OnOnline(func(userID string) { b.broadcast(userID, true) })
	registry.OnOffline(func(userID string) { b.broadcast(userID, false) })
	return b
}

func (b *PresenceBroadcaster) broadcast(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rooms, err := b.rooms.RoomsForUser(ctx, userID)
	if err != nil {
		commonlog.Warnf("event=presence action=broadcast status=failed user_id=%s error=%v", userID, err)
		return
	}
	event := domain.ServerEvent{Type: domain.EvtPresenceUpdate, Payload: domain.PresencePayload{UserID: userID, Online: online}}
	seen := map[string]struct{}{userID: {}}
	for _, room := range rooms {
		for _, p := range room.Participants {
			if _, ok := seen[p.UserID]; ok {
				continue
			}
			seen[p.UserID] = struct{}{}
			b.registry.SendToUser(p.UserID, event)
		}
	}
}
