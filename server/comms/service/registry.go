package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	commonlog "pharma_comms/server/common/log"
)

// Conn is one live transport handle. Rooms and calls never hold it directly;
// they keep user/connection ids and resolve them through the registry.
type Conn interface {
	ID() string
	WriteJSON(payload any) error
	Close() error
}

type WSConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{id: uuid.NewString(), conn: conn}
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) WriteJSON(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(payload)
}

func (c *WSConn) Close() error { return c.conn.Close() }

type client struct {
	userID string
	role   string
	conn   Conn
}

const registryEventsChannel = "comms:events"

type registryEvent struct {
	Kind    string          `json:"kind"`
	UserID  string          `json:"user_id,omitempty"`
	UserIDs []string        `json:"user_ids,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Registry tracks authenticated connections per user. A user may hold several
// concurrent connections (multi-device); presence derives from the count.
// With a Redis client attached, user-directed sends fan out across instances
// over pub/sub; without one, delivery is local only.
type Registry struct {
	mu        sync.RWMutex
	users     map[string]map[string]*client
	redis     *redis.Client
	redisSub  *redis.PubSub
	subCancel context.CancelFunc
	onOnline  []func(userID string)
	onOffline []func(userID string)
}

func NewRegistry() *Registry {
	return &Registry{users: map[string]map[string]*client{}}
}

func (r *Registry) UseRedis(client *redis.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redis = client
}

func (r *Registry) StartRedisSubscriber(ctx context.Context) error {
	r.mu.Lock()
	if r.redis == nil {
		r.mu.Unlock()
		return errors.New("redis client is nil")
	}
	if r.redisSub != nil {
		r.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := r.redis.Subscribe(subCtx, registryEventsChannel)
	r.redisSub = sub
	r.subCancel = cancel
	r.mu.Unlock()

	go r.consumeEvents(subCtx, sub)
	return nil
}

func (r *Registry) StopRedisSubscriber() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subCancel != nil {
		r.subCancel()
		r.subCancel = nil
	}
	if r.redisSub != nil {
		_ = r.redisSub.Close()
		r.redisSub = nil
	}
}

// OnOnline and OnOffline register presence transition hooks. Register them
// before serving traffic; they run outside the registry lock.
func (r *Registry) OnOnline(fn func(userID string)) {
	r.onOnline = append(r.onOnline, fn)
}

func (r *Registry) OnOffline(fn func(userID string)) {
	r.onOffline = append(r.onOffline, fn)
}

func (r *Registry) Register(userID, role string, conn Conn) {
	r.mu.Lock()
	conns, ok := r.users[userID]
	if !ok {
		conns = map[string]*client{}
		r.users[userID] = conns
	}
	becameOnline := len(conns) == 0
	conns[conn.ID()] = &client{userID: userID, role: role, conn: conn}
	r.mu.Unlock()

	commonlog.Infof("event=registry action=register user_id=%s conn_id=%s online_transition=%t", userID, conn.ID(), becameOnline)
	if becameOnline {
		for _, fn := range r.onOnline {
			fn(userID)
		}
	}
}

func (r *Registry) Unregister(userID, connID string) {
	r.mu.Lock()
	wentOffline := false
	if conns, ok := r.users[userID]; ok {
		if c, ok := conns[connID]; ok {
			delete(conns, connID)
			_ = c.conn.Close()
		}
		if len(conns) == 0 {
			delete(r.users, userID)
			wentOffline = true
		}
	}
	r.mu.Unlock()

	commonlog.Infof("event=registry action=unregister user_id=%s conn_id=%s offline_transition=%t", userID, connID, wentOffline)
	if wentOffline {
		for _, fn := range r.onOffline {
			fn(userID)
		}
	}
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

func (r *Registry) SendToConnection(userID, connID string, payload any) bool {
	r.mu.RLock()
	c := r.users[userID][connID]
	r.mu.RUnlock()
	if c == nil {
		return false
	}
	return c.conn.WriteJSON(payload) == nil
}

// SendToUser delivers to every live connection of the user, here and (when
// Redis is attached) on peer instances. Fire-once: a failed write is dropped.
// With Redis attached the local fanout happens through the subscriber, which
// receives our own published event.
func (r *Registry) SendToUser(userID string, payload any) {
	if r.publish(registryEvent{Kind: "send_user", UserID: userID}, payload) {
		return
	}
	r.sendToUserLocal(userID, payload)
}

func (r *Registry) SendToUsers(userIDs []string, payload any) {
	if r.publish(registryEvent{Kind: "send_users", UserIDs: userIDs}, payload) {
		return
	}
	r.sendToUsersLocal(userIDs, payload)
}

func (r *Registry) sendToUserLocal(userID string, payload any) int {
	r.mu.RLock()
	conns := make([]*client, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	count := 0
	for _, c := range conns {
		if err := c.conn.WriteJSON(payload); err == nil {
			count++
		}
	}
	return count
}

func (r *Registry) sendToUsersLocal(userIDs []string, payload any) int {
	seen := map[string]struct{}{}
	total := 0
	for _, userID := range userIDs {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		total += r.sendToUserLocal(userID, payload)
	}
	return total
}

// publish mirrors the event to peer instances; local delivery is separate so
// a publish failure never loses the local fanout. Returns false when Redis is
// not attached.
func (r *Registry) publish(event registryEvent, payload any) bool {
	r.mu.RLock()
	redisClient := r.redis
	r.mu.RUnlock()
	if redisClient == nil {
		return false
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	event.Payload = raw
	b, err := json.Marshal(event)
	if err != nil {
		return false
	}
	if err := redisClient.Publish(context.Background(), registryEventsChannel, b).Err(); err != nil {
		commonlog.Warnf("event=registry action=publish status=failed kind=%s error=%v", event.Kind, err)
		return false
	}
	return true
}

func (r *Registry) consumeEvents(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var event registryEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			continue
		}
		var payload any
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			continue
		}
		switch event.Kind {
		case "send_user":
			r.sendToUserLocal(event.UserID, payload)
		case "send_users":
			r.sendToUsersLocal(event.UserIDs, payload)
		}
	}
}
