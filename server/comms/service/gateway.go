package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pharma_comms/server/common/auth"
	commonlog "pharma_comms/server/common/log"
	"pharma_comms/server/comms/domain"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Gateway owns the event channel: it authenticates the socket before
// admission, registers it, and dispatches inbound frames to the services.
// Operation failures come back to the offending connection as error events;
// the socket stays open.
type Gateway struct {
	tokenAuth *auth.Service
	registry  *Registry
	rooms     *RoomManager
	messages  *MessageService
	calls     *CallCoordinator
	limiter   *RateLimiter
}

func NewGateway(tokenAuth *auth.Service, registry *Registry, rooms *RoomManager, messages *MessageService, calls *CallCoordinator, limiter *RateLimiter) *Gateway {
	return &Gateway{
		tokenAuth: tokenAuth,
		registry:  registry,
		rooms:     rooms,
		messages:  messages,
		calls:     calls,
		limiter:   limiter,
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token
	}
	return strings.TrimSpace(c.Query("access_token"))
}

// HandleWS authenticates before upgrading; a bad token is rejected with 401
// and the socket is never admitted.
func (g *Gateway) HandleWS(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	userID, role, err := g.tokenAuth.ParseAuthContext(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": domain.ErrAuth.Error()})
		return
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conn := NewWSConn(wsConn)
	g.registry.Register(userID, role, conn)
	defer func() {
		g.registry.Unregister(userID, conn.ID())
		g.limiter.Forget(conn.ID())
	}()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		var event domain.ClientEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			_ = conn.WriteJSON(domain.NewErrorEvent(errMalformedEvent))
			continue
		}
		if err := g.dispatch(ctx, userID, conn, event); err != nil {
			commonlog.Debugf("event=gateway action=dispatch status=failed type=%s user_id=%s error=%v", event.Type, userID, err)
			_ = conn.WriteJSON(domain.NewErrorEvent(err))
		}
	}
}

var errMalformedEvent = errors.New("malformed event")

func (g *Gateway) dispatch(ctx context.Context, userID string, conn Conn, event domain.ClientEvent) error {
	switch event.Type {
	case "join_room":
		return g.joinRoom(ctx, userID, conn, event.RoomID)

	case "leave_room":
		room, err := g.rooms.RemoveParticipant(ctx, event.RoomID, userID, userID)
		if err != nil {
			return err
		}
		announce := domain.ServerEvent{Type: domain.EvtUserLeft, Payload: domain.RoomMemberPayload{RoomID: event.RoomID, UserID: userID}}
		for _, p := range room.Participants {
			g.registry.SendToUser(p.UserID, announce)
		}
		return nil

	case "send_message":
		if err := g.limiter.Allow(conn.ID()); err != nil {
			return err
		}
		var in CreateMessageInput
		if err := json.Unmarshal(event.Payload, &in); err != nil {
			return errMalformedEvent
		}
		in.RoomID = event.RoomID
		in.SenderID = userID
		_, err := g.messages.CreateMessage(ctx, in)
		return err

	case "typing":
		var p struct {
			IsTyping bool `json:"is_typing"`
		}
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errMalformedEvent
		}
		return g.messages.Typing(ctx, event.RoomID, userID, p.IsTyping)

	case "mark_read":
		return g.messages.MarkRoomRead(ctx, event.RoomID, userID)

	case "edit_message":
		var p struct {
			MessageID string `json:"message_id"`
			Content   string `json:"content"`
		}
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errMalformedEvent
		}
		_, err := g.messages.EditMessage(ctx, event.RoomID, userID, p.MessageID, p.Content)
		return err

	case "delete_message":
		var p struct {
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errMalformedEvent
		}
		return g.messages.DeleteMessage(ctx, event.RoomID, userID, p.MessageID)

	case "add_reaction":
		var p struct {
			MessageID string `json:"message_id"`
			Emoji     string `json:"emoji"`
		}
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errMalformedEvent
		}
		return g.messages.ToggleReaction(ctx, event.RoomID, userID, p.MessageID, p.Emoji)

	case "initiate_call":
		var p struct {
			CallType domain.CallType `json:"call_type"`
		}
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errMalformedEvent
		}
		session, err := g.calls.Initiate(ctx, userID, event.TargetUserID, p.CallType)
		if err != nil {
			return err
		}
		return conn.WriteJSON(domain.ServerEvent{Type: "call_initiated", Payload: session})

	case "answer_call":
		_, err := g.calls.Answer(ctx, event.CallID, userID)
		return err

	case "reject_call":
		var p struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(event.Payload, &p)
		return g.calls.Reject(ctx, event.CallID, userID, p.Reason)

	case "end_call":
		return g.calls.End(ctx, event.CallID, userID)

	case domain.EvtWebRTCOffer, domain.EvtWebRTCAnswer, domain.EvtWebRTCICE:
		return g.calls.Relay(ctx, event.CallID, userID, event.Type, event.Payload)

	case "toggle_video", "toggle_audio":
		var p struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errMalformedEvent
		}
		if event.Type == "toggle_video" {
			return g.calls.SetVideo(event.CallID, userID, p.Enabled)
		}
		return g.calls.SetAudio(event.CallID, userID, p.Enabled)

	case "start_screen_share":
		return g.calls.StartScreenShare(event.CallID, userID)

	case "stop_screen_share":
		return g.calls.StopScreenShare(event.CallID, userID)

	case "start_recording":
		var p struct {
			Consent bool `json:"consent"`
		}
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errMalformedEvent
		}
		_, err := g.calls.StartRecording(event.CallID, userID, p.Consent)
		return err

	case "stop_recording":
		return g.calls.StopRecording(event.CallID, userID)

	default:
		return errMalformedEvent
	}
}

// joinRoom replies with the room snapshot and recent history, then announces
// the join to the other members.
func (g *Gateway) joinRoom(ctx context.Context, userID string, conn Conn, roomID string) error {
	room, err := g.rooms.ValidateAccess(ctx, roomID, userID)
	if err != nil {
		return err
	}
	history, err := g.messages.History(ctx, roomID, userID, 50, nil)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(domain.ServerEvent{
		Type:    domain.EvtRoomJoined,
		Payload: domain.RoomJoinedPayload{Room: room, Messages: history, Participants: room.Participants},
	}); err != nil {
		return err
	}
	announce := domain.ServerEvent{Type: domain.EvtUserJoined, Payload: domain.RoomMemberPayload{RoomID: roomID, UserID: userID}}
	for _, p := range room.Participants {
		if p.UserID == userID {
			continue
		}
		g.registry.SendToUser(p.UserID, announce)
	}
	return nil
}
