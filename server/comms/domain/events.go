package domain

import "encoding/json"

// ClientEvent is one inbound frame on the event channel. Payload stays raw
// until the owning service parses it into a typed command.
type ClientEvent struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"room_id,omitempty"`
	CallID       string          `json:"call_id,omitempty"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type ServerEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

const (
	EvtRoomJoined        = "room_joined"
	EvtUserJoined        = "user_joined"
	EvtUserLeft          = "user_left"
	EvtNewMessage        = "new_message"
	EvtMessageRead       = "message_read"
	EvtMessageEdited     = "message_edited"
	EvtMessageDeleted    = "message_deleted"
	EvtReactionUpdated   = "reaction_updated"
	EvtUserTyping        = "user_typing"
	EvtPresenceUpdate    = "presence_update"
	EvtIncomingCall      = "incoming_call"
	EvtCallAnswered      = "call_answered"
	EvtCallRejected      = "call_rejected"
	EvtCallEnded         = "call_ended"
	EvtCallMediaUpdate   = "call_media_update"
	EvtScreenShareUpdate = "screen_share_update"
	EvtRecordingStarted  = "recording_started"
	EvtRecordingStopped  = "recording_stopped"
	EvtWebRTCOffer       = "webrtc_offer"
	EvtWebRTCAnswer      = "webrtc_answer"
	EvtWebRTCICE         = "ice_candidate"
	EvtError             = "error"
)

type RoomJoinedPayload struct {
	Room         *Room         `json:"room"`
	Messages     []Message     `json:"messages"`
	Participants []Participant `json:"participants"`
}

type RoomMemberPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type TypingPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type MessageReadPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type MessageDeletedPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

type ReactionPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	Added     bool   `json:"added"`
}

type IncomingCallPayload struct {
	CallID    string   `json:"call_id"`
	Initiator string   `json:"initiator"`
	CallType  CallType `json:"call_type"`
}

type CallAnsweredPayload struct {
	CallID       string                `json:"call_id"`
	Participants map[string]MediaFlags `json:"participants"`
}

type CallRejectedPayload struct {
	CallID     string `json:"call_id"`
	Reason     string `json:"reason"`
	RejectedBy string `json:"rejected_by"`
}

type CallEndedPayload struct {
	CallID     string        `json:"call_id"`
	EndedBy    string        `json:"ended_by"`
	Reason     CallEndReason `json:"reason"`
	DurationMS int64         `json:"duration_ms"`
}

type CallMediaPayload struct {
	CallID string     `json:"call_id"`
	UserID string     `json:"user_id"`
	Flags  MediaFlags `json:"flags"`
}

type ScreenSharePayload struct {
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
	Active bool   `json:"active"`
}

type RecordingPayload struct {
	CallID      string `json:"call_id"`
	RecordingID string `json:"recording_id"`
	StartedBy   string `json:"started_by,omitempty"`
}

// SignalPayload wraps a relayed negotiation blob. The payload is forwarded
// verbatim and never interpreted.
type SignalPayload struct {
	CallID     string          `json:"call_id"`
	FromUserID string          `json:"from_user_id"`
	Payload    json.RawMessage `json:"payload"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorEvent(err error) ServerEvent {
	return ServerEvent{Type: EvtError, Payload: ErrorPayload{Code: ErrorCode(err), Message: err.Error()}}
}
