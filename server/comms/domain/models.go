package domain

import "time"

type RoomType string

const (
	RoomTypeDirect       RoomType = "direct"
	RoomTypeGroup        RoomType = "group"
	RoomTypeConsultation RoomType = "consultation"
	RoomTypePharmacy     RoomType = "pharmacy"
	RoomTypeSupport      RoomType = "support"
	RoomTypeOrder        RoomType = "order"
)

func (t RoomType) Valid() bool {
	switch t {
	case RoomTypeDirect, RoomTypeGroup, RoomTypeConsultation, RoomTypePharmacy, RoomTypeSupport, RoomTypeOrder:
		return true
	}
	return false
}

type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
	RoleViewer ParticipantRole = "viewer"
)

type Capabilities struct {
	Send         bool `json:"send"`
	ShareFile    bool `json:"share_file"`
	InitiateCall bool `json:"initiate_call"`
	Invite       bool `json:"invite"`
	Manage       bool `json:"manage"`
}

// DefaultCapabilities are derived from the role at join time and may be
// overridden per participant afterwards.
func DefaultCapabilities(role ParticipantRole) Capabilities {
	switch role {
	case RoleAdmin:
		return Capabilities{Send: true, ShareFile: true, InitiateCall: true, Invite: true, Manage: true}
	case RoleViewer:
		return Capabilities{}
	default:
		return Capabilities{Send: true, ShareFile: true, InitiateCall: true}
	}
}

type Participant struct {
	UserID       string          `json:"user_id"`
	Role         ParticipantRole `json:"role"`
	Capabilities Capabilities    `json:"capabilities"`
	JoinedAt     time.Time       `json:"joined_at"`
}

type RoomSettings struct {
	IsPrivate            bool `json:"is_private"`
	MaxParticipants      int  `json:"max_participants"`
	MessageRetentionDays int  `json:"message_retention_days"`
	AllowCalls           bool `json:"allow_calls"`
}

func DefaultRoomSettings(t RoomType) RoomSettings {
	s := RoomSettings{IsPrivate: true, MaxParticipants: 32, MessageRetentionDays: 365, AllowCalls: true}
	switch t {
	case RoomTypeDirect:
		s.MaxParticipants = 2
	case RoomTypeSupport:
		s.IsPrivate = false
	}
	return s
}

type Room struct {
	ID           string            `json:"id"`
	Type         RoomType          `json:"type"`
	Name         string            `json:"name"`
	CreatedBy    string            `json:"created_by"`
	Participants []Participant     `json:"participants"`
	Settings     RoomSettings      `json:"settings"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	// DedupKey identifies the logical room for idempotent creation
	// (sorted user pair for direct rooms, business entity id otherwise).
	DedupKey     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (r *Room) Participant(userID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

func (r *Room) ParticipantIDs() []string {
	ids := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

type MessageType string

const (
	MessageTypeText          MessageType = "text"
	MessageTypeImage         MessageType = "image"
	MessageTypeFile          MessageType = "file"
	MessageTypeSystem        MessageType = "system"
	MessageTypePrescription  MessageType = "prescription"
	MessageTypeMedicalRecord MessageType = "medical_record"
	MessageTypeLabResult     MessageType = "lab_result"
)

// Sensitive message content is encrypted at rest.
func (t MessageType) Sensitive() bool {
	switch t {
	case MessageTypePrescription, MessageTypeMedicalRecord, MessageTypeLabResult:
		return true
	}
	return false
}

type MessageEdit struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"edited_at"`
}

type Message struct {
	ID          string               `json:"id"`
	RoomID      string               `json:"room_id"`
	SenderID    string               `json:"sender_id"`
	Seq         int64                `json:"seq"`
	Content     string               `json:"content"`
	Type        MessageType          `json:"type"`
	Encrypted   bool                 `json:"encrypted"`
	ParentID    string               `json:"parent_id,omitempty"`
	Metadata    map[string]string    `json:"metadata,omitempty"`
	ReadBy      map[string]time.Time `json:"read_by"`
	Reactions   map[string][]string  `json:"reactions,omitempty"`
	EditHistory []MessageEdit        `json:"edit_history,omitempty"`
	Deleted     bool                 `json:"deleted"`
	CreatedAt   time.Time            `json:"created_at"`
}

const DeletedMessagePlaceholder = "message deleted"

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

type CallState string

const (
	CallStateRinging   CallState = "ringing"
	CallStateConnected CallState = "connected"
	CallStateEnded     CallState = "ended"
)

type CallEndReason string

const (
	EndReasonHangup       CallEndReason = "hangup"
	EndReasonRejected     CallEndReason = "rejected"
	EndReasonTimeout      CallEndReason = "timeout"
	EndReasonDisconnected CallEndReason = "disconnected"
)

type MediaFlags struct {
	Video       bool `json:"video"`
	Audio       bool `json:"audio"`
	ScreenShare bool `json:"screen_share"`
}

type Recording struct {
	ID        string     `json:"id"`
	StartedBy string     `json:"started_by"`
	Consent   bool       `json:"consent"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

type CallSession struct {
	ID           string                `json:"id"`
	InitiatorID  string                `json:"initiator_id"`
	TargetID     string                `json:"target_id"`
	Type         CallType              `json:"type"`
	State        CallState             `json:"state"`
	EndReason    CallEndReason         `json:"end_reason,omitempty"`
	Participants map[string]MediaFlags `json:"participants"`
	Recording    *Recording            `json:"recording,omitempty"`
	Recordings   []Recording           `json:"recordings,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	ConnectedAt  *time.Time            `json:"connected_at,omitempty"`
	EndedAt      *time.Time            `json:"ended_at,omitempty"`
	DurationMS   int64                 `json:"duration_ms"`
}
