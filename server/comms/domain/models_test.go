package domain

import (
	"errors"
	"testing"
)

func TestDefaultCapabilitiesByRole(t *testing.T) {
	admin := DefaultCapabilities(RoleAdmin)
	if !admin.Send || !admin.Invite || !admin.Manage {
		t.Fatalf("admin capabilities: %+v", admin)
	}
	member := DefaultCapabilities(RoleMember)
	if !member.Send || member.Manage {
		t.Fatalf("member capabilities: %+v", member)
	}
	viewer := DefaultCapabilities(RoleViewer)
	if viewer.Send || viewer.Invite || viewer.Manage {
		t.Fatalf("viewer capabilities: %+v", viewer)
	}
}

func TestDefaultRoomSettings(t *testing.T) {
	direct := DefaultRoomSettings(RoomTypeDirect)
	if direct.MaxParticipants != 2 {
		t.Fatalf("direct max participants: %d", direct.MaxParticipants)
	}
	support := DefaultRoomSettings(RoomTypeSupport)
	if support.IsPrivate {
		t.Fatal("support rooms default to public")
	}
	group := DefaultRoomSettings(RoomTypeGroup)
	if !group.IsPrivate || group.MaxParticipants <= 2 || !group.AllowCalls {
		t.Fatalf("group settings: %+v", group)
	}
}

func TestMessageTypeSensitive(t *testing.T) {
	for _, mt := range []MessageType{MessageTypePrescription, MessageTypeMedicalRecord, MessageTypeLabResult} {
		if !mt.Sensitive() {
			t.Fatalf("%s should be sensitive", mt)
		}
	}
	for _, mt := range []MessageType{MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem} {
		if mt.Sensitive() {
			t.Fatalf("%s should not be sensitive", mt)
		}
	}
}

func TestErrorCodeMapping(t *testing.T) {
	cases := map[error]string{
		ErrAuth:             "auth_error",
		ErrAccessDenied:     "access_denied",
		ErrCapacityExceeded: "capacity_exceeded",
		ErrRoomNotFound:     "room_not_found",
		ErrMessageNotFound:  "message_not_found",
		ErrOffline:          "offline",
		ErrBusy:             "busy",
		ErrState:            "invalid_state",
		ErrConflict:         "conflict",
		ErrConsentRequired:  "consent_required",
		ErrRateLimited:      "rate_limit_exceeded",
		ErrIntegrity:        "integrity_error",
		ErrPersistence:      "persistence_error",
	}
	for err, want := range cases {
		if got := ErrorCode(err); got != want {
			t.Errorf("%v: got %q, want %q", err, got, want)
		}
		// wrapped sentinels map the same way
		if got := ErrorCode(errors.Join(errors.New("context"), err)); got != want {
			t.Errorf("wrapped %v: got %q, want %q", err, got, want)
		}
	}
	if got := ErrorCode(errors.New("surprise")); got != "internal_error" {
		t.Errorf("unknown error: got %q", got)
	}
}
