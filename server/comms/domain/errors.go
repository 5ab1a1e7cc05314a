package domain

import "errors"

var (
	// ErrAuth rejects a connection before it is admitted anywhere.
	ErrAuth = errors.New("authentication failed")

	// ErrAccessDenied refuses a room or call operation; the connection stays open.
	ErrAccessDenied = errors.New("access denied")

	ErrCapacityExceeded = errors.New("room capacity exceeded")
	ErrRoomNotFound     = errors.New("room not found")
	ErrMessageNotFound  = errors.New("message not found")

	ErrOffline         = errors.New("target user is offline")
	ErrBusy            = errors.New("user is busy in another call")
	ErrState           = errors.New("invalid call state for operation")
	ErrConflict        = errors.New("already active")
	ErrConsentRequired = errors.New("recording consent required")

	ErrRateLimited = errors.New("rate limit exceeded")
	ErrIntegrity   = errors.New("ciphertext integrity check failed")
	ErrPersistence = errors.New("persistence failure")
)

// ErrorCode maps an error to the wire-level code sent in error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "auth_error"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrMessageNotFound):
		return "message_not_found"
	case errors.Is(err, ErrOffline):
		return "offline"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrState):
		return "invalid_state"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrConsentRequired):
		return "consent_required"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit_exceeded"
	case errors.Is(err, ErrIntegrity):
		return "integrity_error"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	}
	return "internal_error"
}
