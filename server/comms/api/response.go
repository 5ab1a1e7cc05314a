package api

import (
	"errors"
	"net/http"

	"pharma_comms/server/comms/domain"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{Error: err.Error(), Code: domain.ErrorCode(err)}
}

type PaginatedResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func NewPaginatedResponse[T any](items []T) PaginatedResponse[T] {
	return PaginatedResponse[T]{Items: items, Count: len(items)}
}

type UnreadCountResponse struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	UnreadCount int64  `json:"unread_count"`
}

type ExportResponse struct {
	ObjectKey string `json:"object_key"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
}

// statusFor maps domain sentinels onto HTTP status codes; the wire error code
// itself comes from the domain.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrAccessDenied), errors.Is(err, domain.ErrConsentRequired):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrBusy), errors.Is(err, domain.ErrState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCapacityExceeded), errors.Is(err, domain.ErrOffline):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrIntegrity):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
