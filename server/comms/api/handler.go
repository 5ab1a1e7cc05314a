package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	commonauth "pharma_comms/server/common/auth"
	"pharma_comms/server/common/middleware"
	"pharma_comms/server/comms/domain"
	"pharma_comms/server/comms/service"
)

type Handler struct {
	auth     *commonauth.Service
	gateway  *service.Gateway
	rooms    *service.RoomManager
	messages *service.MessageService
	calls    *service.CallCoordinator
	archive  *service.ArchiveService
}

func NewHandler(auth *commonauth.Service, gateway *service.Gateway, rooms *service.RoomManager, messages *service.MessageService, calls *service.CallCoordinator, archive *service.ArchiveService) *Handler {
	return &Handler{auth: auth, gateway: gateway, rooms: rooms, messages: messages, calls: calls, archive: archive}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, HealthResponse{Status: "ok"}) })
	r.GET("/ws", h.gateway.HandleWS)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.POST("/rooms", h.createRoom)
		api.GET("/rooms", h.listMyRooms)
		api.POST("/rooms/:id/members", h.addMember)
		api.DELETE("/rooms/:id/members/:userId", h.removeMember)
		api.POST("/rooms/:id/leave", h.leaveRoom)
		api.PUT("/rooms/:id/settings", h.updateSettings)
		api.PUT("/rooms/:id/members/:userId/capabilities", h.setCapabilities)
		api.POST("/rooms/:id/messages", h.createMessage)
		api.GET("/rooms/:id/messages", h.listMessages)
		api.GET("/rooms/:id/messages/:messageId/readers", h.getMessageReaders)
		api.GET("/rooms/:id/unread-count", h.getUnreadCount)
		api.POST("/rooms/:id/read", h.markRoomRead)
		api.GET("/messages/search", h.searchMessages)
		api.GET("/calls", h.listMyCalls)
		api.POST("/rooms/:id/export", h.exportTranscript)
		api.POST("/transcripts/import", h.importTranscript)
	}
}

func actorFromContext(c *gin.Context) (string, string, error) {
	rawUserID, ok := c.Get("auth_user_id")
	if !ok {
		return "", "", domain.ErrAuth
	}
	userID, ok := rawUserID.(string)
	if !ok || strings.TrimSpace(userID) == "" {
		return "", "", domain.ErrAuth
	}
	role := ""
	if rawRole, ok := c.Get("auth_role"); ok {
		role, _ = rawRole.(string)
	}
	return userID, role, nil
}

func (h *Handler) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), NewErrorResponse(err))
}

func (h *Handler) createRoom(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var spec service.RoomSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err))
		return
	}
	spec.CreatedBy = actorID
	if spec.Type == "" {
		spec.Type = domain.RoomTypeGroup
	}
	room, err := h.rooms.CreateRoom(c.Request.Context(), spec)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *Handler) listMyRooms(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	rooms, err := h.rooms.RoomsForUser(c.Request.Context(), actorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewPaginatedResponse(rooms))
}

func (h *Handler) addMember(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var req struct {
		UserID string                 `json:"user_id" binding:"required"`
		Role   domain.ParticipantRole `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err))
		return
	}
	room, err := h.rooms.AddParticipant(c.Request.Context(), c.Param("id"), actorID, req.UserID, req.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) removeMember(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	room, err := h.rooms.RemoveParticipant(c.Request.Context(), c.Param("id"), actorID, c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) leaveRoom(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	room, err := h.rooms.RemoveParticipant(c.Request.Context(), c.Param("id"), actorID, actorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) updateSettings(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var settings domain.RoomSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err))
		return
	}
	if err := h.rooms.UpdateSettings(c.Request.Context(), c.Param("id"), actorID, settings); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (h *Handler) setCapabilities(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var caps domain.Capabilities
	if err := c.ShouldBindJSON(&caps); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err))
		return
	}
	if err := h.rooms.SetCapabilities(c.Request.Context(), c.Param("id"), actorID, c.Param("userId"), caps); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (h *Handler) createMessage(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var in service.CreateMessageInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err))
		return
	}
	in.RoomID = c.Param("id")
	in.SenderID = actorID
	msg, err := h.messages.CreateMessage(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) listMessages(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeSeq *int64
	if raw := c.Query("before_seq"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(errors.New("invalid before_seq")))
			return
		}
		beforeSeq = &seq
	}
	items, err := h.messages.History(c.Request.Context(), c.Param("id"), actorID, limit, beforeSeq)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewPaginatedResponse(items))
}

func (h *Handler) getMessageReaders(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	readers, err := h.messages.Readers(c.Request.Context(), c.Param("id"), actorID, c.Param("messageId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"readers": readers})
}

func (h *Handler) getUnreadCount(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	roomID := c.Param("id")
	count, err := h.messages.UnreadCount(c.Request.Context(), roomID, actorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, UnreadCountResponse{RoomID: roomID, UserID: actorID, UnreadCount: count})
}

func (h *Handler) markRoomRead(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.messages.MarkRoomRead(c.Request.Context(), c.Param("id"), actorID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

func (h *Handler) searchMessages(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(errors.New("q required")))
		return
	}
	var roomID *string
	if raw := strings.TrimSpace(c.Query("room_id")); raw != "" {
		roomID = &raw
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := h.messages.Search(c.Request.Context(), actorID, query, roomID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewPaginatedResponse(items))
}

func (h *Handler) listMyCalls(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := h.calls.History(c.Request.Context(), actorID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewPaginatedResponse(items))
}

// exportTranscript requires the Manage capability; the passphrase never
// leaves the request scope.
func (h *Handler) exportTranscript(c *gin.Context) {
	actorID, _, err := actorFromContext(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var req struct {
		Passphrase string `json:"passphrase" binding:"required"`
		Limit      int    `json:"limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err))
		return
	}
	roomID := c.Param("id")
	room, err := h.rooms.ValidateAccess(c.Request.Context(), roomID, actorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := service.RequireCapability(room, actorID, func(caps domain.Capabilities) bool { return caps.Manage }); err != nil {
		h.fail(c, err)
		return
	}
	messages, err := h.messages.History(c.Request.Context(), roomID, actorID, req.Limit, nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	objectKey, err := h.archive.ExportTranscript(c.Request.Context(), room, messages, actorID, req.Passphrase)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ExportResponse{ObjectKey: objectKey})
}

func (h *Handler) importTranscript(c *gin.Context) {
	if _, _, err := actorFromContext(c); err != nil {
		h.fail(c, err)
		return
	}
	var req struct {
		ObjectKey  string `json:"object_key" binding:"required"`
		Passphrase string `json:"passphrase" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err))
		return
	}
	messages, err := h.archive.ImportTranscript(c.Request.Context(), req.ObjectKey, req.Passphrase)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewPaginatedResponse(messages))
}
