package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/murmur/internal/membership"
	"github.com/MarcoPoloResearchLab/murmur/internal/messages"
	"github.com/MarcoPoloResearchLab/murmur/internal/pagination"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type sendMessagePayload struct {
	Content string                `json:"content"`
	File    *messages.FilePayload `json:"file"`
}

type historyResponsePayload struct {
	MessagesByDate map[string][]messages.MessagePayload `json:"messages_by_date"`
	Dates          []string                             `json:"dates"`
	HasMore        bool                                 `json:"has_more"`
	NextCursor     string                               `json:"next_cursor,omitempty"`
	CursorReset    bool                                 `json:"cursor_reset,omitempty"`
}

type membersResponsePayload struct {
	Members []membership.Member `json:"members"`
}

type conversationUpdatePayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type updateConversationPayload struct {
	Updates []conversationUpdatePayload `json:"updates"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request sendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	send := messages.SendRequest{
		ConversationID: c.Param("conversation_id"),
		AuthorID:       c.GetString(userIDContextKey),
		Content:        request.Content,
	}
	if request.File != nil {
		send.File = &messages.FileRef{URL: request.File.URL, MimeType: request.File.MimeType}
	}
	message, err := h.messages.Send(c.Request.Context(), send)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message.Wire())
}

func (h *httpHandler) handleRecallMessage(c *gin.Context) {
	message, err := h.messages.Recall(c.Request.Context(), c.Param("conversation_id"), c.Param("event_id"), c.GetString(userIDContextKey))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, message.Wire())
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	tombstone, err := h.messages.SoftDelete(c.Request.Context(), c.Param("conversation_id"), c.Param("event_id"), c.GetString(userIDContextKey))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, tombstone.Wire())
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	viewerID := c.GetString(userIDContextKey)

	pageSize := 0
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "messages.history.invalid_page_size"})
			return
		}
		pageSize = parsed
	}
	direction, ok := pagination.ParseDirection(c.Query("direction"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "messages.history.invalid_direction"})
		return
	}
	cursor := c.Query("cursor")

	history, err := h.messages.History(c.Request.Context(), messages.HistoryRequest{
		ConversationID: conversationID,
		ViewerID:       viewerID,
		Cursor:         cursor,
		PageSize:       pageSize,
		Direction:      direction,
		TimeZone:       c.Query("tz"),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	if cursor == "" && direction == pagination.Backward {
		if err := h.conversations.MarkRead(c.Request.Context(), conversationID, viewerID, h.clock()); err != nil {
			h.logger.Warn("failed to mark conversation read",
				zap.String("conversation_id", conversationID),
				zap.String("user_id", viewerID),
				zap.Error(err))
		}
	}

	response := historyResponsePayload{
		MessagesByDate: make(map[string][]messages.MessagePayload, len(history.MessagesByDate)),
		Dates:          history.Dates,
		HasMore:        history.HasMore,
		NextCursor:     history.NextCursor,
		CursorReset:    history.CursorReset,
	}
	if response.Dates == nil {
		response.Dates = []string{}
	}
	for date, grouped := range history.MessagesByDate {
		response.MessagesByDate[date] = messages.WireMessages(grouped)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	userID := c.GetString(userIDContextKey)
	if !h.requireMember(c, conversationID, userID) {
		return
	}
	members, err := h.conversations.ActiveMembers(c.Request.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to list members", zap.String("conversation_id", conversationID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "retryable": true})
		return
	}
	if members == nil {
		members = []membership.Member{}
	}
	c.JSON(http.StatusOK, membersResponsePayload{Members: members})
}

func (h *httpHandler) handleUpdateConversation(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	actorID := c.GetString(userIDContextKey)

	var request updateConversationPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updates := make([]membership.ConversationUpdate, 0, len(request.Updates))
	for _, payload := range request.Updates {
		update, err := membership.ParseUpdate(payload.Type, payload.Value)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_update", "message": err.Error()})
			return
		}
		updates = append(updates, update)
	}

	conversation, err := h.conversations.ApplyUpdates(c.Request.Context(), conversationID, actorID, updates)
	switch {
	case err == nil:
	case errors.Is(err, membership.ErrNotPermitted):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	case errors.Is(err, membership.ErrInvalidUpdate), errors.Is(err, membership.ErrInvalidMember):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_update", "message": err.Error()})
		return
	default:
		h.logger.Error("failed to update conversation",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", actorID),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "retryable": true})
		return
	}

	if h.publisher != nil {
		h.publisher.PublishConversation(c.Request.Context(), conversation)
	}
	c.JSON(http.StatusOK, conversation)
}

func (h *httpHandler) requireMember(c *gin.Context, conversationID, userID string) bool {
	active, err := h.conversations.IsActiveMember(c.Request.Context(), conversationID, userID)
	if err != nil {
		h.logger.Error("membership lookup failed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "retryable": true})
		return false
	}
	if !active {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return false
	}
	return true
}

// writeServiceError maps a messages error kind onto its HTTP status.
func writeServiceError(c *gin.Context, err error) {
	body := gin.H{"code": messages.CodeOf(err)}
	status := http.StatusInternalServerError
	switch messages.KindOf(err) {
	case messages.ErrValidation:
		status = http.StatusBadRequest
		body["error"] = "invalid_request"
	case messages.ErrPermissionDenied:
		status = http.StatusForbidden
		body["error"] = "permission_denied"
	case messages.ErrNotFound:
		status = http.StatusNotFound
		body["error"] = "not_found"
	case messages.ErrWindowExpired:
		status = http.StatusConflict
		body["error"] = "recall_window_expired"
	case messages.ErrStoreUnavailable:
		status = http.StatusServiceUnavailable
		body["error"] = "store_unavailable"
		body["retryable"] = true
	default:
		body["error"] = "internal_error"
	}
	c.JSON(status, body)
}
