package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/murmur/internal/messages"
	"go.uber.org/zap"
)

const (
	errorCodeUnsupportedEvent   = "realtime.unsupported_event"
	errorCodeInvalidPayload     = "realtime.invalid_payload"
	errorCodeNotMember          = "realtime.not_member"
	errorCodeNotJoined          = "realtime.not_joined"
	errorCodeSessionReplaced    = "realtime.session_replaced"
	errorCodeCatchupUnavailable = "realtime.catchup_unavailable"
	errorCodeInternal           = "realtime.internal"
)

var errMissingService = errors.New("message service is required")

// MessageService is the subset of messages.Service that realtime commands drive.
type MessageService interface {
	Send(ctx context.Context, request messages.SendRequest) (messages.Message, error)
	Recall(ctx context.Context, conversationID, eventID, actorID string) (messages.Message, error)
	SoftDelete(ctx context.Context, conversationID, eventID, actorID string) (messages.Tombstone, error)
}

// Hub routes inbound commands from sessions and manages their lifecycle.
type Hub struct {
	registry   *Registry
	dispatcher *Dispatcher
	service    MessageService
	logger     *zap.Logger
}

// NewHub wires a hub.
func NewHub(registry *Registry, dispatcher *Dispatcher, service MessageService, logger *zap.Logger) (*Hub, error) {
	if registry == nil {
		return nil, errMissingRegistry
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if service == nil {
		return nil, errMissingService
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{registry: registry, dispatcher: dispatcher, service: service, logger: logger}, nil
}

// Connect registers a transport as the user's live session.
func (h *Hub) Connect(userID string, transport Transport) *Session {
	session := h.registry.Register(userID, transport)
	h.logger.Debug("realtime session connected",
		zap.String("user_id", userID),
		zap.String("session_id", session.ID),
	)
	return session
}

// Disconnect releases the session and announces departure from its rooms. A session
// that has already been replaced is left alone.
func (h *Hub) Disconnect(ctx context.Context, session *Session) {
	rooms, released := h.registry.Release(session)
	if !released {
		return
	}
	for _, conversationID := range rooms {
		h.dispatcher.AnnouncePresence(ctx, conversationID, session.UserID, EventMemberLeft)
	}
	h.logger.Debug("realtime session disconnected",
		zap.String("user_id", session.UserID),
		zap.String("session_id", session.ID),
	)
}

// Handle executes one inbound command and replies with an ack or an error envelope.
func (h *Hub) Handle(ctx context.Context, session *Session, envelope Envelope) {
	if !h.registry.IsCurrent(session) {
		h.replyError(session, envelope, errorCodeSessionReplaced, "session has been replaced", false)
		return
	}
	conversationID := strings.TrimSpace(envelope.ConversationID)
	if conversationID == "" {
		h.replyError(session, envelope, errorCodeInvalidPayload, "conversation_id is required", false)
		return
	}

	switch envelope.Event {
	case CommandJoin:
		h.handleJoin(ctx, session, envelope, conversationID)
	case CommandLeave:
		h.handleLeave(ctx, session, envelope, conversationID)
	case CommandSend:
		var payload sendCommandPayload
		if !h.decode(session, envelope, &payload) {
			return
		}
		request := messages.SendRequest{
			ConversationID: conversationID,
			AuthorID:       session.UserID,
			Content:        payload.Content,
		}
		if payload.File != nil {
			request.File = &messages.FileRef{URL: payload.File.URL, MimeType: payload.File.MimeType}
		}
		message, err := h.service.Send(ctx, request)
		replyResult(h, session, envelope, message.Wire, err)
	case CommandRecall:
		var payload eventCommandPayload
		if !h.decode(session, envelope, &payload) {
			return
		}
		message, err := h.service.Recall(ctx, conversationID, payload.EventID, session.UserID)
		replyResult(h, session, envelope, message.Wire, err)
	case CommandDelete:
		var payload eventCommandPayload
		if !h.decode(session, envelope, &payload) {
			return
		}
		tombstone, err := h.service.SoftDelete(ctx, conversationID, payload.EventID, session.UserID)
		replyResult(h, session, envelope, tombstone.Wire, err)
	default:
		h.replyError(session, envelope, errorCodeUnsupportedEvent, "unsupported event "+envelope.Event, false)
	}
}

func (h *Hub) handleJoin(ctx context.Context, session *Session, envelope Envelope, conversationID string) {
	joined, err := h.registry.JoinRoom(ctx, session, conversationID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotMember):
			h.replyError(session, envelope, errorCodeNotMember, "not an active member of the conversation", false)
		case errors.Is(err, ErrSessionReplaced), errors.Is(err, ErrSessionNotFound):
			h.replyError(session, envelope, errorCodeSessionReplaced, "session has been replaced", false)
		default:
			h.logger.Error("failed to join conversation",
				zap.String("conversation_id", conversationID),
				zap.String("user_id", session.UserID),
				zap.Error(err),
			)
			h.replyError(session, envelope, errorCodeInternal, "membership lookup failed", true)
		}
		return
	}
	h.reply(session, envelope, EventAck, nil)
	if !joined {
		return
	}
	if err := h.dispatcher.Catchup(ctx, session, conversationID); err != nil {
		// Pushed without a request id: the join has already been acked.
		h.reply(session, Envelope{ConversationID: conversationID}, EventError,
			errorPayload{Code: errorCodeCatchupUnavailable, Message: "catch-up unavailable", Retryable: true})
	}
	h.dispatcher.AnnouncePresence(ctx, conversationID, session.UserID, EventMemberJoined)
}

func (h *Hub) handleLeave(ctx context.Context, session *Session, envelope Envelope, conversationID string) {
	if !h.registry.LeaveRoom(session.UserID, conversationID) {
		h.replyError(session, envelope, errorCodeNotJoined, "conversation was not joined", false)
		return
	}
	h.reply(session, envelope, EventAck, nil)
	h.dispatcher.AnnouncePresence(ctx, conversationID, session.UserID, EventMemberLeft)
}

func (h *Hub) decode(session *Session, envelope Envelope, target interface{}) bool {
	if len(envelope.Data) == 0 {
		h.replyError(session, envelope, errorCodeInvalidPayload, "data is required", false)
		return false
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		h.replyError(session, envelope, errorCodeInvalidPayload, "data is malformed", false)
		return false
	}
	return true
}

func replyResult[T any](h *Hub, session *Session, envelope Envelope, wire func() T, err error) {
	if err != nil {
		h.replyServiceError(session, envelope, err)
		return
	}
	h.reply(session, envelope, EventAck, wire())
}

func (h *Hub) replyServiceError(session *Session, envelope Envelope, err error) {
	code := messages.CodeOf(err)
	if code == "" {
		code = errorCodeInternal
	}
	retryable := errors.Is(err, messages.ErrStoreUnavailable)
	message := "request failed"
	if kind := messages.KindOf(err); kind != nil {
		message = kind.Error()
	}
	h.replyError(session, envelope, code, message, retryable)
}

func (h *Hub) replyError(session *Session, envelope Envelope, code, message string, retryable bool) {
	h.reply(session, envelope, EventError, errorPayload{Code: code, Message: message, Retryable: retryable})
}

func (h *Hub) reply(session *Session, request Envelope, event string, data interface{}) {
	response, err := NewEnvelope(event, request.ConversationID, data)
	if err != nil {
		h.logger.Error("failed to encode reply", zap.String("event", event), zap.Error(err))
		return
	}
	response.RequestID = request.RequestID
	if err := session.Send(response); err != nil {
		h.logger.Warn("failed to send reply",
			zap.String("event", event),
			zap.String("user_id", session.UserID),
			zap.Error(err),
		)
	}
}
