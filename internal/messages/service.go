package messages

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/murmur/internal/membership"
	"github.com/MarcoPoloResearchLab/murmur/internal/metrics"
	"github.com/MarcoPoloResearchLab/murmur/internal/pagination"
	"go.uber.org/zap"
)

const (
	// DefaultRecallWindow is how long an author may recall a message. The boundary is
	// inclusive.
	DefaultRecallWindow = 2 * time.Minute
	// MaxTextLength bounds text message content in runes.
	MaxTextLength = 4000
)

const (
	opServiceNew = "messages.service.new"
	opSend       = "messages.send"
	opRecall     = "messages.recall"
	opSoftDelete = "messages.soft_delete"
	opHistory    = "messages.history"
	opCatchup    = "messages.catchup"
)

// EventLog is the persistence contract the service relies on.
type EventLog interface {
	Append(ctx context.Context, event Event) (string, error)
	QueryPage(ctx context.Context, query PageQuery) (Page, error)
	FindByID(ctx context.Context, conversationID, eventID string) (Event, error)
	FindTombstonesByDeleter(ctx context.Context, conversationID, deleterID string) (map[string]struct{}, error)
	FindTombstone(ctx context.Context, conversationID, targetEventID, deleterID string) (Tombstone, bool, error)
	MarkRecalled(ctx context.Context, conversationID, eventID string, recalledAt time.Time) (bool, error)
}

// MembershipOracle answers whether a user belongs to a conversation.
type MembershipOracle interface {
	IsActiveMember(ctx context.Context, conversationID, userID string) (bool, error)
	Member(ctx context.Context, conversationID, userID string) (membership.Member, error)
}

// ProfileSource supplies a user's display name and avatar.
type ProfileSource interface {
	DisplayProfile(ctx context.Context, userID string) (string, string, error)
}

// Notifier receives every event the service produces or mutates.
type Notifier interface {
	Notify(event Event)
}

// ServiceConfig describes the dependencies of the message service.
type ServiceConfig struct {
	EventLog     EventLog
	Membership   MembershipOracle
	Profiles     ProfileSource
	Notifier     Notifier
	Clock        func() time.Time
	IDProvider   IDProvider
	Logger       *zap.Logger
	RecallWindow time.Duration
	PageSize     int
	Location     *time.Location
}

// Service validates and executes send, recall, soft delete, and history reads.
type Service struct {
	log          EventLog
	membership   MembershipOracle
	profiles     ProfileSource
	notifier     Notifier
	clock        func() time.Time
	idProvider   IDProvider
	logger       *zap.Logger
	recallWindow time.Duration
	pageSize     int
	location     *time.Location
}

// NewService constructs the message service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.EventLog == nil {
		return nil, newServiceError(opServiceNew, "missing_event_log", ErrValidation, errMissingEventLog)
	}
	if cfg.Membership == nil {
		return nil, newServiceError(opServiceNew, "missing_membership", ErrValidation, errMissingMembership)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", ErrValidation, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	recallWindow := cfg.RecallWindow
	if recallWindow <= 0 {
		recallWindow = DefaultRecallWindow
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	return &Service{
		log:          cfg.EventLog,
		membership:   cfg.Membership,
		profiles:     cfg.Profiles,
		notifier:     cfg.Notifier,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		logger:       logger,
		recallWindow: recallWindow,
		pageSize:     pageSize,
		location:     location,
	}, nil
}

// RecallWindow reports the configured recall window.
func (s *Service) RecallWindow() time.Duration {
	return s.recallWindow
}

// SendRequest carries a new message. Exactly one of Content and File must be set.
type SendRequest struct {
	ConversationID string
	AuthorID       string
	Content        string
	File           *FileRef
}

// Send appends a new message authored by an active member.
func (s *Service) Send(ctx context.Context, request SendRequest) (Message, error) {
	conversationID := strings.TrimSpace(request.ConversationID)
	authorID := strings.TrimSpace(request.AuthorID)
	if conversationID == "" || authorID == "" {
		return Message{}, newServiceError(opSend, "missing_identifier", ErrValidation, nil)
	}
	kind, payload, err := buildPayload(request)
	if err != nil {
		return Message{}, err
	}
	if err := s.requireActiveMember(ctx, opSend, conversationID, authorID); err != nil {
		return Message{}, err
	}

	eventID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSend, "id_generation_failed", err, zap.String("conversation_id", conversationID))
		return Message{}, newServiceError(opSend, "id_generation_failed", ErrStoreUnavailable, err)
	}
	message := Message{
		EventHeader: EventHeader{
			EventID:        eventID,
			ConversationID: conversationID,
			AuthorID:       authorID,
			CreatedAt:      s.now(),
			Kind:           kind,
			Status:         StatusSent,
		},
		Payload: payload,
	}
	if _, err := s.log.Append(context.WithoutCancel(ctx), message); err != nil {
		s.logError(opSend, "append_failed", err,
			zap.String("conversation_id", conversationID),
			zap.String("event_id", eventID))
		return Message{}, err
	}
	s.notify(message)
	return message, nil
}

func buildPayload(request SendRequest) (Kind, Payload, error) {
	hasText := strings.TrimSpace(request.Content) != ""
	hasFile := request.File != nil
	switch {
	case hasText && hasFile:
		return "", Payload{}, newServiceError(opSend, "content_and_file", ErrValidation, nil)
	case hasText:
		if utf8.RuneCountInString(request.Content) > MaxTextLength {
			return "", Payload{}, newServiceError(opSend, "content_too_long", ErrValidation, nil)
		}
		return KindText, Payload{Text: request.Content}, nil
	case hasFile:
		fileURL := strings.TrimSpace(request.File.URL)
		mimeType := strings.TrimSpace(request.File.MimeType)
		if fileURL == "" || mimeType == "" {
			return "", Payload{}, newServiceError(opSend, "incomplete_file", ErrValidation, nil)
		}
		return KindFile, Payload{File: &FileRef{URL: fileURL, MimeType: mimeType}}, nil
	default:
		return "", Payload{}, newServiceError(opSend, "empty_message", ErrValidation, nil)
	}
}

// Recall replaces the payload of the actor's own message with RecalledPlaceholder while
// the recall window is open. The original payload is not retained.
func (s *Service) Recall(ctx context.Context, conversationID, eventID, actorID string) (Message, error) {
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(eventID) == "" || strings.TrimSpace(actorID) == "" {
		return Message{}, newServiceError(opRecall, "missing_identifier", ErrValidation, nil)
	}
	if err := s.requireActiveMember(ctx, opRecall, conversationID, actorID); err != nil {
		return Message{}, err
	}
	message, err := s.findMessage(ctx, opRecall, conversationID, eventID)
	if err != nil {
		return Message{}, err
	}
	if message.AuthorID != actorID {
		return Message{}, newServiceError(opRecall, "not_author", ErrPermissionDenied, nil)
	}
	now := s.now()
	if now.Sub(message.CreatedAt) > s.recallWindow {
		return Message{}, newServiceError(opRecall, "window_expired", ErrWindowExpired, nil)
	}
	if message.Status != StatusSent {
		return Message{}, newServiceError(opRecall, "already_recalled", ErrValidation, nil)
	}

	updated, err := s.log.MarkRecalled(context.WithoutCancel(ctx), conversationID, eventID, now)
	if err != nil {
		s.logError(opRecall, "mark_recalled_failed", err,
			zap.String("conversation_id", conversationID),
			zap.String("event_id", eventID))
		return Message{}, err
	}
	if !updated {
		return Message{}, newServiceError(opRecall, "already_recalled", ErrValidation, nil)
	}

	message.Status = StatusRecalled
	message.Payload = Payload{Text: RecalledPlaceholder}
	message.RecalledAt = &now
	metrics.MessagesRecalled.Inc()
	s.notify(message)
	return message, nil
}

// SoftDelete hides a message from the actor's own view by appending a tombstone. The
// target event is never modified. Deleting an already hidden message returns the
// existing tombstone.
func (s *Service) SoftDelete(ctx context.Context, conversationID, eventID, actorID string) (Tombstone, error) {
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(eventID) == "" || strings.TrimSpace(actorID) == "" {
		return Tombstone{}, newServiceError(opSoftDelete, "missing_identifier", ErrValidation, nil)
	}
	if err := s.requireActiveMember(ctx, opSoftDelete, conversationID, actorID); err != nil {
		return Tombstone{}, err
	}
	target, err := s.log.FindByID(ctx, conversationID, eventID)
	if err != nil {
		return Tombstone{}, err
	}
	message, ok := target.(Message)
	if !ok {
		return Tombstone{}, newServiceError(opSoftDelete, "tombstone_target", ErrValidation, nil)
	}

	existing, found, err := s.log.FindTombstone(ctx, conversationID, eventID, actorID)
	if err != nil {
		return Tombstone{}, err
	}
	if found {
		return existing, nil
	}

	tombstoneID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSoftDelete, "id_generation_failed", err, zap.String("conversation_id", conversationID))
		return Tombstone{}, newServiceError(opSoftDelete, "id_generation_failed", ErrStoreUnavailable, err)
	}
	name, avatar := s.snapshotProfile(ctx, conversationID, actorID)
	tombstone := Tombstone{
		EventHeader: EventHeader{
			EventID:        tombstoneID,
			ConversationID: conversationID,
			AuthorID:       actorID,
			CreatedAt:      s.now(),
			Kind:           KindDeleteRecord,
			Status:         StatusDeleted,
		},
		Meta: TombstoneMeta{
			TargetEventID:         message.EventID,
			DeleterID:             actorID,
			DeleterSnapshotName:   name,
			DeleterSnapshotAvatar: avatar,
			OriginalAuthorID:      message.AuthorID,
			OriginalKind:          message.Kind,
			OriginalPayload:       message.Payload,
		},
	}
	if _, err := s.log.Append(context.WithoutCancel(ctx), tombstone); err != nil {
		// A concurrent delete by the same member may have won the unique tombstone index.
		if existing, found, lookupErr := s.log.FindTombstone(ctx, conversationID, eventID, actorID); lookupErr == nil && found {
			return existing, nil
		}
		s.logError(opSoftDelete, "append_failed", err,
			zap.String("conversation_id", conversationID),
			zap.String("event_id", eventID))
		return Tombstone{}, err
	}
	s.notify(tombstone)
	return tombstone, nil
}

// HistoryRequest selects a page of history for a viewer.
type HistoryRequest struct {
	ConversationID string
	ViewerID       string
	Cursor         string
	PageSize       int
	Direction      pagination.Direction
	TimeZone       string
}

// History is one reconciled page grouped by calendar date.
type History struct {
	MessagesByDate map[string][]Message
	Dates          []string
	HasMore        bool
	NextCursor     string
	CursorReset    bool
}

// History reads one page of the log and reconciles it for the viewer.
func (s *Service) History(ctx context.Context, request HistoryRequest) (History, error) {
	if strings.TrimSpace(request.ConversationID) == "" || strings.TrimSpace(request.ViewerID) == "" {
		return History{}, newServiceError(opHistory, "missing_identifier", ErrValidation, nil)
	}
	location := s.location
	if zone := strings.TrimSpace(request.TimeZone); zone != "" {
		loaded, err := time.LoadLocation(zone)
		if err != nil {
			return History{}, newServiceError(opHistory, "invalid_timezone", ErrValidation, err)
		}
		location = loaded
	}
	if err := s.requireActiveMember(ctx, opHistory, request.ConversationID, request.ViewerID); err != nil {
		return History{}, err
	}

	pageSize := request.PageSize
	if pageSize <= 0 {
		pageSize = s.pageSize
	}
	page, err := s.log.QueryPage(ctx, PageQuery{
		ConversationID: request.ConversationID,
		Cursor:         request.Cursor,
		PageSize:       pageSize,
		Direction:      request.Direction,
	})
	if err != nil {
		s.logError(opHistory, "query_page_failed", err, zap.String("conversation_id", request.ConversationID))
		return History{}, err
	}
	hidden, err := s.log.FindTombstonesByDeleter(ctx, request.ConversationID, request.ViewerID)
	if err != nil {
		s.logError(opHistory, "tombstone_lookup_failed", err, zap.String("conversation_id", request.ConversationID))
		return History{}, err
	}

	view := Reconcile(request.ViewerID, page.Events, hidden, location)
	return History{
		MessagesByDate: view.MessagesByDate,
		Dates:          view.Dates,
		HasMore:        page.HasMore,
		NextCursor:     page.NextCursor,
		CursorReset:    page.CursorReset,
	}, nil
}

// Catchup returns the most recent messages of a conversation as the viewer sees them,
// oldest first. Membership is the caller's concern.
func (s *Service) Catchup(ctx context.Context, conversationID, viewerID string, limit int) ([]Message, error) {
	messages, err := Catchup(ctx, s.log, conversationID, viewerID, limit)
	if err != nil {
		s.logError(opCatchup, "catchup_failed", err, zap.String("conversation_id", conversationID))
	}
	return messages, err
}

// Catchup reads the newest limit message events from log, excluding tombstones and
// anything the viewer has hidden, and returns them oldest first.
func Catchup(ctx context.Context, log EventLog, conversationID, viewerID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	page, err := log.QueryPage(ctx, PageQuery{
		ConversationID: conversationID,
		PageSize:       limit,
		Direction:      pagination.Backward,
		Kinds:          []Kind{KindText, KindFile},
	})
	if err != nil {
		return nil, err
	}
	hidden, err := log.FindTombstonesByDeleter(ctx, conversationID, viewerID)
	if err != nil {
		return nil, err
	}
	return Reconcile(viewerID, page.Events, hidden, time.UTC).Messages, nil
}

func (s *Service) requireActiveMember(ctx context.Context, operation, conversationID, userID string) error {
	active, err := s.membership.IsActiveMember(ctx, conversationID, userID)
	if err != nil {
		s.logError(operation, "membership_lookup_failed", err,
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID))
		return newServiceError(operation, "membership_lookup_failed", ErrStoreUnavailable, err)
	}
	if !active {
		return newServiceError(operation, "not_member", ErrPermissionDenied, nil)
	}
	return nil
}

func (s *Service) findMessage(ctx context.Context, operation, conversationID, eventID string) (Message, error) {
	event, err := s.log.FindByID(ctx, conversationID, eventID)
	if err != nil {
		return Message{}, err
	}
	message, ok := event.(Message)
	if !ok {
		return Message{}, newServiceError(operation, "not_a_message", ErrNotFound, nil)
	}
	return message, nil
}

func (s *Service) snapshotProfile(ctx context.Context, conversationID, userID string) (string, string) {
	var name, avatar string
	member, err := s.membership.Member(ctx, conversationID, userID)
	if err == nil {
		name, avatar = member.DisplayName, member.DisplayAvatar
	} else if !errors.Is(err, membership.ErrMemberNotFound) {
		s.logger.Warn("member profile lookup failed", zap.String("user_id", userID), zap.Error(err))
	}
	if (name == "" || avatar == "") && s.profiles != nil {
		profileName, profileAvatar, err := s.profiles.DisplayProfile(ctx, userID)
		if err != nil {
			s.logger.Warn("user profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		if name == "" {
			name = profileName
		}
		if avatar == "" {
			avatar = profileAvatar
		}
	}
	return name, avatar
}

func (s *Service) notify(event Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(event)
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("messages service error", attrs...)
}
