package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/internal/metrics"
	"github.com/MarcoPoloResearchLab/murmur/internal/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultStoreTimeout = 5 * time.Second

const (
	opStoreNew            = "messages.store.new"
	opStoreAppend         = "messages.store.append"
	opStoreQueryPage      = "messages.store.query_page"
	opStoreFindByID       = "messages.store.find_by_id"
	opStoreFindTombstones = "messages.store.find_tombstones"
	opStoreMarkRecalled   = "messages.store.mark_recalled"
)

// StoreConfig describes the dependencies of the SQL-backed event log.
type StoreConfig struct {
	Database    *gorm.DB
	Logger      *zap.Logger
	Timeout     time.Duration
	MaxPageSize int
}

// Store is the append-only conversation event log.
type Store struct {
	db          *gorm.DB
	logger      *zap.Logger
	timeout     time.Duration
	maxPageSize int
}

// NewStore constructs the event log on an already migrated database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", ErrValidation, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	maxPageSize := cfg.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = pagination.MaxPageSize
	}
	return &Store{db: cfg.Database, logger: logger, timeout: timeout, maxPageSize: maxPageSize}, nil
}

// PageQuery selects one page of a conversation log.
type PageQuery struct {
	ConversationID string
	Cursor         string
	PageSize       int
	Direction      pagination.Direction
	Kinds          []Kind
}

// Page is a slice of the log in the requested direction.
type Page struct {
	Events      []Event
	NextCursor  string
	HasMore     bool
	CursorReset bool
}

// Append persists a new event. Each append is an independent insert.
func (s *Store) Append(ctx context.Context, event Event) (string, error) {
	if event == nil {
		return "", newServiceError(opStoreAppend, "missing_event", ErrValidation, nil)
	}
	record := recordFromEvent(event)
	if strings.TrimSpace(record.ConversationID) == "" {
		return "", newServiceError(opStoreAppend, "missing_conversation_id", ErrValidation, nil)
	}
	if strings.TrimSpace(record.AuthorID) == "" {
		return "", newServiceError(opStoreAppend, "missing_author_id", ErrValidation, nil)
	}
	if strings.TrimSpace(record.EventID) == "" {
		return "", newServiceError(opStoreAppend, "missing_event_id", ErrValidation, nil)
	}

	ctx, cancel := ensureTimeout(ctx, s.timeout)
	defer cancel()
	started := time.Now()
	err := s.db.WithContext(ctx).Create(&record).Error
	metrics.ObserveStoreOperation("append", started, err)
	if err != nil {
		s.logger.Error("event append failed",
			zap.String("conversation_id", record.ConversationID),
			zap.String("event_id", record.EventID),
			zap.Error(err))
		return "", newServiceError(opStoreAppend, "insert_failed", ErrStoreUnavailable, err)
	}
	metrics.EventsAppended.WithLabelValues(record.Kind).Inc()
	return record.EventID, nil
}

// QueryPage returns up to PageSize events after the cursor. A cursor that cannot be
// decoded, or that belongs to another conversation, restarts from the newest event.
func (s *Store) QueryPage(ctx context.Context, query PageQuery) (Page, error) {
	if strings.TrimSpace(query.ConversationID) == "" {
		return Page{}, newServiceError(opStoreQueryPage, "missing_conversation_id", ErrValidation, nil)
	}
	pageSize := pagination.ClampPageSize(query.PageSize, pagination.DefaultPageSize, s.maxPageSize)

	cursorReset := false
	position, err := pagination.Decode(query.Cursor)
	if err != nil || (!position.IsZero() && position.ConversationID != query.ConversationID) {
		s.logger.Debug("pagination cursor discarded",
			zap.String("conversation_id", query.ConversationID),
			zap.Error(err))
		metrics.CursorResets.Inc()
		position = pagination.Position{}
		cursorReset = true
	}

	direction := query.Direction
	if cursorReset || direction == "" {
		direction = pagination.Backward
	}
	comparator, order := "<", "created_at_ms DESC, event_id DESC"
	if direction == pagination.Forward {
		comparator, order = ">", "created_at_ms ASC, event_id ASC"
	}

	ctx, cancel := ensureTimeout(ctx, s.timeout)
	defer cancel()

	db := s.db.WithContext(ctx).Where("conversation_id = ?", query.ConversationID)
	if len(query.Kinds) > 0 {
		db = db.Where("kind IN ?", kindStrings(query.Kinds))
	}
	if !position.IsZero() {
		db = db.Where(
			fmt.Sprintf("((created_at_ms %s ?) OR (created_at_ms = ? AND event_id %s ?))", comparator, comparator),
			position.CreatedAtMillis, position.CreatedAtMillis, position.EventID,
		)
	}

	started := time.Now()
	var records []EventRecord
	err = db.Order(order).Limit(pageSize + 1).Find(&records).Error
	metrics.ObserveStoreOperation("query_page", started, err)
	if err != nil {
		s.logger.Error("event page query failed",
			zap.String("conversation_id", query.ConversationID),
			zap.Error(err))
		return Page{}, newServiceError(opStoreQueryPage, "query_failed", ErrStoreUnavailable, err)
	}

	page := Page{CursorReset: cursorReset}
	if len(records) > pageSize {
		page.HasMore = true
		records = records[:pageSize]
	}
	page.Events = make([]Event, 0, len(records))
	for _, record := range records {
		page.Events = append(page.Events, record.toEvent())
	}
	if page.HasMore {
		last := records[len(records)-1]
		page.NextCursor = pagination.Encode(pagination.Position{
			ConversationID:  last.ConversationID,
			CreatedAtMillis: last.CreatedAtMillis,
			EventID:         last.EventID,
		})
	}
	return page, nil
}

// FindByID loads one event of a conversation.
func (s *Store) FindByID(ctx context.Context, conversationID, eventID string) (Event, error) {
	ctx, cancel := ensureTimeout(ctx, s.timeout)
	defer cancel()
	started := time.Now()
	var record EventRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND event_id = ?", conversationID, eventID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.ObserveStoreOperation("find_by_id", started, nil)
		return nil, newServiceError(opStoreFindByID, "event_not_found", ErrNotFound, nil)
	}
	metrics.ObserveStoreOperation("find_by_id", started, err)
	if err != nil {
		return nil, newServiceError(opStoreFindByID, "query_failed", ErrStoreUnavailable, err)
	}
	return record.toEvent(), nil
}

// FindTombstonesByDeleter returns the ids of every message the deleter has hidden in
// the conversation.
func (s *Store) FindTombstonesByDeleter(ctx context.Context, conversationID, deleterID string) (map[string]struct{}, error) {
	ctx, cancel := ensureTimeout(ctx, s.timeout)
	defer cancel()
	started := time.Now()
	var targets []string
	err := s.db.WithContext(ctx).
		Model(&EventRecord{}).
		Where("conversation_id = ? AND author_id = ? AND kind = ?", conversationID, deleterID, string(KindDeleteRecord)).
		Pluck("target_event_id", &targets).Error
	metrics.ObserveStoreOperation("find_tombstones", started, err)
	if err != nil {
		return nil, newServiceError(opStoreFindTombstones, "query_failed", ErrStoreUnavailable, err)
	}
	hidden := make(map[string]struct{}, len(targets))
	for _, target := range targets {
		hidden[target] = struct{}{}
	}
	return hidden, nil
}

// FindTombstone returns the deleter's tombstone for a target, if one exists.
func (s *Store) FindTombstone(ctx context.Context, conversationID, targetEventID, deleterID string) (Tombstone, bool, error) {
	ctx, cancel := ensureTimeout(ctx, s.timeout)
	defer cancel()
	started := time.Now()
	var records []EventRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND author_id = ? AND kind = ? AND target_event_id = ?",
			conversationID, deleterID, string(KindDeleteRecord), targetEventID).
		Order("created_at_ms ASC, event_id ASC").
		Limit(1).
		Find(&records).Error
	metrics.ObserveStoreOperation("find_tombstone", started, err)
	if err != nil {
		return Tombstone{}, false, newServiceError(opStoreFindTombstones, "query_failed", ErrStoreUnavailable, err)
	}
	if len(records) == 0 {
		return Tombstone{}, false, nil
	}
	tombstone, _ := records[0].toEvent().(Tombstone)
	return tombstone, true, nil
}

// MarkRecalled replaces a sent message's payload with the placeholder. It reports false
// when no sent message matched.
func (s *Store) MarkRecalled(ctx context.Context, conversationID, eventID string, recalledAt time.Time) (bool, error) {
	ctx, cancel := ensureTimeout(ctx, s.timeout)
	defer cancel()
	started := time.Now()
	result := s.db.WithContext(ctx).
		Model(&EventRecord{}).
		Where("conversation_id = ? AND event_id = ? AND status = ? AND kind IN ?",
			conversationID, eventID, string(StatusSent), kindStrings([]Kind{KindText, KindFile})).
		Updates(map[string]interface{}{
			"status":         string(StatusRecalled),
			"content":        RecalledPlaceholder,
			"file_url":       "",
			"file_mime_type": "",
			"recalled_at_ms": recalledAt.UnixMilli(),
		})
	metrics.ObserveStoreOperation("mark_recalled", started, result.Error)
	if result.Error != nil {
		return false, newServiceError(opStoreMarkRecalled, "update_failed", ErrStoreUnavailable, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func kindStrings(kinds []Kind) []string {
	values := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		values = append(values, string(kind))
	}
	return values
}

func ensureTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
