package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketMembers       = []byte("members")
	bucketConversations = []byte("conversations")
)

var (
	ErrMemberNotFound       = errors.New("membership: member not found")
	ErrConversationNotFound = errors.New("membership: conversation not found")
	ErrNotPermitted         = errors.New("membership: actor may not manage conversation")
	ErrInvalidMember        = errors.New("membership: conversation and user ids are required")

	errMissingPath = errors.New("membership: store path is required")
)

const keySeparator = "\x00"

// StoreConfig configures the bbolt-backed membership store.
type StoreConfig struct {
	Path        string
	OpenTimeout time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Store answers membership questions from a local bbolt file.
type Store struct {
	db     *bolt.DB
	clock  func() time.Time
	logger *zap.Logger
}

// OpenStore opens (or creates) the membership database and its buckets.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errMissingPath
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open membership database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMembers, bucketConversations} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, clock: clock, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func memberKey(conversationID, userID string) []byte {
	return []byte(conversationID + keySeparator + userID)
}

func conversationPrefix(conversationID string) []byte {
	return []byte(conversationID + keySeparator)
}

// IsActiveMember reports whether the user currently belongs to the conversation.
// Unknown pairs are simply not members.
func (s *Store) IsActiveMember(ctx context.Context, conversationID, userID string) (bool, error) {
	member, err := s.Member(ctx, conversationID, userID)
	if errors.Is(err, ErrMemberNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return member.IsActive, nil
}

// Member returns the stored membership record, active or not.
func (s *Store) Member(ctx context.Context, conversationID, userID string) (Member, error) {
	if err := ctx.Err(); err != nil {
		return Member{}, err
	}
	var member Member
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMembers).Get(memberKey(conversationID, userID))
		if data == nil {
			return ErrMemberNotFound
		}
		return json.Unmarshal(data, &member)
	})
	return member, err
}

// ActiveMembers lists active members of a conversation in user id order.
func (s *Store) ActiveMembers(ctx context.Context, conversationID string) ([]Member, error) {
	members, err := s.Members(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	active := members[:0]
	for _, member := range members {
		if member.IsActive {
			active = append(active, member)
		}
	}
	return active, nil
}

// Members lists every membership record of a conversation, including inactive ones.
func (s *Store) Members(ctx context.Context, conversationID string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := conversationPrefix(conversationID)
	var members []Member
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketMembers).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var member Member
			if err := json.Unmarshal(v, &member); err != nil {
				return err
			}
			members = append(members, member)
		}
		return nil
	})
	return members, err
}

// PutMember creates or replaces a membership record.
func (s *Store) PutMember(ctx context.Context, member Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	member.ConversationID = strings.TrimSpace(member.ConversationID)
	member.UserID = strings.TrimSpace(member.UserID)
	if member.ConversationID == "" || member.UserID == "" ||
		strings.Contains(member.ConversationID, keySeparator) || strings.Contains(member.UserID, keySeparator) {
		return ErrInvalidMember
	}
	if member.Role == "" {
		member.Role = RoleMember
	}
	if member.JoinedAt.IsZero() {
		member.JoinedAt = s.clock().UTC()
	}
	data, err := json.Marshal(member)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMembers).Put(memberKey(member.ConversationID, member.UserID), data)
	})
	if err == nil {
		s.logger.Debug("membership stored",
			zap.String("conversation_id", member.ConversationID),
			zap.String("user_id", member.UserID),
			zap.Bool("active", member.IsActive))
	}
	return err
}

// Deactivate marks a member inactive. The record is kept for history.
func (s *Store) Deactivate(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMembers)
		key := memberKey(conversationID, userID)
		data := bucket.Get(key)
		if data == nil {
			return ErrMemberNotFound
		}
		var member Member
		if err := json.Unmarshal(data, &member); err != nil {
			return err
		}
		member.IsActive = false
		updated, err := json.Marshal(member)
		if err != nil {
			return err
		}
		return bucket.Put(key, updated)
	})
}

// MarkRead records the time a member last read the conversation.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, readAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMembers)
		key := memberKey(conversationID, userID)
		data := bucket.Get(key)
		if data == nil {
			return ErrMemberNotFound
		}
		var member Member
		if err := json.Unmarshal(data, &member); err != nil {
			return err
		}
		if !readAt.After(member.LastReadAt) {
			return nil
		}
		member.LastReadAt = readAt.UTC()
		updated, err := json.Marshal(member)
		if err != nil {
			return err
		}
		return bucket.Put(key, updated)
	})
}

// Conversation returns stored conversation metadata.
func (s *Store) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	var conversation Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConversations).Get([]byte(conversationID))
		if data == nil {
			return ErrConversationNotFound
		}
		return json.Unmarshal(data, &conversation)
	})
	return conversation, err
}

// PutConversation creates or replaces conversation metadata.
func (s *Store) PutConversation(ctx context.Context, conversation Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(conversation.ID) == "" {
		return ErrConversationNotFound
	}
	if conversation.Kind == "" {
		conversation.Kind = ConversationGroup
	}
	if conversation.UpdatedAt.IsZero() {
		conversation.UpdatedAt = s.clock().UTC()
	}
	data, err := json.Marshal(conversation)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).Put([]byte(conversation.ID), data)
	})
}

// ApplyUpdates applies closed-set metadata commands on behalf of an active owner or
// admin. Either every update applies or none does.
func (s *Store) ApplyUpdates(ctx context.Context, conversationID, actorID string, updates []ConversationUpdate) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if len(updates) == 0 {
		return Conversation{}, fmt.Errorf("%w: no updates supplied", ErrInvalidUpdate)
	}
	var conversation Conversation
	err := s.db.Update(func(tx *bolt.Tx) error {
		memberData := tx.Bucket(bucketMembers).Get(memberKey(conversationID, actorID))
		if memberData == nil {
			return ErrNotPermitted
		}
		var actor Member
		if err := json.Unmarshal(memberData, &actor); err != nil {
			return err
		}
		if !actor.IsActive || !actor.Role.CanManage() {
			return ErrNotPermitted
		}

		bucket := tx.Bucket(bucketConversations)
		if data := bucket.Get([]byte(conversationID)); data != nil {
			if err := json.Unmarshal(data, &conversation); err != nil {
				return err
			}
		} else {
			conversation = Conversation{ID: conversationID, Kind: ConversationGroup}
		}
		for _, update := range updates {
			if update == nil {
				return fmt.Errorf("%w: nil update", ErrInvalidUpdate)
			}
			if err := update.apply(&conversation); err != nil {
				return err
			}
		}
		conversation.UpdatedAt = s.clock().UTC()
		data, err := json.Marshal(conversation)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(conversationID), data)
	})
	if err != nil {
		return Conversation{}, err
	}
	return conversation, nil
}
