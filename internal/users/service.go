package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/internal/auth"
	"gorm.io/gorm"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maps session identities onto canonical user ids and remembers the display
// profile each login last presented.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the session claims, recording
// the identity on first sight and refreshing its profile fields on the first request of
// each process.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := providerSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if userID, ok := cached.(string); ok {
			return userID, nil
		}
	}

	var userID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var identity Identity
		err := tx.Where("provider = ? AND subject = ?", provider, subject).First(&identity).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			identity = Identity{
				Provider:    provider,
				Subject:     subject,
				UserID:      canonicalUserID(provider, subject),
				Email:       normalize(claims.UserEmail),
				DisplayName: normalize(claims.UserDisplayName),
				AvatarURL:   normalize(claims.UserAvatarURL),
				LastSeenAt:  s.now(),
			}
			if err := tx.Create(&identity).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&Identity{}).
				Where("provider = ? AND subject = ?", provider, subject).
				Updates(profileUpdates(identity, claims, s.now())).
				Error; err != nil {
				return err
			}
		}
		userID = identity.UserID
		return nil
	})
	if err != nil {
		return "", err
	}

	s.cache.Store(cacheKey, userID)
	return userID, nil
}

// DisplayProfile returns the most recently seen display name and avatar for a canonical
// user id. Unknown users yield empty values.
func (s *Service) DisplayProfile(ctx context.Context, userID string) (string, string, error) {
	userID = normalize(userID)
	if userID == "" {
		return "", "", ErrInvalidIdentity
	}
	var identities []Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		Limit(1).
		Find(&identities).
		Error
	if err != nil {
		return "", "", err
	}
	if len(identities) == 0 {
		return "", "", nil
	}
	return identities[0].DisplayName, identities[0].AvatarURL, nil
}

func profileUpdates(identity Identity, claims auth.SessionClaims, seenAt time.Time) map[string]interface{} {
	updates := map[string]interface{}{"last_seen_at": seenAt}
	if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
		updates["user_email"] = email
	}
	if name := normalize(claims.UserDisplayName); name != "" && name != identity.DisplayName {
		updates["user_display_name"] = name
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
		updates["user_avatar_url"] = avatar
	}
	return updates
}

// canonicalUserID keeps identities from external providers qualified so equal subjects
// issued by different providers never share a user id.
func canonicalUserID(provider, subject string) string {
	if provider == defaultProvider {
		return subject
	}
	return provider + ":" + subject
}

// providerSubject splits "provider:subject" user ids. Bare ids use the default provider;
// the email is the identifier of last resort.
func providerSubject(claims auth.SessionClaims) (string, string) {
	raw := normalize(claims.UserID)
	if provider, subject, found := strings.Cut(raw, ":"); found {
		if provider, subject = normalize(provider), normalize(subject); provider != "" && subject != "" {
			return provider, subject
		}
	}
	subject := normalize(claims.Subject)
	if subject == "" {
		subject = raw
	}
	if subject == "" {
		subject = normalize(claims.UserEmail)
	}
	return defaultProvider, subject
}
