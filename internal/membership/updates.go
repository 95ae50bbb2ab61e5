package membership

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	maxConversationNameLength        = 120
	maxConversationDescriptionLength = 1000
	maxConversationAvatarLength      = 1024
)

// ErrInvalidUpdate is returned when an update command carries an unusable value.
var ErrInvalidUpdate = errors.New("membership: invalid conversation update")

// ConversationUpdate is one sanctioned metadata change. Only the types in this package
// implement it.
type ConversationUpdate interface {
	Field() string
	apply(*Conversation) error
}

// SetName renames a conversation.
type SetName struct {
	Name string
}

func (SetName) Field() string { return "name" }

func (u SetName) apply(conversation *Conversation) error {
	name := strings.TrimSpace(u.Name)
	if name == "" || utf8.RuneCountInString(name) > maxConversationNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidUpdate, maxConversationNameLength)
	}
	conversation.Name = name
	return nil
}

// SetAvatar replaces the conversation avatar URL. An empty URL clears it.
type SetAvatar struct {
	URL string
}

func (SetAvatar) Field() string { return "avatar" }

func (u SetAvatar) apply(conversation *Conversation) error {
	avatar := strings.TrimSpace(u.URL)
	if avatar == "" {
		conversation.Avatar = ""
		return nil
	}
	if len(avatar) > maxConversationAvatarLength {
		return fmt.Errorf("%w: avatar url too long", ErrInvalidUpdate)
	}
	parsed, err := url.Parse(avatar)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: avatar must be an http(s) url", ErrInvalidUpdate)
	}
	conversation.Avatar = avatar
	return nil
}

// SetDescription replaces the conversation description.
type SetDescription struct {
	Text string
}

func (SetDescription) Field() string { return "description" }

func (u SetDescription) apply(conversation *Conversation) error {
	text := strings.TrimSpace(u.Text)
	if utf8.RuneCountInString(text) > maxConversationDescriptionLength {
		return fmt.Errorf("%w: description too long", ErrInvalidUpdate)
	}
	conversation.Description = text
	return nil
}

// ParseUpdate decodes a wire-level update type into its command.
func ParseUpdate(updateType, value string) (ConversationUpdate, error) {
	switch strings.ToLower(strings.TrimSpace(updateType)) {
	case "set_name":
		return SetName{Name: value}, nil
	case "set_avatar":
		return SetAvatar{URL: value}, nil
	case "set_description":
		return SetDescription{Text: value}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported update type %q", ErrInvalidUpdate, updateType)
	}
}
