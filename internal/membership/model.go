package membership

import (
	"strings"
	"time"
)

// Role is the authority a member holds inside a conversation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// ParseRole maps free-form input onto a known role.
func ParseRole(value string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleOwner:
		return RoleOwner, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleMember, "":
		return RoleMember, true
	default:
		return "", false
	}
}

// CanManage reports whether the role may change conversation metadata.
func (r Role) CanManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Member is a user's relationship to a conversation.
type Member struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	IsActive       bool      `json:"is_active"`
	DisplayName    string    `json:"display_name,omitempty"`
	DisplayAvatar  string    `json:"display_avatar,omitempty"`
	JoinedAt       time.Time `json:"joined_at"`
	LastReadAt     time.Time `json:"last_read_at,omitempty"`
}

// ConversationKind distinguishes one-to-one from group conversations.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation holds the metadata editable through ConversationUpdate commands.
type Conversation struct {
	ID          string           `json:"conversation_id"`
	Kind        ConversationKind `json:"kind"`
	Name        string           `json:"name,omitempty"`
	Avatar      string           `json:"avatar,omitempty"`
	Description string           `json:"description,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
