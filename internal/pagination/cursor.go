package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

const (
	// DefaultPageSize is used when a caller does not request a page size.
	DefaultPageSize = 50
	// MaxPageSize bounds any requested page size.
	MaxPageSize = 200
)

// ErrMalformedCursor is returned by Decode for tokens that cannot be parsed.
var ErrMalformedCursor = errors.New("pagination: malformed cursor")

// Direction selects the scan order over a conversation log.
type Direction string

const (
	// Backward scans newest first.
	Backward Direction = "backward"
	// Forward scans oldest first.
	Forward Direction = "forward"
)

// ParseDirection maps a query value onto a Direction, defaulting to Backward.
func ParseDirection(value string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(Backward), "before", "desc":
		return Backward, true
	case string(Forward), "after", "asc":
		return Forward, true
	default:
		return Backward, false
	}
}

// Position is the last evaluated key of a page: the conversation partition plus the
// (created_at, event_id) sort key.
type Position struct {
	ConversationID  string `json:"conversation_id"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	EventID         string `json:"event_id"`
}

// IsZero reports whether the position is empty.
func (p Position) IsZero() bool {
	return p.ConversationID == "" && p.CreatedAtMillis == 0 && p.EventID == ""
}

// Encode serializes a position into an opaque URL-safe token.
func Encode(position Position) string {
	if position.IsZero() {
		return ""
	}
	data, err := json.Marshal(position)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode parses a token produced by Encode. An empty token yields a zero Position and
// no error.
func Decode(token string) (Position, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Position{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return Position{}, ErrMalformedCursor
	}
	var position Position
	if err := json.Unmarshal(data, &position); err != nil {
		return Position{}, ErrMalformedCursor
	}
	if strings.TrimSpace(position.ConversationID) == "" || strings.TrimSpace(position.EventID) == "" || position.CreatedAtMillis <= 0 {
		return Position{}, ErrMalformedCursor
	}
	return position, nil
}

// ClampPageSize applies the default and upper bound to a requested page size.
func ClampPageSize(requested, fallback, max int) int {
	if fallback <= 0 {
		fallback = DefaultPageSize
	}
	if max <= 0 {
		max = MaxPageSize
	}
	if requested <= 0 {
		requested = fallback
	}
	if requested > max {
		return max
	}
	return requested
}
