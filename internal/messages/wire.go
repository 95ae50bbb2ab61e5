package messages

import "time"

const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FilePayload is the JSON form of a FileRef.
type FilePayload struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// MessagePayload is the JSON form of a Message.
type MessagePayload struct {
	EventID        string       `json:"event_id"`
	ConversationID string       `json:"conversation_id"`
	AuthorID       string       `json:"author_id"`
	CreatedAt      string       `json:"created_at"`
	Kind           Kind         `json:"kind"`
	Status         Status       `json:"status"`
	Content        string       `json:"content,omitempty"`
	File           *FilePayload `json:"file,omitempty"`
	RecalledAt     string       `json:"recalled_at,omitempty"`
}

// TombstonePayload is the JSON form of a Tombstone.
type TombstonePayload struct {
	EventID               string       `json:"event_id"`
	ConversationID        string       `json:"conversation_id"`
	CreatedAt             string       `json:"created_at"`
	Kind                  Kind         `json:"kind"`
	Status                Status       `json:"status"`
	TargetEventID         string       `json:"target_event_id"`
	DeleterID             string       `json:"deleter_id"`
	DeleterSnapshotName   string       `json:"deleter_snapshot_name,omitempty"`
	DeleterSnapshotAvatar string       `json:"deleter_snapshot_avatar,omitempty"`
	OriginalAuthorID      string       `json:"original_author_id"`
	OriginalKind          Kind         `json:"original_kind"`
	OriginalContent       string       `json:"original_content,omitempty"`
	OriginalFile          *FilePayload `json:"original_file,omitempty"`
}

// FormatTime renders an event timestamp as ISO-8601 with millisecond precision.
func FormatTime(value time.Time) string {
	return value.UTC().Format(wireTimeLayout)
}

func filePayload(file *FileRef) *FilePayload {
	if file == nil {
		return nil
	}
	return &FilePayload{URL: file.URL, MimeType: file.MimeType}
}

// Wire converts the message into its JSON form.
func (m Message) Wire() MessagePayload {
	payload := MessagePayload{
		EventID:        m.EventID,
		ConversationID: m.ConversationID,
		AuthorID:       m.AuthorID,
		CreatedAt:      FormatTime(m.CreatedAt),
		Kind:           m.Kind,
		Status:         m.Status,
		Content:        m.Payload.Text,
		File:           filePayload(m.Payload.File),
	}
	if m.RecalledAt != nil {
		payload.RecalledAt = FormatTime(*m.RecalledAt)
	}
	return payload
}

// Wire converts the tombstone into its JSON form.
func (t Tombstone) Wire() TombstonePayload {
	return TombstonePayload{
		EventID:               t.EventID,
		ConversationID:        t.ConversationID,
		CreatedAt:             FormatTime(t.CreatedAt),
		Kind:                  t.Kind,
		Status:                t.Status,
		TargetEventID:         t.Meta.TargetEventID,
		DeleterID:             t.Meta.DeleterID,
		DeleterSnapshotName:   t.Meta.DeleterSnapshotName,
		DeleterSnapshotAvatar: t.Meta.DeleterSnapshotAvatar,
		OriginalAuthorID:      t.Meta.OriginalAuthorID,
		OriginalKind:          t.Meta.OriginalKind,
		OriginalContent:       t.Meta.OriginalPayload.Text,
		OriginalFile:          filePayload(t.Meta.OriginalPayload.File),
	}
}

// WireMessages converts a slice of messages.
func WireMessages(messages []Message) []MessagePayload {
	payloads := make([]MessagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, message.Wire())
	}
	return payloads
}
