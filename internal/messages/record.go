package messages

import "time"

// EventRecord is the physical row shared by messages and tombstones.
type EventRecord struct {
	EventID               string `gorm:"column:event_id;primaryKey;size:64;index:idx_message_events_order,priority:3"`
	ConversationID        string `gorm:"column:conversation_id;size:190;not null;index:idx_message_events_order,priority:1;index:idx_message_events_author_kind,priority:1"`
	AuthorID              string `gorm:"column:author_id;size:190;not null;index:idx_message_events_author_kind,priority:2"`
	Kind                  string `gorm:"column:kind;size:32;not null;index:idx_message_events_author_kind,priority:3"`
	CreatedAtMillis       int64  `gorm:"column:created_at_ms;not null;index:idx_message_events_order,priority:2"`
	Status                string `gorm:"column:status;size:16;not null"`
	Content               string `gorm:"column:content;type:text"`
	FileURL               string `gorm:"column:file_url;size:1024"`
	FileMimeType          string `gorm:"column:file_mime_type;size:190"`
	RecalledAtMillis      int64  `gorm:"column:recalled_at_ms;not null;default:0"`
	TargetEventID         string `gorm:"column:target_event_id;size:64;index"`
	DeleterSnapshotName   string `gorm:"column:deleter_snapshot_name;size:320"`
	DeleterSnapshotAvatar string `gorm:"column:deleter_snapshot_avatar;size:512"`
	OriginalAuthorID      string `gorm:"column:original_author_id;size:190"`
	OriginalKind          string `gorm:"column:original_kind;size:32"`
	OriginalContent       string `gorm:"column:original_content;type:text"`
	OriginalFileURL       string `gorm:"column:original_file_url;size:1024"`
	OriginalFileMimeType  string `gorm:"column:original_file_mime_type;size:190"`
}

// TableName exposes the table backing the conversation event log.
func (EventRecord) TableName() string {
	return "message_events"
}

func millisToTime(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func recordFromEvent(event Event) EventRecord {
	header := event.Header()
	record := EventRecord{
		EventID:         header.EventID,
		ConversationID:  header.ConversationID,
		AuthorID:        header.AuthorID,
		Kind:            string(header.Kind),
		CreatedAtMillis: header.CreatedAt.UnixMilli(),
		Status:          string(header.Status),
	}
	switch typed := event.(type) {
	case Message:
		record.Content, record.FileURL, record.FileMimeType = flattenPayload(typed.Payload)
		if typed.RecalledAt != nil {
			record.RecalledAtMillis = typed.RecalledAt.UnixMilli()
		}
	case *Message:
		return recordFromEvent(*typed)
	case Tombstone:
		record.TargetEventID = typed.Meta.TargetEventID
		record.DeleterSnapshotName = typed.Meta.DeleterSnapshotName
		record.DeleterSnapshotAvatar = typed.Meta.DeleterSnapshotAvatar
		record.OriginalAuthorID = typed.Meta.OriginalAuthorID
		record.OriginalKind = string(typed.Meta.OriginalKind)
		record.OriginalContent, record.OriginalFileURL, record.OriginalFileMimeType = flattenPayload(typed.Meta.OriginalPayload)
	case *Tombstone:
		return recordFromEvent(*typed)
	}
	return record
}

func (r EventRecord) header() EventHeader {
	return EventHeader{
		EventID:        r.EventID,
		ConversationID: r.ConversationID,
		AuthorID:       r.AuthorID,
		CreatedAt:      millisToTime(r.CreatedAtMillis),
		Kind:           Kind(r.Kind),
		Status:         Status(r.Status),
	}
}

func (r EventRecord) toEvent() Event {
	if Kind(r.Kind) == KindDeleteRecord {
		return Tombstone{
			EventHeader: r.header(),
			Meta: TombstoneMeta{
				TargetEventID:         r.TargetEventID,
				DeleterID:             r.AuthorID,
				DeleterSnapshotName:   r.DeleterSnapshotName,
				DeleterSnapshotAvatar: r.DeleterSnapshotAvatar,
				OriginalAuthorID:      r.OriginalAuthorID,
				OriginalKind:          Kind(r.OriginalKind),
				OriginalPayload:       expandPayload(r.OriginalContent, r.OriginalFileURL, r.OriginalFileMimeType),
			},
		}
	}
	message := Message{
		EventHeader: r.header(),
		Payload:     expandPayload(r.Content, r.FileURL, r.FileMimeType),
	}
	if r.RecalledAtMillis > 0 {
		recalledAt := millisToTime(r.RecalledAtMillis)
		message.RecalledAt = &recalledAt
	}
	return message
}

func flattenPayload(payload Payload) (string, string, string) {
	if payload.File == nil {
		return payload.Text, "", ""
	}
	return payload.Text, payload.File.URL, payload.File.MimeType
}

func expandPayload(content, fileURL, mimeType string) Payload {
	payload := Payload{Text: content}
	if fileURL != "" {
		payload.File = &FileRef{URL: fileURL, MimeType: mimeType}
	}
	return payload
}
