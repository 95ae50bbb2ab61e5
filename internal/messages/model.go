package messages

import "time"

// Kind discriminates the physical event shapes stored in the log.
type Kind string

const (
	KindText         Kind = "text"
	KindFile         Kind = "file"
	KindDeleteRecord Kind = "delete_record"
)

// IsMessage reports whether the kind is a user-visible message.
func (k Kind) IsMessage() bool {
	return k == KindText || k == KindFile
}

// Status is the lifecycle state of an event.
type Status string

const (
	StatusSent     Status = "sent"
	StatusRecalled Status = "recalled"
	StatusDeleted  Status = "deleted"
)

// RecalledPlaceholder replaces the payload of a recalled message.
const RecalledPlaceholder = "This message was recalled"

// FileRef points at an uploaded attachment.
type FileRef struct {
	URL      string
	MimeType string
}

// Payload is either text content or a file reference.
type Payload struct {
	Text string
	File *FileRef
}

// EventHeader holds the fields common to every event in a conversation log.
type EventHeader struct {
	EventID        string
	ConversationID string
	AuthorID       string
	CreatedAt      time.Time
	Kind           Kind
	Status         Status
}

// Header returns the common event fields.
func (h EventHeader) Header() EventHeader {
	return h
}

// Event is either a Message or a Tombstone.
type Event interface {
	Header() EventHeader
	isEvent()
}

// Message is a text or file message.
type Message struct {
	EventHeader
	Payload    Payload
	RecalledAt *time.Time
}

func (Message) isEvent() {}

// TombstoneMeta records which message a member hid and a snapshot of it.
type TombstoneMeta struct {
	TargetEventID         string
	DeleterID             string
	DeleterSnapshotName   string
	DeleterSnapshotAvatar string
	OriginalAuthorID      string
	OriginalKind          Kind
	OriginalPayload       Payload
}

// Tombstone is a delete_record event. Its AuthorID is the deleter.
type Tombstone struct {
	EventHeader
	Meta TombstoneMeta
}

func (Tombstone) isEvent() {}

// less orders events by (createdAt, eventID).
func less(left, right EventHeader) bool {
	if !left.CreatedAt.Equal(right.CreatedAt) {
		return left.CreatedAt.Before(right.CreatedAt)
	}
	return left.EventID < right.EventID
}
