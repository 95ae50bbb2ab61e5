package realtime

import (
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/murmur/internal/messages"
)

// Events pushed to sessions.
const (
	EventMessageCreated      = "message.created"
	EventMessageRecalled     = "message.recalled"
	EventMessageTombstoned   = "message.tombstoned"
	EventMemberJoined        = "member.joined"
	EventMemberLeft          = "member.left"
	EventHistoryCatchup      = "history.catchup"
	EventConversationUpdated = "conversation.updated"
	EventAck                 = "ack"
	EventError               = "error"
)

// Commands accepted from sessions.
const (
	CommandJoin   = "join"
	CommandLeave  = "leave"
	CommandSend   = "send"
	CommandRecall = "recall"
	CommandDelete = "delete"
)

var (
	ErrTransportClosed = errors.New("realtime: transport closed")
	ErrSendBufferFull  = errors.New("realtime: send buffer full")
)

// Envelope is the frame exchanged over a realtime transport in both directions.
type Envelope struct {
	Event          string          `json:"event"`
	ConversationID string          `json:"conversation_id,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope.
func NewEnvelope(event, conversationID string, data interface{}) (Envelope, error) {
	envelope := Envelope{Event: event, ConversationID: conversationID}
	if data == nil {
		return envelope, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	envelope.Data = raw
	return envelope, nil
}

// Transport delivers envelopes to one connected client. Send must not block.
type Transport interface {
	Send(envelope Envelope) error
	Close() error
}

type presencePayload struct {
	UserID string `json:"user_id"`
}

type catchupPayload struct {
	Messages []messages.MessagePayload `json:"messages"`
}

type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type sendCommandPayload struct {
	Content string                `json:"content"`
	File    *messages.FilePayload `json:"file"`
}

type eventCommandPayload struct {
	EventID string `json:"event_id"`
}

// envelopeForEvent maps a log event onto the push it produces.
func envelopeForEvent(event messages.Event) (Envelope, error) {
	switch typed := event.(type) {
	case messages.Tombstone:
		return NewEnvelope(EventMessageTombstoned, typed.ConversationID, typed.Wire())
	case messages.Message:
		name := EventMessageCreated
		if typed.Status == messages.StatusRecalled {
			name = EventMessageRecalled
		}
		return NewEnvelope(name, typed.ConversationID, typed.Wire())
	default:
		return Envelope{}, errors.New("realtime: unsupported event type")
	}
}
