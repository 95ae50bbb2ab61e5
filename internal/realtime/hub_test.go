package realtime

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/murmur/internal/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubJoinAcksThenCatchesUpAndAnnounces(t *testing.T) {
	ctx := context.Background()
	fixture := newRealtimeFixture(t)
	addMember(t, fixture.members, testConversationID, "alice")
	addMember(t, fixture.members, testConversationID, "bob")
	earlier := fixture.send(t, "bob", "before you arrived")
	_, bobTransport := fixture.connectAndJoin(t, "bob", testConversationID)

	aliceTransport := &recordingTransport{}
	alice := fixture.hub.Connect("alice", aliceTransport)
	fixture.hub.Handle(ctx, alice, commandEnvelope(t, CommandJoin, "req-1", nil))

	assert.Equal(t, []string{EventAck, EventHistoryCatchup}, aliceTransport.events())
	assert.Equal(t, "req-1", aliceTransport.last(t, EventAck).RequestID)
	var catchup catchupPayload
	decodeData(t, aliceTransport.last(t, EventHistoryCatchup), &catchup)
	require.Len(t, catchup.Messages, 1)
	assert.Equal(t, earlier.EventID, catchup.Messages[0].EventID)

	var presence presencePayload
	decodeData(t, bobTransport.last(t, EventMemberJoined), &presence)
	assert.Equal(t, "alice", presence.UserID)
}

func TestHubJoinRejectsNonMember(t *testing.T) {
	fixture := newRealtimeFixture(t)
	transport := &recordingTransport{}
	session := fixture.hub.Connect("mallory", transport)

	fixture.hub.Handle(context.Background(), session, commandEnvelope(t, CommandJoin, "req-1", nil))

	var payload errorPayload
	decodeData(t, transport.last(t, EventError), &payload)
	assert.Equal(t, errorCodeNotMember, payload.Code)
	assert.Empty(t, fixture.registry.Online(testConversationID))
}

func TestHubSendBroadcastsAndAcks(t *testing.T) {
	fixture := newRealtimeFixture(t)
	addMember(t, fixture.members, testConversationID, "alice")
	addMember(t, fixture.members, testConversationID, "bob")
	alice, aliceTransport := fixture.connectAndJoin(t, "alice", testConversationID)
	_, bobTransport := fixture.connectAndJoin(t, "bob", testConversationID)

	fixture.hub.Handle(context.Background(), alice,
		commandEnvelope(t, CommandSend, "req-7", sendCommandPayload{Content: "hello bob"}))

	assert.Equal(t, []string{EventMessageCreated, EventAck}, aliceTransport.events())
	ack := aliceTransport.last(t, EventAck)
	assert.Equal(t, "req-7", ack.RequestID)
	var acked messages.MessagePayload
	decodeData(t, ack, &acked)
	assert.Equal(t, "hello bob", acked.Content)
	assert.Equal(t, "alice", acked.AuthorID)

	var pushed messages.MessagePayload
	decodeData(t, bobTransport.last(t, EventMessageCreated), &pushed)
	assert.Equal(t, acked.EventID, pushed.EventID)
}

func TestHubSendFileMessage(t *testing.T) {
	fixture := newRealtimeFixture(t)
	addMember(t, fixture.members, testConversationID, "alice")
	alice, transport := fixture.connectAndJoin(t, "alice", testConversationID)

	fixture.hub.Handle(context.Background(), alice, commandEnvelope(t, CommandSend, "req-1", sendCommandPayload{
		File: &messages.FilePayload{URL: "https://files.example.com/cat.png", MimeType: "image/png"},
	}))

	var acked messages.MessagePayload
	decodeData(t, transport.last(t, EventAck), &acked)
	assert.Equal(t, messages.KindFile, acked.Kind)
	require.NotNil(t, acked.File)
	assert.Equal(t, "image/png", acked.File.MimeType)
}

func TestHubDeleteReachesOnlyDeleter(t *testing.T) {
	fixture := newRealtimeFixture(t)
	addMember(t, fixture.members, testConversationID, "alice")
	addMember(t, fixture.members, testConversationID, "bob")
	_, aliceTransport := fixture.connectAndJoin(t, "alice", testConversationID)
	bob, bobTransport := fixture.connectAndJoin(t, "bob", testConversationID)
	message := fixture.send(t, "alice", "delete me")
	aliceTransport.reset()
	bobTransport.reset()

	fixture.hub.Handle(context.Background(), bob,
		commandEnvelope(t, CommandDelete, "req-9", eventCommandPayload{EventID: message.EventID}))

	assert.Equal(t, []string{EventMessageTombstoned, EventAck}, bobTransport.events())
	assert.Empty(t, aliceTransport.received())
}

func TestHubMapsServiceErrors(t *testing.T) {
	fixture := newRealtimeFixture(t)
	addMember(t, fixture.members, testConversationID, "alice")
	addMember(t, fixture.members, testConversationID, "bob")
	fixture.connectAndJoin(t, "alice", testConversationID)
	bob, bobTransport := fixture.connectAndJoin(t, "bob", testConversationID)
	message := fixture.send(t, "alice", "mine")

	testCases := []struct {
		name     string
		envelope Envelope
		code     string
	}{
		{
			name:     "recall by non-author",
			envelope: commandEnvelope(t, CommandRecall, "req-1", eventCommandPayload{EventID: message.EventID}),
			code:     "messages.recall.not_author",
		},
		{
			name:     "empty send",
			envelope: commandEnvelope(t, CommandSend, "req-2", sendCommandPayload{}),
			code:     "messages.send.empty_message",
		},
		{
			name:     "missing data",
			envelope: Envelope{Event: CommandRecall, ConversationID: testConversationID, RequestID: "req-3"},
			code:     errorCodeInvalidPayload,
		},
		{
			name:     "unknown command",
			envelope: Envelope{Event: "typing", ConversationID: testConversationID, RequestID: "req-4"},
			code:     errorCodeUnsupportedEvent,
		},
		{
			name:     "missing conversation",
			envelope: Envelope{Event: CommandJoin, RequestID: "req-5"},
			code:     errorCodeInvalidPayload,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			bobTransport.reset()
			fixture.hub.Handle(context.Background(), bob, testCase.envelope)

			reply := bobTransport.last(t, EventError)
			assert.Equal(t, testCase.envelope.RequestID, reply.RequestID)
			var payload errorPayload
			decodeData(t, reply, &payload)
			assert.Equal(t, testCase.code, payload.Code)
			assert.False(t, payload.Retryable)
		})
	}
}

func TestHubRejectsCommandsFromReplacedSession(t *testing.T) {
	fixture := newRealtimeFixture(t)
	addMember(t, fixture.members, testConversationID, "alice")
	staleTransport := &recordingTransport{}
	stale := fixture.hub.Connect("alice", staleTransport)
	fixture.hub.Connect("alice", &recordingTransport{})

	fixture.hub.Handle(context.Background(), stale, commandEnvelope(t, CommandJoin, "req-1", nil))

	var payload errorPayload
	decodeData(t, staleTransport.last(t, EventError), &payload)
	assert.Equal(t, errorCodeSessionReplaced, payload.Code)
}

func TestHubLeaveAndDisconnectAnnounceDeparture(t *testing.T) {
	ctx := context.Background()
	fixture := newRealtimeFixture(t)
	addMember(t, fixture.members, testConversationID, "alice")
	addMember(t, fixture.members, testConversationID, "bob")
	alice, aliceTransport := fixture.connectAndJoin(t, "alice", testConversationID)
	bob, bobTransport := fixture.connectAndJoin(t, "bob", testConversationID)

	fixture.hub.Handle(ctx, bob, commandEnvelope(t, CommandLeave, "req-1", nil))
	assert.Equal(t, []string{EventAck}, bobTransport.events())
	var presence presencePayload
	decodeData(t, aliceTransport.last(t, EventMemberLeft), &presence)
	assert.Equal(t, "bob", presence.UserID)

	fixture.hub.Handle(ctx, bob, commandEnvelope(t, CommandLeave, "req-2", nil))
	var payload errorPayload
	decodeData(t, bobTransport.last(t, EventError), &payload)
	assert.Equal(t, errorCodeNotJoined, payload.Code)

	_, err := fixture.registry.JoinRoom(ctx, bob, testConversationID)
	require.NoError(t, err)
	bobTransport.reset()
	fixture.hub.Disconnect(ctx, alice)
	decodeData(t, bobTransport.last(t, EventMemberLeft), &presence)
	assert.Equal(t, "alice", presence.UserID)
	_, ok := fixture.registry.Session("alice")
	assert.False(t, ok)
}

func TestHubRepeatJoinOnlyAcks(t *testing.T) {
	ctx := context.Background()
	fixture := newRealtimeFixture(t)
	addMember(t, fixture.members, testConversationID, "alice")
	addMember(t, fixture.members, testConversationID, "bob")
	_, bobTransport := fixture.connectAndJoin(t, "bob", testConversationID)
	aliceTransport := &recordingTransport{}
	alice := fixture.hub.Connect("alice", aliceTransport)

	fixture.hub.Handle(ctx, alice, commandEnvelope(t, CommandJoin, "req-1", nil))
	aliceTransport.reset()
	bobTransport.reset()

	fixture.hub.Handle(ctx, alice, commandEnvelope(t, CommandJoin, "req-2", nil))

	assert.Equal(t, []string{EventAck}, aliceTransport.events())
	assert.Equal(t, "req-2", aliceTransport.last(t, EventAck).RequestID)
	assert.Empty(t, bobTransport.received(), "a repeat join is not a new arrival")
}

type unavailableHistory struct {
	messages.EventLog
}

func (unavailableHistory) QueryPage(context.Context, messages.PageQuery) (messages.Page, error) {
	return messages.Page{}, errors.New("event log offline")
}

func TestHubJoinRepliesOnceWhenCatchupFails(t *testing.T) {
	ctx := context.Background()
	fixture := newRealtimeFixture(t)
	addMember(t, fixture.members, testConversationID, "alice")
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Registry:   fixture.registry,
		Membership: fixture.members,
		History:    unavailableHistory{},
	})
	require.NoError(t, err)
	hub, err := NewHub(fixture.registry, dispatcher, fixture.service, nil)
	require.NoError(t, err)
	transport := &recordingTransport{}
	alice := hub.Connect("alice", transport)

	hub.Handle(ctx, alice, commandEnvelope(t, CommandJoin, "req-1", nil))

	assert.Equal(t, []string{EventAck, EventError}, transport.events())
	assert.Equal(t, "req-1", transport.last(t, EventAck).RequestID)
	failure := transport.last(t, EventError)
	assert.Empty(t, failure.RequestID, "the catch-up failure is not a second reply to the join")
	var payload errorPayload
	decodeData(t, failure, &payload)
	assert.Equal(t, errorCodeCatchupUnavailable, payload.Code)
	assert.True(t, payload.Retryable)
	assert.Contains(t, fixture.registry.Online(testConversationID), "alice")
}
