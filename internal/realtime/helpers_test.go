package realtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/internal/membership"
	"github.com/MarcoPoloResearchLab/murmur/internal/messages"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testConversationID = "conv-general"

type recordingTransport struct {
	mu        sync.Mutex
	envelopes []Envelope
	failWith  error
	closed    bool
}

func (t *recordingTransport) Send(envelope Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return t.failWith
	}
	t.envelopes = append(t.envelopes, envelope)
	return nil
}

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *recordingTransport) received() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Envelope(nil), t.envelopes...)
}

func (t *recordingTransport) events() []string {
	envelopes := t.received()
	names := make([]string, 0, len(envelopes))
	for _, envelope := range envelopes {
		names = append(names, envelope.Event)
	}
	return names
}

func (t *recordingTransport) last(tb testing.TB, event string) Envelope {
	tb.Helper()
	envelopes := t.received()
	for i := len(envelopes) - 1; i >= 0; i-- {
		if envelopes[i].Event == event {
			return envelopes[i]
		}
	}
	tb.Fatalf("no %q envelope received; got %v", event, t.events())
	return Envelope{}
}

func (t *recordingTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.envelopes = nil
}

func decodeData(tb testing.TB, envelope Envelope, target interface{}) {
	tb.Helper()
	require.NoError(tb, json.Unmarshal(envelope.Data, target))
}

func newTestMembership(t *testing.T) *membership.Store {
	t.Helper()
	store, err := membership.OpenStore(membership.StoreConfig{Path: filepath.Join(t.TempDir(), "membership.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addMember(t *testing.T, store *membership.Store, conversationID, userID string) {
	t.Helper()
	require.NoError(t, store.PutMember(context.Background(), membership.Member{
		ConversationID: conversationID,
		UserID:         userID,
		IsActive:       true,
		DisplayName:    "User " + userID,
	}))
}

func newTestEventLog(t *testing.T) *messages.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "events.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&messages.EventRecord{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := messages.NewStore(messages.StoreConfig{Database: db})
	require.NoError(t, err)
	return store
}

// syncNotifier delivers inline so tests observe pushes deterministically.
type syncNotifier struct {
	dispatcher *Dispatcher
}

func (n syncNotifier) Notify(event messages.Event) {
	n.dispatcher.Deliver(context.Background(), event)
}

type realtimeFixture struct {
	members    *membership.Store
	eventLog   *messages.Store
	registry   *Registry
	dispatcher *Dispatcher
	service    *messages.Service
	hub        *Hub
	clock      *fixtureClock
}

type fixtureClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixtureClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newRealtimeFixture(t *testing.T) *realtimeFixture {
	t.Helper()
	members := newTestMembership(t)
	eventLog := newTestEventLog(t)
	registry := NewRegistry(members)
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Registry:    registry,
		Membership:  members,
		History:     eventLog,
		CatchupSize: 10,
	})
	require.NoError(t, err)

	clock := &fixtureClock{now: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)}
	service, err := messages.NewService(messages.ServiceConfig{
		EventLog:   eventLog,
		Membership: members,
		Notifier:   syncNotifier{dispatcher: dispatcher},
		Clock:      clock.Now,
		IDProvider: messages.NewUUIDProvider(),
	})
	require.NoError(t, err)

	hub, err := NewHub(registry, dispatcher, service, nil)
	require.NoError(t, err)

	return &realtimeFixture{
		members:    members,
		eventLog:   eventLog,
		registry:   registry,
		dispatcher: dispatcher,
		service:    service,
		hub:        hub,
		clock:      clock,
	}
}

// connectAndJoin registers a session for userID and joins it to conversationID directly.
func (f *realtimeFixture) connectAndJoin(t *testing.T, userID, conversationID string) (*Session, *recordingTransport) {
	t.Helper()
	transport := &recordingTransport{}
	session := f.hub.Connect(userID, transport)
	_, err := f.registry.JoinRoom(context.Background(), session, conversationID)
	require.NoError(t, err)
	return session, transport
}

func (f *realtimeFixture) send(t *testing.T, authorID, content string) messages.Message {
	t.Helper()
	message, err := f.service.Send(context.Background(), messages.SendRequest{
		ConversationID: testConversationID,
		AuthorID:       authorID,
		Content:        content,
	})
	require.NoError(t, err)
	return message
}

func commandEnvelope(t *testing.T, command, requestID string, data interface{}) Envelope {
	t.Helper()
	envelope, err := NewEnvelope(command, testConversationID, data)
	require.NoError(t, err)
	envelope.RequestID = requestID
	return envelope
}
