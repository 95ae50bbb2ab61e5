package messages

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/internal/membership"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "messages.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		t.Fatalf("failed to migrate event schema: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Database: newTestDatabase(t)})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

type fakeOracle struct {
	mu      sync.Mutex
	members map[string]membership.Member
	err     error
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{members: make(map[string]membership.Member)}
}

func (o *fakeOracle) add(conversationID, userID, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.members[conversationID+"/"+userID] = membership.Member{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           membership.RoleMember,
		IsActive:       true,
		DisplayName:    name,
	}
}

func (o *fakeOracle) deactivate(conversationID, userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	member := o.members[conversationID+"/"+userID]
	member.IsActive = false
	o.members[conversationID+"/"+userID] = member
}

func (o *fakeOracle) IsActiveMember(_ context.Context, conversationID, userID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return false, o.err
	}
	member, ok := o.members[conversationID+"/"+userID]
	return ok && member.IsActive, nil
}

func (o *fakeOracle) Member(_ context.Context, conversationID, userID string) (membership.Member, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	member, ok := o.members[conversationID+"/"+userID]
	if !ok {
		return membership.Member{}, membership.ErrMemberNotFound
	}
	return member, nil
}

type fakeProfiles struct {
	name   string
	avatar string
}

func (p fakeProfiles) DisplayProfile(context.Context, string) (string, string, error) {
	return p.name, p.avatar, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) snapshot() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("evt-%04d", p.next), nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(value time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = value
}

type serviceFixture struct {
	service  *Service
	store    *Store
	oracle   *fakeOracle
	notifier *recordingNotifier
	clock    *testClock
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	fixture := &serviceFixture{
		store:    newTestStore(t),
		oracle:   newFakeOracle(),
		notifier: &recordingNotifier{},
		clock:    &testClock{now: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)},
	}
	service, err := NewService(ServiceConfig{
		EventLog:   fixture.store,
		Membership: fixture.oracle,
		Profiles:   fakeProfiles{name: "Profile Name", avatar: "https://example.com/profile.png"},
		Notifier:   fixture.notifier,
		Clock:      fixture.clock.Now,
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	fixture.service = service
	return fixture
}

func mustSend(t *testing.T, service *Service, conversationID, authorID, content string) Message {
	t.Helper()
	message, err := service.Send(context.Background(), SendRequest{
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	return message
}

func mustHistory(t *testing.T, service *Service, conversationID, viewerID string) []Message {
	t.Helper()
	history, err := service.History(context.Background(), HistoryRequest{
		ConversationID: conversationID,
		ViewerID:       viewerID,
	})
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var flattened []Message
	for _, date := range history.Dates {
		flattened = append(flattened, history.MessagesByDate[date]...)
	}
	return flattened
}

func findMessage(messages []Message, eventID string) (Message, bool) {
	for _, message := range messages {
		if message.EventID == eventID {
			return message, true
		}
	}
	return Message{}, false
}

func textMessage(eventID, conversationID, authorID string, createdAt time.Time, text string) Message {
	return Message{
		EventHeader: EventHeader{
			EventID:        eventID,
			ConversationID: conversationID,
			AuthorID:       authorID,
			CreatedAt:      createdAt,
			Kind:           KindText,
			Status:         StatusSent,
		},
		Payload: Payload{Text: text},
	}
}

func tombstoneFor(eventID string, target Message, deleterID string, createdAt time.Time) Tombstone {
	return Tombstone{
		EventHeader: EventHeader{
			EventID:        eventID,
			ConversationID: target.ConversationID,
			AuthorID:       deleterID,
			CreatedAt:      createdAt,
			Kind:           KindDeleteRecord,
			Status:         StatusDeleted,
		},
		Meta: TombstoneMeta{
			TargetEventID:    target.EventID,
			DeleterID:        deleterID,
			OriginalAuthorID: target.AuthorID,
			OriginalKind:     target.Kind,
			OriginalPayload:  target.Payload,
		},
	}
}
