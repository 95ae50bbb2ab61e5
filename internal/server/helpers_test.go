package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/internal/auth"
	"github.com/MarcoPoloResearchLab/murmur/internal/membership"
	"github.com/MarcoPoloResearchLab/murmur/internal/messages"
	"github.com/MarcoPoloResearchLab/murmur/internal/realtime"
	"github.com/MarcoPoloResearchLab/murmur/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret  = "server-test-secret"
	testCookieName     = "murmur_session"
	testConversationID = "conv-team"
)

type adjustableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *adjustableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *adjustableClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

type recordingPublisher struct {
	mu            sync.Mutex
	conversations []membership.Conversation
}

func (p *recordingPublisher) PublishConversation(_ context.Context, conversation membership.Conversation) realtime.DeliveryReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conversations = append(p.conversations, conversation)
	return realtime.DeliveryReport{}
}

type testServerOptions struct {
	limiter *RateLimiter
	logger  *zap.Logger
}

type testServer struct {
	handler   http.Handler
	issuer    *auth.TokenIssuer
	members   *membership.Store
	eventLog  *messages.Store
	service   *messages.Service
	hub       *realtime.Hub
	publisher *recordingPublisher
	clock     *adjustableClock
}

func newTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "murmur.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&messages.EventRecord{}, &users.Identity{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	members, err := membership.OpenStore(membership.StoreConfig{Path: filepath.Join(t.TempDir(), "membership.db")})
	if err != nil {
		t.Fatalf("failed to open membership store: %v", err)
	}
	t.Cleanup(func() { _ = members.Close() })

	eventLog, err := messages.NewStore(messages.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create event log: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}

	registry := realtime.NewRegistry(members)
	dispatcher, err := realtime.NewDispatcher(realtime.DispatcherConfig{
		Registry:   registry,
		Membership: members,
		History:    eventLog,
	})
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Start(ctx)
	t.Cleanup(func() {
		cancel()
		dispatcher.Stop()
	})

	clock := &adjustableClock{now: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)}
	service, err := messages.NewService(messages.ServiceConfig{
		EventLog:   eventLog,
		Membership: members,
		Profiles:   userService,
		Notifier:   dispatcher,
		Clock:      clock.Now,
		IDProvider: messages.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to create message service: %v", err)
	}
	hub, err := realtime.NewHub(registry, dispatcher, service, nil)
	if err != nil {
		t.Fatalf("failed to create hub: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        auth.DefaultSessionIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	publisher := &recordingPublisher{}
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:      validator,
		Users:         userService,
		Messages:      service,
		Conversations: members,
		Publisher:     publisher,
		Realtime:      hub,
		Limiter:       options.limiter,
		Clock:         clock.Now,
		Logger:        options.logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &testServer{
		handler:   handler,
		issuer:    issuer,
		members:   members,
		eventLog:  eventLog,
		service:   service,
		hub:       hub,
		publisher: publisher,
		clock:     clock,
	}
}

func (s *testServer) addMember(t *testing.T, userID string, role membership.Role) {
	t.Helper()
	err := s.members.PutMember(context.Background(), membership.Member{
		ConversationID: testConversationID,
		UserID:         userID,
		Role:           role,
		IsActive:       true,
	})
	if err != nil {
		t.Fatalf("failed to add member %s: %v", userID, err)
	}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(context.Background(), auth.SessionIdentity{UserID: userID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func messagesPath(suffix string) string {
	return apiPrefix + "/conversations/" + testConversationID + "/messages" + suffix
}
