package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/murmur/internal/membership"
	"github.com/MarcoPoloResearchLab/murmur/internal/metrics"
	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("realtime: no session for user")
	ErrNotMember       = errors.New("realtime: user is not an active member")
	ErrSessionReplaced = errors.New("realtime: session has been replaced")
)

// MembershipOracle answers membership questions for routing.
type MembershipOracle interface {
	IsActiveMember(ctx context.Context, conversationID, userID string) (bool, error)
	ActiveMembers(ctx context.Context, conversationID string) ([]membership.Member, error)
}

// Session is one user's live connection.
type Session struct {
	ID        string
	UserID    string
	transport Transport
	rooms     map[string]struct{}
}

// Send pushes an envelope through the session's transport.
func (s *Session) Send(envelope Envelope) error {
	return s.transport.Send(envelope)
}

// Registry maps each user to at most one live session and tracks which conversations
// each session has joined. One RWMutex guards both maps.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session
	oracle   MembershipOracle
}

// NewRegistry constructs an empty registry.
func NewRegistry(oracle MembershipOracle) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		oracle:   oracle,
	}
}

// Register installs a new session for userID, replacing any previous one. The previous
// transport is left open; only its registry entry and room subscriptions are dropped.
func (r *Registry) Register(userID string, transport Transport) *Session {
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		transport: transport,
		rooms:     make(map[string]struct{}),
	}
	r.mu.Lock()
	if previous, ok := r.sessions[userID]; ok {
		r.dropRoomsLocked(previous)
	}
	r.sessions[userID] = session
	count := len(r.sessions)
	r.mu.Unlock()
	metrics.SessionsActive.Set(float64(count))
	return session
}

// Unregister removes the user's session. It is a no-op when none exists.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	if session, ok := r.sessions[userID]; ok {
		r.dropRoomsLocked(session)
		delete(r.sessions, userID)
	}
	count := len(r.sessions)
	r.mu.Unlock()
	metrics.SessionsActive.Set(float64(count))
}

// Release removes session only if it is still the user's current session and returns
// the rooms it had joined.
func (r *Registry) Release(session *Session) ([]string, bool) {
	if session == nil {
		return nil, false
	}
	r.mu.Lock()
	current, ok := r.sessions[session.UserID]
	if !ok || current != session {
		r.mu.Unlock()
		return nil, false
	}
	rooms := sortedRooms(session)
	r.dropRoomsLocked(session)
	delete(r.sessions, session.UserID)
	count := len(r.sessions)
	r.mu.Unlock()
	metrics.SessionsActive.Set(float64(count))
	return rooms, true
}

// IsCurrent reports whether session is still registered for its user.
func (r *Registry) IsCurrent(session *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.sessions[session.UserID]
	return ok && current == session
}

// Session returns the user's current session.
func (r *Registry) Session(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[userID]
	return session, ok
}

// JoinRoom subscribes session to a conversation after checking active membership. The
// oracle is consulted without holding the lock, so the session must still be current
// once the lock is taken. It reports false when the session had already joined.
func (r *Registry) JoinRoom(ctx context.Context, session *Session, conversationID string) (bool, error) {
	if session == nil {
		return false, ErrSessionNotFound
	}
	r.mu.RLock()
	err := r.checkCurrentLocked(session)
	r.mu.RUnlock()
	if err != nil {
		return false, err
	}
	active, err := r.oracle.IsActiveMember(ctx, conversationID, session.UserID)
	if err != nil {
		return false, err
	}
	if !active {
		return false, ErrNotMember
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkCurrentLocked(session); err != nil {
		return false, err
	}
	if _, joined := session.rooms[conversationID]; joined {
		return false, nil
	}
	members, ok := r.rooms[conversationID]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[conversationID] = members
	}
	members[session.UserID] = session
	session.rooms[conversationID] = struct{}{}
	return true, nil
}

func (r *Registry) checkCurrentLocked(session *Session) error {
	current, ok := r.sessions[session.UserID]
	if !ok {
		return ErrSessionNotFound
	}
	if current != session {
		return ErrSessionReplaced
	}
	return nil
}

// LeaveRoom removes the user's subscription. It reports whether one existed.
func (r *Registry) LeaveRoom(userID, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[userID]
	if !ok {
		return false
	}
	if _, joined := session.rooms[conversationID]; !joined {
		return false
	}
	delete(session.rooms, conversationID)
	r.removeFromRoomLocked(conversationID, userID)
	return true
}

// Online returns a snapshot of the sessions joined to a conversation keyed by user id.
func (r *Registry) Online(conversationID string) map[string]*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[conversationID]
	snapshot := make(map[string]*Session, len(members))
	for userID, session := range members {
		snapshot[userID] = session
	}
	return snapshot
}

// Rooms lists the conversations the user's session has joined.
func (r *Registry) Rooms(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	return sortedRooms(session)
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) dropRoomsLocked(session *Session) {
	for conversationID := range session.rooms {
		r.removeFromRoomLocked(conversationID, session.UserID)
	}
	session.rooms = make(map[string]struct{})
}

func (r *Registry) removeFromRoomLocked(conversationID, userID string) {
	members := r.rooms[conversationID]
	if members == nil {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, conversationID)
	}
}

func sortedRooms(session *Session) []string {
	rooms := make([]string, 0, len(session.rooms))
	for conversationID := range session.rooms {
		rooms = append(rooms, conversationID)
	}
	sort.Strings(rooms)
	return rooms
}
