package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

// Conn is the part of *websocket.Conn a session writes to.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Envelope is the frame written to every socket.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// WSSession represents one connected client.
type WSSession struct {
	UserID string
	Role   string
	conn   Conn
	mu     sync.Mutex
}

func (s *WSSession) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(Envelope{Event: event, Data: payload})
}

type pinger interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// Ping writes a ping control frame when the connection supports it.
func (s *WSSession) Ping(deadline time.Time) error {
	p, ok := s.conn.(pinger)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.WriteControl(websocket.PingMessage, nil, deadline)
}

// WSRegistry holds one session per user and the room memberships of users.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	rooms    map[string]map[string]struct{}
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{
		sessions: make(map[string]*WSSession),
		rooms:    make(map[string]map[string]struct{}),
		logger:   logger,
	}
}

// Add registers conn for userID, closing any session it replaces.
func (r *WSRegistry) Add(userID, role string, conn Conn) *WSSession {
	s := &WSSession{UserID: userID, Role: role, conn: conn}
	r.mu.Lock()
	prev := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
	return s
}

// Remove drops s if it is still the user's current session.
func (r *WSRegistry) Remove(s *WSSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.UserID]; !ok || cur != s {
		return false
	}
	delete(r.sessions, s.UserID)
	return true
}

func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

func (r *WSRegistry) Emit(userID, event string, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(event, payload); err != nil {
		r.logger.Warn("ws_send_failed", slog.String("user_id", userID), slog.String("event", event), slog.Any("error", err))
		return err
	}
	return nil
}

func (r *WSRegistry) Join(userID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[userID] = struct{}{}
}

func (r *WSRegistry) Leave(userID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.rooms[room]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

func (r *WSRegistry) InRoom(userID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][userID]
	return ok
}

// LeaveAll removes userID from every room.
func (r *WSRegistry) LeaveAll(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room, members := range r.rooms {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

// Broadcast sends to every connected member of room.
func (r *WSRegistry) Broadcast(room, event string, payload any) {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		if s, ok := r.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()
	for _, s := range targets {
		if err := s.Send(event, payload); err != nil {
			r.logger.Warn("ws_broadcast_failed", slog.String("room", room), slog.String("user_id", s.UserID), slog.Any("error", err))
		}
	}
}

// Count returns the number of sessions with role.
func (r *WSRegistry) Count(role string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.Role == role {
			n++
		}
	}
	return n
}
