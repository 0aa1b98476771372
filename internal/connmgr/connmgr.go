// Package connmgr implements the WebSocket connection manager (§4.9):
// session registration, per-user and per-channel subscription indexes, and
// bounded-queue broadcast with slow-consumer disconnection.
package connmgr

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// outboundQueueCapacity bounds each session's pending-send buffer.
const outboundQueueCapacity = 256

// DisconnectReason is a structured explanation sent to a session before it
// is torn down, so a slow consumer is never dropped silently.
type DisconnectReason string

const (
	ReasonSlowConsumer  DisconnectReason = "slow_consumer"
	ReasonReplacedByNew DisconnectReason = "replaced_by_new_session"
	ReasonServerClosing DisconnectReason = "server_closing"
)

// Session wraps one live WebSocket connection with its bounded outbound
// queue and the pump goroutine that drains it.
type Session struct {
	ID           string
	PseudonymHex string

	conn    *websocket.Conn
	outbox  chan []byte
	closeCh chan struct{}
	once    sync.Once
}

func newSession(id, pseudonymHex string, conn *websocket.Conn) *Session {
	s := &Session{
		ID:           id,
		PseudonymHex: pseudonymHex,
		conn:         conn,
		outbox:       make(chan []byte, outboundQueueCapacity),
		closeCh:      make(chan struct{}),
	}
	go s.pump()
	return s
}

// pump serializes all writes to the underlying connection; gorilla's
// *websocket.Conn forbids concurrent writers.
func (s *Session) pump() {
	for {
		select {
		case msg := <-s.outbox:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Warn("session write failed", "session", s.ID, "error", err)
				s.closeNow()
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// enqueue attempts a non-blocking send; it reports false if the outbound
// queue is already full (the caller treats this as a slow-consumer event).
func (s *Session) enqueue(msg []byte) bool {
	select {
	case s.outbox <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) closeNow() {
	s.once.Do(func() {
		close(s.closeCh)
		_ = s.conn.Close()
	})
}

// Manager owns three maps guarded by the single mutex mu, so there is no
// per-map lock ordering that two goroutines could acquire in opposite
// order (ABBA). Code touching more than one map walks them as sessions,
// then userSubscriptions, then channelSubscriptions.
type Manager struct {
	mu                  sync.Mutex
	sessions            map[string]*Session            // session id -> session
	userSubscriptions   map[string]map[string]bool      // pseudonym -> set of session ids
	channelSubscriptions map[string]map[string]bool     // channel id -> set of session ids
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{
		sessions:             make(map[string]*Session),
		userSubscriptions:    make(map[string]map[string]bool),
		channelSubscriptions: make(map[string]map[string]bool),
	}
}

// AddSession registers a new session for pseudonymHex. If the pseudonym
// already has a live session, it is disconnected and its subscriptions
// purged first.
func (m *Manager) AddSession(id, pseudonymHex string, conn *websocket.Conn) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.userSubscriptions[pseudonymHex]; existing != nil {
		for sid := range existing {
			m.removeSessionLocked(sid, ReasonReplacedByNew)
		}
	}

	s := newSession(id, pseudonymHex, conn)
	m.sessions[id] = s
	if m.userSubscriptions[pseudonymHex] == nil {
		m.userSubscriptions[pseudonymHex] = make(map[string]bool)
	}
	m.userSubscriptions[pseudonymHex][id] = true
	return s
}

// Subscribe adds sessionID to channelID's subscriber set.
func (m *Manager) Subscribe(sessionID, channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[sessionID] == nil {
		return
	}
	if m.channelSubscriptions[channelID] == nil {
		m.channelSubscriptions[channelID] = make(map[string]bool)
	}
	m.channelSubscriptions[channelID][sessionID] = true
}

// Unsubscribe removes sessionID from channelID's subscriber set.
func (m *Manager) Unsubscribe(sessionID, channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs := m.channelSubscriptions[channelID]; subs != nil {
		delete(subs, sessionID)
	}
}

// RemoveSession tears down a session and purges every subscription that
// referenced it.
func (m *Manager) RemoveSession(sessionID string, reason DisconnectReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeSessionLocked(sessionID, reason)
}

// removeSessionLocked must be called with m.mu held. It always walks
// sessions -> userSubscriptions -> channelSubscriptions, the package's
// fixed walk order; since m.mu is held throughout, no other path can
// observe a partially-purged session.
func (m *Manager) removeSessionLocked(sessionID string, reason DisconnectReason) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)

	if subs := m.userSubscriptions[s.PseudonymHex]; subs != nil {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(m.userSubscriptions, s.PseudonymHex)
		}
	}
	for channelID, subs := range m.channelSubscriptions {
		if subs[sessionID] {
			delete(subs, sessionID)
			if len(subs) == 0 {
				delete(m.channelSubscriptions, channelID)
			}
		}
	}

	slog.Info("session removed", "session", sessionID, "reason", reason)
	s.closeNow()
}

// Broadcast sends payload to every session subscribed to channelID. A
// per-target send failure (a full outbound queue) disconnects that one
// session but never blocks delivery to the others.
func (m *Manager) Broadcast(channelID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("broadcast payload marshal failed", "channel", channelID, "error", err)
		return
	}

	m.mu.Lock()
	targets := make([]string, 0, len(m.channelSubscriptions[channelID]))
	for sid := range m.channelSubscriptions[channelID] {
		targets = append(targets, sid)
	}
	m.mu.Unlock()

	for _, sid := range targets {
		m.mu.Lock()
		s := m.sessions[sid]
		m.mu.Unlock()
		if s == nil {
			continue
		}
		if !s.enqueue(data) {
			slog.Warn("session outbound queue saturated, disconnecting slow consumer", "session", sid, "channel", channelID)
			m.RemoveSession(sid, ReasonSlowConsumer)
		}
	}
}

// SessionCount returns the number of live sessions, for diagnostics.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ChannelSubscriberCount returns how many sessions are subscribed to
// channelID, for diagnostics.
func (m *Manager) ChannelSubscriberCount(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channelSubscriptions[channelID])
}
