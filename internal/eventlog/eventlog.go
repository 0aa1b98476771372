// Package eventlog implements the append-only, domain-scoped audit trail
// described in §4.6: every emitted event carries a strictly monotonic
// per-server sequence number, and committed rows fan out to live
// subscribers over a bounded broadcast channel. The persisted log is the
// durable truth; the broadcast is best-effort and never the other way
// around.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/annex-node/annex/internal/apperr"
)

// Domain is a closed set of event categories.
type Domain string

const (
	DomainIdentity   Domain = "IDENTITY"
	DomainPresence   Domain = "PRESENCE"
	DomainFederation Domain = "FEDERATION"
	DomainAgent      Domain = "AGENT"
	DomainModeration Domain = "MODERATION"
	DomainChannel    Domain = "CHANNEL"
	DomainPolicy     Domain = "POLICY"
	DomainRetention  Domain = "RETENTION"
)

// Event is one committed, sequenced audit row.
type Event struct {
	ServerID  string
	Seq       int64
	Domain    Domain
	EventType string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// LagSentinel is pushed to a subscriber's channel in place of a dropped
// run of events when it falls behind the broadcast buffer, so a slow
// consumer can detect the gap instead of silently missing events.
type LagSentinel struct {
	Dropped int
}

const broadcastCapacity = 256

// Log is the append-only event log for one server identity.
type Log struct {
	serverID string

	mu          sync.Mutex
	subscribers map[int]chan any
	nextSubID   int
}

// New constructs a Log for the given server_id. serverID scopes the
// monotonic sequence counter: each server_id has its own independent
// sequence space.
func New(serverID string) *Log {
	return &Log{
		serverID:    serverID,
		subscribers: make(map[int]chan any),
	}
}

// Emit atomically allocates the next sequence number for this server_id
// and inserts the event row via tx, then — only after the caller commits
// tx — Publish must be called to fan the row out to live subscribers.
// Splitting Emit (inside the transaction) from Publish (after commit)
// enforces the rule that a Merkle/graph mutation, and likewise a
// broadcast, must never become visible before the backing commit
// succeeds.
func (l *Log) Emit(ctx context.Context, tx *sql.Tx, domain Domain, eventType string, payload any) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "marshal event payload")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO event_log (server_id, seq, domain, event_type, payload)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		FROM event_log WHERE server_id = ?
	`, l.serverID, string(domain), eventType, string(body), l.serverID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "insert event_log row")
	}
	_ = res

	row := tx.QueryRowContext(ctx, `
		SELECT seq, created_at FROM event_log
		WHERE server_id = ? ORDER BY seq DESC LIMIT 1
	`, l.serverID)

	var seq int64
	var createdAt time.Time
	if err := row.Scan(&seq, &createdAt); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read back inserted event_log row")
	}

	return &Event{
		ServerID:  l.serverID,
		Seq:       seq,
		Domain:    domain,
		EventType: eventType,
		Payload:   body,
		CreatedAt: createdAt,
	}, nil
}

// Publish fans out an already-committed event to every live subscriber.
// Subscribers whose channel is full receive a LagSentinel instead of the
// event, so they can detect (not silently miss) the gap.
func (l *Log) Publish(ev *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subscribers {
		select {
		case ch <- ev:
		default:
			// Buffer is saturated: make room by evicting the oldest queued
			// item and replace this send with a lag sentinel, so the
			// subscriber detects the gap instead of silently missing it.
			dropped := 1
			select {
			case old := <-ch:
				if lag, ok := old.(LagSentinel); ok {
					dropped += lag.Dropped
				} else {
					dropped++
				}
			default:
			}
			select {
			case ch <- LagSentinel{Dropped: dropped}:
			default:
			}
		}
	}
}

// Subscribe registers a new live subscriber and returns its channel and an
// unsubscribe function. The channel receives *Event and LagSentinel values.
func (l *Log) Subscribe() (<-chan any, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSubID
	l.nextSubID++
	ch := make(chan any, broadcastCapacity)
	l.subscribers[id] = ch

	unsubscribe := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if c, ok := l.subscribers[id]; ok {
			delete(l.subscribers, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// SubscriberCount reports the number of live subscribers, for diagnostics.
func (l *Log) SubscriberCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subscribers)
}

// ListSince returns persisted events for this server_id with seq > afterSeq,
// in ascending order, for catch-up reads (e.g. a reconnecting subscriber
// reconciling against the lag sentinel it received). An empty domain
// matches every domain.
func ListSince(ctx context.Context, db *sql.DB, serverID string, domain Domain, afterSeq int64, limit int) ([]*Event, error) {
	var rows *sql.Rows
	var err error
	if domain == "" {
		rows, err = db.QueryContext(ctx, `
			SELECT server_id, seq, domain, event_type, payload, created_at
			FROM event_log WHERE server_id = ? AND seq > ?
			ORDER BY seq ASC LIMIT ?
		`, serverID, afterSeq, limit)
	} else {
		rows, err = db.QueryContext(ctx, `
			SELECT server_id, seq, domain, event_type, payload, created_at
			FROM event_log WHERE server_id = ? AND domain = ? AND seq > ?
			ORDER BY seq ASC LIMIT ?
		`, serverID, string(domain), afterSeq, limit)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "query event_log")
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var domain, payload string
		if err := rows.Scan(&e.ServerID, &e.Seq, &domain, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan event_log row")
		}
		e.Domain = Domain(domain)
		e.Payload = json.RawMessage(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}
