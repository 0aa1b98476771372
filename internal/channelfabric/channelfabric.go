// Package channelfabric implements channel and message operations (§4.8):
// channel lifecycle, capability-gated membership, append-only messages
// with computed retention, and the background retention sweep.
package channelfabric

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/annex-node/annex/internal/apperr"
	"github.com/annex-node/annex/internal/eventlog"
	"github.com/annex-node/annex/internal/graph"
	"github.com/annex-node/annex/internal/vrp"
)

// ChannelType is the closed set of channel kinds.
type ChannelType string

const (
	ChannelText      ChannelType = "Text"
	ChannelVoice     ChannelType = "Voice"
	ChannelHybrid    ChannelType = "Hybrid"
	ChannelAgent     ChannelType = "Agent"
	ChannelBroadcast ChannelType = "Broadcast"
)

// FederationScope controls whether a channel's content may cross a
// federation boundary at all.
type FederationScope string

const (
	ScopeLocal     FederationScope = "local"
	ScopeFederated FederationScope = "federated"
)

const maxMessageContentBytes = 8192

// Channel is a materialized channel row.
type Channel struct {
	ChannelID            string
	Name                 string
	ChannelType          ChannelType
	Topic                string
	RequiredCapabilities []string
	AgentMinAlignment    vrp.Tier
	RetentionSeconds     *int64
	FederationScope      FederationScope
	CreatedAt            time.Time
}

// Message is a materialized, append-only message row.
type Message struct {
	MessageID          string
	ChannelID           string
	SenderPseudonymHex  string
	Content             string
	ReplyTo             *string
	CreatedAt           time.Time
	ExpiresAt           *time.Time
}

// Fabric composes storage, event log, and graph dependencies for channel
// and message operations.
type Fabric struct {
	db                     *sql.DB
	events                 *eventlog.Log
	defaultRetentionSeconds int64
}

// New constructs a Fabric. defaultRetentionSeconds is used for channels
// that declare no retention_seconds of their own; zero means no default
// expiry.
func New(db *sql.DB, events *eventlog.Log, defaultRetentionSeconds int64) *Fabric {
	return &Fabric{db: db, events: events, defaultRetentionSeconds: defaultRetentionSeconds}
}

// CreateChannel inserts a channel row and emits CHANNEL_CREATED.
func (f *Fabric) CreateChannel(ctx context.Context, tx *sql.Tx, ch Channel) (*Channel, error) {
	if ch.ChannelID == "" {
		ch.ChannelID = uuid.NewString()
	}
	caps, err := json.Marshal(ch.RequiredCapabilities)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encode required capabilities")
	}
	if ch.AgentMinAlignment == "" {
		ch.AgentMinAlignment = vrp.TierConflict
	}
	if ch.FederationScope == "" {
		ch.FederationScope = ScopeLocal
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (channel_id, name, channel_type, topic, required_capabilities, agent_min_alignment, retention_seconds, federation_scope)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ch.ChannelID, ch.Name, string(ch.ChannelType), ch.Topic, string(caps), string(ch.AgentMinAlignment), ch.RetentionSeconds, string(ch.FederationScope))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "insert channel")
	}

	payload, _ := json.Marshal(map[string]string{"channelId": ch.ChannelID, "name": ch.Name})
	if _, err := f.events.Emit(ctx, tx, eventlog.DomainChannel, "CHANNEL_CREATED", json.RawMessage(payload)); err != nil {
		return nil, err
	}
	return &ch, nil
}

// DeleteChannel removes dependent messages and memberships then the
// channel row, inside one transaction, and emits CHANNEL_DELETED.
func (f *Fabric) DeleteChannel(ctx context.Context, tx *sql.Tx, channelID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM message_edits WHERE message_id IN (SELECT message_id FROM messages WHERE channel_id = ?)`, channelID); err != nil {
		return apperr.Wrap(apperr.Internal, err, "delete message edit history")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE channel_id = ?`, channelID); err != nil {
		return apperr.Wrap(apperr.Internal, err, "delete messages")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_members WHERE channel_id = ?`, channelID); err != nil {
		return apperr.Wrap(apperr.Internal, err, "delete channel memberships")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE channel_id = ?`, channelID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "delete channel")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "channel %q does not exist", channelID)
	}

	payload, _ := json.Marshal(map[string]string{"channelId": channelID})
	_, err = f.events.Emit(ctx, tx, eventlog.DomainChannel, "CHANNEL_DELETED", json.RawMessage(payload))
	return err
}

// ChannelUpdate carries the fields an update request wants to change.
// A nil field leaves the corresponding column untouched; this lets
// UpdateChannel issue one COALESCE-based UPDATE regardless of which
// subset of fields the caller supplied, rather than reading the row
// first to fill in the unchanged ones.
type ChannelUpdate struct {
	Name                 *string
	Topic                *string
	RequiredCapabilities *[]string
	AgentMinAlignment    *vrp.Tier
	RetentionSeconds     *int64
	FederationScope      *FederationScope
}

// UpdateChannel applies a partial update in a single compound statement
// (§4.8: "no read-modify-write") and emits CHANNEL_UPDATED. RetentionSeconds
// cannot be distinguished between "leave unchanged" and "clear to null"
// through a *int64 alone, so clearing retention is done by passing a
// RetentionSeconds pointing at 0, which UpdateChannel maps to NULL.
func (f *Fabric) UpdateChannel(ctx context.Context, tx *sql.Tx, channelID string, upd ChannelUpdate) (*Channel, error) {
	var capsJSON []byte
	if upd.RequiredCapabilities != nil {
		var err error
		capsJSON, err = json.Marshal(*upd.RequiredCapabilities)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "encode required capabilities")
		}
	}
	var minAlign *string
	if upd.AgentMinAlignment != nil {
		s := string(*upd.AgentMinAlignment)
		minAlign = &s
	}
	var fedScope *string
	if upd.FederationScope != nil {
		s := string(*upd.FederationScope)
		fedScope = &s
	}
	var retention sql.NullInt64
	if upd.RetentionSeconds != nil {
		if *upd.RetentionSeconds > 0 {
			retention = sql.NullInt64{Int64: *upd.RetentionSeconds, Valid: true}
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE channels SET
			name                  = COALESCE(?, name),
			topic                 = COALESCE(?, topic),
			required_capabilities = COALESCE(?, required_capabilities),
			agent_min_alignment   = COALESCE(?, agent_min_alignment),
			retention_seconds     = CASE WHEN ? THEN ? ELSE retention_seconds END,
			federation_scope      = COALESCE(?, federation_scope)
		WHERE channel_id = ?
	`,
		nullableString(upd.Name), nullableString(upd.Topic), nullableBytes(capsJSON), minAlign,
		upd.RetentionSeconds != nil, retention,
		fedScope, channelID,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "update channel")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.New(apperr.NotFound, "channel %q does not exist", channelID)
	}

	updated, err := f.getChannelTx(ctx, tx, channelID)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"channelId": channelID})
	if _, err := f.events.Emit(ctx, tx, eventlog.DomainChannel, "CHANNEL_UPDATED", json.RawMessage(payload)); err != nil {
		return nil, err
	}
	return updated, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// getChannelTx is GetChannel's transaction-scoped twin, used by
// UpdateChannel to return the post-update row within the same tx.
func (f *Fabric) getChannelTx(ctx context.Context, tx *sql.Tx, channelID string) (*Channel, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT channel_id, name, channel_type, topic, required_capabilities, agent_min_alignment, retention_seconds, federation_scope, created_at
		FROM channels WHERE channel_id = ?
	`, channelID)
	var ch Channel
	var caps string
	var retention sql.NullInt64
	if err := row.Scan(&ch.ChannelID, &ch.Name, &ch.ChannelType, &ch.Topic, &caps, &ch.AgentMinAlignment, &retention, &ch.FederationScope, &ch.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "channel %q does not exist", channelID)
		}
		return nil, apperr.Wrap(apperr.Internal, err, "load channel")
	}
	if err := json.Unmarshal([]byte(caps), &ch.RequiredCapabilities); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode required capabilities")
	}
	if retention.Valid {
		ch.RetentionSeconds = &retention.Int64
	}
	return &ch, nil
}

// JoinerKind distinguishes a human/service joiner (no alignment check)
// from an agent joiner (alignment-gated).
type JoinerKind string

const (
	JoinerHuman JoinerKind = "human"
	JoinerAgent JoinerKind = "agent"
)

// Join validates the declared required capability flags and, for agent
// joiners, the channel's agent_min_alignment floor, then inserts the
// membership and emits MEMBER_JOINED.
func (f *Fabric) Join(ctx context.Context, tx *sql.Tx, channelID, pseudonymHex string, kind JoinerKind, held []string, agentAlignment vrp.Tier) error {
	var capsRaw, minAlignRaw string
	row := tx.QueryRowContext(ctx, `SELECT required_capabilities, agent_min_alignment FROM channels WHERE channel_id = ?`, channelID)
	if err := row.Scan(&capsRaw, &minAlignRaw); err != nil {
		if err == sql.ErrNoRows {
			return apperr.New(apperr.NotFound, "channel %q does not exist", channelID)
		}
		return apperr.Wrap(apperr.Internal, err, "load channel for join")
	}

	var required []string
	if err := json.Unmarshal([]byte(capsRaw), &required); err != nil {
		return apperr.Wrap(apperr.Internal, err, "decode required capabilities")
	}
	heldSet := make(map[string]bool, len(held))
	for _, c := range held {
		heldSet[c] = true
	}
	for _, c := range required {
		if !heldSet[c] {
			return apperr.New(apperr.Forbidden, "missing required capability %q", c)
		}
	}

	if kind == JoinerAgent {
		if !agentAlignment.AtLeast(vrp.Tier(minAlignRaw)) {
			return apperr.New(apperr.Forbidden, "agent alignment %q below channel floor %q", agentAlignment, minAlignRaw)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channel_members (channel_id, pseudonym_hex) VALUES (?, ?)
		ON CONFLICT(channel_id, pseudonym_hex) DO NOTHING
	`, channelID, pseudonymHex); err != nil {
		return apperr.Wrap(apperr.Internal, err, "insert channel membership")
	}

	if err := graph.AddEdge(ctx, tx, pseudonymHex, channelID, graph.EdgeMemberOf, 1.0); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{"channelId": channelID, "pseudonymHex": pseudonymHex})
	_, err := f.events.Emit(ctx, tx, eventlog.DomainChannel, "MEMBER_JOINED", json.RawMessage(payload))
	return err
}

// ValidateContent enforces §4.8's length/encoding rule: content must be
// valid UTF-8, under maxMessageContentBytes, and free of binary control
// bytes other than tab/newline.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return apperr.New(apperr.InvalidInput, "message content must not be empty")
	}
	if len(content) > maxMessageContentBytes {
		return apperr.New(apperr.InvalidInput, "message content exceeds %d bytes", maxMessageContentBytes)
	}
	if !utf8ValidString(content) {
		return apperr.New(apperr.InvalidInput, "message content is not valid UTF-8")
	}
	for _, r := range content {
		if r == '\t' || r == '\n' {
			continue
		}
		if unicode.IsControl(r) {
			return apperr.New(apperr.InvalidInput, "message content contains a disallowed control byte")
		}
	}
	return nil
}

func utf8ValidString(s string) bool {
	return strings.ToValidUTF8(s, "") == s
}

// Send resolves retention from the channel or the fabric's server
// default, inserts the message, and returns the created row.
func (f *Fabric) Send(ctx context.Context, tx *sql.Tx, channelID, senderPseudonymHex, content string, replyTo *string) (*Message, error) {
	if err := ValidateContent(content); err != nil {
		return nil, err
	}

	var retentionSeconds sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT retention_seconds FROM channels WHERE channel_id = ?`, channelID)
	if err := row.Scan(&retentionSeconds); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "channel %q does not exist", channelID)
		}
		return nil, apperr.Wrap(apperr.Internal, err, "load channel retention")
	}

	var expiresAt *time.Time
	effective := f.defaultRetentionSeconds
	if retentionSeconds.Valid {
		effective = retentionSeconds.Int64
	}
	if effective > 0 {
		t := time.Now().UTC().Add(time.Duration(effective) * time.Second)
		expiresAt = &t
	}

	msg := &Message{
		MessageID:          uuid.NewString(),
		ChannelID:          channelID,
		SenderPseudonymHex: senderPseudonymHex,
		Content:            content,
		ReplyTo:            replyTo,
		ExpiresAt:          expiresAt,
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, channel_id, sender_pseudonym_hex, content, reply_to, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.MessageID, msg.ChannelID, msg.SenderPseudonymHex, msg.Content, msg.ReplyTo, msg.ExpiresAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "insert message")
	}

	payload, _ := json.Marshal(map[string]string{"messageId": msg.MessageID, "channelId": channelID})
	if _, err := f.events.Emit(ctx, tx, eventlog.DomainChannel, "MESSAGE_SENT", json.RawMessage(payload)); err != nil {
		return nil, err
	}
	return msg, nil
}

// maxListLimit is §6's hard cap on the `limit` query parameter for
// message listing, regardless of what a caller requests.
const maxListLimit = 200

// ListMessages returns up to limit messages in a channel older than the
// cursor message (exclusive), newest first, for the `before=<message_id>`
// cursor pagination scheme in §6. limit is clamped to maxListLimit.
func (f *Fabric) ListMessages(ctx context.Context, channelID string, before string, limit int) ([]*Message, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	var rows *sql.Rows
	var err error
	if before == "" {
		rows, err = f.db.QueryContext(ctx, `
			SELECT message_id, channel_id, sender_pseudonym_hex, content, reply_to, created_at, expires_at
			FROM messages WHERE channel_id = ? ORDER BY created_at DESC, message_id DESC LIMIT ?
		`, channelID, limit)
	} else {
		rows, err = f.db.QueryContext(ctx, `
			SELECT message_id, channel_id, sender_pseudonym_hex, content, reply_to, created_at, expires_at
			FROM messages WHERE channel_id = ? AND (created_at, message_id) < (SELECT created_at, message_id FROM messages WHERE message_id = ?)
			ORDER BY created_at DESC, message_id DESC LIMIT ?
		`, channelID, before, limit)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "query messages")
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var replyTo sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&m.MessageID, &m.ChannelID, &m.SenderPseudonymHex, &m.Content, &replyTo, &m.CreatedAt, &expiresAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan message")
		}
		if replyTo.Valid {
			m.ReplyTo = &replyTo.String
		}
		if expiresAt.Valid {
			m.ExpiresAt = &expiresAt.Time
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GetChannel loads a single channel by id, or apperr.NotFound.
func (f *Fabric) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	row := f.db.QueryRowContext(ctx, `
		SELECT channel_id, name, channel_type, topic, required_capabilities, agent_min_alignment, retention_seconds, federation_scope, created_at
		FROM channels WHERE channel_id = ?
	`, channelID)
	var ch Channel
	var caps string
	var retention sql.NullInt64
	if err := row.Scan(&ch.ChannelID, &ch.Name, &ch.ChannelType, &ch.Topic, &caps, &ch.AgentMinAlignment, &retention, &ch.FederationScope, &ch.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "channel %q does not exist", channelID)
		}
		return nil, apperr.Wrap(apperr.Internal, err, "load channel")
	}
	if err := json.Unmarshal([]byte(caps), &ch.RequiredCapabilities); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode required capabilities")
	}
	if retention.Valid {
		ch.RetentionSeconds = &retention.Int64
	}
	return &ch, nil
}

// sweepBatchSize is the number of expired rows removed per retention
// sweep iteration.
const sweepBatchSize = 5000

// SweepExpiredBatch deletes up to sweepBatchSize expired messages and
// returns how many were removed. The caller runs this in a loop, ceasing
// once a batch returns fewer than sweepBatchSize, and acquires a fresh
// connection/transaction per batch so a long sweep never holds the pool.
func (f *Fabric) SweepExpiredBatch(ctx context.Context, tx *sql.Tx) (int, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE message_id IN (
			SELECT message_id FROM messages WHERE expires_at IS NOT NULL AND expires_at <= CURRENT_TIMESTAMP LIMIT ?
		)
	`, sweepBatchSize)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "sweep expired messages")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "read sweep rows affected")
	}
	return int(n), nil
}
