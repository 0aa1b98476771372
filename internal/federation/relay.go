package federation

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/annex-node/annex/internal/apperr"
	"github.com/annex-node/annex/internal/vrp"
)

// Envelope is a signed outbound relay payload. BundleID is used for
// multi-message batches; exactly one of MessageID/BundleID is set.
type Envelope struct {
	RemoteInstanceID    string          `json:"remote_instance_id"`
	MessageID           string          `json:"message_id,omitempty"`
	BundleID            string          `json:"bundle_id,omitempty"`
	AttestationRef       string         `json:"attestation_ref"`
	Content             json.RawMessage `json:"content"`
	SignatureHex        string          `json:"signature_hex"`
}

// RedactForScope strips content per the receiving peer's negotiated
// scope: SummariesOnly removes raw reasoning (the "reasoning" field, if
// present), NoTransfer is rejected outright. Redacted topics are honored
// by the caller before this is reached (it receives only already-cleared
// payloads); this function enforces the coarse scope gate.
func RedactForScope(scope vrp.TransferScope, content map[string]any) (map[string]any, error) {
	switch scope {
	case vrp.ScopeNoTransfer:
		return nil, apperr.New(apperr.Forbidden, "RTX: NoTransfer scope rejects relay outright")
	case vrp.ScopeSummariesOnly:
		redacted := make(map[string]any, len(content))
		for k, v := range content {
			if k == "reasoning" {
				continue
			}
			redacted[k] = v
		}
		return redacted, nil
	case vrp.ScopeFullBundle:
		return content, nil
	default:
		return nil, apperr.New(apperr.InvalidInput, "unknown transfer scope %q", scope)
	}
}

// RedactTopics removes any entry in content keyed under redactedTopics,
// honoring per-topic redaction independent of the coarse scope gate.
func RedactTopics(content map[string]any, redactedTopics map[string]bool) map[string]any {
	if len(redactedTopics) == 0 {
		return content
	}
	out := make(map[string]any, len(content))
	for k, v := range content {
		if redactedTopics[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// LogTransferDecision records an RTX enforcement outcome (allowed or
// rejected) to rtx_transfer_log, inside the caller's transaction.
func LogTransferDecision(ctx context.Context, tx *sql.Tx, remoteInstanceID, messageID, bundleID, decision, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rtx_transfer_log (remote_instance_id, message_id, bundle_id, decision, reason)
		VALUES (?, ?, ?, ?, ?)
	`, remoteInstanceID, nullableString(messageID), nullableString(bundleID), decision, reason)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "log RTX transfer decision")
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MarkRelayed records an inbound envelope as received for at-most-once
// delivery dedup, keyed by EnvelopeKey(remoteInstanceID, id). It returns
// false without error if the envelope was already seen.
func MarkRelayed(ctx context.Context, tx *sql.Tx, remoteInstanceID, id string) (accepted bool, err error) {
	key := EnvelopeKey(remoteInstanceID, id)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO rtx_relay_dedup (envelope_key, remote_instance_id) VALUES (?, ?)
		ON CONFLICT(envelope_key) DO NOTHING
	`, key, remoteInstanceID)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "record relay dedup key")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "read relay dedup rows affected")
	}
	return n > 0, nil
}

// Relay sends a signed envelope to the peer's relay endpoint over the
// hardened client. The caller is responsible for having already redacted
// content per RedactForScope and signed the envelope.
func (s *Service) Relay(ctx context.Context, peerBaseURL string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode relay envelope")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerBaseURL+"/federation/relay", bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "build relay request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "deliver relay envelope")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperr.New(apperr.Transient, "peer rejected relay envelope with status %d", resp.StatusCode)
	}
	return nil
}
