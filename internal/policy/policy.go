// Package policy owns the server's versioned alignment policy (§4.11):
// the active {principles, prohibited, agent_min_alignment, ...} document,
// admission of new agent registrations against it, and atomic
// re-evaluation of every active agent registration and federation
// agreement whenever the policy changes.
package policy

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/annex-node/annex/internal/apperr"
	"github.com/annex-node/annex/internal/eventlog"
	"github.com/annex-node/annex/internal/vrp"
)

// Document is the server-wide policy record. Principles/Prohibited are
// the server's own VRP anchor; the remaining fields are defaults
// consulted by the channel fabric and federation packages.
type Document struct {
	Principles                []string `json:"principles"`
	Prohibited                []string `json:"prohibited"`
	AgentMinAlignment         vrp.Tier `json:"agent_min_alignment"`
	AgentRequiredCapabilities []string `json:"agent_required_capabilities"`
	FederationEnabled         bool     `json:"federation_enabled"`
	DefaultRetentionDays      int      `json:"default_retention_days"`
	VoiceEnabled              bool     `json:"voice_enabled"`
	MaxMembers                int      `json:"max_members"`
}

func (d Document) toVRPPolicy() vrp.Policy {
	return vrp.Policy{Principles: d.Principles, Prohibitions: d.Prohibited}
}

// Engine applies policy documents and re-evaluates alignment against them.
type Engine struct {
	db     *sql.DB
	events *eventlog.Log
}

// New constructs a policy Engine.
func New(db *sql.DB, events *eventlog.Log) *Engine {
	return &Engine{db: db, events: events}
}

// Active loads the highest-versioned policy document, or apperr.NotFound
// if none has ever been published.
func (e *Engine) Active(ctx context.Context) (int, Document, error) {
	row := e.db.QueryRowContext(ctx, `SELECT version, document FROM policy_versions ORDER BY version DESC LIMIT 1`)
	var version int
	var raw string
	if err := row.Scan(&version, &raw); err != nil {
		if err == sql.ErrNoRows {
			return 0, Document{}, apperr.New(apperr.NotFound, "no policy has been published")
		}
		return 0, Document{}, apperr.Wrap(apperr.Internal, err, "load active policy")
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return 0, Document{}, apperr.Wrap(apperr.Internal, err, "decode policy document")
	}
	return version, doc, nil
}

// Publish writes doc as the next policy version, emits POLICY_UPDATED,
// then re-evaluates every active agent registration and federation
// agreement against it in the same transaction, atomically applying
// downgrades and emitting AGENT_REALIGNED/FEDERATION_REALIGNED per §4.11.
func (e *Engine) Publish(ctx context.Context, tx *sql.Tx, doc Document) (version int, err error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "encode policy document")
	}
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM policy_versions`)
	var prev int
	if err := row.Scan(&prev); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "read previous policy version")
	}
	version = prev + 1
	if _, err := tx.ExecContext(ctx, `INSERT INTO policy_versions (version, document) VALUES (?, ?)`, version, string(raw)); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "insert policy version")
	}

	payload, _ := json.Marshal(map[string]int{"version": version})
	if _, err := e.events.Emit(ctx, tx, eventlog.DomainPolicy, "POLICY_UPDATED", json.RawMessage(payload)); err != nil {
		return 0, err
	}

	if err := e.reevaluateAgents(ctx, tx, version, doc); err != nil {
		return 0, err
	}
	if err := e.reevaluateFederation(ctx, tx, version, doc); err != nil {
		return 0, err
	}
	return version, nil
}

// RegisterAgent admits a new agent under the currently active policy,
// computing its initial alignment tier and activation state.
func (e *Engine) RegisterAgent(ctx context.Context, tx *sql.Tx, pseudonymHex string, principles, prohibited []string) (vrp.Tier, bool, error) {
	version, doc, err := e.activeInTx(ctx, tx)
	if err != nil {
		return "", false, err
	}
	reputation, err := reputationOf(ctx, tx, pseudonymHex)
	if err != nil {
		return "", false, err
	}
	agentPolicy := vrp.Policy{Principles: principles, Prohibitions: prohibited}
	tier, active := classifyAgent(doc, agentPolicy, reputation)

	principlesJSON, _ := json.Marshal(principles)
	prohibitedJSON, _ := json.Marshal(prohibited)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_registrations (pseudonym_hex, principles, prohibited, alignment_tier, active, policy_version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pseudonym_hex) DO UPDATE SET
			principles = excluded.principles,
			prohibited = excluded.prohibited,
			alignment_tier = excluded.alignment_tier,
			active = excluded.active,
			policy_version = excluded.policy_version,
			updated_at = CURRENT_TIMESTAMP
	`, pseudonymHex, string(principlesJSON), string(prohibitedJSON), string(tier), boolToInt(active), version)
	if err != nil {
		return "", false, apperr.Wrap(apperr.Internal, err, "insert agent registration")
	}
	return tier, active, nil
}

func (e *Engine) activeInTx(ctx context.Context, tx *sql.Tx) (int, Document, error) {
	row := tx.QueryRowContext(ctx, `SELECT version, document FROM policy_versions ORDER BY version DESC LIMIT 1`)
	var version int
	var raw string
	if err := row.Scan(&version, &raw); err != nil {
		if err == sql.ErrNoRows {
			return 0, Document{}, apperr.New(apperr.NotFound, "no policy has been published")
		}
		return 0, Document{}, apperr.Wrap(apperr.Internal, err, "load active policy")
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return 0, Document{}, apperr.Wrap(apperr.Internal, err, "decode policy document")
	}
	return version, doc, nil
}

// classifyAgent applies the server policy's alignment floor: an agent
// must reach agent_min_alignment under vrp.Compare against the server's
// own anchor to be active.
func classifyAgent(doc Document, agentPolicy vrp.Policy, reputation float64) (vrp.Tier, bool) {
	report := vrp.Compare(doc.toVRPPolicy(), agentPolicy, vrp.CapabilityContract{}, vrp.CapabilityContract{}, reputation)
	floor := doc.AgentMinAlignment
	if floor == "" {
		floor = vrp.TierConflict
	}
	return report.Tier, report.Tier.AtLeast(floor)
}

// reputationOf loads an entity's outcome history (keyed as the
// counterparty of every recorded VRP interaction) and computes its
// current reputation score via vrp.Reputation's exponential decay. A
// fresh entity with no history gets vrp.Reputation's neutral 0.5 prior.
func reputationOf(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, counterpartyHex string) (float64, error) {
	rows, err := q.QueryContext(ctx, `SELECT tier FROM vrp_outcomes WHERE counterparty_hex = ? ORDER BY created_at ASC`, counterpartyHex)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "load outcome history")
	}
	defer rows.Close()

	var history []vrp.Outcome
	for rows.Next() {
		var tier string
		if err := rows.Scan(&tier); err != nil {
			return 0, apperr.Wrap(apperr.Internal, err, "scan outcome")
		}
		history = append(history, vrp.Outcome{Tier: vrp.Tier(tier)})
	}
	return vrp.Reputation(history), rows.Err()
}

func (e *Engine) reevaluateAgents(ctx context.Context, tx *sql.Tx, version int, doc Document) error {
	rows, err := tx.QueryContext(ctx, `SELECT pseudonym_hex, principles, prohibited FROM agent_registrations`)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "load agent registrations for re-evaluation")
	}
	type agent struct {
		pseudonymHex          string
		principles, prohibited []string
	}
	var agents []agent
	for rows.Next() {
		var a agent
		var pJSON, prJSON string
		if err := rows.Scan(&a.pseudonymHex, &pJSON, &prJSON); err != nil {
			rows.Close()
			return apperr.Wrap(apperr.Internal, err, "scan agent registration")
		}
		_ = json.Unmarshal([]byte(pJSON), &a.principles)
		_ = json.Unmarshal([]byte(prJSON), &a.prohibited)
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return apperr.Wrap(apperr.Internal, err, "iterate agent registrations")
	}
	rows.Close()

	for _, a := range agents {
		reputation, err := reputationOf(ctx, tx, a.pseudonymHex)
		if err != nil {
			return err
		}
		tier, active := classifyAgent(doc, vrp.Policy{Principles: a.principles, Prohibitions: a.prohibited}, reputation)
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_registrations SET alignment_tier = ?, active = ?, policy_version = ?, updated_at = CURRENT_TIMESTAMP
			WHERE pseudonym_hex = ?
		`, string(tier), boolToInt(active), version, a.pseudonymHex); err != nil {
			return apperr.Wrap(apperr.Internal, err, "apply agent realignment")
		}
		payload, _ := json.Marshal(map[string]any{"pseudonymHex": a.pseudonymHex, "tier": string(tier), "active": active})
		if _, err := e.events.Emit(ctx, tx, eventlog.DomainPolicy, "AGENT_REALIGNED", json.RawMessage(payload)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reevaluateFederation(ctx context.Context, tx *sql.Tx, version int, doc Document) error {
	rows, err := tx.QueryContext(ctx, `SELECT remote_instance_id, principles, prohibited FROM federation_peers`)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "load federation peers for re-evaluation")
	}
	type peer struct {
		remoteInstanceID        string
		principles, prohibited []string
	}
	var peers []peer
	for rows.Next() {
		var p peer
		var pJSON, prJSON string
		if err := rows.Scan(&p.remoteInstanceID, &pJSON, &prJSON); err != nil {
			rows.Close()
			return apperr.Wrap(apperr.Internal, err, "scan federation peer")
		}
		_ = json.Unmarshal([]byte(pJSON), &p.principles)
		_ = json.Unmarshal([]byte(prJSON), &p.prohibited)
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return apperr.Wrap(apperr.Internal, err, "iterate federation peers")
	}
	rows.Close()

	for _, p := range peers {
		reputation, err := reputationOf(ctx, tx, p.remoteInstanceID)
		if err != nil {
			return err
		}
		report := vrp.Compare(doc.toVRPPolicy(), vrp.Policy{Principles: p.principles, Prohibitions: p.prohibited}, vrp.CapabilityContract{}, vrp.CapabilityContract{}, reputation)
		active := report.Tier != vrp.TierConflict
		if _, err := tx.ExecContext(ctx, `
			UPDATE federation_peers SET alignment_status = ?, active = ?, policy_version = ?, updated_at = CURRENT_TIMESTAMP
			WHERE remote_instance_id = ?
		`, string(report.Tier), boolToInt(active), version, p.remoteInstanceID); err != nil {
			return apperr.Wrap(apperr.Internal, err, "apply federation realignment")
		}
		payload, _ := json.Marshal(map[string]any{"remoteInstanceId": p.remoteInstanceID, "tier": string(report.Tier), "active": active})
		if _, err := e.events.Emit(ctx, tx, eventlog.DomainPolicy, "FEDERATION_REALIGNED", json.RawMessage(payload)); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
