// Package identity implements the Identity Plane (§4.4): registering
// commitments into the Merkle registry, verifying membership proofs, and
// deriving the topic-scoped nullifier/pseudonym pair that anti-double-join
// protection and platform-identity records are keyed on.
package identity

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/annex-node/annex/internal/apperr"
	"github.com/annex-node/annex/internal/eventlog"
	"github.com/annex-node/annex/internal/merkle"
	"github.com/annex-node/annex/internal/storage"
	"github.com/annex-node/annex/internal/zkverify"
)

// RoleCode is the closed set of participant roles a commitment can declare.
type RoleCode string

const (
	RoleHuman     RoleCode = "human"
	RoleAIAgent   RoleCode = "ai_agent"
	RoleCollective RoleCode = "collective"
	RoleBridge    RoleCode = "bridge"
	RoleService   RoleCode = "service"
)

var validRoles = map[RoleCode]bool{
	RoleHuman: true, RoleAIAgent: true, RoleCollective: true, RoleBridge: true, RoleService: true,
}

// RegisterResult is the outcome of registering a new commitment.
type RegisterResult struct {
	LeafIndex     int
	ActiveRootHex string
	PathElements  []string
	PathIndexBits []bool
}

// Plane composes the storage engine, in-memory Merkle mirror, event log,
// and proof verifier into the registration/verification operations of
// §4.4. It holds no other state.
type Plane struct {
	engine   *storage.Engine
	registry *merkle.Registry
	verifier *zkverify.Verifier
	events   *eventlog.Log
}

// New constructs a Plane. registry must already have been restored from
// persisted state (see merkle.Registry.Restore) before this is used to
// serve requests.
func New(engine *storage.Engine, registry *merkle.Registry, verifier *zkverify.Verifier, events *eventlog.Log) *Plane {
	return &Plane{engine: engine, registry: registry, verifier: verifier, events: events}
}

// Register performs §4.2's atomic registration sequence: preview the
// insertion, persist the leaf and new active root in one transaction, and
// only on successful commit apply the insertion to the in-memory tree.
func (p *Plane) Register(ctx context.Context, commitmentHex string, role RoleCode, nodeID string) (*RegisterResult, error) {
	commitmentHex = strings.ToLower(commitmentHex)
	if !validRoles[role] {
		return nil, apperr.New(apperr.InvalidInput, "unknown role code %q", role)
	}

	var dup int
	row := p.engine.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM merkle_leaves WHERE commitment_hex = ?`, commitmentHex)
	if err := row.Scan(&dup); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "check duplicate commitment")
	}
	if dup > 0 {
		return nil, apperr.New(apperr.Conflict, "commitment already registered")
	}

	preview, err := p.registry.PreviewInsert(commitmentHex)
	if err != nil {
		return nil, err
	}

	err = p.engine.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO merkle_leaves (leaf_index, commitment_hex, role_code, node_id) VALUES (?, ?, ?, ?)`,
			preview.LeafIndex, commitmentHex, string(role), nodeID); err != nil {
			return apperr.Wrap(apperr.Internal, err, "insert merkle leaf")
		}
		// §3: at most one root is ever active; deactivate the prior one
		// before inserting the new active root, in the same transaction.
		if _, err := tx.ExecContext(ctx, `UPDATE merkle_roots SET active = 0 WHERE active = 1`); err != nil {
			return apperr.Wrap(apperr.Internal, err, "deactivate prior merkle root")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO merkle_roots (root_hex, leaf_count, active) VALUES (?, ?, 1)`,
			preview.NewRootHex, preview.LeafIndex+1); err != nil {
			return apperr.Wrap(apperr.Internal, err, "insert merkle root")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Only now, after the commit above has succeeded, mutate in-memory state.
	if err := p.registry.Apply(preview.LeafIndex, commitmentHex, preview.NewRootHex); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "apply committed insertion to in-memory tree")
	}

	return &RegisterResult{
		LeafIndex:     preview.LeafIndex,
		ActiveRootHex: preview.NewRootHex,
		PathElements:  preview.Siblings,
		PathIndexBits: preview.DirectionBits,
	}, nil
}

// Path returns the current membership proof for a previously registered
// commitment, resolved by leaf index.
func (p *Plane) Path(leafIndex int) (*merkle.Proof, error) {
	return p.registry.Proof(leafIndex)
}

// VerifyMembershipInput bundles the parameters of a membership-verification
// request, decoded from their wire hex/base64 forms by the caller.
type VerifyMembershipInput struct {
	RootHex       string
	CommitmentHex string
	Topic         string
	Proof         *zkverify.Proof
	PublicSignal0 *big.Int // must equal root
	PublicSignal1 *big.Int // must equal commitment
}

// VerifyMembership implements §4.4's verify_membership operation.
func (p *Plane) VerifyMembership(ctx context.Context, in VerifyMembershipInput) (pseudonymHex string, err error) {
	rootHex := strings.ToLower(in.RootHex)
	commitmentHex := strings.ToLower(in.CommitmentHex)

	// Only the currently-active root is accepted: a root that was valid
	// before a later registration superseded it must be rejected as
	// stale, not merely unrecognized (§3, §4.2).
	var activeRoot int
	row := p.engine.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM merkle_roots WHERE root_hex = ? AND active = 1`, rootHex)
	if err := row.Scan(&activeRoot); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "check active root")
	}
	if activeRoot == 0 {
		return "", apperr.New(apperr.Conflict, "StaleRoot: root is not the currently active root")
	}

	rootBig, ok := new(big.Int).SetString(rootHex, 16)
	if !ok {
		return "", apperr.New(apperr.InvalidInput, "malformed root hex")
	}
	commitmentBig, ok := new(big.Int).SetString(commitmentHex, 16)
	if !ok {
		return "", apperr.New(apperr.InvalidInput, "malformed commitment hex")
	}
	if in.PublicSignal0.Cmp(rootBig) != 0 || in.PublicSignal1.Cmp(commitmentBig) != 0 {
		return "", apperr.New(apperr.InvalidInput, "SignalMismatch: public signals do not match root/commitment")
	}

	if err := p.verifier.Verify(in.Proof, in.PublicSignal0, in.PublicSignal1); err != nil {
		return "", err
	}

	nullifierHex := deriveNullifier(commitmentHex, in.Topic)

	var dupNullifier int
	row = p.engine.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM nullifiers WHERE nullifier_hex = ? AND topic = ?`, nullifierHex, in.Topic)
	if err := row.Scan(&dupNullifier); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "check duplicate nullifier")
	}
	if dupNullifier > 0 {
		return "", apperr.New(apperr.Conflict, "DuplicateNullifier: topic/nullifier pair already used")
	}

	pseudonymHex = derivePseudonym(in.Topic, nullifierHex)
	roleCode, nodeID, err := lookupCommitmentMeta(ctx, p.engine.DB(), commitmentHex)
	if err != nil {
		return "", err
	}

	var committed *eventlog.Event
	err = p.engine.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO nullifiers (nullifier_hex, topic, pseudonym_hex, leaf_index)
			VALUES (?, ?, ?, (SELECT leaf_index FROM merkle_leaves WHERE commitment_hex = ?))
		`, nullifierHex, in.Topic, pseudonymHex, commitmentHex); err != nil {
			return apperr.Wrap(apperr.Internal, err, "insert nullifier")
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO identities (pseudonym_hex, role_code, node_id, status)
			VALUES (?, ?, ?, 'active')
			ON CONFLICT(pseudonym_hex) DO UPDATE SET status = 'active', updated_at = CURRENT_TIMESTAMP
		`, pseudonymHex, roleCode, nodeID); err != nil {
			return apperr.Wrap(apperr.Internal, err, "upsert platform identity")
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO graph_nodes (pseudonym_hex, display_role, last_seen_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(pseudonym_hex) DO UPDATE SET pruned_at = NULL
		`, pseudonymHex, roleCode); err != nil {
			return apperr.Wrap(apperr.Internal, err, "materialize graph node")
		}

		payload, _ := json.Marshal(map[string]string{"pseudonymHex": pseudonymHex, "topic": in.Topic})
		ev, err := p.events.Emit(ctx, tx, eventlog.DomainIdentity, "IDENTITY_VERIFIED", json.RawMessage(payload))
		if err != nil {
			return err
		}
		// committed is only assigned here, inside the closure that runs
		// before commit; Publish is called below only after WithTx returns
		// successfully, so a live subscriber never observes an event whose
		// backing row did not actually commit.
		committed = ev
		return nil
	})
	if err != nil {
		return "", err
	}
	if committed != nil {
		p.events.Publish(committed)
	}
	return pseudonymHex, nil
}

// lookupCommitmentMeta reads the role/node_id declared at registration time
// directly off the commitment's merkle_leaves row.
func lookupCommitmentMeta(ctx context.Context, db *sql.DB, commitmentHex string) (roleCode, nodeID string, err error) {
	row := db.QueryRowContext(ctx, `SELECT role_code, node_id FROM merkle_leaves WHERE commitment_hex = ?`, commitmentHex)
	var rc, nid string
	if err := row.Scan(&rc, &nid); err != nil {
		if err == sql.ErrNoRows {
			return "", "", apperr.New(apperr.NotFound, "commitment was never registered")
		}
		return "", "", apperr.Wrap(apperr.Internal, err, "lookup commitment role metadata")
	}
	return rc, nid, nil
}

// deriveNullifier computes sha256(commitment || ":" || topic) as lowercase
// hex, per §4.4 step 4.
func deriveNullifier(commitmentHex, topic string) string {
	h := sha256.Sum256([]byte(commitmentHex + ":" + topic))
	return hex.EncodeToString(h[:])
}

// derivePseudonym computes sha256(topic || ":" || nullifier) as lowercase
// hex, per §4.4 step 5.
func derivePseudonym(topic, nullifierHex string) string {
	h := sha256.Sum256([]byte(topic + ":" + nullifierHex))
	return hex.EncodeToString(h[:])
}

// Deactivate marks a platform identity inactive without deleting its row,
// preserving pseudonym history for audit and graph purposes.
func Deactivate(ctx context.Context, db *sql.DB, pseudonymHex string) error {
	_, err := db.ExecContext(ctx, `UPDATE identities SET status = 'inactive', updated_at = CURRENT_TIMESTAMP WHERE pseudonym_hex = ?`, pseudonymHex)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "deactivate identity")
	}
	return nil
}

// CapabilityFlag is one of the closed set of platform-identity
// capability flags (§3: "Capability flags: {voice, moderate, invite,
// federate, bridge}").
type CapabilityFlag string

const (
	CapabilityVoice    CapabilityFlag = "voice"
	CapabilityModerate CapabilityFlag = "moderate"
	CapabilityInvite   CapabilityFlag = "invite"
	CapabilityFederate CapabilityFlag = "federate"
	CapabilityBridge   CapabilityFlag = "bridge"
)

var validCapabilityFlags = map[CapabilityFlag]bool{
	CapabilityVoice: true, CapabilityModerate: true, CapabilityInvite: true,
	CapabilityFederate: true, CapabilityBridge: true,
}

// SetCapabilities implements §3's operator-admin capability mutation: it
// overwrites the platform identity's capability_flags column and emits a
// CAPABILITY_CHANGED event, the natural counterpart to IDENTITY_VERIFIED.
// Like the channelfabric/federation/policy/graph methods, it takes a
// caller-owned tx and only calls eventlog.Emit, leaving Publish to the
// caller once its transaction actually commits.
func SetCapabilities(ctx context.Context, tx *sql.Tx, events *eventlog.Log, pseudonymHex string, flags []CapabilityFlag) (*eventlog.Event, error) {
	for _, f := range flags {
		if !validCapabilityFlags[f] {
			return nil, apperr.New(apperr.InvalidInput, "unknown capability flag %q", f)
		}
	}

	encoded, err := json.Marshal(flags)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encode capability flags")
	}

	res, err := tx.ExecContext(ctx, `UPDATE identities SET capability_flags = ?, updated_at = CURRENT_TIMESTAMP WHERE pseudonym_hex = ?`, string(encoded), pseudonymHex)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "update capability flags")
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "check capability update result")
	} else if n == 0 {
		return nil, apperr.New(apperr.NotFound, "identity %q does not exist", pseudonymHex)
	}

	payload, _ := json.Marshal(map[string]any{"pseudonymHex": pseudonymHex, "capabilityFlags": flags})
	return events.Emit(ctx, tx, eventlog.DomainIdentity, "CAPABILITY_CHANGED", json.RawMessage(payload))
}

// Capabilities reads the current capability flags for a platform identity.
func Capabilities(ctx context.Context, db *sql.DB, pseudonymHex string) ([]CapabilityFlag, error) {
	var raw string
	row := db.QueryRowContext(ctx, `SELECT capability_flags FROM identities WHERE pseudonym_hex = ?`, pseudonymHex)
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "identity %q does not exist", pseudonymHex)
		}
		return nil, apperr.Wrap(apperr.Internal, err, "read capability flags")
	}
	var flags []CapabilityFlag
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode capability flags")
	}
	return flags, nil
}
