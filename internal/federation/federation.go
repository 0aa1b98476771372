package federation

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/annex-node/annex/internal/apperr"
	"github.com/annex-node/annex/internal/eventlog"
	"github.com/annex-node/annex/internal/graph"
	"github.com/annex-node/annex/internal/identity"
	"github.com/annex-node/annex/internal/vrp"
	"github.com/annex-node/annex/internal/zkverify"
)

// HandshakeRequest is the signed payload exchanged by /federation/handshake.
type HandshakeRequest struct {
	ProtocolVersion    string                  `json:"protocol_version"`
	RemoteInstanceID   string                  `json:"remote_instance_id"`
	AnchorSnapshot     vrp.AnchorSnapshot      `json:"anchor_snapshot"`
	Policy             vrp.Policy              `json:"policy"`
	CapabilityContract vrp.CapabilityContract  `json:"capability_contract"`
	OfferedScope       vrp.TransferScope       `json:"offered_scope"`
	PublicKeyHex       string                  `json:"public_key_hex"`
	SignatureHex       string                  `json:"signature_hex"`
}

// HandshakeResult is the agreement recorded after a successful handshake.
type HandshakeResult struct {
	RemoteInstanceID string
	AlignmentTier    vrp.Tier
	TransferScope    vrp.TransferScope
	Active           bool
}

// Service composes storage, event log, and local signing identity for
// federation operations.
type Service struct {
	db           *sql.DB
	events       *eventlog.Log
	identity     *identity.Plane
	verifier     *zkverify.Verifier
	client       *http.Client
	signingKey   ed25519.PrivateKey
	localPolicy  vrp.Policy
	localContract vrp.CapabilityContract
}

// New constructs a federation Service.
func New(db *sql.DB, events *eventlog.Log, identityPlane *identity.Plane, verifier *zkverify.Verifier, signingKey ed25519.PrivateKey, localPolicy vrp.Policy, localContract vrp.CapabilityContract) *Service {
	return &Service{
		db:            db,
		events:        events,
		identity:      identityPlane,
		verifier:      verifier,
		client:        NewHardenedClient(),
		signingKey:    signingKey,
		localPolicy:   localPolicy,
		localContract: localContract,
	}
}

// reputationOf loads the stored outcome history for a peer and computes
// its current reputation score via internal/vrp's decay function.
func reputationOf(ctx context.Context, db *sql.DB, remoteInstanceID string) (float64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT tier FROM vrp_outcomes WHERE counterparty_hex = ? ORDER BY created_at ASC
	`, remoteInstanceID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "load peer outcome history")
	}
	defer rows.Close()

	var history []vrp.Outcome
	for rows.Next() {
		var tier string
		if err := rows.Scan(&tier); err != nil {
			return 0, apperr.Wrap(apperr.Internal, err, "scan peer outcome")
		}
		history = append(history, vrp.Outcome{Tier: vrp.Tier(tier)})
	}
	return vrp.Reputation(history), rows.Err()
}

// Handshake implements the receiving side of §4.10's bilateral handshake:
// verify the requester's signature, run compare/classify, persist the
// agreement with the negotiated scope, and return the resulting report.
// The returned HandshakeResult is not signed by this node.
func (s *Service) Handshake(ctx context.Context, tx *sql.Tx, req HandshakeRequest) (*HandshakeResult, error) {
	pub, err := DecodePublicKey(req.PublicKeyHex)
	if err != nil {
		return nil, err
	}
	sig, err := decodeSignature(req.SignatureHex)
	if err != nil {
		return nil, err
	}
	if err := Verify(pub, sig, req.ProtocolVersion, req.RemoteInstanceID, req.AnchorSnapshot.CombinedHash, string(req.OfferedScope)); err != nil {
		return nil, err
	}

	reputation, err := reputationOf(ctx, s.db, req.RemoteInstanceID)
	if err != nil {
		return nil, err
	}

	report := vrp.Compare(s.localPolicy, req.Policy, s.localContract, req.CapabilityContract, reputation)
	negotiatedScope := report.Scope
	if !lessPermissive(req.OfferedScope, negotiatedScope) {
		negotiatedScope = req.OfferedScope
	}

	active := report.Tier != vrp.TierConflict
	principlesJSON, err := json.Marshal(req.Policy.Principles)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encode peer principles")
	}
	prohibitedJSON, err := json.Marshal(req.Policy.Prohibitions)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encode peer prohibitions")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO federation_peers (remote_instance_id, base_url, public_key_hex, alignment_status, transfer_scope, active, principles, prohibited)
		VALUES (?, '', ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_instance_id) DO UPDATE SET
			public_key_hex = excluded.public_key_hex,
			alignment_status = excluded.alignment_status,
			transfer_scope = excluded.transfer_scope,
			active = excluded.active,
			principles = excluded.principles,
			prohibited = excluded.prohibited,
			updated_at = CURRENT_TIMESTAMP
	`, req.RemoteInstanceID, req.PublicKeyHex, string(report.Tier), string(negotiatedScope), boolToInt(active), string(principlesJSON), string(prohibitedJSON))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "persist federation agreement")
	}

	payload, _ := json.Marshal(map[string]string{"remoteInstanceId": req.RemoteInstanceID, "tier": string(report.Tier)})
	if _, err := s.events.Emit(ctx, tx, eventlog.DomainFederation, "FEDERATION_HANDSHAKE_RECORDED", json.RawMessage(payload)); err != nil {
		return nil, err
	}

	return &HandshakeResult{
		RemoteInstanceID: req.RemoteInstanceID,
		AlignmentTier:    report.Tier,
		TransferScope:    negotiatedScope,
		Active:           active,
	}, nil
}

// lessPermissive reports whether b grants strictly less than a, using the
// NoTransfer < SummariesOnly < FullBundle order.
func lessPermissive(a, b vrp.TransferScope) bool {
	rank := map[vrp.TransferScope]int{vrp.ScopeNoTransfer: 0, vrp.ScopeSummariesOnly: 1, vrp.ScopeFullBundle: 2}
	return rank[b] < rank[a]
}

// AttestationRequest is the payload accepted by /federation/attest-membership.
type AttestationRequest struct {
	RemoteInstanceID string `json:"remote_instance_id"`
	Topic            string `json:"topic"`
	CommitmentHex    string `json:"commitment"`
	PseudonymHex     string `json:"pseudonym_id"`
	ParticipantType  string `json:"participant_type"`
	SignatureHex     string `json:"signature"`
}

// RootFetcher fetches a remote server's currently-published Merkle root
// for a topic, via the hardened client.
type RootFetcher interface {
	FetchRoot(ctx context.Context, baseURL, topic string) (rootHex string, err error)
}

// DefaultRootFetcher returns a RootFetcher over this Service's own
// hardened client, so callers don't need to construct their own.
func (s *Service) DefaultRootFetcher() RootFetcher {
	return NewHTTPRootFetcher(s.client)
}

// NewHTTPRootFetcher constructs the production RootFetcher over client,
// which should be NewHardenedClient's output so the fetch inherits its
// connect/total timeouts and private-IP blocking.
func NewHTTPRootFetcher(client *http.Client) RootFetcher {
	return &httpRootFetcher{client: client}
}

// httpRootFetcher is the production RootFetcher, calling §6's
// GET /federation/vrp-root?topic=… over the package's hardened *http.Client.
type httpRootFetcher struct{ client *http.Client }

func (f *httpRootFetcher) FetchRoot(ctx context.Context, baseURL, topic string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/federation/vrp-root?topic="+url.QueryEscape(topic), nil)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "build root fetch request")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, err, "fetch remote root")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(apperr.Transient, "remote root endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, err, "read root response")
	}
	var out struct {
		RootHex string `json:"root_hex"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", apperr.Wrap(apperr.InvalidInput, err, "decode root response")
	}
	return out.RootHex, nil
}

// AttestMembership implements §4.10's attestation flow: verify the Ed25519
// signature, fetch the originator's current root over the hardened client,
// verify the Groth16 proof against it, then in one transaction
// insert the attestation, upsert the platform identity, and materialize
// the graph node.
func (s *Service) AttestMembership(ctx context.Context, tx *sql.Tx, req AttestationRequest, peerBaseURL, peerPublicKeyHex string, proof *zkverify.Proof, rootHex string, fetcher RootFetcher) error {
	pub, err := DecodePublicKey(peerPublicKeyHex)
	if err != nil {
		return err
	}
	sig, err := decodeSignature(req.SignatureHex)
	if err != nil {
		return err
	}
	if err := Verify(pub, sig, req.Topic, req.CommitmentHex, req.PseudonymHex, req.ParticipantType); err != nil {
		return err
	}

	publishedRoot, err := fetcher.FetchRoot(ctx, peerBaseURL, req.Topic)
	if err != nil {
		return err
	}
	if publishedRoot != rootHex {
		return apperr.New(apperr.Conflict, "fetched root does not match attested root")
	}

	rootBig, commitmentBig, err := rootAndCommitmentAsBigInt(rootHex, req.CommitmentHex)
	if err != nil {
		return err
	}
	if err := s.verifier.Verify(proof, rootBig, commitmentBig); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO federation_attestations (remote_instance_id, topic, commitment_hex, pseudonym_hex, participant_type, signature_hex)
		VALUES (?, ?, ?, ?, ?, ?)
	`, req.RemoteInstanceID, req.Topic, req.CommitmentHex, req.PseudonymHex, req.ParticipantType, req.SignatureHex); err != nil {
		return apperr.Wrap(apperr.Internal, err, "insert federation attestation")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identities (pseudonym_hex, role_code, node_id, status)
		VALUES (?, ?, ?, 'active')
		ON CONFLICT(pseudonym_hex) DO UPDATE SET status = 'active', updated_at = CURRENT_TIMESTAMP
	`, req.PseudonymHex, req.ParticipantType, req.RemoteInstanceID); err != nil {
		return apperr.Wrap(apperr.Internal, err, "upsert platform identity for attestation")
	}

	if err := graph.Touch(ctx, tx, req.PseudonymHex, req.ParticipantType); err != nil {
		return err
	}
	if err := graph.AddEdge(ctx, tx, req.PseudonymHex, req.RemoteInstanceID, graph.EdgeFederatedWith, 1.0); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{"pseudonymHex": req.PseudonymHex, "remoteInstanceId": req.RemoteInstanceID})
	_, err = s.events.Emit(ctx, tx, eventlog.DomainFederation, "FEDERATION_ATTESTATION_RECORDED", json.RawMessage(payload))
	return err
}
