package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/annex-node/annex/internal/apperr"
	"github.com/annex-node/annex/internal/eventlog"
	"github.com/annex-node/annex/internal/federation"
)

func (s *Server) handleFederationHandshake(w http.ResponseWriter, r *http.Request) {
	var req federation.HandshakeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	var result *federation.HandshakeResult
	err := s.withTxPublish(r.Context(), func(tx *sql.Tx) error {
		var txErr error
		result, txErr = s.fed.Handshake(r.Context(), tx, req)
		return txErr
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type attestMembershipRequest struct {
	federation.AttestationRequest
	PeerBaseURL      string    `json:"peer_base_url"`
	PeerPublicKeyHex string    `json:"peer_public_key_hex"`
	Proof            proofWire `json:"proof"`
	RootHex          string    `json:"root_hex"`
}

func (s *Server) handleAttestMembership(w http.ResponseWriter, r *http.Request) {
	var req attestMembershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	proof, err := decodeProofWire(req.Proof)
	if err != nil {
		writeError(w, err)
		return
	}

	err = s.withTxPublish(r.Context(), func(tx *sql.Tx) error {
		return s.fed.AttestMembership(r.Context(), tx, req.AttestationRequest, req.PeerBaseURL, req.PeerPublicKeyHex, proof, req.RootHex, s.fed.DefaultRootFetcher())
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"attested": true})
}

func (s *Server) handleVRPRoot(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, apperr.New(apperr.InvalidInput, "topic query parameter is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"root_hex": s.registry.ActiveRootHex()})
}

// peerPublicKey looks up an active peer's stored signing key, the basis
// for accepting any inbound federation payload this peer didn't
// negotiate a handshake for would be meaningless to verify.
func (s *Server) peerPublicKey(ctx context.Context, remoteInstanceID string) (string, error) {
	row := s.engine.DB().QueryRowContext(ctx, `
		SELECT public_key_hex FROM federation_peers WHERE remote_instance_id = ? AND active = 1
	`, remoteInstanceID)
	var pub string
	if err := row.Scan(&pub); err != nil {
		if err == sql.ErrNoRows {
			return "", apperr.New(apperr.Forbidden, "unknown or inactive federation peer %q", remoteInstanceID)
		}
		return "", apperr.Wrap(apperr.Internal, err, "look up federation peer key")
	}
	return pub, nil
}

// acceptRelayEnvelope implements the shared inbound half of §4.10's
// signed relay/RTX transfer: verify the envelope's signature against the
// peer's stored key, dedup at-most-once via rtx_relay_dedup, log the
// transfer decision, and emit a domain event for the accepted payload.
func (s *Server) acceptRelayEnvelope(w http.ResponseWriter, r *http.Request, kind, eventType string) {
	var env federation.Envelope
	if err := decodeJSON(w, r, &env); err != nil {
		writeError(w, err)
		return
	}
	id := env.MessageID
	if id == "" {
		id = env.BundleID
	}
	if id == "" {
		writeError(w, apperr.New(apperr.InvalidInput, "envelope must set message_id or bundle_id"))
		return
	}

	pubHex, err := s.peerPublicKey(r.Context(), env.RemoteInstanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	pub, err := federation.DecodePublicKey(pubHex)
	if err != nil {
		writeError(w, err)
		return
	}
	sig, err := decodeSigHex(env.SignatureHex)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := federation.Verify(pub, sig, env.RemoteInstanceID, id, env.AttestationRef, string(env.Content)); err != nil {
		writeError(w, err)
		return
	}

	var accepted bool
	err = s.withTxPublish(r.Context(), func(tx *sql.Tx) error {
		var txErr error
		accepted, txErr = federation.MarkRelayed(r.Context(), tx, env.RemoteInstanceID, id)
		if txErr != nil {
			return txErr
		}
		decision := "accepted"
		reason := ""
		if !accepted {
			decision = "duplicate"
			reason = "envelope already seen"
		}
		var messageID, bundleID string
		if env.MessageID != "" {
			messageID = env.MessageID
		} else {
			bundleID = env.BundleID
		}
		if err := federation.LogTransferDecision(r.Context(), tx, env.RemoteInstanceID, messageID, bundleID, decision, reason); err != nil {
			return err
		}
		if !accepted {
			return nil
		}
		payload, err := json.Marshal(map[string]string{
			"remoteInstanceId": env.RemoteInstanceID,
			"id":               id,
			"kind":             kind,
		})
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "encode relay accepted event")
		}
		_, err = s.events.Emit(r.Context(), tx, eventlog.DomainFederation, eventType, json.RawMessage(payload))
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	s.acceptRelayEnvelope(w, r, "message", "RELAY_RECEIVED")
}

func (s *Server) handleRTX(w http.ResponseWriter, r *http.Request) {
	s.acceptRelayEnvelope(w, r, "bundle", "RTX_RECEIVED")
}
