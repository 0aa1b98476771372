package httpapi

import (
	"database/sql"
	"net/http"

	"github.com/annex-node/annex/internal/federation"
	"github.com/annex-node/annex/internal/vrp"
)

// agentHandshakeRequest is the signed VRP handshake an agent presents to
// join under the server's active policy (§4.10's anti-ambiguity
// canonicalization rule applies here too: the signed fields are joined
// the same way federation envelopes are).
type agentHandshakeRequest struct {
	PseudonymHex    string   `json:"pseudonymHex"`
	PublicKeyHex    string   `json:"publicKeyHex"`
	ProtocolVersion string   `json:"protocolVersion"`
	Principles      []string `json:"principles"`
	Prohibited      []string `json:"prohibited"`
	SignatureHex    string   `json:"signatureHex"`
}

type agentHandshakeResponse struct {
	Tier   string `json:"tier"`
	Active bool   `json:"active"`
}

func (s *Server) handleAgentHandshake(w http.ResponseWriter, r *http.Request) {
	var req agentHandshakeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	pub, err := federation.DecodePublicKey(req.PublicKeyHex)
	if err != nil {
		writeError(w, err)
		return
	}
	sig, err := decodeSigHex(req.SignatureHex)
	if err != nil {
		writeError(w, err)
		return
	}
	anchor := vrp.Anchor(vrp.Policy{Principles: req.Principles, Prohibitions: req.Prohibited})
	if err := federation.Verify(pub, sig, req.ProtocolVersion, req.PseudonymHex, anchor.CombinedHash); err != nil {
		writeError(w, err)
		return
	}

	var tier vrp.Tier
	var active bool
	err = s.withTxPublish(r.Context(), func(tx *sql.Tx) error {
		var txErr error
		tier, active, txErr = s.policyEng.RegisterAgent(r.Context(), tx, req.PseudonymHex, req.Principles, req.Prohibited)
		return txErr
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, agentHandshakeResponse{Tier: string(tier), Active: active})
}
