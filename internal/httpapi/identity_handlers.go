package httpapi

import (
	"context"
	"database/sql"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/annex-node/annex/internal/apperr"
	"github.com/annex-node/annex/internal/identity"
)

type registerRequest struct {
	CommitmentHex string `json:"commitmentHex"`
	RoleCode      string `json:"roleCode"`
	NodeID        string `json:"nodeId"`
}

type registerResponse struct {
	IdentityID    string   `json:"identityId"`
	LeafIndex     int      `json:"leafIndex"`
	RootHex       string   `json:"rootHex"`
	PathElements  []string `json:"pathElements"`
	PathIndexBits []bool   `json:"pathIndexBits"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.identity.Register(r.Context(), req.CommitmentHex, identity.RoleCode(req.RoleCode), req.NodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{
		IdentityID:    strings.ToLower(req.CommitmentHex),
		LeafIndex:     result.LeafIndex,
		RootHex:       result.ActiveRootHex,
		PathElements:  result.PathElements,
		PathIndexBits: result.PathIndexBits,
	})
}

func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	commitmentHex := strings.ToLower(r.PathValue("commitmentHex"))
	leafIndex, err := s.lookupLeafIndex(r.Context(), commitmentHex)
	if err != nil {
		writeError(w, err)
		return
	}
	proof, err := s.identity.Path(leafIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pathElements":  proof.Siblings,
		"pathIndexBits": proof.DirectionBits,
		"rootHex":       proof.RootHex,
	})
}

func (s *Server) lookupLeafIndex(ctx context.Context, commitmentHex string) (int, error) {
	row := s.engine.DB().QueryRowContext(ctx, `SELECT leaf_index FROM merkle_leaves WHERE commitment_hex = ?`, commitmentHex)
	var leafIndex int
	if err := row.Scan(&leafIndex); err != nil {
		if err == sql.ErrNoRows {
			return 0, apperr.New(apperr.NotFound, "commitment %q was never registered", commitmentHex)
		}
		return 0, apperr.Wrap(apperr.Internal, err, "lookup commitment leaf index")
	}
	return leafIndex, nil
}

func (s *Server) handleCurrentRoot(w http.ResponseWriter, r *http.Request) {
	rootHex := s.registry.ActiveRootHex()
	var leafCount int
	var updatedAt time.Time
	row := s.engine.DB().QueryRowContext(r.Context(), `
		SELECT leaf_count, created_at FROM merkle_roots WHERE root_hex = ? ORDER BY created_at DESC LIMIT 1
	`, rootHex)
	if err := row.Scan(&leafCount, &updatedAt); err != nil && err != sql.ErrNoRows {
		writeError(w, apperr.Wrap(apperr.Internal, err, "load current root metadata"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rootHex":   rootHex,
		"leafCount": leafCount,
		"updatedAt": updatedAt,
	})
}

type verifyMembershipRequest struct {
	RootHex       string    `json:"root"`
	CommitmentHex string    `json:"commitment"`
	Topic         string    `json:"topic"`
	Proof         proofWire `json:"proof"`
	PublicSignals []string  `json:"publicSignals"`
}

// parsePublicSignal decodes a public-witness signal, optionally
// "0x"-prefixed hex, matching the hex convention used everywhere else in
// this API for BN254 scalar-field values.
func parsePublicSignal(raw string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimPrefix(raw, "0x"), 16)
	if !ok {
		return nil, apperr.New(apperr.InvalidInput, "malformed public signal %q", raw)
	}
	return n, nil
}

func (s *Server) handleVerifyMembership(w http.ResponseWriter, r *http.Request) {
	var req verifyMembershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.PublicSignals) != 2 {
		writeError(w, apperr.New(apperr.InvalidInput, "publicSignals must have exactly 2 entries"))
		return
	}
	sig0, err := parsePublicSignal(req.PublicSignals[0])
	if err != nil {
		writeError(w, err)
		return
	}
	sig1, err := parsePublicSignal(req.PublicSignals[1])
	if err != nil {
		writeError(w, err)
		return
	}
	proof, err := decodeProofWire(req.Proof)
	if err != nil {
		writeError(w, err)
		return
	}

	pseudonymHex, err := s.identity.VerifyMembership(r.Context(), identity.VerifyMembershipInput{
		RootHex:       req.RootHex,
		CommitmentHex: req.CommitmentHex,
		Topic:         req.Topic,
		Proof:         proof,
		PublicSignal0: sig0,
		PublicSignal1: sig1,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pseudonymId": pseudonymHex})
}

type setCapabilitiesRequest struct {
	CapabilityFlags []string `json:"capabilityFlags"`
}

// handleSetCapabilities implements the §3 platform-identity lifecycle's
// "mutated by operator admin" capability-flag transition. There is no
// separate admin auth front door in this repository (see requirePseudonym),
// so the same X-Pseudonym-Hex stand-in gates this operator action.
func (s *Server) handleSetCapabilities(w http.ResponseWriter, r *http.Request) {
	if _, err := requirePseudonym(r); err != nil {
		writeError(w, err)
		return
	}
	pseudonymHex := strings.ToLower(r.PathValue("pseudonymHex"))
	var req setCapabilitiesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	flags := make([]identity.CapabilityFlag, len(req.CapabilityFlags))
	for i, f := range req.CapabilityFlags {
		flags[i] = identity.CapabilityFlag(f)
	}

	err := s.withTxPublish(r.Context(), func(tx *sql.Tx) error {
		_, err := identity.SetCapabilities(r.Context(), tx, s.events, pseudonymHex, flags)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"capabilityFlags": req.CapabilityFlags})
}
