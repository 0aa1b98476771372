// Package httpapi implements the §6 JSON HTTP surface: a thin dispatch
// layer wiring the identity plane, VRP engine, channel fabric, federation
// service, policy engine, and event log into request handlers over a
// plain net/http.ServeMux with method+pattern routes, in the style of the
// teacher's cmd/channelbridge/main.go (json.NewDecoder / NewEncoder), with
// errors written as JSON bodies by writeError.
package httpapi

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/annex-node/annex/internal/apperr"
	"github.com/annex-node/annex/internal/channelfabric"
	"github.com/annex-node/annex/internal/connmgr"
	"github.com/annex-node/annex/internal/eventlog"
	"github.com/annex-node/annex/internal/federation"
	"github.com/annex-node/annex/internal/graph"
	"github.com/annex-node/annex/internal/health"
	"github.com/annex-node/annex/internal/identity"
	"github.com/annex-node/annex/internal/merkle"
	"github.com/annex-node/annex/internal/policy"
	"github.com/annex-node/annex/internal/storage"
	"github.com/annex-node/annex/internal/zkverify"
)

// maxBodyBytes is §7's PayloadTooLarge threshold: request bodies over
// 1 MiB are rejected before they are decoded.
const maxBodyBytes = 1 << 20

// Server composes every in-process component the §6 surface dispatches
// to. It holds no state of its own beyond these references.
type Server struct {
	engine       *storage.Engine
	identity     *identity.Plane
	registry     *merkle.Registry
	verifier     *zkverify.Verifier
	channels     *channelfabric.Fabric
	policyEng    *policy.Engine
	fed          *federation.Service
	conns        *connmgr.Manager
	events       *eventlog.Log
	presence     *graph.Graph
	health       *health.Monitor
	serverID     string
	signingKey   ed25519.PrivateKey
	publicKeyHex string
}

// New constructs a Server bound to every component it dispatches to.
// signingKey/publicKeyHex are this node's own federation identity; the
// Server stores them, and no handler in this package reads them.
func New(
	engine *storage.Engine,
	idPlane *identity.Plane,
	registry *merkle.Registry,
	verifier *zkverify.Verifier,
	channels *channelfabric.Fabric,
	policyEng *policy.Engine,
	fed *federation.Service,
	conns *connmgr.Manager,
	events *eventlog.Log,
	presence *graph.Graph,
	monitor *health.Monitor,
	serverID string,
	signingKey ed25519.PrivateKey,
	publicKeyHex string,
) *Server {
	if monitor == nil {
		monitor = health.New()
	}
	return &Server{
		engine:       engine,
		identity:     idPlane,
		registry:     registry,
		verifier:     verifier,
		channels:     channels,
		policyEng:    policyEng,
		fed:          fed,
		conns:        conns,
		events:       events,
		presence:     presence,
		health:       monitor,
		serverID:     serverID,
		signingKey:   signingKey,
		publicKeyHex: publicKeyHex,
	}
}

// NewMux builds the routed handler, using Go 1.22+'s method+pattern
// ServeMux matching instead of manual method switches per route.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /registry/register", s.handleRegister)
	mux.HandleFunc("GET /registry/path/{commitmentHex}", s.handlePath)
	mux.HandleFunc("GET /registry/current-root", s.handleCurrentRoot)
	mux.HandleFunc("POST /zk/verify-membership", s.handleVerifyMembership)
	mux.HandleFunc("POST /identities/{pseudonymHex}/capabilities", s.handleSetCapabilities)

	mux.HandleFunc("POST /vrp/agent-handshake", s.handleAgentHandshake)

	mux.HandleFunc("POST /channels", s.handleCreateChannel)
	mux.HandleFunc("PATCH /channels/{channelID}", s.handleUpdateChannel)
	mux.HandleFunc("DELETE /channels/{channelID}", s.handleDeleteChannel)
	mux.HandleFunc("GET /channels/{channelID}", s.handleGetChannel)
	mux.HandleFunc("POST /channels/{channelID}/join", s.handleJoinChannel)
	mux.HandleFunc("POST /channels/{channelID}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /channels/{channelID}/messages", s.handleListMessages)

	mux.HandleFunc("POST /federation/handshake", s.handleFederationHandshake)
	mux.HandleFunc("POST /federation/attest-membership", s.handleAttestMembership)
	mux.HandleFunc("GET /federation/vrp-root", s.handleVRPRoot)
	mux.HandleFunc("POST /federation/relay", s.handleRelay)
	mux.HandleFunc("POST /federation/rtx", s.handleRTX)

	mux.HandleFunc("GET /public/events", s.handlePublicEvents)
	mux.HandleFunc("GET /events/stream", s.handleEventsStream)

	return mux
}

// handleHealthz reports the §5 readiness probe: ok unless a supervised
// background task (retention sweep, presence pruner) has exited
// unexpectedly, in which case it returns 503 with the task names.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ready, unhealthy := s.health.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ok": ready, "unhealthy": unhealthy})
}

// withTxPublish runs fn inside a storage transaction and, only if it
// commits, fans out every event the transaction emitted to live
// subscribers. Package methods taking a caller-owned tx (channelfabric,
// federation, policy, graph) persist events via eventlog.Emit but never
// call Publish themselves, since they don't control when their caller's
// transaction commits; this is the one layer that does, so it re-reads
// the watermark of events committed during fn via eventlog.ListSince —
// the same catch-up query a reconnecting subscriber uses — and publishes
// them, rather than threading event values back out of every callee.
func (s *Server) withTxPublish(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var before int64
	row := s.engine.DB().QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM event_log WHERE server_id = ?`, s.serverID)
	if err := row.Scan(&before); err != nil {
		return apperr.Wrap(apperr.Internal, err, "read event log watermark")
	}

	if err := s.engine.WithTx(ctx, fn); err != nil {
		return err
	}

	for {
		committed, err := eventlog.ListSince(ctx, s.engine.DB(), s.serverID, "", before, 256)
		if err != nil {
			slog.Error("publish catch-up after commit failed", "error", err)
			return nil
		}
		for _, ev := range committed {
			s.events.Publish(ev)
			before = ev.Seq
		}
		if len(committed) < 256 {
			return nil
		}
	}
}

// decodeJSON reads and decodes a request body capped at maxBodyBytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if err.Error() == "http: request body too large" {
			return apperr.New(apperr.PayloadTooLarge, "request body exceeds %d bytes", maxBodyBytes)
		}
		return apperr.Wrap(apperr.InvalidInput, err, "decode request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps err to its §7 status/body via apperr, logging Internal
// errors with their underlying cause for correlation.
func writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Wrap(apperr.Internal, err, "unhandled error")
	}
	if appErr.Code == apperr.Internal {
		slog.Error("request failed", "error", appErr.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.Status())
	_, _ = w.Write(appErr.JSON())
}

// requirePseudonym reads the caller's verified pseudonym from the
// X-Pseudonym-Hex header. The §4.9 data-flow note ("Connection Manager
// (auth context)") ties message-send auth to an already-established
// session; on this stateless JSON surface that established session is
// represented by this header rather than a live connmgr.Session, since
// the WebSocket upgrade and client-facing auth front door are explicitly
// out of this repository's scope (§1 Non-goals).
func requirePseudonym(r *http.Request) (string, error) {
	p := r.Header.Get("X-Pseudonym-Hex")
	if p == "" {
		return "", apperr.New(apperr.Unauthorized, "missing X-Pseudonym-Hex auth context")
	}
	return p, nil
}

func parseLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func parseInt64(raw string, def int64) int64 {
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}
