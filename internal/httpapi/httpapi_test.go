package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/annex-node/annex/internal/channelfabric"
	"github.com/annex-node/annex/internal/connmgr"
	"github.com/annex-node/annex/internal/eventlog"
	"github.com/annex-node/annex/internal/federation"
	"github.com/annex-node/annex/internal/graph"
	"github.com/annex-node/annex/internal/identity"
	"github.com/annex-node/annex/internal/merkle"
	"github.com/annex-node/annex/internal/policy"
	"github.com/annex-node/annex/internal/storage"
	"github.com/annex-node/annex/internal/vrp"
	"github.com/annex-node/annex/internal/zkverify"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	engine, err := storage.Open(context.Background(), storage.Config{
		Path:          filepath.Join(dir, "annex.db"),
		BusyTimeoutMs: 5000,
		PoolMaxSize:   4,
	})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	events := eventlog.New("server-test")
	registry := merkle.NewRegistry(4)
	verifier := &zkverify.Verifier{}
	idPlane := identity.New(engine, registry, verifier, events)
	policyEng := policy.New(engine.DB(), events)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	fed := federation.New(engine.DB(), events, idPlane, verifier, priv, vrp.Policy{}, vrp.CapabilityContract{})
	channels := channelfabric.New(engine.DB(), events, 0)
	conns := connmgr.New()
	presence := graph.New(engine.DB(), events)

	return New(engine, idPlane, registry, verifier, channels, policyEng, fed, conns, events, presence,
		nil, "server-test", priv, hexString(pub))
}

func hexString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.NewMux()

	rec := doJSON(t, mux, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestChannelLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.NewMux()
	pseudonym := map[string]string{"X-Pseudonym-Hex": "aa"}

	createRec := doJSON(t, mux, http.MethodPost, "/channels", createChannelRequest{
		Name:        "general",
		ChannelType: "Text",
	}, pseudonym)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create channel: expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}
	var created channelfabric.Channel
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created channel: %v", err)
	}
	if created.ChannelID == "" {
		t.Fatal("expected a non-empty channel id")
	}

	getRec := doJSON(t, mux, http.MethodGet, "/channels/"+created.ChannelID, nil, nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get channel: expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}

	joinRec := doJSON(t, mux, http.MethodPost, "/channels/"+created.ChannelID+"/join", joinChannelRequest{
		Kind: "human",
	}, pseudonym)
	if joinRec.Code != http.StatusOK {
		t.Fatalf("join channel: expected 200, got %d: %s", joinRec.Code, joinRec.Body.String())
	}

	sendRec := doJSON(t, mux, http.MethodPost, "/channels/"+created.ChannelID+"/messages", sendMessageRequest{
		Content: "hello",
	}, pseudonym)
	if sendRec.Code != http.StatusCreated {
		t.Fatalf("send message: expected 201, got %d: %s", sendRec.Code, sendRec.Body.String())
	}

	listRec := doJSON(t, mux, http.MethodGet, "/channels/"+created.ChannelID+"/messages", nil, nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list messages: expected 200, got %d: %s", listRec.Code, listRec.Body.String())
	}
	var msgs []*channelfabric.Message
	if err := json.Unmarshal(listRec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("expected one message with content %q, got %+v", "hello", msgs)
	}
}

func TestUpdateChannelOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.NewMux()
	pseudonym := map[string]string{"X-Pseudonym-Hex": "aa"}

	createRec := doJSON(t, mux, http.MethodPost, "/channels", createChannelRequest{
		Name:        "general",
		ChannelType: "Text",
		Topic:       "original",
	}, pseudonym)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create channel: expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}
	var created channelfabric.Channel
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created channel: %v", err)
	}

	newTopic := "updated topic"
	updateRec := doJSON(t, mux, http.MethodPatch, "/channels/"+created.ChannelID, updateChannelRequest{
		Topic: &newTopic,
	}, pseudonym)
	if updateRec.Code != http.StatusOK {
		t.Fatalf("update channel: expected 200, got %d: %s", updateRec.Code, updateRec.Body.String())
	}
	var updated channelfabric.Channel
	if err := json.Unmarshal(updateRec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode updated channel: %v", err)
	}
	if updated.Topic != newTopic {
		t.Fatalf("expected topic %q, got %q", newTopic, updated.Topic)
	}
	if updated.Name != "general" {
		t.Fatalf("expected name to remain unchanged, got %q", updated.Name)
	}

	missingRec := doJSON(t, mux, http.MethodPatch, "/channels/does-not-exist", updateChannelRequest{Topic: &newTopic}, pseudonym)
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("update unknown channel: expected 404, got %d: %s", missingRec.Code, missingRec.Body.String())
	}
}

func TestSendMessageRequiresPseudonymHeader(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.NewMux()

	rec := doJSON(t, mux, http.MethodPost, "/channels/missing/messages", sendMessageRequest{Content: "hi"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without X-Pseudonym-Hex, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSetCapabilitiesOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.NewMux()
	pseudonym := map[string]string{"X-Pseudonym-Hex": "aa"}

	if _, err := srv.engine.DB().ExecContext(context.Background(),
		`INSERT INTO identities (pseudonym_hex, role_code, node_id) VALUES (?, ?, ?)`,
		"pseudo-1", "human", "node-a"); err != nil {
		t.Fatalf("seed identity: %v", err)
	}

	rec := doJSON(t, mux, http.MethodPost, "/identities/pseudo-1/capabilities", setCapabilitiesRequest{
		CapabilityFlags: []string{"voice", "federate"},
	}, pseudonym)
	if rec.Code != http.StatusOK {
		t.Fatalf("set capabilities: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodPost, "/identities/pseudo-1/capabilities", setCapabilitiesRequest{
		CapabilityFlags: []string{"bogus"},
	}, pseudonym)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("set capabilities with unknown flag: expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetUnknownChannelReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.NewMux()

	rec := doJSON(t, mux, http.MethodGet, "/channels/does-not-exist", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}
