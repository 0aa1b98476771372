package identity

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/annex-node/annex/internal/apperr"
	"github.com/annex-node/annex/internal/eventlog"
	"github.com/annex-node/annex/internal/merkle"
	"github.com/annex-node/annex/internal/storage"
)

func newTestPlane(t *testing.T) *Plane {
	t.Helper()
	dir := t.TempDir()
	eng, err := storage.Open(context.Background(), storage.Config{
		Path:          filepath.Join(dir, "annex.db"),
		BusyTimeoutMs: 5000,
		PoolMaxSize:   4,
	})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	registry := merkle.NewRegistry(8)
	events := eventlog.New("server-test")
	return New(eng, registry, nil, events)
}

func commitmentHex(n byte) string {
	return strings.Repeat("0", 62) + string("0123456789abcdef"[n/16]) + string("0123456789abcdef"[n%16])
}

func TestRegisterAssignsSequentialLeavesAndRejectsDuplicates(t *testing.T) {
	p := newTestPlane(t)
	ctx := context.Background()

	res, err := p.Register(ctx, commitmentHex(1), RoleHuman, "node-a")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.LeafIndex != 0 {
		t.Fatalf("expected leaf index 0, got %d", res.LeafIndex)
	}

	res2, err := p.Register(ctx, commitmentHex(2), RoleAIAgent, "node-b")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res2.LeafIndex != 1 {
		t.Fatalf("expected leaf index 1, got %d", res2.LeafIndex)
	}

	_, err = p.Register(ctx, commitmentHex(1), RoleHuman, "node-a")
	if err == nil || apperr.CodeOf(err) != apperr.Conflict {
		t.Fatalf("expected Conflict on duplicate commitment, got %v", err)
	}
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	p := newTestPlane(t)
	_, err := p.Register(context.Background(), commitmentHex(1), RoleCode("bogus"), "node-a")
	if err == nil || apperr.CodeOf(err) != apperr.InvalidInput {
		t.Fatalf("expected InvalidInput for unknown role, got %v", err)
	}
}

func TestDeriveNullifierAndPseudonymAreDeterministicAndDistinct(t *testing.T) {
	n1 := deriveNullifier("aa", "topic-a")
	n2 := deriveNullifier("aa", "topic-a")
	if n1 != n2 {
		t.Fatal("deriveNullifier must be deterministic")
	}
	n3 := deriveNullifier("aa", "topic-b")
	if n1 == n3 {
		t.Fatal("changing topic must change the nullifier")
	}

	p1 := derivePseudonym("topic-a", n1)
	p2 := derivePseudonym("topic-b", n1)
	if p1 == p2 {
		t.Fatal("changing topic must change the pseudonym even with the same nullifier")
	}
}

func TestVerifyMembershipRejectsUnknownRoot(t *testing.T) {
	p := newTestPlane(t)
	_, err := p.VerifyMembership(context.Background(), VerifyMembershipInput{
		RootHex:       "ff",
		CommitmentHex: "aa",
		Topic:         "t",
	})
	if err == nil || apperr.CodeOf(err) != apperr.Conflict {
		t.Fatalf("expected StaleRoot Conflict, got %v", err)
	}
}

// TestVerifyMembershipRejectsSupersededRoot covers the case the unknown-root
// test above does not: a root that really was valid at one point, but has
// since been superseded by a later registration. Only the currently active
// root may be used, per §3's "at most one root active at a time" invariant.
func TestVerifyMembershipRejectsSupersededRoot(t *testing.T) {
	p := newTestPlane(t)
	ctx := context.Background()

	first, err := p.Register(ctx, commitmentHex(1), RoleHuman, "node-a")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	supersededRoot := first.ActiveRootHex

	second, err := p.Register(ctx, commitmentHex(2), RoleAIAgent, "node-b")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if second.ActiveRootHex == supersededRoot {
		t.Fatal("second registration must change the active root")
	}

	_, err = p.VerifyMembership(ctx, VerifyMembershipInput{
		RootHex:       supersededRoot,
		CommitmentHex: commitmentHex(1),
		Topic:         "t",
	})
	if err == nil || apperr.CodeOf(err) != apperr.Conflict {
		t.Fatalf("expected StaleRoot Conflict for a superseded root, got %v", err)
	}
}

func TestSetCapabilitiesRoundTripsAndRejectsUnknownFlag(t *testing.T) {
	p := newTestPlane(t)
	ctx := context.Background()
	db := p.engine.DB()

	if _, err := db.ExecContext(ctx, `INSERT INTO identities (pseudonym_hex, role_code, node_id) VALUES (?, ?, ?)`,
		"pseudo-1", "human", "node-a"); err != nil {
		t.Fatalf("seed identity: %v", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	ev, err := SetCapabilities(ctx, tx, p.events, "pseudo-1", []CapabilityFlag{CapabilityVoice, CapabilityFederate})
	if err != nil {
		tx.Rollback()
		t.Fatalf("SetCapabilities: %v", err)
	}
	if ev.EventType != "CAPABILITY_CHANGED" {
		t.Fatalf("expected CAPABILITY_CHANGED event, got %q", ev.EventType)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	flags, err := Capabilities(ctx, db, "pseudo-1")
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if len(flags) != 2 || flags[0] != CapabilityVoice || flags[1] != CapabilityFederate {
		t.Fatalf("unexpected capability flags: %v", flags)
	}

	tx2, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx2.Rollback()
	if _, err := SetCapabilities(ctx, tx2, p.events, "pseudo-1", []CapabilityFlag{"bogus"}); err == nil || apperr.CodeOf(err) != apperr.InvalidInput {
		t.Fatalf("expected InvalidInput for unknown capability flag, got %v", err)
	}
}
