package graph

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/annex-node/annex/internal/eventlog"
	"github.com/annex-node/annex/internal/storage"
)

func openTestEngine(t *testing.T) *storage.Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := storage.Open(context.Background(), storage.Config{
		Path:          filepath.Join(dir, "annex.db"),
		BusyTimeoutMs: 5000,
		PoolMaxSize:   4,
	})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func touch(t *testing.T, eng *storage.Engine, pseudonymHex string) {
	t.Helper()
	err := eng.WithTx(context.Background(), func(tx *sql.Tx) error {
		return Touch(context.Background(), tx, pseudonymHex, "human")
	})
	if err != nil {
		t.Fatalf("Touch(%s): %v", pseudonymHex, err)
	}
}

func addEdge(t *testing.T, eng *storage.Engine, from, to string, kind EdgeKind) {
	t.Helper()
	err := eng.WithTx(context.Background(), func(tx *sql.Tx) error {
		return AddEdge(context.Background(), tx, from, to, kind, 1.0)
	})
	if err != nil {
		t.Fatalf("AddEdge(%s,%s): %v", from, to, err)
	}
}

func TestVisibilityTierSelf(t *testing.T) {
	eng := openTestEngine(t)
	g := New(eng.DB(), eventlog.New("server-test"))
	touch(t, eng, "a")

	tier, err := g.VisibilityTier(context.Background(), "a", "a")
	if err != nil {
		t.Fatalf("VisibilityTier: %v", err)
	}
	if tier != TierSelf {
		t.Fatalf("expected Self, got %v", tier)
	}
}

func TestVisibilityTierDegrees(t *testing.T) {
	eng := openTestEngine(t)
	g := New(eng.DB(), eventlog.New("server-test"))
	for _, p := range []string{"a", "b", "c", "d"} {
		touch(t, eng, p)
	}
	// chain: a - b - c - d
	addEdge(t, eng, "a", "b", EdgeConnected)
	addEdge(t, eng, "b", "c", EdgeConnected)
	addEdge(t, eng, "c", "d", EdgeConnected)

	cases := []struct {
		target string
		want   Tier
	}{
		{"b", TierDegree1},
		{"c", TierDegree2},
		{"d", TierDegree3},
	}
	for _, tc := range cases {
		got, err := g.VisibilityTier(context.Background(), "a", tc.target)
		if err != nil {
			t.Fatalf("VisibilityTier(a,%s): %v", tc.target, err)
		}
		if got != tc.want {
			t.Fatalf("VisibilityTier(a,%s) = %v, want %v", tc.target, got, tc.want)
		}
	}
}

func TestVisibilityTierBeyondThreeHopsIsAggregateOnly(t *testing.T) {
	eng := openTestEngine(t)
	g := New(eng.DB(), eventlog.New("server-test"))
	chain := []string{"a", "b", "c", "d", "e"}
	for _, p := range chain {
		touch(t, eng, p)
	}
	for i := 0; i < len(chain)-1; i++ {
		addEdge(t, eng, chain[i], chain[i+1], EdgeConnected)
	}

	got, err := g.VisibilityTier(context.Background(), "a", "e")
	if err != nil {
		t.Fatalf("VisibilityTier: %v", err)
	}
	if got != TierAggregateOnly {
		t.Fatalf("expected AggregateOnly beyond degree 3, got %v", got)
	}
}

func TestVisibilityTierUnreachableIsAggregateOnly(t *testing.T) {
	eng := openTestEngine(t)
	g := New(eng.DB(), eventlog.New("server-test"))
	touch(t, eng, "a")
	touch(t, eng, "z")

	got, err := g.VisibilityTier(context.Background(), "a", "z")
	if err != nil {
		t.Fatalf("VisibilityTier: %v", err)
	}
	if got != TierAggregateOnly {
		t.Fatalf("expected AggregateOnly for an unconnected node, got %v", got)
	}
}

func TestPruneIdleMarksStaleNodesAndEmits(t *testing.T) {
	eng := openTestEngine(t)
	log := eventlog.New("server-test")
	g := New(eng.DB(), log)
	touch(t, eng, "stale-one")

	// Force last_seen_at into the past so it is eligible for pruning.
	_, err := eng.DB().Exec(`UPDATE graph_nodes SET last_seen_at = datetime('now', '-1 hour') WHERE pseudonym_hex = ?`, "stale-one")
	if err != nil {
		t.Fatalf("backdate last_seen_at: %v", err)
	}

	var events []*eventlog.Event
	err = eng.WithTx(context.Background(), func(tx *sql.Tx) error {
		evs, err := g.PruneIdle(context.Background(), tx, 30*time.Minute)
		events = evs
		return err
	})
	if err != nil {
		t.Fatalf("PruneIdle: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "NODE_PRUNED" {
		t.Fatalf("expected exactly one NODE_PRUNED event, got %#v", events)
	}

	var prunedAt sql.NullString
	row := eng.DB().QueryRow(`SELECT pruned_at FROM graph_nodes WHERE pseudonym_hex = ?`, "stale-one")
	if err := row.Scan(&prunedAt); err != nil {
		t.Fatalf("scan pruned_at: %v", err)
	}
	if !prunedAt.Valid {
		t.Fatal("expected pruned_at to be set after PruneIdle")
	}
}

func TestPruneIdleSkipsRecentlyActiveNodes(t *testing.T) {
	eng := openTestEngine(t)
	log := eventlog.New("server-test")
	g := New(eng.DB(), log)
	touch(t, eng, "fresh")

	var events []*eventlog.Event
	err := eng.WithTx(context.Background(), func(tx *sql.Tx) error {
		evs, err := g.PruneIdle(context.Background(), tx, 30*time.Minute)
		events = evs
		return err
	})
	if err != nil {
		t.Fatalf("PruneIdle: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no prunes for a freshly active node, got %#v", events)
	}
}
