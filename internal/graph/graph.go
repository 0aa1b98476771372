// Package graph implements the pseudonymous presence graph (§4.7): node
// materialization, edge relations, BFS-based visibility tiers, activity
// tracking, and soft pruning of idle nodes.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/annex-node/annex/internal/apperr"
	"github.com/annex-node/annex/internal/eventlog"
)

// EdgeKind is the closed set of relations an edge may carry.
type EdgeKind string

const (
	EdgeMemberOf      EdgeKind = "MemberOf"
	EdgeConnected     EdgeKind = "Connected"
	EdgeAgentServing  EdgeKind = "AgentServing"
	EdgeFederatedWith EdgeKind = "FederatedWith"
	EdgeModerates     EdgeKind = "Moderates"
)

// maxBFSDepth and maxBFSVisited bound every visibility traversal so an
// adversarial or pathological graph cannot turn a query into a full scan.
const (
	maxBFSDepth   = 10
	maxBFSVisited = 10000
)

// activityDedupWindow is the minimum interval between last_seen_at writes
// for the same pseudonym.
const activityDedupWindow = 30 * time.Second

// Tier is a visibility level relative to a verified viewer.
type Tier string

const (
	TierSelf          Tier = "self"
	TierDegree1       Tier = "degree1"
	TierDegree2       Tier = "degree2"
	TierDegree3       Tier = "degree3"
	TierAggregateOnly Tier = "aggregate_only"
)

// Node is a materialized presence-graph row.
type Node struct {
	PseudonymHex string
	DisplayRole  string
	Metadata     json.RawMessage
	LastSeenAt   time.Time
	Active       bool
}

// Graph composes the storage engine and event log for presence operations.
type Graph struct {
	db     *sql.DB
	events *eventlog.Log
}

// New constructs a Graph bound to db for reads/writes and events for
// NODE_PRUNED notifications.
func New(db *sql.DB, events *eventlog.Log) *Graph {
	return &Graph{db: db, events: events}
}

// Touch updates last_seen_at for pseudonym, but only if the prior update
// was more than activityDedupWindow ago, and reactivates a pruned node.
// Must run inside the caller's transaction alongside whatever action
// generated the activity (a verification, a send, a join).
func Touch(ctx context.Context, tx *sql.Tx, pseudonymHex, displayRole string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO graph_nodes (pseudonym_hex, display_role, last_seen_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(pseudonym_hex) DO UPDATE SET
			pruned_at = NULL,
			last_seen_at = CASE
				WHEN (julianday('now') - julianday(last_seen_at)) * 86400.0 >= ?
				THEN CURRENT_TIMESTAMP
				ELSE last_seen_at
			END
	`, pseudonymHex, displayRole, activityDedupWindow.Seconds())
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "touch graph node activity")
	}
	return nil
}

// AddEdge materializes a relation between two pseudonyms, idempotently.
func AddEdge(ctx context.Context, tx *sql.Tx, from, to string, kind EdgeKind, weight float64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO graph_edges (from_pseudonym_hex, to_pseudonym_hex, relation, weight)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(from_pseudonym_hex, to_pseudonym_hex, relation) DO UPDATE SET weight = excluded.weight
	`, from, to, string(kind), weight)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "materialize graph edge")
	}
	return nil
}

// Neighbors returns every pseudonym directly connected to pseudonymHex by
// an edge of any kind, undirected.
func (g *Graph) Neighbors(ctx context.Context, pseudonymHex string) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT to_pseudonym_hex FROM graph_edges WHERE from_pseudonym_hex = ?
		UNION
		SELECT from_pseudonym_hex FROM graph_edges WHERE to_pseudonym_hex = ?
	`, pseudonymHex, pseudonymHex)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "query neighbors")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan neighbor")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// VisibilityTier runs a capped BFS from viewer and classifies target's
// tier relative to it: Self if target==viewer, Degree1/2/3 for the BFS
// depth at which target is first reached, AggregateOnly if target is
// never reached within the depth/visited caps.
func (g *Graph) VisibilityTier(ctx context.Context, viewerPseudonymHex, targetPseudonymHex string) (Tier, error) {
	if viewerPseudonymHex == targetPseudonymHex {
		return TierSelf, nil
	}

	visited := map[string]int{viewerPseudonymHex: 0}
	frontier := []string{viewerPseudonymHex}

	for depth := 1; depth <= maxBFSDepth && depth <= 3; depth++ {
		var next []string
		for _, node := range frontier {
			if len(visited) >= maxBFSVisited {
				break
			}
			neighbors, err := g.Neighbors(ctx, node)
			if err != nil {
				return "", err
			}
			for _, n := range neighbors {
				if _, seen := visited[n]; seen {
					continue
				}
				visited[n] = depth
				next = append(next, n)
				if len(visited) >= maxBFSVisited {
					break
				}
			}
		}
		if d, ok := visited[targetPseudonymHex]; ok {
			return degreeTier(d), nil
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}

	return TierAggregateOnly, nil
}

func degreeTier(depth int) Tier {
	switch depth {
	case 1:
		return TierDegree1
	case 2:
		return TierDegree2
	case 3:
		return TierDegree3
	default:
		return TierAggregateOnly
	}
}

// PruneIdle sets pruned_at for every unpruned node whose last_seen_at is
// older than threshold and emits NODE_PRUNED for each, inside one
// transaction per invocation. Returns the emitted events so
// the caller can Publish them only after the surrounding transaction
// commits successfully.
func (g *Graph) PruneIdle(ctx context.Context, tx *sql.Tx, threshold time.Duration) ([]*eventlog.Event, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT pseudonym_hex FROM graph_nodes
		WHERE pruned_at IS NULL AND (julianday('now') - julianday(last_seen_at)) * 86400.0 >= ?
	`, threshold.Seconds())
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "select idle nodes")
	}
	var stale []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, apperr.Wrap(apperr.Internal, err, "scan idle node")
		}
		stale = append(stale, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "iterate idle nodes")
	}

	events := make([]*eventlog.Event, 0, len(stale))
	for _, pseudonymHex := range stale {
		if _, err := tx.ExecContext(ctx, `UPDATE graph_nodes SET pruned_at = CURRENT_TIMESTAMP WHERE pseudonym_hex = ?`, pseudonymHex); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "mark node pruned")
		}
		payload, _ := json.Marshal(map[string]string{"pseudonymHex": pseudonymHex})
		ev, err := g.events.Emit(ctx, tx, eventlog.DomainPresence, "NODE_PRUNED", json.RawMessage(payload))
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
