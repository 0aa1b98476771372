package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/annex-node/annex/internal/apperr"
)

// migration is one forward-only, numbered schema step.
type migration struct {
	version int
	stmts   []string
}

// migrations is the ordered, append-only list of schema changes. Never edit
// an already-released entry; add a new one instead.
var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS merkle_leaves (
				leaf_index INTEGER PRIMARY KEY,
				commitment_hex TEXT NOT NULL UNIQUE,
				role_code TEXT NOT NULL,
				node_id TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS merkle_roots (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				root_hex TEXT NOT NULL,
				leaf_count INTEGER NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_merkle_roots_created ON merkle_roots(created_at)`,
			`CREATE TABLE IF NOT EXISTS nullifiers (
				nullifier_hex TEXT PRIMARY KEY,
				topic TEXT NOT NULL,
				pseudonym_hex TEXT NOT NULL,
				leaf_index INTEGER NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_nullifiers_pseudonym ON nullifiers(pseudonym_hex)`,
			`CREATE TABLE IF NOT EXISTS identities (
				pseudonym_hex TEXT PRIMARY KEY,
				role_code INTEGER NOT NULL,
				node_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_identities_status ON identities(status)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS event_log (
				server_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				domain TEXT NOT NULL,
				event_type TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (server_id, seq)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_event_log_domain ON event_log(domain)`,
			`CREATE INDEX IF NOT EXISTS idx_event_log_created ON event_log(created_at)`,
		},
	},
	{
		version: 3,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS graph_nodes (
				pseudonym_hex TEXT PRIMARY KEY,
				display_role TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				pruned_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_nodes_last_seen ON graph_nodes(last_seen_at)`,
			`CREATE TABLE IF NOT EXISTS graph_edges (
				from_pseudonym_hex TEXT NOT NULL,
				to_pseudonym_hex TEXT NOT NULL,
				relation TEXT NOT NULL,
				weight REAL NOT NULL DEFAULT 1.0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (from_pseudonym_hex, to_pseudonym_hex, relation)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_edges_to ON graph_edges(to_pseudonym_hex)`,
		},
	},
	{
		version: 4,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS channels (
				channel_id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				channel_type TEXT NOT NULL,
				topic TEXT NOT NULL DEFAULT '',
				required_capabilities TEXT NOT NULL DEFAULT '[]',
				agent_min_alignment TEXT NOT NULL DEFAULT 'conflict',
				retention_seconds INTEGER,
				federation_scope TEXT NOT NULL DEFAULT 'local',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS channel_members (
				channel_id TEXT NOT NULL,
				pseudonym_hex TEXT NOT NULL,
				joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (channel_id, pseudonym_hex)
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				message_id TEXT PRIMARY KEY,
				channel_id TEXT NOT NULL,
				sender_pseudonym_hex TEXT NOT NULL,
				content TEXT NOT NULL,
				reply_to TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				expires_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_expires ON messages(expires_at)`,
			`CREATE TABLE IF NOT EXISTS message_edits (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				message_id TEXT NOT NULL,
				previous_content TEXT NOT NULL,
				edited_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_message_edits_message ON message_edits(message_id)`,
		},
	},
	{
		version: 5,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS vrp_anchors (
				pseudonym_hex TEXT PRIMARY KEY,
				principles TEXT NOT NULL DEFAULT '[]',
				prohibitions TEXT NOT NULL DEFAULT '[]',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS vrp_outcomes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				pseudonym_hex TEXT NOT NULL,
				counterparty_hex TEXT NOT NULL,
				tier TEXT NOT NULL,
				outcome TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_vrp_outcomes_pseudonym ON vrp_outcomes(pseudonym_hex)`,
			`CREATE TABLE IF NOT EXISTS vrp_reputation (
				pseudonym_hex TEXT PRIMARY KEY,
				score REAL NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
		},
	},
	{
		version: 6,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS federation_peers (
				remote_instance_id TEXT PRIMARY KEY,
				base_url TEXT NOT NULL,
				public_key_hex TEXT NOT NULL,
				alignment_status TEXT NOT NULL DEFAULT 'conflict',
				transfer_scope TEXT NOT NULL DEFAULT 'no_transfer',
				active INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS federation_attestations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				remote_instance_id TEXT NOT NULL,
				topic TEXT NOT NULL,
				commitment_hex TEXT NOT NULL,
				pseudonym_hex TEXT NOT NULL,
				participant_type TEXT NOT NULL,
				signature_hex TEXT NOT NULL,
				received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_federation_attestations_remote ON federation_attestations(remote_instance_id)`,
			`CREATE TABLE IF NOT EXISTS rtx_transfer_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				remote_instance_id TEXT NOT NULL,
				message_id TEXT,
				bundle_id TEXT,
				decision TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS rtx_relay_dedup (
				envelope_key TEXT PRIMARY KEY,
				remote_instance_id TEXT NOT NULL,
				received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
		},
	},
	{
		version: 7,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS policy_versions (
				version INTEGER PRIMARY KEY,
				document TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
		},
	},
	{
		version: 8,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS agent_registrations (
				pseudonym_hex TEXT PRIMARY KEY,
				principles TEXT NOT NULL DEFAULT '[]',
				prohibited TEXT NOT NULL DEFAULT '[]',
				alignment_tier TEXT NOT NULL DEFAULT 'conflict',
				active INTEGER NOT NULL DEFAULT 0,
				policy_version INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_registrations_active ON agent_registrations(active)`,
			`ALTER TABLE federation_peers ADD COLUMN principles TEXT NOT NULL DEFAULT '[]'`,
			`ALTER TABLE federation_peers ADD COLUMN prohibited TEXT NOT NULL DEFAULT '[]'`,
			`ALTER TABLE federation_peers ADD COLUMN policy_version INTEGER NOT NULL DEFAULT 0`,
		},
	},
	{
		version: 9,
		stmts: []string{
			// At most one merkle_roots row is ever active at a time (§3);
			// identity.Register deactivates the prior root in the same
			// transaction that inserts the new one. Backfill sets the
			// newest existing row active so upgraded databases start
			// consistent.
			`ALTER TABLE merkle_roots ADD COLUMN active INTEGER NOT NULL DEFAULT 0`,
			`UPDATE merkle_roots SET active = 1 WHERE id = (SELECT MAX(id) FROM merkle_roots)`,
			`CREATE INDEX IF NOT EXISTS idx_merkle_roots_active ON merkle_roots(active)`,
			// Platform-identity capability flags (§3: "mutated by operator
			// admin"), never previously given a storage column.
			`ALTER TABLE identities ADD COLUMN capability_flags TEXT NOT NULL DEFAULT '[]'`,
		},
	},
}

// migrate runs every migration with version greater than the highest
// already recorded in schema_migrations, each inside its own transaction.
func (e *Engine) migrate(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, migrations[0].stmts[0]); err != nil {
		return apperr.Wrap(apperr.Internal, err, "create schema_migrations table")
	}

	applied, err := e.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := e.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (e *Engine) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read schema_migrations")
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan schema_migrations")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (e *Engine) applyMigration(ctx context.Context, m migration) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "begin migration transaction")
	}
	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return apperr.Wrap(apperr.Internal, err, "apply migration statement")
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		_ = tx.Rollback()
		return apperr.Wrap(apperr.Internal, err, "record migration version")
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "commit migration")
	}
	return nil
}

// currentVersion reports the highest applied migration version, for
// diagnostics.
func (e *Engine) currentVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	row := e.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`)
	if err := row.Scan(&v); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "read current schema version")
	}
	return int(v.Int64), nil
}
