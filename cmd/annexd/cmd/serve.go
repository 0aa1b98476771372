package cmd

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/annex-node/annex/internal/channelfabric"
	"github.com/annex-node/annex/internal/config"
	"github.com/annex-node/annex/internal/connmgr"
	"github.com/annex-node/annex/internal/eventlog"
	"github.com/annex-node/annex/internal/federation"
	"github.com/annex-node/annex/internal/graph"
	"github.com/annex-node/annex/internal/health"
	"github.com/annex-node/annex/internal/httpapi"
	"github.com/annex-node/annex/internal/identity"
	"github.com/annex-node/annex/internal/merkle"
	"github.com/annex-node/annex/internal/policy"
	"github.com/annex-node/annex/internal/storage"
	"github.com/annex-node/annex/internal/vrp"
	"github.com/annex-node/annex/internal/zkverify"
	"github.com/spf13/cobra"
)

var vkPathFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the annex node (HTTP API, retention sweeper, presence pruner)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&vkPathFlag, "vk-path", "", "path to the Groth16 membership verification key (default: <data dir>/membership_vk.bin)")
}

// bootstrapPolicy is published once, the first time a node ever starts,
// so downstream components always have an active policy.Document to
// consult. Operators are expected to publish a real document via the
// policy engine afterward; these values are a conservative starting
// posture (no agents admitted, federation off).
var bootstrapPolicy = policy.Document{
	Principles:                []string{"respect consent", "no impersonation"},
	Prohibited:                []string{"deception", "unsolicited persuasion"},
	AgentMinAlignment:         vrp.TierAligned,
	AgentRequiredCapabilities: nil,
	FederationEnabled:         false,
	DefaultRetentionDays:      30,
	VoiceEnabled:              false,
	MaxMembers:                0,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := storage.Open(ctx, storage.Config{
		Path:          cfg.DB.Path,
		BusyTimeoutMs: cfg.DB.BusyTimeoutMs,
		PoolMaxSize:   cfg.DB.PoolMaxSize,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer engine.Close()

	dataDir := filepath.Dir(cfg.DB.Path)
	signingKey, err := config.LoadOrCreateSigningKey(filepath.Join(dataDir, config.SigningKeyFileName), cfg.SigningKeyHex)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	publicKeyHex := hex.EncodeToString(signingKey.Public().(ed25519.PublicKey))
	serverID := publicKeyHex

	registry := merkle.NewRegistry(cfg.Merkle.TreeDepth)
	if err := restoreMerkleRegistry(ctx, engine.DB(), registry); err != nil {
		return fmt.Errorf("restore merkle registry: %w", err)
	}

	vkPath := vkPathFlag
	if vkPath == "" {
		vkPath = filepath.Join(dataDir, "membership_vk.bin")
	}
	vkBytes, err := os.ReadFile(vkPath)
	if err != nil {
		return fmt.Errorf("read membership verification key %s: %w", vkPath, err)
	}
	verifier, err := zkverify.NewVerifier(vkBytes)
	if err != nil {
		return fmt.Errorf("load membership verification key: %w", err)
	}

	events := eventlog.New(serverID)
	idPlane := identity.New(engine, registry, verifier, events)
	policyEng := policy.New(engine.DB(), events)

	policyDoc, err := ensureBootstrapPolicy(ctx, engine, policyEng)
	if err != nil {
		return fmt.Errorf("bootstrap policy: %w", err)
	}

	localPolicy := vrp.Policy{Principles: policyDoc.Principles, Prohibitions: policyDoc.Prohibited}
	fed := federation.New(engine.DB(), events, idPlane, verifier, signingKey, localPolicy, vrp.CapabilityContract{})
	channels := channelfabric.New(engine.DB(), events, int64(policyDoc.DefaultRetentionDays)*86400)
	conns := connmgr.New()
	presence := graph.New(engine.DB(), events)
	monitor := health.New()

	srv := httpapi.New(engine, idPlane, registry, verifier, channels, policyEng, fed, conns, events, presence, monitor, serverID, signingKey, publicKeyHex)

	sweeper := channelfabric.NewRetentionSweeper(engine, channels, time.Duration(cfg.Retention.CheckIntervalSeconds)*time.Second)
	go monitor.Supervise(ctx, "retention-sweeper", sweeper.Run)
	go monitor.Supervise(ctx, "presence-pruner", func(ctx context.Context) error {
		runPresencePruner(ctx, engine, events, presence, cfg.Retention)
		return ctx.Err()
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.NewMux(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("annex node listening", "addr", addr, "public_url", cfg.PublicURL, "server_id", serverID)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// restoreMerkleRegistry rebuilds the in-memory tree from persisted leaves
// before any request is served, per §3's ownership rule that the Merkle
// Registry must be rebuilt from storage at startup.
func restoreMerkleRegistry(ctx context.Context, db *sql.DB, registry *merkle.Registry) error {
	rows, err := db.QueryContext(ctx, `SELECT commitment_hex FROM merkle_leaves ORDER BY leaf_index ASC`)
	if err != nil {
		return fmt.Errorf("query merkle leaves: %w", err)
	}
	defer rows.Close()

	var leaves []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return fmt.Errorf("scan merkle leaf: %w", err)
		}
		leaves = append(leaves, c)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	rootHex := registry.ActiveRootHex()
	row := db.QueryRowContext(ctx, `SELECT root_hex FROM merkle_roots ORDER BY id DESC LIMIT 1`)
	var stored string
	if err := row.Scan(&stored); err == nil {
		rootHex = stored
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("query latest merkle root: %w", err)
	}

	return registry.Restore(leaves, rootHex)
}

// ensureBootstrapPolicy publishes bootstrapPolicy the first time this node
// starts with no published policy, so every policy-consulting component
// has a document to read.
func ensureBootstrapPolicy(ctx context.Context, engine *storage.Engine, policyEng *policy.Engine) (policy.Document, error) {
	_, doc, err := policyEng.Active(ctx)
	if err == nil {
		return doc, nil
	}

	err = engine.WithTx(ctx, func(tx *sql.Tx) error {
		_, txErr := policyEng.Publish(ctx, tx, bootstrapPolicy)
		return txErr
	})
	if err != nil {
		return policy.Document{}, err
	}
	return bootstrapPolicy, nil
}

// runPresencePruner periodically marks graph nodes idle past the
// configured inactivity threshold, publishing the resulting NODE_PRUNED
// events only after the pruning transaction has actually committed.
func runPresencePruner(ctx context.Context, engine *storage.Engine, events *eventlog.Log, presence *graph.Graph, cfg config.RetentionConfig) {
	interval := time.Duration(cfg.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	threshold := time.Duration(cfg.InactivityThresholdSeconds) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var pruned []*eventlog.Event
			err := engine.WithTx(ctx, func(tx *sql.Tx) error {
				var txErr error
				pruned, txErr = presence.PruneIdle(ctx, tx, threshold)
				return txErr
			})
			if err != nil {
				slog.Error("presence pruner failed", "error", err)
				continue
			}
			for _, ev := range pruned {
				events.Publish(ev)
			}
		}
	}
}
