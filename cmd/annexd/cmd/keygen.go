package cmd

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/annex-node/annex/internal/config"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate (or display) this node's federation signing key",
	RunE:  runKeygen,
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	keyPath := filepath.Join(filepath.Dir(cfg.DB.Path), config.SigningKeyFileName)
	priv, err := config.LoadOrCreateSigningKey(keyPath, cfg.SigningKeyHex)
	if err != nil {
		return fmt.Errorf("load or create signing key: %w", err)
	}

	pub := priv.Public().(ed25519.PublicKey)
	fmt.Printf("signing key: %s\n", keyPath)
	fmt.Printf("public key:  %s\n", hex.EncodeToString(pub))
	return nil
}
