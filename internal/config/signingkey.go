package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SigningKeyFileName is the 64-hex Ed25519 private key file persisted
// under the data directory per §6's persisted-state layout.
const SigningKeyFileName = "signing_key.hex"

// LoadOrCreateSigningKey resolves this node's federation signing key.
// If inlineHex is non-empty (set via config file or ANNEX_SIGNING_KEY_HEX),
// it is decoded directly. Otherwise the key is loaded from keyPath,
// generating and persisting a fresh one (0600) if the file doesn't exist
// yet.
func LoadOrCreateSigningKey(keyPath, inlineHex string) (ed25519.PrivateKey, error) {
	if strings.TrimSpace(inlineHex) != "" {
		return decodeSigningKeyHex(inlineHex)
	}

	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		return decodeSigningKeyHex(string(data))
	case os.IsNotExist(err):
		_, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("generate signing key: %w", genErr)
		}
		if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
			return nil, fmt.Errorf("create signing key dir: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
			return nil, fmt.Errorf("persist signing key: %w", err)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("read signing key file %s: %w", keyPath, err)
	}
}

func decodeSigningKeyHex(s string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode signing key hex: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	return ed25519.PrivateKey(b), nil
}
