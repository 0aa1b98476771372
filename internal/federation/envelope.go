// Package federation implements bilateral federation (§4.10): the
// handshake that establishes a VRP-negotiated agreement between two
// servers, membership attestation fetched and verified against a remote
// Merkle root, and signed relay of messages/bundles subject to
// transfer-scope redaction.
package federation

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/annex-node/annex/internal/apperr"
)

// canonicalize joins fields with a separator byte that cannot appear
// inside any field's hex/base64/JSON encoding, so ("ab","cd") and
// ("a","bcd") never collide. Concatenation without a delimiter is the
// exact protocol bug this guards against.
func canonicalize(fields ...string) []byte {
	return []byte(strings.Join(fields, "\x1e"))
}

// Sign produces a detached Ed25519 signature over the canonicalized
// fields.
func Sign(priv ed25519.PrivateKey, fields ...string) []byte {
	return ed25519.Sign(priv, canonicalize(fields...))
}

// Verify checks a detached Ed25519 signature over the canonicalized
// fields.
func Verify(pub ed25519.PublicKey, sig []byte, fields ...string) error {
	if len(pub) != ed25519.PublicKeySize {
		return apperr.New(apperr.InvalidInput, "malformed Ed25519 public key")
	}
	if len(sig) != ed25519.SignatureSize {
		return apperr.New(apperr.InvalidInput, "malformed Ed25519 signature")
	}
	if !ed25519.Verify(pub, canonicalize(fields...), sig) {
		return apperr.New(apperr.Unauthorized, "Ed25519 signature verification failed")
	}
	return nil
}

// DecodePublicKey parses a hex-encoded Ed25519 public key.
func DecodePublicKey(hexKey string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, err, "decode public key hex")
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, apperr.New(apperr.InvalidInput, "public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// EnvelopeKey computes the relay dedup key for a message or bundle
// envelope: sha256 of the canonicalized (remote_instance_id, id) pair.
func EnvelopeKey(remoteInstanceID, id string) string {
	h := sha256.Sum256(canonicalize(remoteInstanceID, id))
	return hex.EncodeToString(h[:])
}
