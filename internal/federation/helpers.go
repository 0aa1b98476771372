package federation

import (
	"crypto/ed25519"
	"encoding/hex"
	"math/big"

	"github.com/annex-node/annex/internal/apperr"
)

func decodeSignature(hexSig string) ([]byte, error) {
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, err, "decode signature hex")
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, apperr.New(apperr.InvalidInput, "signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	return sig, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rootAndCommitmentAsBigInt(rootHex, commitmentHex string) (*big.Int, *big.Int, error) {
	root, ok := new(big.Int).SetString(rootHex, 16)
	if !ok {
		return nil, nil, apperr.New(apperr.InvalidInput, "malformed root hex")
	}
	commitment, ok := new(big.Int).SetString(commitmentHex, 16)
	if !ok {
		return nil, nil, apperr.New(apperr.InvalidInput, "malformed commitment hex")
	}
	return root, commitment, nil
}
