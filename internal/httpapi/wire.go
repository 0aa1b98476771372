package httpapi

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/annex-node/annex/internal/apperr"
	"github.com/annex-node/annex/internal/zkverify"
)

// proofWire is the hex-encoded wire form of a Groth16 proof, matching the
// hex convention the rest of this API uses for curve and field data.
type proofWire struct {
	A [2]string    `json:"a"`
	B [2][2]string `json:"b"`
	C [2]string    `json:"c"`
}

func decodeProofWire(p proofWire) (*zkverify.Proof, error) {
	a0, err := hexDecode(p.A[0])
	if err != nil {
		return nil, err
	}
	a1, err := hexDecode(p.A[1])
	if err != nil {
		return nil, err
	}
	b00, err := hexDecode(p.B[0][0])
	if err != nil {
		return nil, err
	}
	b01, err := hexDecode(p.B[0][1])
	if err != nil {
		return nil, err
	}
	b10, err := hexDecode(p.B[1][0])
	if err != nil {
		return nil, err
	}
	b11, err := hexDecode(p.B[1][1])
	if err != nil {
		return nil, err
	}
	c0, err := hexDecode(p.C[0])
	if err != nil {
		return nil, err
	}
	c1, err := hexDecode(p.C[1])
	if err != nil {
		return nil, err
	}
	return &zkverify.Proof{
		A: [2][]byte{a0, a1},
		B: [2][2][]byte{{b00, b01}, {b10, b11}},
		C: [2][]byte{c0, c1},
	}, nil
}

func hexDecode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, err, "decode proof field hex")
	}
	return b, nil
}

func decodeSigHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, err, "decode signature hex")
	}
	if len(b) != ed25519.SignatureSize {
		return nil, apperr.New(apperr.InvalidInput, "signature must be %d bytes, got %d", ed25519.SignatureSize, len(b))
	}
	return b, nil
}
