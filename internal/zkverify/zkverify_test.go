package zkverify

import (
	"math/big"
	"testing"

	"github.com/annex-node/annex/internal/apperr"
)

func TestVerifyRejectsMalformedProofEncoding(t *testing.T) {
	v := &Verifier{}
	proof := &Proof{
		A: [2][]byte{make([]byte, 64), make([]byte, 32)}, // first coord too long
		B: [2][2][]byte{{make([]byte, 32), make([]byte, 32)}, {make([]byte, 32), make([]byte, 32)}},
		C: [2][]byte{make([]byte, 32), make([]byte, 32)},
	}
	err := v.Verify(proof, big.NewInt(1), big.NewInt(2))
	if err == nil {
		t.Fatal("expected error for malformed proof encoding")
	}
	if apperr.CodeOf(err) != apperr.InvalidInput {
		t.Fatalf("expected InvalidInput, got %v", apperr.CodeOf(err))
	}
}

func TestVerifyRejectsOffCurvePoint(t *testing.T) {
	v := &Verifier{}
	zero32 := make([]byte, 32)
	one32 := make([]byte, 32)
	one32[31] = 1
	proof := &Proof{
		A: [2][]byte{one32, one32}, // (1,1) is not on the BN254 G1 curve
		B: [2][2][]byte{{zero32, zero32}, {zero32, zero32}},
		C: [2][]byte{zero32, zero32},
	}
	err := v.Verify(proof, big.NewInt(1), big.NewInt(2))
	if err == nil {
		t.Fatal("expected curve/subgroup validation to fail before pairing")
	}
	if apperr.CodeOf(err) != apperr.InvalidInput {
		t.Fatalf("expected InvalidInput, got %v", apperr.CodeOf(err))
	}
}
