// Package zkverify verifies Groth16 membership proofs over BN254 against a
// known verification key and a pair of public signals {root, commitment}.
// This node never proves anything itself — it only checks proofs produced
// elsewhere (§4.3) — so the package exposes no Setup/Prove path, only
// Verify, and keeps the verification key immutable after load.
package zkverify

import (
	"bytes"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark/backend/groth16"
	groth16bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/frontend"

	"github.com/annex-node/annex/internal/apperr"
)

// membershipCircuit declares the public-signal layout the membership proof
// was generated against: the Merkle root the commitment was proven under,
// and the commitment itself. Only the public witness is ever built here —
// this node never compiles or proves this circuit, only verifies against
// it (see package doc).
type membershipCircuit struct {
	Root       frontend.Variable `gnark:",public"`
	Commitment frontend.Variable `gnark:",public"`
}

func (c *membershipCircuit) Define(api frontend.API) error {
	return nil
}

// Proof is the wire representation of a Groth16 proof: three curve points
// encoded in gnark's uncompressed serialization.
type Proof struct {
	A [2][]byte    // G1 point
	B [2][2][]byte // G2 point
	C [2][]byte    // G1 point
}

// Verifier holds an immutable loaded verification key for the membership
// circuit and verifies proofs against it. Safe for concurrent use; it holds
// no mutable state after construction.
type Verifier struct {
	mu sync.RWMutex
	vk groth16.VerifyingKey
}

// NewVerifier constructs a Verifier from a serialized gnark verification key
// (as produced by groth16.VerifyingKey.WriteTo for the BN254 curve).
func NewVerifier(vkBytes []byte) (*Verifier, error) {
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(vkBytes)); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read verification key")
	}
	return &Verifier{vk: vk}, nil
}

// Verify checks proof against the loaded verification key for public
// signals [root, commitment], both BN254 scalar-field elements supplied as
// big.Int. All curve points are validated on-curve and in the correct
// prime-order subgroup before pairing; any failure returns InvalidProof.
func (v *Verifier) Verify(proof *Proof, root, commitment *big.Int) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	g16Proof, err := decodeProof(proof)
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, err, "InvalidProof: malformed proof encoding")
	}
	if err := validateProofPoints(g16Proof); err != nil {
		return apperr.Wrap(apperr.InvalidInput, err, "InvalidProof: curve/subgroup check failed")
	}

	pub, err := publicWitness(root, commitment)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "build public witness")
	}

	if err := groth16.Verify(g16Proof, v.vk, pub); err != nil {
		return apperr.Wrap(apperr.InvalidInput, err, "InvalidProof: pairing check failed")
	}
	return nil
}

// decodeProof reconstructs a concrete BN254 groth16.Proof from raw
// uncompressed point bytes, the same cast-to-concrete-type pattern used to
// read proof components back out of a groth16.Proof interface value.
func decodeProof(p *Proof) (*groth16bn254.Proof, error) {
	var g16 groth16bn254.Proof

	if err := setG1(&g16.Ar, p.A); err != nil {
		return nil, err
	}
	if err := setG2(&g16.Bs, p.B); err != nil {
		return nil, err
	}
	if err := setG1(&g16.Krs, p.C); err != nil {
		return nil, err
	}
	return &g16, nil
}

func setG1(pt *bn254.G1Affine, coords [2][]byte) error {
	var xb, yb [32]byte
	if err := copyFixed(xb[:], coords[0]); err != nil {
		return err
	}
	if err := copyFixed(yb[:], coords[1]); err != nil {
		return err
	}
	pt.X.SetBytes(xb[:])
	pt.Y.SetBytes(yb[:])
	return nil
}

func setG2(pt *bn254.G2Affine, coords [2][2][]byte) error {
	var x0, x1, y0, y1 [32]byte
	if err := copyFixed(x0[:], coords[0][0]); err != nil {
		return err
	}
	if err := copyFixed(x1[:], coords[0][1]); err != nil {
		return err
	}
	if err := copyFixed(y0[:], coords[1][0]); err != nil {
		return err
	}
	if err := copyFixed(y1[:], coords[1][1]); err != nil {
		return err
	}
	pt.X.A0.SetBytes(x0[:])
	pt.X.A1.SetBytes(x1[:])
	pt.Y.A0.SetBytes(y0[:])
	pt.Y.A1.SetBytes(y1[:])
	return nil
}

func copyFixed(dst, src []byte) error {
	if len(src) > len(dst) {
		return apperr.New(apperr.InvalidInput, "coordinate exceeds %d bytes", len(dst))
	}
	copy(dst[len(dst)-len(src):], src)
	return nil
}

// validateProofPoints rejects the point at infinity and any point not on
// the curve or not in the correct prime-order subgroup, per §4.3.
func validateProofPoints(p *groth16bn254.Proof) error {
	if p.Ar.IsInfinity() || !p.Ar.IsOnCurve() || !p.Ar.IsInSubGroup() {
		return apperr.New(apperr.InvalidInput, "proof point A fails curve/subgroup check")
	}
	if p.Bs.IsInfinity() || !p.Bs.IsOnCurve() || !p.Bs.IsInSubGroup() {
		return apperr.New(apperr.InvalidInput, "proof point B fails curve/subgroup check")
	}
	if p.Krs.IsInfinity() || !p.Krs.IsOnCurve() || !p.Krs.IsInSubGroup() {
		return apperr.New(apperr.InvalidInput, "proof point C fails curve/subgroup check")
	}
	return nil
}

// publicWitness builds the public-only witness for {root, commitment}.
func publicWitness(root, commitment *big.Int) (witness.Witness, error) {
	assignment := &membershipCircuit{Root: root, Commitment: commitment}
	return frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
}
