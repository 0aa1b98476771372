// Package merkle implements the in-memory Poseidon Merkle registry mirrored
// to storage, per §4.2 of the specification. The tree is the authoritative
// in-memory mirror of persisted leaves/roots; it must only be mutated after
// the corresponding storage commit has succeeded (see Registry.Apply).
package merkle

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/annex-node/annex/internal/apperr"
	"github.com/annex-node/annex/internal/poseidon"
)

// PreviewResult is the would-be outcome of inserting a commitment, computed
// without mutating tree state.
type PreviewResult struct {
	LeafIndex    int
	NewRootHex   string
	Siblings     []string
	DirectionBits []bool
}

// Proof is a Merkle membership path against the tree's current active root.
type Proof struct {
	Siblings      []string
	DirectionBits []bool
	RootHex       string
}

// Registry is the in-memory Poseidon Merkle tree of depth Depth.
type Registry struct {
	mu         sync.RWMutex
	depth      int
	leaves     []fr.Element
	zeroHashes []fr.Element // zeroHashes[i] is the hash of an empty subtree of height i
	activeRoot fr.Element
}

// NewRegistry creates an empty registry of the given depth (1..30).
func NewRegistry(depth int) *Registry {
	r := &Registry{depth: depth}
	r.zeroHashes = make([]fr.Element, depth+1)
	// zeroHashes[0] is the hash of an empty leaf slot.
	r.zeroHashes[0].SetZero()
	for i := 1; i <= depth; i++ {
		r.zeroHashes[i] = poseidon.Hash2(r.zeroHashes[i-1], r.zeroHashes[i-1])
	}
	r.activeRoot = r.zeroHashes[depth]
	return r
}

// Capacity returns 2^depth, the maximum number of leaves.
func (r *Registry) Capacity() int64 {
	return int64(1) << uint(r.depth)
}

// Size returns the current number of inserted leaves.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.leaves)
}

// ActiveRootHex returns the current active root as lowercase hex.
func (r *Registry) ActiveRootHex() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return elementToHex(r.activeRoot)
}

// PreviewInsert computes the result of inserting commitmentHex without
// mutating in-memory state.
func (r *Registry) PreviewInsert(commitmentHex string) (*PreviewResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	leafIndex := len(r.leaves)
	if int64(leafIndex) >= r.Capacity() {
		return nil, apperr.New(apperr.CapacityExceeded, "merkle tree is full at depth %d", r.depth)
	}

	leaf, err := hexToElement(commitmentHex)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, err, "invalid commitment hex")
	}

	siblings := make([]string, r.depth)
	directionBits := make([]bool, r.depth)

	cur := leaf
	idx := leafIndex
	for level := 0; level < r.depth; level++ {
		sibling := r.siblingAt(level, idx)
		isRight := idx%2 == 1
		directionBits[level] = isRight
		siblings[level] = elementToHex(sibling)

		if isRight {
			cur = poseidon.Hash2(sibling, cur)
		} else {
			cur = poseidon.Hash2(cur, sibling)
		}
		idx /= 2
	}

	return &PreviewResult{
		LeafIndex:     leafIndex,
		NewRootHex:    elementToHex(cur),
		Siblings:      siblings,
		DirectionBits: directionBits,
	}, nil
}

// siblingAt returns the sibling node at `level` for the leaf path reaching
// `idx`, computed over the currently committed leaves (r.mu held by caller).
func (r *Registry) siblingAt(level, idx int) fr.Element {
	siblingIdx := idx ^ 1
	return r.nodeAt(level, siblingIdx)
}

// nodeAt computes the value of the node at (level, idx) in the tree built
// from the current leaf set, falling back to the precomputed zero subtree
// hash when idx is beyond the populated leaves.
func (r *Registry) nodeAt(level, idx int) fr.Element {
	if level == 0 {
		if idx < len(r.leaves) {
			return r.leaves[idx]
		}
		return r.zeroHashes[0]
	}
	left := r.nodeAt(level-1, idx*2)
	right := r.nodeAt(level-1, idx*2+1)
	// Short-circuit: if both children are the canonical empty-subtree hash
	// for this height, the parent is too — avoids needlessly recomputing
	// Poseidon over the (much larger) populated region for sparse tails.
	if left.Equal(&r.zeroHashes[level-1]) && right.Equal(&r.zeroHashes[level-1]) {
		return r.zeroHashes[level]
	}
	return poseidon.Hash2(left, right)
}

// Apply commits a previously previewed insertion to in-memory state. It
// fails if leafIndex does not equal the current size, enforcing the
// atomicity contract described in §4.2: callers must persist the leaf and
// root rows first, and only call Apply after that transaction commits.
func (r *Registry) Apply(leafIndex int, commitmentHex, newRootHex string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if leafIndex != len(r.leaves) {
		return apperr.New(apperr.Conflict, "leaf index %d does not match current size %d", leafIndex, len(r.leaves))
	}
	leaf, err := hexToElement(commitmentHex)
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, err, "invalid commitment hex")
	}
	r.leaves = append(r.leaves, leaf)

	root, err := hexToElement(newRootHex)
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, err, "invalid root hex")
	}
	r.activeRoot = root
	return nil
}

// Proof produces a membership proof for leafIndex against the current
// active root.
func (r *Registry) Proof(leafIndex int) (*Proof, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if leafIndex < 0 || leafIndex >= len(r.leaves) {
		return nil, apperr.New(apperr.NotFound, "no leaf at index %d", leafIndex)
	}

	siblings := make([]string, r.depth)
	directionBits := make([]bool, r.depth)
	idx := leafIndex
	for level := 0; level < r.depth; level++ {
		sibling := r.siblingAt(level, idx)
		siblings[level] = elementToHex(sibling)
		directionBits[level] = idx%2 == 1
		idx /= 2
	}
	return &Proof{
		Siblings:      siblings,
		DirectionBits: directionBits,
		RootHex:       elementToHex(r.activeRoot),
	}, nil
}

// Restore reloads leaves in ascending index order and recomputes the root,
// refusing to proceed if it diverges from storedActiveRootHex. Callers must
// run this at startup before serving any request, per §3's ownership rule
// ("the Merkle Registry ... must be rebuilt from persisted state at
// startup").
func (r *Registry) Restore(leavesHex []string, storedActiveRootHex string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int64(len(leavesHex)) > r.Capacity() {
		return apperr.New(apperr.Internal, "persisted leaf count %d exceeds tree capacity %d", len(leavesHex), r.Capacity())
	}

	leaves := make([]fr.Element, len(leavesHex))
	for i, h := range leavesHex {
		e, err := hexToElement(h)
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "invalid persisted leaf at index %d", i)
		}
		leaves[i] = e
	}
	r.leaves = leaves

	root := r.nodeAt(r.depth, 0)
	if elementToHex(root) != normalizeHex(storedActiveRootHex) {
		return apperr.New(apperr.Internal, "RootMismatchOnRestore: recomputed root %s != stored active root %s", elementToHex(root), normalizeHex(storedActiveRootHex))
	}
	r.activeRoot = root
	return nil
}

func hexToElement(h string) (fr.Element, error) {
	var e fr.Element
	h = normalizeHex(h)
	b, err := hex.DecodeString(h)
	if err != nil {
		return e, fmt.Errorf("decode hex: %w", err)
	}
	e.SetBigInt(new(big.Int).SetBytes(b))
	return e, nil
}

func elementToHex(e fr.Element) string {
	b := e.Bytes()
	return hex.EncodeToString(b[:])
}

func normalizeHex(h string) string {
	h = strings.ToLower(strings.TrimPrefix(h, "0x"))
	for len(h) < 64 {
		h = "0" + h
	}
	return h
}
