// Package vrp implements the Value Resonance Protocol trust-negotiation
// engine (§4.5): anchor snapshotting, alignment classification between two
// declared policies, capability-contract evaluation, and reputation
// decay. The engine is pure — every function here takes its inputs as
// arguments and returns a result with no hidden state; persistence is the
// caller's responsibility, always inside the caller's own transaction.
package vrp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"sort"
	"strings"
)

// Thresholds for alignment classification. These are server-policy
// constants, not protocol-fixed values; a deployment may tune them, but
// the classification logic itself is fixed.
const (
	AlignedThreshold    = 0.75 // principles/prohibitions overlap ratio required for Aligned
	AlignedThresholdRep = 0.6  // reputation required for Aligned
	ConflictThreshold   = 0.2  // reputation below this forces Conflict regardless of overlap
)

// Tier is the alignment classification outcome.
type Tier string

const (
	TierAligned  Tier = "aligned"
	TierPartial  Tier = "partial"
	TierConflict Tier = "conflict"
)

// TransferScope gates how much content may cross a federation link at a
// given tier.
type TransferScope string

const (
	ScopeNoTransfer    TransferScope = "no_transfer"
	ScopeSummariesOnly TransferScope = "summaries_only"
	ScopeFullBundle    TransferScope = "full_bundle"
)

// lexOrder gives Conflict < Partial < Aligned for comparing a declared
// minimum against an observed tier.
var lexOrder = map[Tier]int{TierConflict: 0, TierPartial: 1, TierAligned: 2}

// AtLeast reports whether t meets or exceeds min in the fixed
// Conflict < Partial < Aligned order.
func (t Tier) AtLeast(min Tier) bool {
	return lexOrder[t] >= lexOrder[min]
}

// Policy is the declared principles/prohibitions of one party.
type Policy struct {
	Principles   []string
	Prohibitions []string
}

// AnchorSnapshot is the canonical-sorted, hashed summary of a Policy.
type AnchorSnapshot struct {
	PrinciplesHash string
	ProhibitedHash string
	CombinedHash   string
}

// Anchor canonical-sorts each list, hashes each, then hashes the pair —
// §4.5's anchor(policy) operation.
func Anchor(p Policy) AnchorSnapshot {
	principlesHash := hashLines(p.Principles)
	prohibitedHash := hashLines(p.Prohibitions)
	combined := sha256.Sum256([]byte(principlesHash + "\x00" + prohibitedHash))
	return AnchorSnapshot{
		PrinciplesHash: principlesHash,
		ProhibitedHash: prohibitedHash,
		CombinedHash:   hex.EncodeToString(combined[:]),
	}
}

// hashLines canonical-sorts lines and hashes them joined by a sentinel
// byte that cannot appear inside a line, so ("ab","cd") and ("a","bcd")
// never collide.
func hashLines(lines []string) string {
	sorted := append([]string(nil), lines...)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(h[:])
}

// CapabilityContract is a party's declared federation behavior and limits.
type CapabilityContract struct {
	KnowledgeDomainsAllowed map[string]bool
	RedactedTopics          map[string]bool
	RetentionPolicySeconds  int64
	MaxExchangeSizeBytes    int64
}

// ContractsMutuallyAccepted reports whether local and remote's contracts
// are compatible: each party's advertised behavior must be a subset of the
// counterparty's allowed constraints, and retention/size limits must fit
// within the receiver's bounds.
func ContractsMutuallyAccepted(local, remote CapabilityContract) bool {
	if !isSubsetAllowingRedactions(local.KnowledgeDomainsAllowed, remote.KnowledgeDomainsAllowed, remote.RedactedTopics) {
		return false
	}
	if !isSubsetAllowingRedactions(remote.KnowledgeDomainsAllowed, local.KnowledgeDomainsAllowed, local.RedactedTopics) {
		return false
	}
	if local.RetentionPolicySeconds > remote.RetentionPolicySeconds && remote.RetentionPolicySeconds > 0 {
		return false
	}
	if local.MaxExchangeSizeBytes > remote.MaxExchangeSizeBytes && remote.MaxExchangeSizeBytes > 0 {
		return false
	}
	return true
}

// isSubsetAllowingRedactions reports whether every domain in `want` (minus
// anything the counterparty has redacted) is present in `allowed`.
func isSubsetAllowingRedactions(want, allowed, redacted map[string]bool) bool {
	for domain := range want {
		if redacted[domain] {
			continue
		}
		if !allowed[domain] {
			return false
		}
	}
	return true
}

// Report is the outcome of comparing two parties' anchors and contracts.
type Report struct {
	PrinciplesOverlap   float64
	ProhibitionsOverlap float64
	DirectConflict      bool
	ContractsAccepted   bool
	Tier                Tier
	Scope               TransferScope
}

// Compare implements §4.5's compare(local, remote, contracts, reputation).
func Compare(local, remote Policy, localContract, remoteContract CapabilityContract, reputation float64) Report {
	principlesOverlap := jaccardRatio(local.Principles, remote.Principles)
	prohibitionsOverlap := jaccardRatio(local.Prohibitions, remote.Prohibitions)
	directConflict := hasDirectConflict(local, remote)
	contractsOK := ContractsMutuallyAccepted(localContract, remoteContract)

	var tier Tier
	switch {
	case directConflict || !contractsOK || reputation < ConflictThreshold:
		tier = TierConflict
	case principlesOverlap >= AlignedThreshold && prohibitionsOverlap >= AlignedThreshold && reputation >= AlignedThresholdRep:
		tier = TierAligned
	default:
		tier = TierPartial
	}

	return Report{
		PrinciplesOverlap:   principlesOverlap,
		ProhibitionsOverlap: prohibitionsOverlap,
		DirectConflict:      directConflict,
		ContractsAccepted:   contractsOK,
		Tier:                tier,
		Scope:               scopeForTier(tier),
	}
}

func scopeForTier(t Tier) TransferScope {
	switch t {
	case TierAligned:
		return ScopeFullBundle
	case TierPartial:
		return ScopeSummariesOnly
	default:
		return ScopeNoTransfer
	}
}

// hasDirectConflict detects whether either party prohibits something the
// other declares as a principle.
func hasDirectConflict(local, remote Policy) bool {
	localPrinciples := toSet(local.Principles)
	remotePrinciples := toSet(remote.Principles)
	for _, p := range remote.Prohibitions {
		if localPrinciples[p] {
			return true
		}
	}
	for _, p := range local.Prohibitions {
		if remotePrinciples[p] {
			return true
		}
	}
	return false
}

// jaccardRatio computes |a ∩ b| / max(|a|,|b|), 1.0 when both are empty.
func jaccardRatio(a, b []string) float64 {
	setA, setB := toSet(a), toSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	intersection := 0
	for v := range setA {
		if setB[v] {
			intersection++
		}
	}
	denom := len(setA)
	if len(setB) > denom {
		denom = len(setB)
	}
	if denom == 0 {
		return 1.0
	}
	return float64(intersection) / float64(denom)
}

func toSet(vals []string) map[string]bool {
	s := make(map[string]bool, len(vals))
	for _, v := range vals {
		s[v] = true
	}
	return s
}

// ErrEmbeddingOracleUnconfigured is returned by NoopOracle.Score: semantic
// alignment (embedding-based principle similarity) has no production
// implementation here. Compare uses pure set overlap on canonicalized
// strings instead (Open Question choice (a)); EmbeddingOracle exists only
// as the configuration seam a future implementer would wire choice (b)
// through, so the decision is visible in code rather than silently assumed.
var ErrEmbeddingOracleUnconfigured = errors.New("embedding oracle is not configured")

// EmbeddingOracle scores semantic similarity between two principle/
// prohibition statements, as an alternative to exact-string set overlap.
// Compare never calls an EmbeddingOracle; nothing in this package is wired
// to one.
type EmbeddingOracle interface {
	Score(ctx context.Context, a, b string) (float64, error)
}

// NoopOracle is the only EmbeddingOracle implementation in this repository:
// it always fails, making the absence of semantic alignment explicit
// instead of silently returning a meaningless score.
type NoopOracle struct{}

func (NoopOracle) Score(ctx context.Context, a, b string) (float64, error) {
	return 0, ErrEmbeddingOracleUnconfigured
}

// Outcome is one recorded handshake result, most recent last, used to
// compute decayed reputation.
type Outcome struct {
	Tier Tier
}

// decayHalfLife controls how quickly older outcomes lose influence; a
// smaller value weighs recent history more heavily.
const decayHalfLife = 5.0

// Reputation implements §4.5's reputation(peer) exponential decay: newer
// entries (later in the slice) weight more heavily; an all-Aligned history
// decays toward 1, any Conflict pulls the score down.
func Reputation(history []Outcome) float64 {
	if len(history) == 0 {
		return 0.5
	}
	var weightedSum, weightTotal float64
	n := len(history)
	for i, o := range history {
		age := float64(n - 1 - i) // 0 for most recent
		weight := math.Exp(-age / decayHalfLife)
		weightedSum += weight * tierScore(o.Tier)
		weightTotal += weight
	}
	return weightedSum / weightTotal
}

func tierScore(t Tier) float64 {
	switch t {
	case TierAligned:
		return 1.0
	case TierPartial:
		return 0.5
	default:
		return 0.0
	}
}
