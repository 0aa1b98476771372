package vrp

import (
	"context"
	"errors"
	"testing"
)

func TestAnchorIsOrderIndependentAndSensitiveToContent(t *testing.T) {
	a := Anchor(Policy{Principles: []string{"b", "a"}, Prohibitions: []string{"x"}})
	b := Anchor(Policy{Principles: []string{"a", "b"}, Prohibitions: []string{"x"}})
	if a.CombinedHash != b.CombinedHash {
		t.Fatal("anchor must be independent of input ordering")
	}

	c := Anchor(Policy{Principles: []string{"a", "c"}, Prohibitions: []string{"x"}})
	if a.CombinedHash == c.CombinedHash {
		t.Fatal("anchor must change when principles change")
	}
}

func TestAnchorDoesNotCollideAcrossListBoundary(t *testing.T) {
	a := Anchor(Policy{Principles: []string{"ab", "cd"}})
	b := Anchor(Policy{Principles: []string{"a", "bcd"}})
	if a.PrinciplesHash == b.PrinciplesHash {
		t.Fatal("concatenation without a separator must not let list boundaries collide")
	}
}

func TestCompareClassifiesAligned(t *testing.T) {
	local := Policy{Principles: []string{"transparency", "consent"}, Prohibitions: []string{"deception"}}
	remote := Policy{Principles: []string{"transparency", "consent"}, Prohibitions: []string{"deception"}}
	contract := CapabilityContract{
		KnowledgeDomainsAllowed: map[string]bool{"public": true},
		RetentionPolicySeconds:  3600,
		MaxExchangeSizeBytes:    1024,
	}

	report := Compare(local, remote, contract, contract, 1.0)
	if report.Tier != TierAligned {
		t.Fatalf("expected Aligned, got %v (principlesOverlap=%v prohibitionsOverlap=%v)", report.Tier, report.PrinciplesOverlap, report.ProhibitionsOverlap)
	}
	if report.Scope != ScopeFullBundle {
		t.Fatalf("expected FullBundle scope for Aligned, got %v", report.Scope)
	}
}

func TestCompareDetectsDirectConflict(t *testing.T) {
	local := Policy{Principles: []string{"open_access"}}
	remote := Policy{Prohibitions: []string{"open_access"}}
	contract := CapabilityContract{KnowledgeDomainsAllowed: map[string]bool{}}

	report := Compare(local, remote, contract, contract, 1.0)
	if report.Tier != TierConflict {
		t.Fatalf("expected Conflict when one party prohibits what the other declares as a principle, got %v", report.Tier)
	}
	if !report.DirectConflict {
		t.Fatal("expected DirectConflict flag to be set")
	}
	if report.Scope != ScopeNoTransfer {
		t.Fatalf("expected NoTransfer scope for Conflict, got %v", report.Scope)
	}
}

func TestCompareFallsBackToPartialOnModerateOverlap(t *testing.T) {
	local := Policy{Principles: []string{"a", "b", "c", "d"}, Prohibitions: []string{"x"}}
	remote := Policy{Principles: []string{"a", "b"}, Prohibitions: []string{"x"}}
	contract := CapabilityContract{KnowledgeDomainsAllowed: map[string]bool{}}

	report := Compare(local, remote, contract, contract, 1.0)
	if report.Tier != TierPartial {
		t.Fatalf("expected Partial for 50%% principles overlap, got %v (overlap=%v)", report.Tier, report.PrinciplesOverlap)
	}
	if report.Scope != ScopeSummariesOnly {
		t.Fatalf("expected SummariesOnly scope for Partial, got %v", report.Scope)
	}
}

func TestCompareForcesConflictBelowReputationFloor(t *testing.T) {
	local := Policy{Principles: []string{"a"}, Prohibitions: []string{}}
	remote := Policy{Principles: []string{"a"}, Prohibitions: []string{}}
	contract := CapabilityContract{KnowledgeDomainsAllowed: map[string]bool{}}

	report := Compare(local, remote, contract, contract, ConflictThreshold-0.01)
	if report.Tier != TierConflict {
		t.Fatalf("expected Conflict when reputation is below the floor regardless of overlap, got %v", report.Tier)
	}
}

func TestContractsMutuallyAcceptedRespectsRedactions(t *testing.T) {
	local := CapabilityContract{
		KnowledgeDomainsAllowed: map[string]bool{"medical": true},
		RetentionPolicySeconds:  60,
		MaxExchangeSizeBytes:    100,
	}
	remote := CapabilityContract{
		KnowledgeDomainsAllowed: map[string]bool{},
		RedactedTopics:          map[string]bool{"medical": true},
		RetentionPolicySeconds:  60,
		MaxExchangeSizeBytes:    100,
	}
	if !ContractsMutuallyAccepted(local, remote) {
		t.Fatal("a topic the counterparty redacts should not block acceptance")
	}
}

func TestContractsRejectRetentionExceedingCounterpartyLimit(t *testing.T) {
	local := CapabilityContract{RetentionPolicySeconds: 1000}
	remote := CapabilityContract{RetentionPolicySeconds: 10}
	if ContractsMutuallyAccepted(local, remote) {
		t.Fatal("retention exceeding the counterparty's advertised limit must be rejected")
	}
}

func TestReputationWithEmptyHistoryIsNeutral(t *testing.T) {
	if got := Reputation(nil); got != 0.5 {
		t.Fatalf("expected neutral 0.5 reputation with no history, got %v", got)
	}
}

func TestReputationAllAlignedApproachesOne(t *testing.T) {
	history := make([]Outcome, 10)
	for i := range history {
		history[i] = Outcome{Tier: TierAligned}
	}
	got := Reputation(history)
	if got < 0.9 {
		t.Fatalf("expected reputation close to 1 for an all-Aligned history, got %v", got)
	}
}

func TestReputationRecentConflictPullsScoreDown(t *testing.T) {
	allAligned := make([]Outcome, 10)
	for i := range allAligned {
		allAligned[i] = Outcome{Tier: TierAligned}
	}
	withRecentConflict := append(append([]Outcome{}, allAligned[:9]...), Outcome{Tier: TierConflict})

	scoreClean := Reputation(allAligned)
	scoreConflict := Reputation(withRecentConflict)
	if scoreConflict >= scoreClean {
		t.Fatalf("a recent Conflict outcome must lower reputation: clean=%v conflict=%v", scoreClean, scoreConflict)
	}
}

func TestNoopOracleAlwaysReturnsUnconfiguredError(t *testing.T) {
	var oracle EmbeddingOracle = NoopOracle{}
	_, err := oracle.Score(context.Background(), "respect consent", "respect autonomy")
	if !errors.Is(err, ErrEmbeddingOracleUnconfigured) {
		t.Fatalf("expected ErrEmbeddingOracleUnconfigured, got %v", err)
	}
}

func TestTierAtLeastOrdering(t *testing.T) {
	if !TierAligned.AtLeast(TierPartial) {
		t.Fatal("Aligned must satisfy a Partial minimum")
	}
	if TierPartial.AtLeast(TierAligned) {
		t.Fatal("Partial must not satisfy an Aligned minimum")
	}
	if !TierConflict.AtLeast(TierConflict) {
		t.Fatal("a tier must always satisfy a minimum equal to itself")
	}
}
