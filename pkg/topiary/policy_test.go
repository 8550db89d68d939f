package topiary

import "testing"

func TestPolicy_LimitFor(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		name    string
		tier    Tier
		modelID string
		want    int64
	}{
		{"free standard", TierFree, ModelStandard, 100_000},
		{"free premium", TierFree, ModelPremium, 100_000},
		{"pro standard", TierPro, ModelStandard, 100_000},
		{"unknown model falls back to default", TierFree, "gpt-x", 100_000},
		{"unknown tier falls back to default", Tier("enterprise"), ModelStandard, 100_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.LimitFor(tt.tier, tt.modelID); got != tt.want {
				t.Errorf("LimitFor(%q, %q) = %d, want %d", tt.tier, tt.modelID, got, tt.want)
			}
		})
	}
}

func TestPolicy_CostWeight(t *testing.T) {
	policy := DefaultPolicy()

	if got := policy.CostWeight(ModelStandard); got != 1 {
		t.Errorf("standard weight = %d, want 1", got)
	}
	if got := policy.CostWeight(ModelPremium); got != 12 {
		t.Errorf("premium weight = %d, want 12", got)
	}
	if got := policy.CostWeight("unknown"); got != 1 {
		t.Errorf("unknown model weight = %d, want 1", got)
	}
}

func TestPolicy_Weighted(t *testing.T) {
	policy := DefaultPolicy()

	if got := policy.Weighted(ModelStandard, 500); got != 500 {
		t.Errorf("standard weighted(500) = %d, want 500", got)
	}
	if got := policy.Weighted(ModelPremium, 500); got != 6000 {
		t.Errorf("premium weighted(500) = %d, want 6000", got)
	}
	if got := policy.Weighted(ModelPremium, 0); got != 0 {
		t.Errorf("weighted(0) = %d, want 0", got)
	}
}

func TestPolicy_CostWeight_ZeroedTables(t *testing.T) {
	// A policy with empty tables must still behave sanely.
	policy := &Policy{}

	if got := policy.CostWeight("anything"); got != 1 {
		t.Errorf("empty policy weight = %d, want baseline 1", got)
	}
	if got := policy.LimitFor(TierFree, "anything"); got != 0 {
		t.Errorf("empty policy limit = %d, want 0", got)
	}
}

func TestPolicy_TiersAreIndependentInputs(t *testing.T) {
	// Limits can diverge per tier without touching callers.
	policy := &Policy{
		Limits: map[Tier]map[string]int64{
			TierFree: {ModelStandard: 10_000},
			TierPro:  {ModelStandard: 500_000},
		},
		DefaultLimit:  1,
		DefaultWeight: 1,
	}

	if got := policy.LimitFor(TierFree, ModelStandard); got != 10_000 {
		t.Errorf("free limit = %d, want 10000", got)
	}
	if got := policy.LimitFor(TierPro, ModelStandard); got != 500_000 {
		t.Errorf("pro limit = %d, want 500000", got)
	}
}
