package topiary

// Policy maps (tier, model) to per-period token limits and models to cost
// weights. Pure and deterministic; no I/O.
//
// The ledger accounts in weighted tokens: raw tokens multiplied by the
// model's cost weight. Higher-capability models consume quota faster per raw
// token, so limits stay comparable across model choices.
type Policy struct {
	// Limits maps tier -> modelID -> weighted-token limit per period.
	// Tiers are modeled as distinct inputs even when their limits currently
	// coincide, so they can diverge without touching callers.
	Limits map[Tier]map[string]int64

	// Weights maps modelID -> cost weight (weighted tokens per raw token).
	Weights map[string]int64

	// DefaultLimit applies when a (tier, model) pair has no entry.
	DefaultLimit int64

	// DefaultWeight applies when a model has no weight entry (baseline 1).
	DefaultWeight int64
}

// Well-known model identifiers used by the default policy. Callers may use
// any model ID; the engine treats them opaquely.
const (
	ModelStandard = "standard"
	ModelPremium  = "premium"
)

// DefaultPolicy returns the stock limit and weight tables: free and pro both
// resolve to 100k weighted tokens per period for the standard model, and the
// premium model costs 12x the baseline weight per raw token.
func DefaultPolicy() *Policy {
	return &Policy{
		Limits: map[Tier]map[string]int64{
			TierFree: {
				ModelStandard: 100_000,
				ModelPremium:  100_000,
			},
			TierPro: {
				ModelStandard: 100_000,
				ModelPremium:  100_000,
			},
		},
		Weights: map[string]int64{
			ModelStandard: 1,
			ModelPremium:  12,
		},
		DefaultLimit:  100_000,
		DefaultWeight: 1,
	}
}

// LimitFor returns the weighted-token limit for a tier and model.
func (p *Policy) LimitFor(tier Tier, modelID string) int64 {
	if models, ok := p.Limits[tier]; ok {
		if limit, ok := models[modelID]; ok {
			return limit
		}
	}
	return p.DefaultLimit
}

// CostWeight returns the per-raw-token multiplier for a model.
func (p *Policy) CostWeight(modelID string) int64 {
	if w, ok := p.Weights[modelID]; ok && w > 0 {
		return w
	}
	if p.DefaultWeight > 0 {
		return p.DefaultWeight
	}
	return 1
}

// Weighted converts a raw token count into weighted tokens for a model.
func (p *Policy) Weighted(modelID string, raw int64) int64 {
	return raw * p.CostWeight(modelID)
}
