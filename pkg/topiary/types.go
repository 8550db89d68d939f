package topiary

import (
	"time"
)

// Tier identifies a subscription tier.
type Tier string

const (
	// TierFree is the default tier for users without a subscription.
	TierFree Tier = "free"
	// TierPro is the paid tier.
	TierPro Tier = "pro"
)

// TopicNode is a document in the topic tree.
type TopicNode struct {
	ID string

	// ParentID references another TopicNode; empty marks a root.
	ParentID string

	// Query is the topic text that seeded generation. Immutable after creation.
	Query string

	// Content is the generated body text. Empty until generation completes.
	// Owned exclusively by the Orchestrator during generation.
	Content string

	// Summary is derived text, independently generated, optional.
	Summary string

	// OwnerID is the user who may mutate this node.
	OwnerID string

	// IsPublic is a visibility flag, opaque to the engine.
	IsPublic bool

	CreatedAt time.Time
}

// UsagePeriod is a per-user, per-billing-cycle accounting record.
// (UserID, PeriodStart) form the natural key.
type UsagePeriod struct {
	UserID      string
	PeriodStart time.Time
	PeriodEnd   time.Time

	// TokensUsed is the running total of weighted tokens. True consumption is
	// monotonically non-decreasing; the stored counter may be adjusted down
	// only to release a provisional reservation.
	TokensUsed int64

	// Tier valid as of the period.
	Tier Tier

	UpdatedAt time.Time
}

// GenerationJob tracks one generation request for its (short) lifetime.
// It is never persisted beyond the request that created it.
type GenerationJob struct {
	ID     string
	NodeID string
	UserID string

	// ModelID is chosen by the caller and treated opaquely.
	ModelID string

	// EstimatedTokens is the pre-flight reservation, in weighted tokens.
	EstimatedTokens int64

	// ActualTokens is the post-flight weighted cost, filled on completion or
	// failure.
	ActualTokens int64

	StartedAt time.Time
}

// Config holds engine configuration.
type Config struct {
	// Policy maps tiers and models to limits and cost weights.
	// Default: DefaultPolicy().
	Policy *Policy

	// MaxPathDepth caps how many node lookups one path resolution may issue,
	// and therefore the maximum path length (default: 20). Hitting the cap
	// truncates the path instead of looping on a corrupted cyclic graph.
	MaxPathDepth int

	// StreamTimeout bounds how long a job may remain streaming (default: 5m).
	StreamTimeout time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks engine operations (default: NoopMetrics).
	Metrics Metrics

	// Now overrides the clock, mainly for tests (default: time.Now).
	Now func() time.Time
}

// withDefaults returns a copy of cfg with zero fields filled in.
func (c Config) withDefaults() Config {
	if c.Policy == nil {
		c.Policy = DefaultPolicy()
	}
	if c.MaxPathDepth <= 0 {
		c.MaxPathDepth = DefaultMaxPathDepth
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = DefaultStreamTimeout
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

const (
	// DefaultMaxPathDepth is the lookup cap for ancestor path resolution.
	DefaultMaxPathDepth = 20

	// DefaultStreamTimeout is the ceiling for a single streamed generation.
	DefaultStreamTimeout = 5 * time.Minute
)
