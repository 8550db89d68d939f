package topiary

import "context"

// LedgerStore defines the durable storage contract for usage accounting.
// All methods use concrete types from this package to avoid import cycles.
//
// Implementations must make ReserveUsage and AdjustUsage atomic with respect
// to concurrent calls for the same (userID, period): two simultaneous
// reservations must not both pass a check that together would exceed the
// limit. Read-then-write without atomicity is a correctness bug.
type LedgerStore interface {
	// GetUsage retrieves the usage record for a period.
	// Returns nil, nil when the user has no record yet (not an error).
	GetUsage(ctx context.Context, userID string, period Period) (*UsagePeriod, error)

	// ReserveUsage atomically checks the limit and increments TokensUsed by
	// req.Amount, creating the period record if needed. Returns the new
	// total, or ErrQuotaExceeded without mutating when the increment would
	// pass req.Limit. A zero amount always succeeds: it is a pure gate used
	// before streams whose cost is unknown until they finish.
	ReserveUsage(ctx context.Context, req *ReserveRequest) (int64, error)

	// AdjustUsage atomically adds req.Delta (either sign) to TokensUsed,
	// clamping the result at zero, and returns the new total. Used to
	// reconcile a reservation once the true cost is known; no limit check is
	// applied, since real provider spend must be recorded even past the
	// limit.
	AdjustUsage(ctx context.Context, req *AdjustRequest) (int64, error)
}

// ReserveRequest is an atomic check-and-increment request.
type ReserveRequest struct {
	UserID string
	Period Period
	Tier   Tier

	// Amount is the provisional reservation in weighted tokens, >= 0.
	Amount int64

	// Limit is the weighted-token ceiling for this user's tier and model,
	// resolved by the caller so stores stay policy-free.
	Limit int64
}

// AdjustRequest is an atomic usage adjustment request.
type AdjustRequest struct {
	UserID string
	Period Period
	Tier   Tier

	// Delta is actual minus estimated weighted tokens; negative releases an
	// overestimated reservation.
	Delta int64
}

// TreeRepository is the narrow contract the engine needs from topic-tree
// storage. General CRUD and access-control rules live outside the engine.
type TreeRepository interface {
	// GetNode retrieves a node by id. Returns ErrNodeNotFound if absent.
	GetNode(ctx context.Context, id string) (*TopicNode, error)

	// UpdateContent replaces a node's generated content.
	UpdateContent(ctx context.Context, id, content string) error

	// UpdateSummary replaces a node's derived summary.
	UpdateSummary(ctx context.Context, id, summary string) error
}
