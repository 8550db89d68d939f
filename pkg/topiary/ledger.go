package topiary

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ledger meters weighted-token usage per user per billing period. Atomicity
// of the check-and-increment lives in the LedgerStore; the Ledger resolves
// periods and limits and maps storage failures onto the engine's error
// taxonomy.
//
// A reservation is a provisional debit made before the true cost is known.
// Reconcile corrects it afterwards and must never be skipped once a
// reservation exists, or quota leaks downward permanently.
type Ledger struct {
	store   LedgerStore
	policy  *Policy
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewLedger creates a ledger over the given store.
func NewLedger(store LedgerStore, cfg Config) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	cfg = cfg.withDefaults()
	return &Ledger{
		store:   store,
		policy:  cfg.Policy,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}, nil
}

// CurrentPeriod returns the accounting window containing the ledger's
// current time.
func (l *Ledger) CurrentPeriod() Period {
	return currentPeriod(l.now())
}

// CheckAndReserve provisionally debits estimatedWeighted tokens against the
// user's current period. Returns ErrQuotaExceeded when the debit would pass
// the limit for (tier, modelID).
//
// A zero estimate always passes: exact pre-generation cost is unknowable for
// free-form prompts, so a zero-cost reservation is a deliberate gate whose
// real enforcement happens at reconcile time. This means a user at or over
// their limit can always start one more generation; subsequent non-zero
// checks then deny.
//
// If the store is unreachable the reservation fails closed: the caller gets
// ErrLedgerUnavailable and must not generate. Ungated generation on a
// metering outage is the more dangerous failure direction.
func (l *Ledger) CheckAndReserve(ctx context.Context, userID string, tier Tier, modelID string, estimatedWeighted int64) error {
	if estimatedWeighted < 0 {
		return ErrInvalidAmount
	}

	period := l.CurrentPeriod()
	limit := l.policy.LimitFor(tier, modelID)

	start := l.now()
	_, err := l.store.ReserveUsage(ctx, &ReserveRequest{
		UserID: userID,
		Period: period,
		Tier:   tier,
		Amount: estimatedWeighted,
		Limit:  limit,
	})
	l.metrics.RecordStorageOperation("reserve_usage", l.now().Sub(start), err)

	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			l.metrics.RecordReservation(tier, modelID, estimatedWeighted, false)
			l.logger.Info("reservation denied",
				Field{Key: "user_id", Value: userID},
				Field{Key: "estimated_weighted", Value: estimatedWeighted},
				Field{Key: "limit", Value: limit},
			)
			return ErrQuotaExceeded
		}
		l.logger.Error("ledger store unavailable, failing closed",
			Field{Key: "user_id", Value: userID},
			Field{Key: "error", Value: err},
		)
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	l.metrics.RecordReservation(tier, modelID, estimatedWeighted, true)
	return nil
}

// Reconcile adjusts the user's usage by (actual - estimated) weighted tokens
// once the true cost of a generation is known. The delta may be negative (the
// estimate was high) or positive (the provider under-reported and a fallback
// estimate applies). A failed stream that consumed nothing still needs
// Reconcile(user, tier, estimated, 0) to release the reservation.
func (l *Ledger) Reconcile(ctx context.Context, userID string, tier Tier, estimatedWeighted, actualWeighted int64) error {
	if estimatedWeighted < 0 || actualWeighted < 0 {
		return ErrInvalidAmount
	}

	delta := actualWeighted - estimatedWeighted
	if delta == 0 {
		l.metrics.RecordReconciliation(tier, 0)
		return nil
	}

	period := l.CurrentPeriod()

	start := l.now()
	total, err := l.store.AdjustUsage(ctx, &AdjustRequest{
		UserID: userID,
		Period: period,
		Tier:   tier,
		Delta:  delta,
	})
	l.metrics.RecordStorageOperation("adjust_usage", l.now().Sub(start), err)

	if err != nil {
		l.logger.Error("reconciliation failed",
			Field{Key: "user_id", Value: userID},
			Field{Key: "delta", Value: delta},
			Field{Key: "error", Value: err},
		)
		return fmt.Errorf("%w: reconcile: %v", ErrLedgerUnavailable, err)
	}

	l.metrics.RecordReconciliation(tier, delta)
	l.logger.Debug("usage reconciled",
		Field{Key: "user_id", Value: userID},
		Field{Key: "delta", Value: delta},
		Field{Key: "tokens_used", Value: total},
	)
	return nil
}

// PeriodFor returns the user's current usage period, synthesizing a zero
// record when none has been written yet. The durable record is created
// lazily by the first reservation.
func (l *Ledger) PeriodFor(ctx context.Context, userID string, tier Tier) (*UsagePeriod, error) {
	period := l.CurrentPeriod()

	start := l.now()
	usage, err := l.store.GetUsage(ctx, userID, period)
	l.metrics.RecordStorageOperation("get_usage", l.now().Sub(start), err)
	if err != nil {
		return nil, fmt.Errorf("get usage for %q: %w", userID, err)
	}

	if usage == nil {
		return &UsagePeriod{
			UserID:      userID,
			PeriodStart: period.Start,
			PeriodEnd:   period.End,
			TokensUsed:  0,
			Tier:        tier,
		}, nil
	}
	return usage, nil
}

// Standing reports the user's current usage alongside the limit that applies
// to (tier, modelID). Read-only; used by HTTP surfaces and the coarse
// middleware gate.
func (l *Ledger) Standing(ctx context.Context, userID string, tier Tier, modelID string) (*UsagePeriod, int64, error) {
	usage, err := l.PeriodFor(ctx, userID, tier)
	if err != nil {
		return nil, 0, err
	}
	return usage, l.policy.LimitFor(tier, modelID), nil
}
