package topiary

import "time"

// Metrics defines the interface for tracking engine operations.
type Metrics interface {
	// RecordReservation records a pre-flight quota reservation attempt.
	RecordReservation(tier Tier, modelID string, amount int64, allowed bool)

	// RecordReconciliation records a post-flight usage adjustment. Delta is
	// actual minus estimated weighted tokens and may be negative.
	RecordReconciliation(tier Tier, delta int64)

	// RecordGeneration records a finished generation job and its outcome
	// ("completed", "quota_exceeded", "generation_failed", ...).
	RecordGeneration(modelID string, duration time.Duration, outcome string)

	// RecordPathResolution records an ancestor walk. Truncated walks indicate
	// a suspected cycle in the tree and should stand out in telemetry.
	RecordPathResolution(depth int, truncated bool)

	// RecordStorageOperation records the duration and status of a storage
	// operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordReservation(tier Tier, modelID string, amount int64, allowed bool)  {}
func (n *NoopMetrics) RecordReconciliation(tier Tier, delta int64)                              {}
func (n *NoopMetrics) RecordGeneration(modelID string, duration time.Duration, outcome string)  {}
func (n *NoopMetrics) RecordPathResolution(depth int, truncated bool)                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, e error) {}

// Generation outcome labels reported via Metrics.RecordGeneration.
const (
	OutcomeCompleted         = "completed"
	OutcomeQuotaExceeded     = "quota_exceeded"
	OutcomeInvalidReference  = "invalid_reference"
	OutcomeUnauthorized      = "unauthorized"
	OutcomeGenerationFailed  = "generation_failed"
	OutcomePersistenceFailed = "persistence_failed"
	OutcomeDisconnected      = "disconnected"
)
