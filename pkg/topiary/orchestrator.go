package topiary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChunkSink receives streamed text fragments as they arrive, typically to
// forward them to a client. A nil sink discards chunks; a sink error means
// the consumer is gone and forwarding stops, but accounting does not.
type ChunkSink func(chunk string) error

// GenerateRequest describes one generation job.
type GenerateRequest struct {
	NodeID string
	UserID string
	Tier   Tier

	// ModelID selects the backend model and the applicable cost weight.
	ModelID string

	// EstimatedTokens is the caller's raw-token estimate for the job, >= 0.
	// Zero means "no estimate"; the reservation then acts as a pure gate and
	// all accounting happens at reconcile time.
	EstimatedTokens int64
}

// GenerateResult is the outcome of a completed generation.
type GenerateResult struct {
	JobID          string
	Text           string
	RawTokens      int64
	WeightedTokens int64
}

// Orchestrator drives a generation job through its full lifecycle: reserve
// quota, resolve the ancestor path, stream from the backend, persist the
// result, and reconcile the reservation against actual cost.
//
// The ordering is load-bearing. Reservation precedes any expensive work so an
// over-quota user costs nothing. Reconciliation follows every reservation on
// every exit path; a reservation that is never reconciled leaks quota until
// the period rolls over.
type Orchestrator struct {
	repo     TreeRepository
	ledger   *Ledger
	resolver *PathResolver
	backend  GenerationBackend

	policy        *Policy
	streamTimeout time.Duration
	logger        Logger
	metrics       Metrics
	now           func() time.Time
}

// NewOrchestrator wires the engine's components together.
func NewOrchestrator(repo TreeRepository, ledger *Ledger, resolver *PathResolver, backend GenerationBackend, cfg Config) (*Orchestrator, error) {
	if repo == nil {
		return nil, errors.New("tree repository is required")
	}
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if resolver == nil {
		return nil, errors.New("path resolver is required")
	}
	if backend == nil {
		return nil, errors.New("generation backend is required")
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		repo:          repo,
		ledger:        ledger,
		resolver:      resolver,
		backend:       backend,
		policy:        cfg.Policy,
		streamTimeout: cfg.StreamTimeout,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
	}, nil
}

// Generate produces content for a node, streaming chunks to sink as they
// arrive, and persists the full text as the node's content.
func (o *Orchestrator) Generate(ctx context.Context, req *GenerateRequest, sink ChunkSink) (*GenerateResult, error) {
	return o.run(ctx, req, sink, false)
}

// GenerateSummary produces a condensed treatment of a node and persists it as
// the node's summary. Metered identically to Generate.
func (o *Orchestrator) GenerateSummary(ctx context.Context, req *GenerateRequest, sink ChunkSink) (*GenerateResult, error) {
	return o.run(ctx, req, sink, true)
}

func (o *Orchestrator) run(ctx context.Context, req *GenerateRequest, sink ChunkSink, summarize bool) (*GenerateResult, error) {
	if req.EstimatedTokens < 0 {
		return nil, ErrInvalidAmount
	}

	job := &GenerationJob{
		ID:              uuid.NewString(),
		NodeID:          req.NodeID,
		UserID:          req.UserID,
		ModelID:         req.ModelID,
		EstimatedTokens: o.policy.Weighted(req.ModelID, req.EstimatedTokens),
		StartedAt:       o.now(),
	}

	node, err := o.repo.GetNode(ctx, req.NodeID)
	if err != nil {
		if errors.Is(err, ErrNodeNotFound) {
			o.finish(job, OutcomeInvalidReference)
			return nil, fmt.Errorf("node %q: %w", req.NodeID, ErrNodeNotFound)
		}
		o.finish(job, OutcomeGenerationFailed)
		return nil, fmt.Errorf("fetch node %q: %w", req.NodeID, err)
	}
	if node.OwnerID != req.UserID {
		o.finish(job, OutcomeUnauthorized)
		return nil, fmt.Errorf("node %q owned by another user: %w", req.NodeID, ErrUnauthorized)
	}

	// Reservation marks the point of no return: every path below this line
	// must reconcile before exiting.
	if err := o.ledger.CheckAndReserve(ctx, req.UserID, req.Tier, req.ModelID, job.EstimatedTokens); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			o.finish(job, OutcomeQuotaExceeded)
		} else {
			o.finish(job, OutcomeGenerationFailed)
		}
		return nil, err
	}

	path, err := o.resolver.ResolvePath(ctx, req.NodeID)
	if err != nil {
		o.reconcile(ctx, req, job, 0)
		o.finish(job, OutcomeInvalidReference)
		return nil, fmt.Errorf("resolve context: %w", errors.Join(ErrInvalidReference, err))
	}

	result, disconnected, streamErr := o.stream(ctx, req, path, node.Query, sink, summarize)

	// Provider-reported usage is authoritative; when absent, estimate from
	// the text actually produced so partial output is still charged.
	raw := result.TokensUsed
	if raw == 0 {
		raw = EstimateTokens(result.Text)
	}
	actual := o.policy.Weighted(req.ModelID, raw)
	job.ActualTokens = actual

	if streamErr != nil {
		o.reconcile(ctx, req, job, actual)
		if disconnected {
			o.logger.Info("client disconnected mid-stream",
				Field{Key: "job_id", Value: job.ID},
				Field{Key: "node_id", Value: req.NodeID},
				Field{Key: "raw_tokens", Value: raw},
			)
			o.finish(job, OutcomeDisconnected)
			return nil, fmt.Errorf("%w: client disconnected: %v", ErrGenerationFailed, streamErr)
		}
		o.logger.Error("generation stream failed",
			Field{Key: "job_id", Value: job.ID},
			Field{Key: "node_id", Value: req.NodeID},
			Field{Key: "error", Value: streamErr},
		)
		o.finish(job, OutcomeGenerationFailed)
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, streamErr)
	}

	persistErr := o.persist(ctx, req.NodeID, result.Text, summarize)

	// Reconciliation happens even when persistence failed: provider tokens
	// were spent and must be charged regardless of what became of the text.
	o.reconcile(ctx, req, job, actual)

	if persistErr != nil {
		o.logger.Error("failed to persist generated text",
			Field{Key: "job_id", Value: job.ID},
			Field{Key: "node_id", Value: req.NodeID},
			Field{Key: "error", Value: persistErr},
		)
		o.finish(job, OutcomePersistenceFailed)
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, persistErr)
	}

	o.finish(job, OutcomeCompleted)
	o.logger.Info("generation completed",
		Field{Key: "job_id", Value: job.ID},
		Field{Key: "node_id", Value: req.NodeID},
		Field{Key: "raw_tokens", Value: raw},
		Field{Key: "weighted_tokens", Value: actual},
	)
	return &GenerateResult{
		JobID:          job.ID,
		Text:           result.Text,
		RawTokens:      raw,
		WeightedTokens: actual,
	}, nil
}

// stream runs the backend under the stream timeout, forwarding chunks to
// sink. A sink error stops forwarding and cancels the backend stream; the
// partial result still comes back for accounting. disconnected distinguishes
// a dead consumer from a provider failure.
func (o *Orchestrator) stream(ctx context.Context, req *GenerateRequest, path []string, query string, sink ChunkSink, summarize bool) (result *StreamResult, disconnected bool, err error) {
	streamCtx, cancel := context.WithTimeout(ctx, o.streamTimeout)
	defer cancel()

	var sinkErr error
	onChunk := func(chunk string) error {
		if sink == nil || sinkErr != nil {
			return sinkErr
		}
		if err := sink(chunk); err != nil {
			sinkErr = err
			return err
		}
		return nil
	}

	result, err = o.backend.Stream(streamCtx, &BackendRequest{
		ModelID:   req.ModelID,
		Path:      path,
		Query:     query,
		Summarize: summarize,
	}, onChunk)
	if result == nil {
		result = &StreamResult{}
	}
	if err == nil && streamCtx.Err() != nil {
		err = streamCtx.Err()
	}
	return result, sinkErr != nil, err
}

// persist writes the generated text to the node. Detached from the request
// context so a consumer that vanished after the stream finished cannot abort
// the write.
func (o *Orchestrator) persist(ctx context.Context, nodeID, text string, summarize bool) error {
	pctx := context.WithoutCancel(ctx)
	if summarize {
		return o.repo.UpdateSummary(pctx, nodeID, text)
	}
	return o.repo.UpdateContent(pctx, nodeID, text)
}

// reconcile settles the job's reservation against actual weighted cost. Runs
// on a context detached from the request so cancellation cannot skip
// accounting; a reconcile failure is logged and surfaced via metrics but does
// not change the job's outcome.
func (o *Orchestrator) reconcile(ctx context.Context, req *GenerateRequest, job *GenerationJob, actualWeighted int64) {
	rctx := context.WithoutCancel(ctx)
	if err := o.ledger.Reconcile(rctx, req.UserID, req.Tier, job.EstimatedTokens, actualWeighted); err != nil {
		o.logger.Error("reconciliation error, usage may be stale",
			Field{Key: "job_id", Value: job.ID},
			Field{Key: "user_id", Value: req.UserID},
			Field{Key: "error", Value: err},
		)
	}
}

func (o *Orchestrator) finish(job *GenerationJob, outcome string) {
	o.metrics.RecordGeneration(job.ModelID, o.now().Sub(job.StartedAt), outcome)
}
