// Package memory provides in-memory implementations of the topiary storage
// interfaces. Primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/topiary-ai/topiary/pkg/topiary"
)

// LedgerStore implements topiary.LedgerStore using an in-memory map.
type LedgerStore struct {
	mu    sync.Mutex
	usage map[string]*topiary.UsagePeriod
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		usage: make(map[string]*topiary.UsagePeriod),
	}
}

// GetUsage implements topiary.LedgerStore.
func (s *LedgerStore) GetUsage(ctx context.Context, userID string, period topiary.Period) (*topiary.UsagePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.usage[usageKey(userID, period)]
	if !ok {
		return nil, nil // No usage yet is not an error
	}

	// Return a copy to prevent external mutations
	usageCopy := *usage
	return &usageCopy, nil
}

// ReserveUsage implements topiary.LedgerStore. The whole check-and-increment
// runs under the store mutex, so concurrent reservations for the same user
// serialize and cannot jointly overshoot the limit.
func (s *LedgerStore) ReserveUsage(ctx context.Context, req *topiary.ReserveRequest) (int64, error) {
	if req.Amount < 0 {
		return 0, topiary.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(req.UserID, req.Period)
	usage, ok := s.usage[key]

	var current int64
	if ok {
		current = usage.TokensUsed
	}

	// A zero amount is a pure gate: record creation still happens so the
	// period shows up in reads, but no limit check applies.
	if req.Amount > 0 && current+req.Amount > req.Limit {
		return current, topiary.ErrQuotaExceeded
	}

	newUsed := current + req.Amount
	s.usage[key] = &topiary.UsagePeriod{
		UserID:      req.UserID,
		PeriodStart: req.Period.Start,
		PeriodEnd:   req.Period.End,
		TokensUsed:  newUsed,
		Tier:        req.Tier,
		UpdatedAt:   time.Now().UTC(),
	}
	return newUsed, nil
}

// AdjustUsage implements topiary.LedgerStore. No limit check: real spend is
// recorded even past the limit. The counter clamps at zero.
func (s *LedgerStore) AdjustUsage(ctx context.Context, req *topiary.AdjustRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(req.UserID, req.Period)
	usage, ok := s.usage[key]

	var current int64
	if ok {
		current = usage.TokensUsed
	}

	newUsed := current + req.Delta
	if newUsed < 0 {
		newUsed = 0
	}

	s.usage[key] = &topiary.UsagePeriod{
		UserID:      req.UserID,
		PeriodStart: req.Period.Start,
		PeriodEnd:   req.Period.End,
		TokensUsed:  newUsed,
		Tier:        req.Tier,
		UpdatedAt:   time.Now().UTC(),
	}
	return newUsed, nil
}

// Clear removes all usage data (useful for testing).
func (s *LedgerStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = make(map[string]*topiary.UsagePeriod)
}

func usageKey(userID string, period topiary.Period) string {
	return fmt.Sprintf("%s:%s", userID, period.Key())
}

// TreeRepository implements topiary.TreeRepository using an in-memory map.
type TreeRepository struct {
	mu    sync.RWMutex
	nodes map[string]*topiary.TopicNode
}

// NewTreeRepository creates a new in-memory tree repository.
func NewTreeRepository() *TreeRepository {
	return &TreeRepository{
		nodes: make(map[string]*topiary.TopicNode),
	}
}

// Put inserts or replaces a node.
func (r *TreeRepository) Put(node *topiary.TopicNode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodeCopy := *node
	r.nodes[node.ID] = &nodeCopy
}

// GetNode implements topiary.TreeRepository.
func (r *TreeRepository) GetNode(ctx context.Context, id string) (*topiary.TopicNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, topiary.ErrNodeNotFound
	}

	nodeCopy := *node
	return &nodeCopy, nil
}

// UpdateContent implements topiary.TreeRepository.
func (r *TreeRepository) UpdateContent(ctx context.Context, id, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return topiary.ErrNodeNotFound
	}
	node.Content = content
	return nil
}

// UpdateSummary implements topiary.TreeRepository.
func (r *TreeRepository) UpdateSummary(ctx context.Context, id, summary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return topiary.ErrNodeNotFound
	}
	node.Summary = summary
	return nil
}

// Clear removes all nodes (useful for testing).
func (r *TreeRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[string]*topiary.TopicNode)
}
