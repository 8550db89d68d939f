// Package firestore provides Firestore implementations of the topiary
// storage interfaces. Reservations run inside Firestore transactions, which
// retry on contention, so the check-and-increment stays atomic.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/topiary-ai/topiary/pkg/topiary"
)

// Store implements topiary.LedgerStore and topiary.TreeRepository using
// Google Cloud Firestore.
type Store struct {
	client          *firestore.Client
	usageCollection string
	nodesCollection string
}

// Config holds Firestore storage configuration.
type Config struct {
	// UsageCollection is the Firestore collection for usage tracking
	// Default: "usage_periods"
	UsageCollection string

	// NodesCollection is the Firestore collection for topic nodes
	// Default: "topic_nodes"
	NodesCollection string
}

// New creates a new Firestore store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsageCollection == "" {
		config.UsageCollection = "usage_periods"
	}
	if config.NodesCollection == "" {
		config.NodesCollection = "topic_nodes"
	}

	return &Store{
		client:          client,
		usageCollection: config.UsageCollection,
		nodesCollection: config.NodesCollection,
	}, nil
}

// GetUsage implements topiary.LedgerStore.
func (s *Store) GetUsage(ctx context.Context, userID string, period topiary.Period) (*topiary.UsagePeriod, error) {
	snap, err := s.usageDoc(userID, period).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No usage yet is not an error
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return s.usageFromSnap(userID, period, snap), nil
}

// ReserveUsage implements topiary.LedgerStore with a transactional
// check-and-increment.
func (s *Store) ReserveUsage(ctx context.Context, req *topiary.ReserveRequest) (int64, error) {
	if req.Amount < 0 {
		return 0, topiary.ErrInvalidAmount
	}

	doc := s.usageDoc(req.UserID, req.Period)
	var newUsed int64

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)

		var currentUsed int64
		if err == nil && snap.Exists() {
			currentUsed = getInt64(snap.Data(), "tokensUsed")
		} else if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if req.Amount > 0 && currentUsed+req.Amount > req.Limit {
			newUsed = currentUsed
			return topiary.ErrQuotaExceeded
		}

		newUsed = currentUsed + req.Amount
		return tx.Set(doc, s.usageData(req.UserID, req.Period, req.Tier, newUsed))
	})
	if err != nil {
		if errors.Is(err, topiary.ErrQuotaExceeded) {
			return newUsed, topiary.ErrQuotaExceeded
		}
		return 0, fmt.Errorf("failed to reserve usage: %w", err)
	}

	return newUsed, nil
}

// AdjustUsage implements topiary.LedgerStore.
func (s *Store) AdjustUsage(ctx context.Context, req *topiary.AdjustRequest) (int64, error) {
	doc := s.usageDoc(req.UserID, req.Period)
	var newUsed int64

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)

		var currentUsed int64
		if err == nil && snap.Exists() {
			currentUsed = getInt64(snap.Data(), "tokensUsed")
		} else if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		newUsed = currentUsed + req.Delta
		if newUsed < 0 {
			newUsed = 0
		}
		return tx.Set(doc, s.usageData(req.UserID, req.Period, req.Tier, newUsed))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to adjust usage: %w", err)
	}

	return newUsed, nil
}

// GetNode implements topiary.TreeRepository.
func (s *Store) GetNode(ctx context.Context, id string) (*topiary.TopicNode, error) {
	snap, err := s.client.Collection(s.nodesCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, topiary.ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	if !snap.Exists() {
		return nil, topiary.ErrNodeNotFound
	}

	data := snap.Data()
	return &topiary.TopicNode{
		ID:        id,
		ParentID:  getString(data, "parentId"),
		Query:     getString(data, "query"),
		Content:   getString(data, "content"),
		Summary:   getString(data, "summary"),
		OwnerID:   getString(data, "ownerId"),
		IsPublic:  getBool(data, "isPublic"),
		CreatedAt: getTime(data, "createdAt"),
	}, nil
}

// CreateNode inserts or replaces a node. Mainly used by server wiring.
func (s *Store) CreateNode(ctx context.Context, node *topiary.TopicNode) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("invalid node")
	}

	createdAt := node.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.client.Collection(s.nodesCollection).Doc(node.ID).Set(ctx, map[string]interface{}{
		"parentId":  node.ParentID,
		"query":     node.Query,
		"content":   node.Content,
		"summary":   node.Summary,
		"ownerId":   node.OwnerID,
		"isPublic":  node.IsPublic,
		"createdAt": createdAt,
	})
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

// UpdateContent implements topiary.TreeRepository.
func (s *Store) UpdateContent(ctx context.Context, id, content string) error {
	return s.updateField(ctx, id, "content", content)
}

// UpdateSummary implements topiary.TreeRepository.
func (s *Store) UpdateSummary(ctx context.Context, id, summary string) error {
	return s.updateField(ctx, id, "summary", summary)
}

func (s *Store) updateField(ctx context.Context, id, field, value string) error {
	_, err := s.client.Collection(s.nodesCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: field, Value: value},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return topiary.ErrNodeNotFound
		}
		return fmt.Errorf("failed to update node %s: %w", field, err)
	}
	return nil
}

func (s *Store) usageDoc(userID string, period topiary.Period) *firestore.DocumentRef {
	docID := fmt.Sprintf("%s_%s", userID, period.Key())
	return s.client.Collection(s.usageCollection).Doc(docID)
}

func (s *Store) usageData(userID string, period topiary.Period, tier topiary.Tier, used int64) map[string]interface{} {
	return map[string]interface{}{
		"userId":      userID,
		"periodStart": period.Start,
		"periodEnd":   period.End,
		"tokensUsed":  used,
		"tier":        string(tier),
		"updatedAt":   time.Now().UTC(),
	}
}

func (s *Store) usageFromSnap(userID string, period topiary.Period, snap *firestore.DocumentSnapshot) *topiary.UsagePeriod {
	if snap == nil || !snap.Exists() {
		return nil
	}
	data := snap.Data()
	return &topiary.UsagePeriod{
		UserID:      userID,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		TokensUsed:  getInt64(data, "tokensUsed"),
		Tier:        topiary.Tier(getString(data, "tier")),
		UpdatedAt:   getTime(data, "updatedAt"),
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
