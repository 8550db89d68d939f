package topiary

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// PathResolver reconstructs the ancestor context path for a node: the
// root-first list of query strings from the tree's root down to the node.
//
// The walk issues one point lookup per node, so the same algorithm works
// whether nodes live in memory or behind network calls. A resolution makes
// at most MaxPathDepth lookups in total; hitting the cap truncates the path
// rather than looping forever on a corrupted cyclic graph.
type PathResolver struct {
	repo     TreeRepository
	maxDepth int
	logger   Logger
	metrics  Metrics

	// group collapses concurrent resolutions of the same node. Safe to
	// memoize within a flight: queries and parent links are immutable once a
	// node exists.
	group singleflight.Group
}

// NewPathResolver creates a resolver over the given repository.
func NewPathResolver(repo TreeRepository, cfg Config) (*PathResolver, error) {
	if repo == nil {
		return nil, errors.New("tree repository is required")
	}
	cfg = cfg.withDefaults()
	return &PathResolver{
		repo:     repo,
		maxDepth: cfg.MaxPathDepth,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// ResolvePath returns the ordered topic path from the root to nodeID. The
// full path is materialized before returning; its length determines prompt
// size, so lazy evaluation buys nothing here.
//
// Returns ErrNodeNotFound if nodeID does not exist, and ErrInvalidReference
// if an ancestor link points at a missing node.
func (r *PathResolver) ResolvePath(ctx context.Context, nodeID string) ([]string, error) {
	v, err, _ := r.group.Do(nodeID, func() (interface{}, error) {
		return r.walk(ctx, nodeID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (r *PathResolver) walk(ctx context.Context, nodeID string) ([]string, error) {
	node, err := r.repo.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, ErrNodeNotFound) {
			return nil, fmt.Errorf("resolve path for %q: %w", nodeID, ErrNodeNotFound)
		}
		return nil, fmt.Errorf("resolve path for %q: %w", nodeID, err)
	}

	path := []string{node.Query}
	lookups := 1
	for node.ParentID != "" {
		if lookups >= r.maxDepth {
			// Suspected cycle or absurdly deep tree. Return what we have;
			// the truncated flag makes this distinguishable from a normal
			// short path in telemetry.
			r.logger.Warn("ancestor walk truncated at lookup cap",
				Field{Key: "node_id", Value: nodeID},
				Field{Key: "max_lookups", Value: r.maxDepth},
			)
			r.metrics.RecordPathResolution(len(path), true)
			return path, nil
		}

		parent, err := r.repo.GetNode(ctx, node.ParentID)
		if err != nil {
			if errors.Is(err, ErrNodeNotFound) {
				return nil, fmt.Errorf("ancestor %q of %q: %w", node.ParentID, nodeID, ErrInvalidReference)
			}
			return nil, fmt.Errorf("ancestor %q of %q: %w", node.ParentID, nodeID, err)
		}

		path = append([]string{parent.Query}, path...)
		node = parent
		lookups++
	}

	r.metrics.RecordPathResolution(len(path), false)
	return path, nil
}
