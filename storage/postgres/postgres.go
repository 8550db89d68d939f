// Package postgres provides PostgreSQL implementations of the topiary
// storage interfaces. Reservations use SQL transactions with SELECT FOR
// UPDATE so the check-and-increment is atomic across engine instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/topiary-ai/topiary/pkg/topiary"
)

// Schema creates the tables the store expects. Kept here so deployments and
// tests stay in sync with the queries below.
const Schema = `
CREATE TABLE IF NOT EXISTS usage_periods (
	user_id      TEXT NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	period_end   TIMESTAMPTZ NOT NULL,
	tokens_used  BIGINT NOT NULL DEFAULT 0,
	tier         TEXT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, period_start)
);

CREATE TABLE IF NOT EXISTS topic_nodes (
	id         TEXT PRIMARY KEY,
	parent_id  TEXT,
	query      TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	summary    TEXT NOT NULL DEFAULT '',
	owner_id   TEXT NOT NULL,
	is_public  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Store implements topiary.LedgerStore and topiary.TreeRepository over one
// connection pool.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ApplySchema creates the store's tables if they do not exist. Intended for
// development and tests; production deployments should run migrations.
func (s *Store) ApplySchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// GetUsage implements topiary.LedgerStore.
func (s *Store) GetUsage(ctx context.Context, userID string, period topiary.Period) (*topiary.UsagePeriod, error) {
	var usage topiary.UsagePeriod

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, period_start, period_end, tokens_used, tier, updated_at
			FROM usage_periods WHERE user_id = $1 AND period_start = $2`,
		userID, period.Start).Scan(
		&usage.UserID,
		&usage.PeriodStart,
		&usage.PeriodEnd,
		&usage.TokensUsed,
		&usage.Tier,
		&usage.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No usage yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	return &usage, nil
}

// ReserveUsage implements topiary.LedgerStore with an atomic
// check-and-increment via SELECT FOR UPDATE.
func (s *Store) ReserveUsage(ctx context.Context, req *topiary.ReserveRequest) (int64, error) {
	if req.Amount < 0 {
		return 0, topiary.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Upsert first so the FOR UPDATE row is guaranteed to exist.
	_, err = tx.Exec(ctx,
		`INSERT INTO usage_periods (user_id, period_start, period_end, tokens_used, tier, updated_at)
			VALUES ($1, $2, $3, 0, $4, $5)
			ON CONFLICT (user_id, period_start) DO NOTHING`,
		req.UserID, req.Period.Start, req.Period.End, string(req.Tier), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure usage record exists: %w", err)
	}

	var currentUsed int64
	err = tx.QueryRow(ctx,
		`SELECT tokens_used FROM usage_periods
			WHERE user_id = $1 AND period_start = $2
			FOR UPDATE`,
		req.UserID, req.Period.Start).Scan(&currentUsed)
	if err != nil {
		return 0, fmt.Errorf("failed to get usage for update: %w", err)
	}

	newUsed := currentUsed + req.Amount
	if req.Amount > 0 && newUsed > req.Limit {
		return currentUsed, topiary.ErrQuotaExceeded
	}

	_, err = tx.Exec(ctx,
		`UPDATE usage_periods
			SET tokens_used = $1, tier = $2, updated_at = NOW()
			WHERE user_id = $3 AND period_start = $4`,
		newUsed, string(req.Tier), req.UserID, req.Period.Start)
	if err != nil {
		return 0, fmt.Errorf("failed to update usage: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	return newUsed, nil
}

// AdjustUsage implements topiary.LedgerStore. The clamp at zero happens in
// SQL so it stays atomic with the increment.
func (s *Store) AdjustUsage(ctx context.Context, req *topiary.AdjustRequest) (int64, error) {
	var newUsed int64

	err := s.pool.QueryRow(ctx,
		`INSERT INTO usage_periods (user_id, period_start, period_end, tokens_used, tier, updated_at)
			VALUES ($1, $2, $3, GREATEST($4::BIGINT, 0), $5, NOW())
			ON CONFLICT (user_id, period_start) DO UPDATE SET
				tokens_used = GREATEST(usage_periods.tokens_used + $4, 0),
				tier = EXCLUDED.tier,
				updated_at = NOW()
			RETURNING tokens_used`,
		req.UserID, req.Period.Start, req.Period.End, req.Delta, string(req.Tier)).Scan(&newUsed)
	if err != nil {
		return 0, fmt.Errorf("failed to adjust usage: %w", err)
	}

	return newUsed, nil
}

// GetNode implements topiary.TreeRepository.
func (s *Store) GetNode(ctx context.Context, id string) (*topiary.TopicNode, error) {
	var node topiary.TopicNode
	var parentID *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, parent_id, query, content, summary, owner_id, is_public, created_at
			FROM topic_nodes WHERE id = $1`,
		id).Scan(
		&node.ID,
		&parentID,
		&node.Query,
		&node.Content,
		&node.Summary,
		&node.OwnerID,
		&node.IsPublic,
		&node.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, topiary.ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	if parentID != nil {
		node.ParentID = *parentID
	}
	return &node, nil
}

// CreateNode inserts a node. Mainly used by server wiring and tests.
func (s *Store) CreateNode(ctx context.Context, node *topiary.TopicNode) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("invalid node")
	}

	var parentID *string
	if node.ParentID != "" {
		parentID = &node.ParentID
	}

	createdAt := node.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO topic_nodes (id, parent_id, query, content, summary, owner_id, is_public, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				query = EXCLUDED.query,
				owner_id = EXCLUDED.owner_id,
				is_public = EXCLUDED.is_public`,
		node.ID, parentID, node.Query, node.Content, node.Summary,
		node.OwnerID, node.IsPublic, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

// UpdateContent implements topiary.TreeRepository.
func (s *Store) UpdateContent(ctx context.Context, id, content string) error {
	return s.updateColumn(ctx, id, "content", content)
}

// UpdateSummary implements topiary.TreeRepository.
func (s *Store) UpdateSummary(ctx context.Context, id, summary string) error {
	return s.updateColumn(ctx, id, "summary", summary)
}

func (s *Store) updateColumn(ctx context.Context, id, column, value string) error {
	// column is one of two compile-time constants, never caller input.
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE topic_nodes SET %s = $1 WHERE id = $2`, column),
		value, id)
	if err != nil {
		return fmt.Errorf("failed to update node %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return topiary.ErrNodeNotFound
	}
	return nil
}
