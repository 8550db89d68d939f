// Package redis provides a Redis implementation of the topiary.LedgerStore
// interface. Reservations and adjustments run as Lua scripts so the
// check-and-increment is atomic across engine instances sharing one Redis.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/topiary-ai/topiary/pkg/topiary"
)

// LedgerStore implements topiary.LedgerStore using Redis.
type LedgerStore struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis ledger configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "topiary:")
	KeyPrefix string

	// UsageTTL is the TTL for usage keys (0 = no expiration). Periods are
	// read for at most one billing cycle after they close, so a TTL of two
	// cycles is usually plenty.
	UsageTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "topiary:",
		UsageTTL:  0,
	}
}

// New creates a new Redis ledger store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*LedgerStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "topiary:"
	}

	s := &LedgerStore{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations.
func (s *LedgerStore) loadScripts() {
	// Check-and-reserve. A zero amount skips the limit check but still
	// writes the record so the period becomes visible to reads.
	s.scripts["reserve"] = redis.NewScript(`
		local usageKey = KEYS[1]
		local amount = tonumber(ARGV[1])
		local limit = tonumber(ARGV[2])
		local data = ARGV[3]
		local ttl = tonumber(ARGV[4])

		local current = redis.call('HGET', usageKey, 'used')
		local currentUsed = 0
		if current then
			currentUsed = tonumber(current)
		end

		if amount > 0 and currentUsed + amount > limit then
			return {currentUsed, 'quota_exceeded'}
		end

		local newUsed = currentUsed + amount
		redis.call('HSET', usageKey, 'used', newUsed)
		redis.call('HSET', usageKey, 'data', data)

		if ttl > 0 then
			redis.call('EXPIRE', usageKey, ttl)
		end

		return {newUsed, 'ok'}
	`)

	// Signed adjustment with clamp at zero. No limit check.
	s.scripts["adjust"] = redis.NewScript(`
		local usageKey = KEYS[1]
		local delta = tonumber(ARGV[1])
		local data = ARGV[2]
		local ttl = tonumber(ARGV[3])

		local current = redis.call('HGET', usageKey, 'used')
		local currentUsed = 0
		if current then
			currentUsed = tonumber(current)
		end

		local newUsed = currentUsed + delta
		if newUsed < 0 then
			newUsed = 0
		end

		redis.call('HSET', usageKey, 'used', newUsed)
		redis.call('HSET', usageKey, 'data', data)

		if ttl > 0 then
			redis.call('EXPIRE', usageKey, ttl)
		end

		return newUsed
	`)
}

// GetUsage implements topiary.LedgerStore.
func (s *LedgerStore) GetUsage(ctx context.Context, userID string, period topiary.Period) (*topiary.UsagePeriod, error) {
	key := s.usageKey(userID, period)

	results, err := s.client.HMGet(ctx, key, "data", "used").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	if len(results) != 2 || results[0] == nil {
		return nil, nil // No usage yet
	}

	dataStr, ok := results[0].(string)
	if !ok {
		return nil, fmt.Errorf("invalid data format")
	}

	var usage topiary.UsagePeriod
	if err := json.Unmarshal([]byte(dataStr), &usage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
	}

	// The counter field is authoritative; the data blob may lag behind it.
	if results[1] != nil {
		if usedStr, ok := results[1].(string); ok {
			var used int64
			if _, err := fmt.Sscanf(usedStr, "%d", &used); err != nil {
				return nil, fmt.Errorf("failed to parse usage counter: %w", err)
			}
			usage.TokensUsed = used
		}
	}

	return &usage, nil
}

// ReserveUsage implements topiary.LedgerStore via the reserve Lua script.
func (s *LedgerStore) ReserveUsage(ctx context.Context, req *topiary.ReserveRequest) (int64, error) {
	if req.Amount < 0 {
		return 0, topiary.ErrInvalidAmount
	}

	data, err := s.marshalUsage(req.UserID, req.Period, req.Tier)
	if err != nil {
		return 0, err
	}

	result, err := s.scripts["reserve"].Run(
		ctx,
		s.client,
		[]string{s.usageKey(req.UserID, req.Period)},
		req.Amount,
		req.Limit,
		data,
		s.ttlSeconds(),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to execute reserve script: %w", err)
	}

	newUsed, status, err := parseReserveResult(result)
	if err != nil {
		return 0, err
	}
	if status == "quota_exceeded" {
		return newUsed, topiary.ErrQuotaExceeded
	}
	return newUsed, nil
}

// AdjustUsage implements topiary.LedgerStore via the adjust Lua script.
func (s *LedgerStore) AdjustUsage(ctx context.Context, req *topiary.AdjustRequest) (int64, error) {
	data, err := s.marshalUsage(req.UserID, req.Period, req.Tier)
	if err != nil {
		return 0, err
	}

	result, err := s.scripts["adjust"].Run(
		ctx,
		s.client,
		[]string{s.usageKey(req.UserID, req.Period)},
		req.Delta,
		data,
		s.ttlSeconds(),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to execute adjust script: %w", err)
	}

	newUsed, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected adjust script result: %T", result)
	}
	return newUsed, nil
}

func (s *LedgerStore) marshalUsage(userID string, period topiary.Period, tier topiary.Tier) (string, error) {
	usage := &topiary.UsagePeriod{
		UserID:      userID,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Tier:        tier,
		UpdatedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(usage)
	if err != nil {
		return "", fmt.Errorf("failed to marshal usage: %w", err)
	}
	return string(data), nil
}

func parseReserveResult(result interface{}) (newUsed int64, status string, err error) {
	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		err = fmt.Errorf("unexpected script result format")
		return
	}

	newUsed, ok = resultSlice[0].(int64)
	if !ok {
		err = fmt.Errorf("failed to parse used amount")
		return
	}

	status, ok = resultSlice[1].(string)
	if !ok {
		err = fmt.Errorf("failed to parse status")
		return
	}

	return
}

func (s *LedgerStore) ttlSeconds() int64 {
	if s.config.UsageTTL > 0 {
		return int64(s.config.UsageTTL.Seconds())
	}
	return 0
}

// usageKey generates the Redis key for usage tracking.
func (s *LedgerStore) usageKey(userID string, period topiary.Period) string {
	return fmt.Sprintf("%susage:%s:%s", s.config.KeyPrefix, userID, period.Key())
}

// Close closes the Redis client connection.
func (s *LedgerStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *LedgerStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
