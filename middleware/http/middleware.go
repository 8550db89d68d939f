// Package http provides net/http middleware that gates requests on remaining
// quota, mirroring the Echo variant for services that use the standard mux.
package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/topiary-ai/topiary/pkg/topiary"
)

// UserIDExtractor extracts the user ID from a request.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// TierExtractor extracts the subscription tier from a request.
type TierExtractor func(r *http.Request) topiary.Tier

// ModelIDExtractor extracts the requested model from a request.
type ModelIDExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Ledger is the usage ledger instance (required)
	Ledger *topiary.Ledger

	// GetUserID extracts user ID from the request (required)
	GetUserID UserIDExtractor

	// GetTier extracts the tier (optional, defaults to free)
	GetTier TierExtractor

	// GetModelID extracts the model (optional, defaults to standard)
	GetModelID ModelIDExtractor

	// QuotaExceededStatusCode is returned when the period is exhausted.
	// Default: 429 (Too Many Requests)
	QuotaExceededStatusCode int
}

// Middleware wraps a handler, rejecting requests from users whose current
// period has no quota left. The authoritative check-and-reserve still happens
// inside the engine.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.Ledger == nil {
		panic("topiary/http: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("topiary/http: Config.GetUserID is required")
	}

	if cfg.GetTier == nil {
		cfg.GetTier = func(*http.Request) topiary.Tier { return topiary.TierFree }
	}
	if cfg.GetModelID == nil {
		cfg.GetModelID = func(*http.Request) string { return topiary.ModelStandard }
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := cfg.GetUserID(r)
			if userID == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}

			usage, limit, err := cfg.Ledger.Standing(r.Context(), userID, cfg.GetTier(r), cfg.GetModelID(r))
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Usage ledger unavailable"})
				return
			}

			remaining := limit - usage.TokensUsed
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-Quota-Limit", fmt.Sprintf("%d", limit))
			w.Header().Set("X-Quota-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("X-Quota-Reset", fmt.Sprintf("%d", usage.PeriodEnd.Unix()))

			if usage.TokensUsed >= limit {
				writeJSON(w, cfg.QuotaExceededStatusCode, map[string]interface{}{
					"error":       "Quota exceeded",
					"tokens_used": usage.TokensUsed,
					"limit":       limit,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromHeader returns an extractor reading the user ID from a header.
func UserIDFromHeader(header string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(header)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
