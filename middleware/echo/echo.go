// Package echo provides Echo middleware that gates requests on remaining
// quota. It is a coarse pre-filter: the authoritative check-and-reserve
// happens inside the engine, this middleware just rejects users whose period
// is already exhausted before any request work runs.
package echo

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/topiary-ai/topiary/pkg/topiary"
)

// UserIDExtractor extracts the user ID from an Echo context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c echo.Context) string

// TierExtractor extracts the subscription tier from an Echo context.
type TierExtractor func(c echo.Context) topiary.Tier

// ModelIDExtractor extracts the requested model from an Echo context.
type ModelIDExtractor func(c echo.Context) string

// Config holds middleware configuration.
type Config struct {
	// Ledger is the usage ledger instance (required)
	Ledger *topiary.Ledger

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetTier extracts the tier from context (optional, defaults to free)
	GetTier TierExtractor

	// GetModelID extracts the model from context (optional, defaults to
	// the standard model)
	GetModelID ModelIDExtractor

	// QuotaExceededStatusCode is the HTTP status code to return when the
	// period is exhausted. Default: 429 (Too Many Requests)
	QuotaExceededStatusCode int

	// OnQuotaExceeded is called when the period is exhausted.
	// If nil, uses a default JSON response with usage info.
	OnQuotaExceeded func(c echo.Context, usage *topiary.UsagePeriod, limit int64) error

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the ledger is unreachable.
	// If nil, returns 503 Service Unavailable: the gate fails closed like
	// the engine itself.
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that rejects requests from users
// whose current period has no quota left.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("topiary/echo: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("topiary/echo: Config.GetUserID is required")
	}

	if cfg.GetTier == nil {
		cfg.GetTier = func(echo.Context) topiary.Tier { return topiary.TierFree }
	}
	if cfg.GetModelID == nil {
		cfg.GetModelID = func(echo.Context) string { return topiary.ModelStandard }
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			tier := cfg.GetTier(c)
			modelID := cfg.GetModelID(c)

			usage, limit, err := cfg.Ledger.Standing(c.Request().Context(), userID, tier, modelID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c)
			}

			setQuotaHeaders(c, usage, limit)

			if usage.TokensUsed >= limit {
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, usage, limit)
				}
				return defaultQuotaExceeded(c, usage, limit, cfg.QuotaExceededStatusCode)
			}

			return next(c)
		}
	}
}

// UserIDFromHeader returns an extractor reading the user ID from a header.
func UserIDFromHeader(header string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(header)
	}
}

// TierFromHeader returns an extractor reading the tier from a header,
// falling back to free when absent or unknown.
func TierFromHeader(header string) TierExtractor {
	return func(c echo.Context) topiary.Tier {
		if tier := topiary.Tier(c.Request().Header.Get(header)); tier == topiary.TierPro {
			return topiary.TierPro
		}
		return topiary.TierFree
	}
}

func setQuotaHeaders(c echo.Context, usage *topiary.UsagePeriod, limit int64) {
	remaining := limit - usage.TokensUsed
	if remaining < 0 {
		remaining = 0
	}
	c.Response().Header().Set("X-Quota-Limit", fmt.Sprintf("%d", limit))
	c.Response().Header().Set("X-Quota-Remaining", fmt.Sprintf("%d", remaining))
	c.Response().Header().Set("X-Quota-Reset", fmt.Sprintf("%d", usage.PeriodEnd.Unix()))
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultQuotaExceeded(c echo.Context, usage *topiary.UsagePeriod, limit int64, statusCode int) error {
	return c.JSON(statusCode, map[string]interface{}{
		"error":       "Quota exceeded",
		"tokens_used": usage.TokensUsed,
		"limit":       limit,
		"period_end":  usage.PeriodEnd,
	})
}

func defaultError(c echo.Context) error {
	return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Usage ledger unavailable"})
}
