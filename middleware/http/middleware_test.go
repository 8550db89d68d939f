package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topiary-ai/topiary/pkg/topiary"
	"github.com/topiary-ai/topiary/storage/memory"
)

func fixedNow() time.Time {
	return time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)
}

func setupLedger(t *testing.T) *topiary.Ledger {
	t.Helper()
	ledger, err := topiary.NewLedger(memory.NewLedgerStore(), topiary.Config{Now: fixedNow})
	require.NoError(t, err)
	return ledger
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_AllowsUnderQuota(t *testing.T) {
	ledger := setupLedger(t)

	handler := Middleware(Config{
		Ledger:    ledger,
		GetUserID: UserIDFromHeader("X-User-ID"),
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100000", rec.Header().Get("X-Quota-Remaining"))
}

func TestMiddleware_RejectsExhaustedQuota(t *testing.T) {
	ledger := setupLedger(t)
	require.NoError(t, ledger.CheckAndReserve(
		context.Background(), "user1", topiary.TierFree, topiary.ModelStandard, 100_000))

	handler := Middleware(Config{
		Ledger:    ledger,
		GetUserID: UserIDFromHeader("X-User-ID"),
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "Quota exceeded")
}

func TestMiddleware_Unauthorized(t *testing.T) {
	handler := Middleware(Config{
		Ledger:    setupLedger(t),
		GetUserID: UserIDFromHeader("X-User-ID"),
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
