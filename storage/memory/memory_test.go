package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/topiary-ai/topiary/pkg/topiary"
)

func testPeriod() topiary.Period {
	start := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	return topiary.Period{Start: start, End: start.AddDate(0, 1, 0)}
}

func TestLedgerStore_GetUsage_NoRecord(t *testing.T) {
	store := NewLedgerStore()

	usage, err := store.GetUsage(context.Background(), "user1", testPeriod())
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage != nil {
		t.Errorf("Expected nil usage for unknown user, got %+v", usage)
	}
}

func TestLedgerStore_ReserveUsage(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	period := testPeriod()

	total, err := store.ReserveUsage(ctx, &topiary.ReserveRequest{
		UserID: "user1",
		Period: period,
		Tier:   topiary.TierFree,
		Amount: 500,
		Limit:  1000,
	})
	if err != nil {
		t.Fatalf("ReserveUsage failed: %v", err)
	}
	if total != 500 {
		t.Errorf("Expected total 500, got %d", total)
	}

	usage, err := store.GetUsage(ctx, "user1", period)
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage == nil || usage.TokensUsed != 500 {
		t.Errorf("Expected persisted usage of 500, got %+v", usage)
	}
}

func TestLedgerStore_ReserveUsage_ExceedsLimit(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	period := testPeriod()

	if _, err := store.ReserveUsage(ctx, &topiary.ReserveRequest{
		UserID: "user1", Period: period, Tier: topiary.TierFree, Amount: 900, Limit: 1000,
	}); err != nil {
		t.Fatalf("first reservation failed: %v", err)
	}

	_, err := store.ReserveUsage(ctx, &topiary.ReserveRequest{
		UserID: "user1", Period: period, Tier: topiary.TierFree, Amount: 200, Limit: 1000,
	})
	if !errors.Is(err, topiary.ErrQuotaExceeded) {
		t.Errorf("Expected ErrQuotaExceeded, got %v", err)
	}

	// A denied reservation must not mutate the counter.
	usage, _ := store.GetUsage(ctx, "user1", period)
	if usage.TokensUsed != 900 {
		t.Errorf("Expected usage unchanged at 900, got %d", usage.TokensUsed)
	}
}

func TestLedgerStore_ReserveUsage_ExactLimit(t *testing.T) {
	store := NewLedgerStore()

	total, err := store.ReserveUsage(context.Background(), &topiary.ReserveRequest{
		UserID: "user1", Period: testPeriod(), Tier: topiary.TierFree, Amount: 1000, Limit: 1000,
	})
	if err != nil {
		t.Fatalf("reservation to exactly the limit should pass: %v", err)
	}
	if total != 1000 {
		t.Errorf("Expected total 1000, got %d", total)
	}
}

func TestLedgerStore_ReserveUsage_ZeroAmountAlwaysPasses(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	period := testPeriod()

	if _, err := store.ReserveUsage(ctx, &topiary.ReserveRequest{
		UserID: "user1", Period: period, Tier: topiary.TierFree, Amount: 1000, Limit: 1000,
	}); err != nil {
		t.Fatalf("setup reservation failed: %v", err)
	}

	// At the limit, a zero reservation still passes.
	total, err := store.ReserveUsage(ctx, &topiary.ReserveRequest{
		UserID: "user1", Period: period, Tier: topiary.TierFree, Amount: 0, Limit: 1000,
	})
	if err != nil {
		t.Fatalf("zero reservation at the limit should pass: %v", err)
	}
	if total != 1000 {
		t.Errorf("Expected total unchanged at 1000, got %d", total)
	}
}

func TestLedgerStore_ReserveUsage_NegativeAmount(t *testing.T) {
	store := NewLedgerStore()

	_, err := store.ReserveUsage(context.Background(), &topiary.ReserveRequest{
		UserID: "user1", Period: testPeriod(), Tier: topiary.TierFree, Amount: -1, Limit: 1000,
	})
	if !errors.Is(err, topiary.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestLedgerStore_AdjustUsage(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	period := testPeriod()

	if _, err := store.ReserveUsage(ctx, &topiary.ReserveRequest{
		UserID: "user1", Period: period, Tier: topiary.TierFree, Amount: 500, Limit: 1000,
	}); err != nil {
		t.Fatalf("setup reservation failed: %v", err)
	}

	// Downward: estimate was high.
	total, err := store.AdjustUsage(ctx, &topiary.AdjustRequest{
		UserID: "user1", Period: period, Tier: topiary.TierFree, Delta: -420,
	})
	if err != nil {
		t.Fatalf("AdjustUsage failed: %v", err)
	}
	if total != 80 {
		t.Errorf("Expected total 80, got %d", total)
	}

	// Upward past the limit: no limit check on adjustment.
	total, err = store.AdjustUsage(ctx, &topiary.AdjustRequest{
		UserID: "user1", Period: period, Tier: topiary.TierFree, Delta: 5000,
	})
	if err != nil {
		t.Fatalf("AdjustUsage failed: %v", err)
	}
	if total != 5080 {
		t.Errorf("Expected total 5080, got %d", total)
	}
}

func TestLedgerStore_AdjustUsage_ClampsAtZero(t *testing.T) {
	store := NewLedgerStore()

	total, err := store.AdjustUsage(context.Background(), &topiary.AdjustRequest{
		UserID: "user1", Period: testPeriod(), Tier: topiary.TierFree, Delta: -100,
	})
	if err != nil {
		t.Fatalf("AdjustUsage failed: %v", err)
	}
	if total != 0 {
		t.Errorf("Expected clamp at 0, got %d", total)
	}
}

func TestLedgerStore_ConcurrentReservations_NoOvershoot(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	period := testPeriod()

	const limit = 1000
	const workers = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := int64(0)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ReserveUsage(ctx, &topiary.ReserveRequest{
				UserID: "user1", Period: period, Tier: topiary.TierFree, Amount: 100, Limit: limit,
			})
			if err == nil {
				mu.Lock()
				granted += 100
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	usage, err := store.GetUsage(ctx, "user1", period)
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage.TokensUsed > limit {
		t.Errorf("Usage overshot the limit: %d > %d", usage.TokensUsed, limit)
	}
	if usage.TokensUsed != granted {
		t.Errorf("Granted %d but stored %d", granted, usage.TokensUsed)
	}
}

func TestLedgerStore_PeriodsAreIndependent(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	p1 := testPeriod()
	p2 := topiary.Period{Start: p1.End, End: p1.End.AddDate(0, 1, 0)}

	if _, err := store.ReserveUsage(ctx, &topiary.ReserveRequest{
		UserID: "user1", Period: p1, Tier: topiary.TierFree, Amount: 1000, Limit: 1000,
	}); err != nil {
		t.Fatalf("reservation in first period failed: %v", err)
	}

	// A new period starts fresh.
	total, err := store.ReserveUsage(ctx, &topiary.ReserveRequest{
		UserID: "user1", Period: p2, Tier: topiary.TierFree, Amount: 1000, Limit: 1000,
	})
	if err != nil {
		t.Fatalf("reservation in second period failed: %v", err)
	}
	if total != 1000 {
		t.Errorf("Expected fresh counter in new period, got %d", total)
	}
}

func TestTreeRepository_GetNode(t *testing.T) {
	repo := NewTreeRepository()
	repo.Put(&topiary.TopicNode{ID: "n1", Query: "distributed consensus", OwnerID: "user1"})

	node, err := repo.GetNode(context.Background(), "n1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node.Query != "distributed consensus" {
		t.Errorf("Unexpected node: %+v", node)
	}

	_, err = repo.GetNode(context.Background(), "missing")
	if !errors.Is(err, topiary.ErrNodeNotFound) {
		t.Errorf("Expected ErrNodeNotFound, got %v", err)
	}
}

func TestTreeRepository_UpdateContentAndSummary(t *testing.T) {
	repo := NewTreeRepository()
	ctx := context.Background()
	repo.Put(&topiary.TopicNode{ID: "n1", Query: "raft", OwnerID: "user1"})

	if err := repo.UpdateContent(ctx, "n1", "generated body"); err != nil {
		t.Fatalf("UpdateContent failed: %v", err)
	}
	if err := repo.UpdateSummary(ctx, "n1", "short form"); err != nil {
		t.Fatalf("UpdateSummary failed: %v", err)
	}

	node, _ := repo.GetNode(ctx, "n1")
	if node.Content != "generated body" || node.Summary != "short form" {
		t.Errorf("Updates not persisted: %+v", node)
	}

	if err := repo.UpdateContent(ctx, "missing", "x"); !errors.Is(err, topiary.ErrNodeNotFound) {
		t.Errorf("Expected ErrNodeNotFound, got %v", err)
	}
}

func TestTreeRepository_GetNode_ReturnsCopy(t *testing.T) {
	repo := NewTreeRepository()
	ctx := context.Background()
	repo.Put(&topiary.TopicNode{ID: "n1", Query: "raft", OwnerID: "user1"})

	node, _ := repo.GetNode(ctx, "n1")
	node.Query = "mutated"

	again, _ := repo.GetNode(ctx, "n1")
	if again.Query != "raft" {
		t.Errorf("Stored node was mutated through a returned copy")
	}
}
