package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/topiary-ai/topiary/pkg/topiary"
)

func TestMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestMetrics_RecordReservation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordReservation(topiary.TierFree, "standard", 100, true)
	metrics.RecordReservation(topiary.TierFree, "premium", 1200, false)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("Expected reservation metrics to be recorded")
	}

	total := findFamily(families, "test_reservations_total")
	if total == nil {
		t.Fatal("reservations_total not found")
	}
	if len(total.Metric) != 2 {
		t.Errorf("Expected 2 label combinations, got %d", len(total.Metric))
	}
}

func TestMetrics_RecordReconciliation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	// Negative deltas release an overestimated reservation and must land in
	// the histogram like any other value.
	metrics.RecordReconciliation(topiary.TierPro, -500)
	metrics.RecordReconciliation(topiary.TierPro, 80)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	delta := findFamily(families, "test_reconciliation_delta_weighted_tokens")
	if delta == nil {
		t.Fatal("reconciliation delta histogram not found")
	}
	if got := delta.Metric[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("Expected 2 samples, got %d", got)
	}
}

func TestMetrics_RecordGeneration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordGeneration("standard", 2*time.Second, topiary.OutcomeCompleted)
	metrics.RecordGeneration("standard", 100*time.Millisecond, topiary.OutcomeQuotaExceeded)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	total := findFamily(families, "test_generations_total")
	if total == nil {
		t.Fatal("generations_total not found")
	}
	if len(total.Metric) != 2 {
		t.Errorf("Expected 2 outcomes, got %d", len(total.Metric))
	}
}

func TestMetrics_RecordPathResolution(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordPathResolution(3, false)
	metrics.RecordPathResolution(20, true)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	trunc := findFamily(families, "test_path_resolution_truncations_total")
	if trunc == nil {
		t.Fatal("truncation counter not found")
	}
	if got := trunc.Metric[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("Expected 1 truncation, got %v", got)
	}
}

func TestMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("reserve_usage", 10*time.Millisecond, nil)
	metrics.RecordStorageOperation("reserve_usage", 5*time.Millisecond, errors.New("connection refused"))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	errs := findFamily(families, "test_storage_operation_errors_total")
	if errs == nil {
		t.Fatal("storage error counter not found")
	}
	if got := errs.Metric[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("Expected 1 storage error, got %v", got)
	}
}

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}
