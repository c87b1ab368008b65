package budget

import (
	"testing"
	"time"

	"runlens/internal/api"
)

func costPtr(v float64) *float64 { return &v }

func TestComputeSumsTodayOnly(t *testing.T) {
	now := time.Date(2026, 8, 29, 15, 0, 0, 0, time.UTC)
	runsList := []api.Run{
		{CostEstimateUSD: costPtr(0.5), CreatedAt: now.Add(-2 * time.Hour)},
		{CostEstimateUSD: costPtr(0.25), CreatedAt: now.Add(-10 * time.Hour)},
		{CostEstimateUSD: costPtr(9.0), CreatedAt: now.Add(-24 * time.Hour)}, // yesterday
	}
	summary := Compute(runsList, 5.0, now)
	if summary.SpentToday != 0.75 {
		t.Fatalf("unexpected spend: %f", summary.SpentToday)
	}
	if summary.Ratio != 0.15 {
		t.Fatalf("unexpected ratio: %f", summary.Ratio)
	}
	if summary.Approximate {
		t.Fatalf("all costs known, must not be approximate")
	}
}

func TestMissingCostWithTokensFlagsApproximate(t *testing.T) {
	now := time.Now()
	summary := Compute([]api.Run{
		{TokensTotal: 500, CostEstimateUSD: nil, CreatedAt: now},
	}, 5.0, now)
	if !summary.Approximate {
		t.Fatalf("tokens without cost must flag approximate")
	}
	if summary.SpentToday != 0 {
		t.Fatalf("unknown cost contributes nothing, got %f", summary.SpentToday)
	}
	if summary.Ratio != 0 {
		t.Fatalf("unexpected ratio: %f", summary.Ratio)
	}
}

func TestBackendApproximateFlagHonored(t *testing.T) {
	now := time.Now()
	summary := Compute([]api.Run{
		{CostEstimateUSD: costPtr(0.1), CostIsApproximate: true, CreatedAt: now},
	}, 5.0, now)
	if !summary.Approximate {
		t.Fatalf("backend approximate flag must carry through")
	}
}

func TestRatioClampAndZeroBudget(t *testing.T) {
	now := time.Now()
	over := Compute([]api.Run{{CostEstimateUSD: costPtr(12.0), CreatedAt: now}}, 5.0, now)
	if over.Ratio != 1 {
		t.Fatalf("ratio must clamp to 1, got %f", over.Ratio)
	}
	none := Compute([]api.Run{{CostEstimateUSD: costPtr(12.0), CreatedAt: now}}, 0, now)
	if none.Ratio != 0 {
		t.Fatalf("no budget means ratio 0, got %f", none.Ratio)
	}
}

func TestPendingRunWithoutTokensIsNotApproximate(t *testing.T) {
	now := time.Now()
	summary := Compute([]api.Run{
		{Status: api.StatusPending, CreatedAt: now},
	}, 5.0, now)
	if summary.Approximate {
		t.Fatalf("a run that consumed nothing yet must not flag the day approximate")
	}
}
