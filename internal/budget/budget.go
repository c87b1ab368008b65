// Package budget derives today's spend and its ratio against a daily cap
// from the run records the other components already hold.
package budget

import (
	"time"

	"runlens/internal/api"
)

// Summary is the derived spend picture for one agent's day.
type Summary struct {
	SpentToday  float64
	Ratio       float64
	Approximate bool
}

// Compute sums cost over the runs created on now's calendar day. The ratio
// is clamped to [0,1], and 0 when no budget is configured. Approximate is
// set when the backend flags a run as approximate, or when a run consumed
// tokens without a recorded cost: flagging as approximate beats silently
// under-reporting spend.
//
// The sum covers only the runs the caller holds, which is typically one
// page of the list endpoint; agents with more runs in a day than the page
// limit under-count here, matching the observed upstream behavior.
func Compute(runs []api.Run, dailyBudget float64, now time.Time) Summary {
	var summary Summary
	year, month, day := now.Date()

	for _, run := range runs {
		created := run.CreatedAt.In(now.Location())
		y, m, d := created.Date()
		if y != year || m != month || d != day {
			continue
		}
		if run.CostEstimateUSD != nil {
			summary.SpentToday += *run.CostEstimateUSD
		} else if run.TokensTotal > 0 {
			summary.Approximate = true
		}
		if run.CostIsApproximate {
			summary.Approximate = true
		}
	}

	if dailyBudget > 0 {
		ratio := summary.SpentToday / dailyBudget
		if ratio < 0 {
			ratio = 0
		}
		if ratio > 1 {
			ratio = 1
		}
		summary.Ratio = ratio
	}
	return summary
}
