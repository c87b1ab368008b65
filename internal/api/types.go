package api

import (
	"time"

	"runlens/internal/event"
)

// Run statuses as reported by the backend. Transitions are
// pending → running → {success, error, cancelled}; retries create new
// Run records instead of mutating the original.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Run identifies one execution attempt of an agent.
type Run struct {
	ID                string    `json:"id"`
	AgentID           string    `json:"agent_id"`
	Status            string    `json:"status"`
	Input             string    `json:"input"`
	Model             string    `json:"model,omitempty"`
	Provider          string    `json:"provider,omitempty"`
	Source            string    `json:"source,omitempty"`
	TokensIn          int       `json:"tokens_in"`
	TokensOut         int       `json:"tokens_out"`
	TokensTotal       int       `json:"tokens_total"`
	CostEstimateUSD   *float64  `json:"cost_estimate_usd,omitempty"`
	CostIsApproximate bool      `json:"cost_is_approximate"`
	LatencyMs         int64     `json:"latency_ms"`
	CreatedAt         time.Time `json:"created_at"`
	RetryOfRunID      string    `json:"retry_of_run_id,omitempty"`
}

// IsLive reports whether the run may still emit events.
func (r Run) IsLive() bool {
	return r.Status == StatusPending || r.Status == StatusRunning
}

// Agent is the owning agent record, fetched for the retry-time
// active check.
type Agent struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	Model          string   `json:"model,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	DailyBudgetUSD *float64 `json:"daily_budget_usd,omitempty"`
}

// Active reports whether the agent accepts new runs. Budget and pause
// enforcement stays server-side; this is only the client-side fast path.
func (a Agent) Active() bool { return a.Status == "active" }

// RunConfig is the config block sent with a start request.
type RunConfig struct {
	RetryOf         string `json:"retry_of,omitempty"`
	ClientRequestID string `json:"client_request_id,omitempty"`
}

// StartRunRequest is the body of POST /agents/{id}/run.
type StartRunRequest struct {
	Input  string    `json:"input"`
	Source string    `json:"source,omitempty"`
	Config RunConfig `json:"config"`
}

// RunRef is the response to a start request.
type RunRef struct {
	RunID string `json:"run_id"`
}

// ListParams filters GET /runs.
type ListParams struct {
	Limit   int
	Offset  int
	Status  string
	AgentID string
}

// RunList is one page of runs plus the backend's total count, which the
// polling controller diffs to track new items.
type RunList struct {
	Runs  []Run `json:"runs"`
	Total int   `json:"total"`
}

// RunDetail is a run together with its persisted event sequence,
// used for historical viewing through the same reducer as the live path.
type RunDetail struct {
	Run    Run           `json:"run"`
	Events []event.Event `json:"events"`
}
