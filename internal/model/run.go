package model

import "time"

// RunStatus represents the current state of a sync run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRouting  RunStatus = "routing"
	RunStatusFetching RunStatus = "fetching"
	RunStatusMerging  RunStatus = "merging"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one end-to-end pass over an identifier list.
type Run struct {
	ID        string      `json:"id"`
	Input     string      `json:"input"`
	Status    RunStatus   `json:"status"`
	Result    *RunSummary `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RunSummary aggregates the outcome of every stage of a run.
type RunSummary struct {
	Identifiers int            `json:"identifiers"`
	Routed      int            `json:"routed"`
	FromCache   int            `json:"from_cache"`
	Unmatched   int            `json:"unmatched"`
	Stores      []StoreSummary `json:"stores"`
	Canonical   int            `json:"canonical"`
	Changed     int            `json:"changed"`
	DurationMs  int64          `json:"duration_ms"`
}

// StoreSummary is the per-storefront outcome of the fetch stage.
type StoreSummary struct {
	Store     string `json:"store"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	NotFound  int    `json:"not_found"`
	Cancelled int    `json:"cancelled"`
	Attempts  int    `json:"attempts"`
	Skipped   bool   `json:"skipped,omitempty"`
	// Unsupported marks a store that rules route to but no descriptor serves.
	Unsupported bool   `json:"unsupported,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

// Totals sums succeeded and failed counts across storefronts.
func (s *RunSummary) Totals() (succeeded, failed int) {
	for _, st := range s.Stores {
		succeeded += st.Succeeded
		failed += st.Failed + st.NotFound
	}
	return succeeded, failed
}
