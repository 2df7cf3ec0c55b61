// Package monitoring watches run history and raises webhook alerts when runs
// or individual storefronts start failing.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/storefront-sync/internal/model"
	"github.com/sells-group/storefront-sync/internal/store"
)

// scanLimit caps how many recent runs one collection reads.
const scanLimit = 1000

// StoreHealth aggregates one storefront's outcomes over the window.
type StoreHealth struct {
	Store     string  `json:"store"`
	Attempted int     `json:"attempted"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	NotFound  int     `json:"not_found"`
	Skipped   int     `json:"skipped"`
	FailRate  float64 `json:"fail_rate"`
	LastError string  `json:"last_error,omitempty"`
}

// MetricsSnapshot holds a point-in-time view of sync health.
type MetricsSnapshot struct {
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsActive   int     `json:"runs_active"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Stores is sorted by store name.
	Stores []StoreHealth `json:"stores"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the part of store.Store the collector needs.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers metrics from run history.
type Collector struct {
	runs RunLister
	now  func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Runs come back newest first.
	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	stores := make(map[string]*StoreHealth)
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		default:
			snap.RunsActive++
		}
		if r.Result == nil {
			continue
		}
		for _, s := range r.Result.Stores {
			h, ok := stores[s.Store]
			if !ok {
				h = &StoreHealth{Store: s.Store}
				stores[s.Store] = h
			}
			// Stores without a descriptor are skipped by design, not failing.
			if s.Skipped && !s.Unsupported {
				h.Skipped++
			}
			h.Attempted += s.Succeeded + s.Failed + s.NotFound
			h.Succeeded += s.Succeeded
			h.Failed += s.Failed
			h.NotFound += s.NotFound
			if h.LastError == "" && s.Error != "" {
				h.LastError = s.Error
			}
		}
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	for _, h := range stores {
		if h.Attempted > 0 {
			h.FailRate = float64(h.Failed) / float64(h.Attempted)
		}
		snap.Stores = append(snap.Stores, *h)
	}
	sort.Slice(snap.Stores, func(i, j int) bool { return snap.Stores[i].Store < snap.Stores[j].Store })

	return snap, nil
}
