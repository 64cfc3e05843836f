// Package monitoring aggregates decision-log rows into a health snapshot.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/offer-orchestrator/internal/model"
	"github.com/sells-group/offer-orchestrator/internal/store"
)

// Snapshot holds a point-in-time view of orchestrator health over a lookback
// window.
type Snapshot struct {
	Total             int            `json:"total"`
	Succeeded         int            `json:"succeeded"`
	Failed            int            `json:"failed"`
	FailRate          float64        `json:"fail_rate"`
	FailuresByService map[string]int `json:"failures_by_service"`
	AvgLatencyMS      float64        `json:"avg_latency_ms"`
	AvgHistoryLen     float64        `json:"avg_history_len"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the decision log.
type Collector struct {
	decisions store.DecisionLog
}

// NewCollector creates a metrics collector over the given decision log.
func NewCollector(decisions store.DecisionLog) *Collector {
	return &Collector{decisions: decisions}
}

// Collect aggregates all decisions recorded within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	snap := &Snapshot{
		FailuresByService: make(map[string]int),
		LookbackHours:     lookbackHours,
		CollectedAt:       time.Now().UTC(),
	}

	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)
	decisions, err := c.decisions.List(ctx, store.DecisionFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list decisions")
	}

	snap.Total = len(decisions)
	var totalLatency int64
	var totalHistory int
	for _, d := range decisions {
		totalLatency += d.LatencyMS
		switch d.Status {
		case model.DecisionSucceeded:
			snap.Succeeded++
			totalHistory += d.HistoryLen
		case model.DecisionFailed:
			snap.Failed++
			service := d.FailedService
			if service == "" {
				service = "unknown"
			}
			snap.FailuresByService[service]++
		}
	}

	if snap.Total > 0 {
		snap.FailRate = float64(snap.Failed) / float64(snap.Total)
		snap.AvgLatencyMS = float64(totalLatency) / float64(snap.Total)
	}
	if snap.Succeeded > 0 {
		snap.AvgHistoryLen = float64(totalHistory) / float64(snap.Succeeded)
	}

	return snap, nil
}
