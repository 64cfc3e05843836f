// Package store persists the decision log: one row per pipeline run,
// written best-effort after the caller-visible result is determined.
package store

import (
	"context"
	"time"

	"github.com/sells-group/offer-orchestrator/internal/model"
)

// DecisionFilter specifies criteria for listing decisions.
type DecisionFilter struct {
	Status       model.DecisionStatus `json:"status,omitempty"`
	MemberID     string               `json:"member_id,omitempty"`
	CreatedAfter time.Time            `json:"created_after,omitempty"`
	Limit        int                  `json:"limit,omitempty"`
}

// DecisionLog is the persistence interface for pipeline outcomes.
type DecisionLog interface {
	// Record inserts one decision.
	Record(ctx context.Context, d model.Decision) error

	// List returns decisions matching the filter, newest first.
	List(ctx context.Context, filter DecisionFilter) ([]model.Decision, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
