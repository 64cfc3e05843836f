package model

import "time"

// DecisionStatus is the recorded outcome of one orchestration.
type DecisionStatus string

const (
	DecisionSucceeded DecisionStatus = "succeeded"
	DecisionFailed    DecisionStatus = "failed"
)

// Decision is one row of the decision log: the recorded outcome of a single
// pipeline run, written best-effort after the caller-visible result is
// already determined.
type Decision struct {
	ID            string         `json:"id"`
	RequestID     string         `json:"request_id"`
	MemberID      string         `json:"member_id"`
	Status        DecisionStatus `json:"status"`
	Offer         string         `json:"offer,omitempty"`
	FailedService string         `json:"failed_service,omitempty"`
	StatusCode    int            `json:"status_code,omitempty"`
	HistoryLen    int            `json:"history_len"`
	LatencyMS     int64          `json:"latency_ms"`
	CreatedAt     time.Time      `json:"created_at"`
}
