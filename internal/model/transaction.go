package model

import (
	"math"

	"github.com/rotisserie/eris"
)

// TransactionType classifies a member transaction.
type TransactionType string

const (
	TransactionBuy    TransactionType = "BUY"
	TransactionGift   TransactionType = "GIFT"
	TransactionRedeem TransactionType = "REDEEM"
)

// Valid reports whether the type is one of the known kinds.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionBuy, TransactionGift, TransactionRedeem:
		return true
	}
	return false
}

// Transaction is a single member transaction, either arriving inbound or
// reconstructed from a history record. Immutable once constructed.
//
// The JSON field names match the wire contract shared with the history
// service.
type Transaction struct {
	MemberID     string          `json:"memberId"`
	OccurredAt   UTCTime         `json:"lastTransactionUtcTs"`
	Kind         TransactionType `json:"lastTransactionType"`
	PointsBought float64         `json:"lastTransactionPointsBought"`
	RevenueUSD   float64         `json:"lastTransactionRevenueUsd"`
}

// Validate checks the invariants a transaction must satisfy before it enters
// the pipeline: identity, a known kind, a real timestamp, and finite numeric
// fields.
func (tx Transaction) Validate() error {
	if tx.MemberID == "" {
		return eris.New("transaction: memberId is required")
	}
	if !tx.Kind.Valid() {
		return eris.Errorf("transaction: unknown type %q", string(tx.Kind))
	}
	if tx.OccurredAt.IsZero() {
		return eris.Wrap(ErrInvalidTimestamp, "transaction")
	}
	if !isFinite(tx.PointsBought) || !isFinite(tx.RevenueUSD) {
		return eris.New("transaction: numeric fields must be finite")
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// FeatureVector is the fixed set of features the prediction service expects,
// derived from a member's history plus the incoming transaction. Pure derived
// data, recomputed every request. Field names on the wire are the upper-snake
// names the prediction models were trained against.
type FeatureVector struct {
	AvgPointsBought      float64 `json:"AVG_POINTS_BOUGHT"`
	AvgRevenueUSD        float64 `json:"AVG_REVENUE_USD"`
	Last3AvgPointsBought float64 `json:"LAST_3_TRANSACTIONS_AVG_POINTS_BOUGHT"`
	Last3AvgRevenueUSD   float64 `json:"LAST_3_TRANSACTIONS_AVG_REVENUE_USD"`
	PctBuy               float64 `json:"PCT_BUY_TRANSACTIONS"`
	PctGift              float64 `json:"PCT_GIFT_TRANSACTIONS"`
	PctRedeem            float64 `json:"PCT_REDEEM_TRANSACTIONS"`
	DaysSinceLast        int     `json:"DAYS_SINCE_LAST_TRANSACTION"`
}

// PredictionPair holds the two independent prediction scores produced by the
// fan-out step. Transient, scoped to one request.
type PredictionPair struct {
	ATSScore  float64 `json:"ats_score"`
	RespScore float64 `json:"resp_score"`
}

// OfferDecision is the final business output of the pipeline.
type OfferDecision struct {
	Offer string `json:"offer"`
}
