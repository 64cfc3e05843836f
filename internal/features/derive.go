// Package features derives the prediction feature vector from a member's
// transaction history plus the incoming transaction. Pure computation, no
// I/O.
package features

import (
	"sort"
	"time"

	"github.com/sells-group/offer-orchestrator/internal/model"
)

// Derive computes the feature vector over history plus the incoming
// transaction, evaluated at now. The combined set is never empty (the
// incoming transaction is always present), so every average is well-defined
// and the three kind percentages sum to 1.
//
// DAYS_SINCE_LAST_TRANSACTION compares UTC calendar dates, not instants: a
// transaction at 23:59 UTC counts as 0 days from 00:01 UTC the same date,
// and 1 day once the date boundary is crossed.
func Derive(history []model.Transaction, incoming model.Transaction, now time.Time) model.FeatureVector {
	all := make([]model.Transaction, 0, len(history)+1)
	all = append(all, history...)
	all = append(all, incoming)
	n := float64(len(all))

	var totalPoints, totalRevenue float64
	var buys, gifts, redeems int
	latest := all[0].OccurredAt.Time
	for _, tx := range all {
		totalPoints += tx.PointsBought
		totalRevenue += tx.RevenueUSD
		switch tx.Kind {
		case model.TransactionBuy:
			buys++
		case model.TransactionGift:
			gifts++
		case model.TransactionRedeem:
			redeems++
		}
		if tx.OccurredAt.After(latest) {
			latest = tx.OccurredAt.Time
		}
	}

	// Most recent first; arrival order from upstream is not time-sorted.
	sorted := make([]model.Transaction, len(all))
	copy(sorted, all)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OccurredAt.After(sorted[j].OccurredAt.Time)
	})
	last3 := sorted
	if len(last3) > 3 {
		last3 = last3[:3]
	}
	n3 := float64(len(last3))

	var last3Points, last3Revenue float64
	for _, tx := range last3 {
		last3Points += tx.PointsBought
		last3Revenue += tx.RevenueUSD
	}

	return model.FeatureVector{
		AvgPointsBought:      totalPoints / n,
		AvgRevenueUSD:        totalRevenue / n,
		Last3AvgPointsBought: last3Points / n3,
		Last3AvgRevenueUSD:   last3Revenue / n3,
		PctBuy:               float64(buys) / n,
		PctGift:              float64(gifts) / n,
		PctRedeem:            float64(redeems) / n,
		DaysSinceLast:        calendarDaysBetween(latest, now),
	}
}

// calendarDaysBetween returns the whole-day difference between the UTC
// calendar dates of from and to.
func calendarDaysBetween(from, to time.Time) int {
	fromDate := truncateToDate(from.UTC())
	toDate := truncateToDate(to.UTC())
	return int(toDate.Sub(fromDate).Hours() / 24)
}

func truncateToDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
