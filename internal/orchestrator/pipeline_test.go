package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/offer-orchestrator/internal/model"
	"github.com/sells-group/offer-orchestrator/internal/resilience"
	"github.com/sells-group/offer-orchestrator/internal/store"
)

type fakeHistory struct {
	history  []model.Transaction
	getErr   error
	storeErr error

	mu     sync.Mutex
	stored []model.Transaction
}

func (f *fakeHistory) GetHistory(ctx context.Context, requestID, memberID string) ([]model.Transaction, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.history, nil
}

func (f *fakeHistory) StoreTransaction(ctx context.Context, requestID string, tx model.Transaction) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, tx)
	return nil
}

type fakePredictions struct {
	ats, resp       float64
	atsErr, respErr error
	atsDelay        time.Duration

	atsCalls, respCalls atomic.Int32
}

func (f *fakePredictions) PredictATS(ctx context.Context, requestID string, fv model.FeatureVector) (float64, error) {
	f.atsCalls.Add(1)
	if f.atsDelay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(f.atsDelay):
		}
	}
	return f.ats, f.atsErr
}

func (f *fakePredictions) PredictResp(ctx context.Context, requestID string, fv model.FeatureVector) (float64, error) {
	f.respCalls.Add(1)
	return f.resp, f.respErr
}

type fakeOffers struct {
	decision model.OfferDecision
	err      error

	mu       sync.Mutex
	lastPair model.PredictionPair
	calls    int
}

func (f *fakeOffers) Assign(ctx context.Context, requestID string, pair model.PredictionPair) (model.OfferDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastPair = pair
	return f.decision, f.err
}

type fakeDecisionLog struct {
	mu       sync.Mutex
	recorded []model.Decision
	err      error
}

func (f *fakeDecisionLog) Record(ctx context.Context, d model.Decision) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, d)
	return nil
}

func (f *fakeDecisionLog) List(ctx context.Context, filter store.DecisionFilter) ([]model.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Decision(nil), f.recorded...), nil
}

func (f *fakeDecisionLog) Migrate(ctx context.Context) error { return nil }
func (f *fakeDecisionLog) Close() error                      { return nil }

func incomingTx() model.Transaction {
	return model.Transaction{
		MemberID:     "m-1",
		OccurredAt:   model.NewUTCTime(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
		Kind:         model.TransactionBuy,
		PointsBought: 100,
		RevenueUSD:   10,
	}
}

func TestAssignOfferSuccess(t *testing.T) {
	h := &fakeHistory{}
	p := &fakePredictions{ats: 0.8, resp: 0.2}
	of := &fakeOffers{decision: model.OfferDecision{Offer: "OFFER_A"}}
	dl := &fakeDecisionLog{}

	o := New(h, p, of, WithDecisionLog(dl))
	res, err := o.AssignOffer(context.Background(), "req-1", incomingTx())
	require.NoError(t, err)
	assert.Equal(t, "OFFER_A", res.Decision.Offer)
	assert.Equal(t, 0, res.HistoryLen)

	assert.InDelta(t, 0.8, of.lastPair.ATSScore, 1e-9)
	assert.InDelta(t, 0.2, of.lastPair.RespScore, 1e-9)

	// Feature vector over the incoming transaction alone.
	assert.InDelta(t, 1, res.Features.PctBuy, 1e-9)
	assert.InDelta(t, 100, res.Features.AvgPointsBought, 1e-9)

	// Step 5 persisted the incoming transaction.
	require.Len(t, h.stored, 1)
	assert.Equal(t, "m-1", h.stored[0].MemberID)

	require.Len(t, dl.recorded, 1)
	d := dl.recorded[0]
	assert.Equal(t, model.DecisionSucceeded, d.Status)
	assert.Equal(t, "OFFER_A", d.Offer)
	assert.Equal(t, "req-1", d.RequestID)
	assert.NotEmpty(t, d.ID)
}

func TestAssignOfferHistoryFailureStopsPipeline(t *testing.T) {
	h := &fakeHistory{getErr: &resilience.UpstreamError{Service: "history", StatusCode: 503}}
	p := &fakePredictions{}
	of := &fakeOffers{}
	dl := &fakeDecisionLog{}

	o := New(h, p, of, WithDecisionLog(dl))
	_, err := o.AssignOffer(context.Background(), "req-1", incomingTx())
	require.Error(t, err)

	assert.Zero(t, p.atsCalls.Load())
	assert.Zero(t, p.respCalls.Load())
	assert.Zero(t, of.calls)
	assert.Empty(t, h.stored)

	require.Len(t, dl.recorded, 1)
	d := dl.recorded[0]
	assert.Equal(t, model.DecisionFailed, d.Status)
	assert.Equal(t, "history", d.FailedService)
	assert.Equal(t, 503, d.StatusCode)
}

func TestAssignOfferPredictionFirstFailureWins(t *testing.T) {
	h := &fakeHistory{}
	p := &fakePredictions{
		ats:      0.9,
		atsDelay: 200 * time.Millisecond,
		respErr:  &resilience.UpstreamError{Service: "prediction", StatusCode: 500},
	}
	of := &fakeOffers{}

	o := New(h, p, of)
	start := time.Now()
	_, err := o.AssignOffer(context.Background(), "req-1", incomingTx())
	require.Error(t, err)

	ue, ok := resilience.AsUpstream(err)
	require.True(t, ok)
	assert.Equal(t, "prediction", ue.Service)

	// The resp failure cancels the slow ats sibling instead of waiting it out.
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Zero(t, of.calls)
	assert.Empty(t, h.stored)
}

func TestAssignOfferOfferFailure(t *testing.T) {
	h := &fakeHistory{}
	p := &fakePredictions{ats: 0.8, resp: 0.2}
	of := &fakeOffers{err: &resilience.MalformedResponseError{Service: "offer", Detail: "missing offer field"}}
	dl := &fakeDecisionLog{}

	o := New(h, p, of, WithDecisionLog(dl))
	_, err := o.AssignOffer(context.Background(), "req-1", incomingTx())
	require.Error(t, err)
	assert.True(t, resilience.IsMalformed(err))
	assert.Empty(t, h.stored)

	require.Len(t, dl.recorded, 1)
	assert.Equal(t, "offer", dl.recorded[0].FailedService)
	assert.Zero(t, dl.recorded[0].StatusCode)
}

func TestAssignOfferStoreFailureIsAbsorbed(t *testing.T) {
	h := &fakeHistory{storeErr: eris.New("disk full")}
	p := &fakePredictions{ats: 0.8, resp: 0.2}
	of := &fakeOffers{decision: model.OfferDecision{Offer: "OFFER_B"}}
	dl := &fakeDecisionLog{}

	o := New(h, p, of, WithDecisionLog(dl))
	res, err := o.AssignOffer(context.Background(), "req-1", incomingTx())
	require.NoError(t, err)
	assert.Equal(t, "OFFER_B", res.Decision.Offer)

	require.Len(t, dl.recorded, 1)
	assert.Equal(t, model.DecisionSucceeded, dl.recorded[0].Status)
}

func TestAssignOfferDecisionLogFailureIsAbsorbed(t *testing.T) {
	h := &fakeHistory{}
	p := &fakePredictions{ats: 0.8, resp: 0.2}
	of := &fakeOffers{decision: model.OfferDecision{Offer: "OFFER_A"}}
	dl := &fakeDecisionLog{err: eris.New("log down")}

	o := New(h, p, of, WithDecisionLog(dl))
	res, err := o.AssignOffer(context.Background(), "req-1", incomingTx())
	require.NoError(t, err)
	assert.Equal(t, "OFFER_A", res.Decision.Offer)
}

func TestAssignOfferHistoryFlowsIntoFeatures(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	h := &fakeHistory{history: []model.Transaction{
		{
			MemberID:     "m-1",
			OccurredAt:   model.NewUTCTime(now.AddDate(0, 0, -10)),
			Kind:         model.TransactionGift,
			PointsBought: 0,
			RevenueUSD:   0,
		},
	}}
	p := &fakePredictions{ats: 0.5, resp: 0.5}
	of := &fakeOffers{decision: model.OfferDecision{Offer: "OFFER_C"}}

	o := New(h, p, of, WithClock(func() time.Time { return now }))
	tx := incomingTx()
	tx.OccurredAt = model.NewUTCTime(now.AddDate(0, 0, -2))

	res, err := o.AssignOffer(context.Background(), "req-1", tx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.HistoryLen)
	assert.InDelta(t, 0.5, res.Features.PctBuy, 1e-9)
	assert.InDelta(t, 0.5, res.Features.PctGift, 1e-9)
	assert.Equal(t, 2, res.Features.DaysSinceLast)
}

func TestAssignOfferFanoutLimitStillCompletes(t *testing.T) {
	h := &fakeHistory{}
	p := &fakePredictions{ats: 0.8, resp: 0.2}
	of := &fakeOffers{decision: model.OfferDecision{Offer: "OFFER_A"}}

	// Limit of 1 serializes the two prediction calls.
	o := New(h, p, of, WithFanoutLimit(1))
	res, err := o.AssignOffer(context.Background(), "req-1", incomingTx())
	require.NoError(t, err)
	assert.Equal(t, "OFFER_A", res.Decision.Offer)
	assert.Equal(t, int32(1), p.atsCalls.Load())
	assert.Equal(t, int32(1), p.respCalls.Load())
}
