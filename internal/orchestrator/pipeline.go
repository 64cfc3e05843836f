// Package orchestrator sequences the end-to-end decision flow for one
// inbound transaction: fetch history, derive features, fan out the two
// predictions, assign the offer, then persist best-effort.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/offer-orchestrator/internal/features"
	"github.com/sells-group/offer-orchestrator/internal/model"
	"github.com/sells-group/offer-orchestrator/internal/resilience"
	"github.com/sells-group/offer-orchestrator/internal/store"
	"github.com/sells-group/offer-orchestrator/pkg/memberdata"
	"github.com/sells-group/offer-orchestrator/pkg/offerengine"
	"github.com/sells-group/offer-orchestrator/pkg/prediction"
)

// Result is the successful output of one pipeline run.
type Result struct {
	Decision   model.OfferDecision
	Features   model.FeatureVector
	HistoryLen int
}

// Orchestrator owns the per-request state machine. Many runs execute
// concurrently; the only shared state is limiter bookkeeping.
type Orchestrator struct {
	history     memberdata.Client
	predictions prediction.Client
	offers      offerengine.Client

	// fanout bounds in-flight prediction calls so the two-call fan-out
	// cannot starve the global upstream limiter under load. Optional.
	fanout *semaphore.Weighted

	// decisions records pipeline outcomes best-effort. Optional.
	decisions store.DecisionLog

	now func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFanoutLimit caps concurrently in-flight prediction calls.
func WithFanoutLimit(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.fanout = semaphore.NewWeighted(n)
		}
	}
}

// WithDecisionLog records every pipeline outcome to the given log.
func WithDecisionLog(dl store.DecisionLog) Option {
	return func(o *Orchestrator) { o.decisions = dl }
}

// WithClock overrides the time source, for deterministic feature tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New assembles an orchestrator over the three upstream adapters.
func New(history memberdata.Client, predictions prediction.Client, offers offerengine.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		history:     history,
		predictions: predictions,
		offers:      offers,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AssignOffer runs the pipeline for one validated inbound transaction.
//
// Steps 1-4 fail fast on the first terminal error; step 5 (persisting the
// incoming transaction) is best-effort and can never change the result.
func (o *Orchestrator) AssignOffer(ctx context.Context, requestID string, tx model.Transaction) (*Result, error) {
	log := zap.L().With(
		zap.String("request_id", requestID),
		zap.String("member_id", tx.MemberID),
	)
	start := o.now()

	result, err := o.run(ctx, log, requestID, tx)

	o.recordDecision(ctx, requestID, tx, result, err, o.now().Sub(start))
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, log *zap.Logger, requestID string, tx model.Transaction) (*Result, error) {
	history, err := timed(log, "history_fetch", func() ([]model.Transaction, error) {
		return o.history.GetHistory(ctx, requestID, tx.MemberID)
	})
	if err != nil {
		return nil, err
	}

	fv, _ := timed(log, "features_compute", func() (model.FeatureVector, error) {
		return features.Derive(history, tx, o.now()), nil
	})

	pair, err := timed(log, "predictions_fanout", func() (model.PredictionPair, error) {
		return o.predict(ctx, requestID, fv)
	})
	if err != nil {
		return nil, err
	}

	decision, err := timed(log, "offer_assign", func() (model.OfferDecision, error) {
		return o.offers.Assign(ctx, requestID, pair)
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Decision: decision, Features: fv, HistoryLen: len(history)}

	_, _ = timed(log, "transaction_store", func() (struct{}, error) {
		o.storeBestEffort(ctx, log, requestID, tx)
		return struct{}{}, nil
	})

	return res, nil
}

// predict issues both prediction calls concurrently under the fan-out
// limiter. The first failure wins: the errgroup context is cancelled, and the
// sibling's result, if it still arrives, is written into its slot and
// discarded with no side effects.
func (o *Orchestrator) predict(ctx context.Context, requestID string, fv model.FeatureVector) (model.PredictionPair, error) {
	var pair model.PredictionPair

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		score, err := o.limited(gctx, func(ctx context.Context) (float64, error) {
			return o.predictions.PredictATS(ctx, requestID, fv)
		})
		if err != nil {
			return err
		}
		pair.ATSScore = score
		return nil
	})
	g.Go(func() error {
		score, err := o.limited(gctx, func(ctx context.Context) (float64, error) {
			return o.predictions.PredictResp(ctx, requestID, fv)
		})
		if err != nil {
			return err
		}
		pair.RespScore = score
		return nil
	})

	if err := g.Wait(); err != nil {
		return model.PredictionPair{}, err
	}
	return pair, nil
}

// limited runs fn while holding a fan-out permit, when a limit is set.
// Callers queue for a permit rather than being rejected.
func (o *Orchestrator) limited(ctx context.Context, fn func(ctx context.Context) (float64, error)) (float64, error) {
	if o.fanout != nil {
		if err := o.fanout.Acquire(ctx, 1); err != nil {
			return 0, err
		}
		defer o.fanout.Release(1)
	}
	return fn(ctx)
}

// storeBestEffort persists the incoming transaction. Failures are logged and
// fully absorbed: the caller-visible result was already determined.
func (o *Orchestrator) storeBestEffort(ctx context.Context, log *zap.Logger, requestID string, tx model.Transaction) {
	if err := o.history.StoreTransaction(ctx, requestID, tx); err != nil {
		log.Error("best-effort transaction store failed", zap.Error(err))
	}
}

// recordDecision writes the outcome to the decision log, best-effort.
func (o *Orchestrator) recordDecision(ctx context.Context, requestID string, tx model.Transaction, res *Result, runErr error, elapsed time.Duration) {
	if o.decisions == nil {
		return
	}

	d := model.Decision{
		ID:        uuid.New().String(),
		RequestID: requestID,
		MemberID:  tx.MemberID,
		LatencyMS: elapsed.Milliseconds(),
		CreatedAt: o.now().UTC(),
	}
	if runErr == nil {
		d.Status = model.DecisionSucceeded
		d.Offer = res.Decision.Offer
		d.HistoryLen = res.HistoryLen
	} else {
		d.Status = model.DecisionFailed
		if ue, ok := resilience.AsUpstream(runErr); ok {
			d.FailedService = ue.Service
			d.StatusCode = ue.StatusCode
		} else if me := new(resilience.MalformedResponseError); errors.As(runErr, &me) {
			d.FailedService = me.Service
		}
	}

	if err := o.decisions.Record(ctx, d); err != nil {
		zap.L().Error("decision log write failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}
