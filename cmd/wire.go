package main

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/offer-orchestrator/internal/orchestrator"
	"github.com/sells-group/offer-orchestrator/internal/resilience"
	"github.com/sells-group/offer-orchestrator/internal/store"
	"github.com/sells-group/offer-orchestrator/internal/upstream"
	"github.com/sells-group/offer-orchestrator/pkg/memberdata"
	"github.com/sells-group/offer-orchestrator/pkg/offerengine"
	"github.com/sells-group/offer-orchestrator/pkg/prediction"
)

// appEnv holds the wired application components.
type appEnv struct {
	Orchestrator *orchestrator.Orchestrator
	Decisions    store.DecisionLog
}

// Close releases held resources.
func (e *appEnv) Close() {
	if e.Decisions != nil {
		_ = e.Decisions.Close()
	}
}

// initApp wires the upstream clients, adapters, decision log, and
// orchestrator from the loaded config.
func initApp(ctx context.Context) (*appEnv, error) {
	retryCfg := resilience.RetryConfig{
		MaxAttempts:    cfg.HTTP.MaxRetries + 1,
		BaseBackoff:    cfg.HTTP.Backoff(),
		JitterFraction: 0.2,
	}
	retryable := resilience.NewStatusSet(cfg.HTTP.RetryableStatuses...)

	// One global limiter bounds in-flight calls across all three adapters.
	limiter := semaphore.NewWeighted(int64(cfg.HTTP.ConcurrencyLimit))

	newExec := func(service, baseURL string) *upstream.Client {
		opts := []upstream.Option{
			upstream.WithTimeout(cfg.HTTP.Timeout()),
			upstream.WithRetry(retryCfg),
			upstream.WithRetryableStatuses(retryable),
			upstream.WithLimiter(limiter),
		}
		if cfg.Circuit.Enabled {
			opts = append(opts, upstream.WithBreaker(resilience.NewCircuitBreaker(resilience.CircuitConfig{
				FailureThreshold: cfg.Circuit.FailureThreshold,
				ResetTimeout:     cfg.Circuit.ResetTimeout(),
			})))
		}
		return upstream.New(service, baseURL, opts...)
	}

	history := memberdata.New(newExec(memberdata.Service, cfg.Upstreams.HistoryBaseURL))
	predictions := prediction.New(newExec(prediction.Service, cfg.Upstreams.PredictionBaseURL))
	offers := offerengine.New(newExec(offerengine.Service, cfg.Upstreams.OfferBaseURL))

	decisions, err := openDecisionLog(ctx)
	if err != nil {
		return nil, err
	}

	fanout := int64(cfg.Pipeline.PredictionConcurrency)
	if global := int64(cfg.HTTP.ConcurrencyLimit); fanout > global {
		fanout = global
	}

	orch := orchestrator.New(history, predictions, offers,
		orchestrator.WithFanoutLimit(fanout),
		orchestrator.WithDecisionLog(decisions),
	)

	return &appEnv{Orchestrator: orch, Decisions: decisions}, nil
}

// openDecisionLog opens the configured decision log backend and runs
// migrations.
func openDecisionLog(ctx context.Context) (store.DecisionLog, error) {
	var (
		dl  store.DecisionLog
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite", "":
		dl, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		dl, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrap(err, "open decision log")
	}
	if err := dl.Migrate(ctx); err != nil {
		_ = dl.Close()
		return nil, eris.Wrap(err, "migrate decision log")
	}
	return dl, nil
}
