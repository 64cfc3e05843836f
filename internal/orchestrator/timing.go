package orchestrator

import (
	"time"

	"go.uber.org/zap"
)

// timed wraps one pipeline step with a structured latency measurement. The
// measurement is observational only; the step's value and error pass through
// untouched.
func timed[T any](log *zap.Logger, step string, fn func() (T, error)) (T, error) {
	start := time.Now()
	val, err := fn()
	log.Info("pipeline step",
		zap.String("step", step),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		zap.Bool("ok", err == nil),
	)
	return val, err
}
