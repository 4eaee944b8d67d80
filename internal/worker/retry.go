package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/seantiz/forge/internal/backend"
)

// executeWithRetry runs the backend until it succeeds, fails permanently or
// exhausts MaxRetries on transient failures. It returns the number of
// attempts made.
func (m *Manager) executeWithRetry(ctx context.Context, spec backend.TaskSpec, logger *slog.Logger) (backend.TaskResult, int, error) {
	var attempts int
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return backend.TaskResult{}, attempts, err
		}

		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return backend.TaskResult{}, attempts, err
			}
		}

		attempts++
		res, err := m.executeOnce(ctx, spec)
		if err == nil {
			return res, attempts, nil
		}

		var pe *panicError
		if errors.As(err, &pe) {
			logger.Error("backend panicked", "panic", pe.value, "stack", string(pe.stack))
		}

		if ctx.Err() != nil || !backend.IsTransient(err) || attempt >= m.opts.MaxRetries {
			return res, attempts, err
		}

		sleep := backoffSleep(m.opts.BackoffInitial, m.opts.BackoffMax, m.opts.BackoffJitterFrac, attempt)
		retriesTotal.Inc()
		logger.Info("retrying after transient failure",
			"attempt", attempts,
			"sleep", sleep,
			"error", err,
		)
		spec.Log("transient failure, retrying: " + err.Error())

		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return res, attempts, ctx.Err()
		}
	}
}

func backoffSleep(initial, max time.Duration, jitterFrac float64, attempt int) time.Duration {
	sleep := initial
	for i := 0; i < attempt && sleep < max; i++ {
		sleep *= 2
		if sleep > max {
			sleep = max
			break
		}
	}
	if jitterFrac <= 0 {
		return sleep
	}
	// Apply +/- jitterFrac.
	j := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(float64(sleep) * j)
}
