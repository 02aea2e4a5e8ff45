package poll

import (
	"context"
	"log/slog"
	"time"

	"platefinder/searchservice/internal/domain"
	"platefinder/searchservice/internal/metrics"
)

const (
	defaultInterval = 2 * time.Second
	defaultMaxWait  = 60 * time.Second
)

// StatusChecker answers the current status of a tracked request.
type StatusChecker interface {
	Status(ctx context.Context, requestID string) (domain.JobStatus, error)
}

// CallerProbe reports whether the party waiting for the result still exists.
// A nil probe means the caller is assumed present for the whole wait. An
// alias, not a defined type, so any plain func() bool satisfies interfaces
// declared against either spelling.
type CallerProbe = func() bool

// Waiter blocks until a tracked request reaches a terminal status or one of
// the other exit conditions fires. Every exit is distinguishable in the
// outcome so callers never have to guess why a wait ended.
type Waiter struct {
	status   StatusChecker
	interval time.Duration
	maxWait  time.Duration
	logger   *slog.Logger
}

type WaiterOption func(*Waiter)

func WithInterval(interval time.Duration) WaiterOption {
	return func(w *Waiter) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

func WithMaxWait(maxWait time.Duration) WaiterOption {
	return func(w *Waiter) {
		if maxWait > 0 {
			w.maxWait = maxWait
		}
	}
}

func WithWaiterLogger(logger *slog.Logger) WaiterOption {
	return func(w *Waiter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func NewWaiter(status StatusChecker, opts ...WaiterOption) *Waiter {
	waiter := &Waiter{
		status:   status,
		interval: defaultInterval,
		maxWait:  defaultMaxWait,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(waiter)
	}
	return waiter
}

// Wait polls until the request is terminal, the wait budget runs out, ctx is
// cancelled, or the caller probe reports the caller gone. A terminal
// initialStatus short-circuits without touching the store.
func (w *Waiter) Wait(ctx context.Context, requestID string, initialStatus domain.JobStatus, callerGone CallerProbe) domain.PollOutcome {
	startedAt := time.Now()

	if initialStatus.Terminal() {
		return w.finish(requestID, domain.PollOutcome{
			Ready:       true,
			FinalStatus: initialStatus,
			Reason:      domain.PollReasonCompleted,
		}, startedAt)
	}

	deadline := time.NewTimer(w.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	lastStatus := initialStatus
	polls := 0
	for {
		select {
		case <-ctx.Done():
			return w.finish(requestID, domain.PollOutcome{
				FinalStatus: lastStatus,
				Reason:      domain.PollReasonCancelled,
				PollCount:   polls,
			}, startedAt)
		case <-deadline.C:
			return w.finish(requestID, domain.PollOutcome{
				FinalStatus: lastStatus,
				Reason:      domain.PollReasonTimeout,
				PollCount:   polls,
			}, startedAt)
		case <-ticker.C:
		}

		if callerGone != nil && callerGone() {
			return w.finish(requestID, domain.PollOutcome{
				FinalStatus: lastStatus,
				Reason:      domain.PollReasonCallerGone,
				PollCount:   polls,
			}, startedAt)
		}

		status, err := w.status.Status(ctx, requestID)
		polls++
		if err != nil {
			// A flaky store read is not a verdict; keep polling until an
			// exit condition fires.
			w.logger.Warn("status poll failed",
				slog.String("requestId", requestID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if status != domain.JobStatusUnknown {
			lastStatus = status
		}
		if status.Terminal() {
			return w.finish(requestID, domain.PollOutcome{
				Ready:       true,
				FinalStatus: status,
				Reason:      domain.PollReasonCompleted,
				PollCount:   polls,
			}, startedAt)
		}
	}
}

func (w *Waiter) finish(requestID string, outcome domain.PollOutcome, startedAt time.Time) domain.PollOutcome {
	outcome.ElapsedMS = time.Since(startedAt).Milliseconds()
	metrics.PollOutcomesTotal.WithLabelValues(string(outcome.Reason)).Inc()
	w.logger.Debug("wait finished",
		slog.String("requestId", requestID),
		slog.String("reason", string(outcome.Reason)),
		slog.String("finalStatus", string(outcome.FinalStatus)),
		slog.Int("polls", outcome.PollCount),
		slog.Int64("elapsedMs", outcome.ElapsedMS),
	)
	return outcome
}
