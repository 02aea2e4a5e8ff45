package enrich

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"platefinder/searchservice/internal/domain"
	"platefinder/searchservice/internal/metrics"
)

const (
	defaultJobTimeout    = 30 * time.Second
	defaultLookupTimeout = 8 * time.Second
	defaultMaxJobs       = 16
)

// Resolver is the external lookup: does this place exist on that delivery
// provider. Implementations must honor ctx and classify failures with the
// typed call errors so retry decisions stay text-free.
type Resolver interface {
	ResolveLink(ctx context.Context, provider, placeID string, inputs domain.EnrichmentInputs) (domain.DeliveryLink, bool, error)
}

// Publisher delivers patch events to subscribers of one target. Fire and
// forget; the store entry remains the durable source of truth if a push is
// missed.
type Publisher interface {
	Publish(ctx context.Context, placeID string, patch domain.EnrichmentPatch)
}

// Runner owns background enrichment jobs: at most one job per
// (provider, place) key cluster-wide via the store's anti-thrash lock, at
// most maxJobs concurrently in this process via a weighted semaphore.
type Runner struct {
	store    *Store
	resolver Resolver
	push     Publisher
	logger   *slog.Logger

	sem           *semaphore.Weighted
	jobTimeout    time.Duration
	lookupTimeout time.Duration
	retry         RetryConfig

	healthMu sync.Mutex
	health   map[string]*providerHealth

	jobs sync.WaitGroup
}

type RunnerOption func(*Runner)

func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithJobTimeout bounds one whole job including retries. Keep it below the
// store's lock TTL or a live job can lose its lock mid-flight.
func WithJobTimeout(timeout time.Duration) RunnerOption {
	return func(r *Runner) {
		if timeout > 0 {
			r.jobTimeout = timeout
		}
	}
}

func WithLookupTimeout(timeout time.Duration) RunnerOption {
	return func(r *Runner) {
		if timeout > 0 {
			r.lookupTimeout = timeout
		}
	}
}

func WithRetryConfig(cfg RetryConfig) RunnerOption {
	return func(r *Runner) {
		if cfg.MaxAttempts > 0 {
			r.retry = cfg
		}
	}
}

func WithMaxConcurrentJobs(limit int64) RunnerOption {
	return func(r *Runner) {
		if limit > 0 {
			r.sem = semaphore.NewWeighted(limit)
		}
	}
}

func WithPublisher(push Publisher) RunnerOption {
	return func(r *Runner) {
		r.push = push
	}
}

func NewRunner(store *Store, resolver Resolver, opts ...RunnerOption) *Runner {
	runner := &Runner{
		store:         store,
		resolver:      resolver,
		logger:        slog.Default(),
		sem:           semaphore.NewWeighted(defaultMaxJobs),
		jobTimeout:    defaultJobTimeout,
		lookupTimeout: defaultLookupTimeout,
		retry:         DefaultRetryConfig(),
		health:        make(map[string]*providerHealth),
	}
	for _, opt := range opts {
		opt(runner)
	}
	return runner
}

// GetOrSchedule returns the cached enrichment outcome, or PENDING after
// making sure a job is running (or already owned by another worker) for the
// key. It never returns an error: store unavailability degrades to a miss,
// and a lost lock race just means someone else is doing the work.
func (r *Runner) GetOrSchedule(ctx context.Context, provider, placeID string, inputs domain.EnrichmentInputs) Entry {
	entry, ok, err := r.store.Get(ctx, provider, placeID)
	if err != nil {
		r.logger.Warn("enrichment store read failed, treating as miss",
			slog.String("provider", provider),
			slog.String("placeId", placeID),
			slog.String("error", err.Error()),
		)
	}
	if ok {
		return entry
	}

	pending := Entry{Status: domain.EnrichmentPending}

	if blocked, until, lastErr := r.isProviderBlocked(provider, time.Now()); blocked {
		r.logger.Debug("delivery provider blocked, job not scheduled",
			slog.String("provider", provider),
			slog.String("placeId", placeID),
			slog.Time("until", until),
			slog.String("lastError", lastErr),
		)
		return pending
	}

	acquired, err := r.store.AcquireLock(ctx, provider, placeID)
	if err != nil {
		// Degraded mode: without the store we cannot coordinate across
		// workers, but a duplicate lookup beats no lookup at all.
		r.logger.Warn("lock acquisition failed, scheduling unguarded job",
			slog.String("provider", provider),
			slog.String("placeId", placeID),
			slog.String("error", err.Error()),
		)
	} else if !acquired {
		metrics.EnrichmentLockAcquisitions.WithLabelValues("lost").Inc()
		return pending
	} else {
		metrics.EnrichmentLockAcquisitions.WithLabelValues("won").Inc()
	}

	r.jobs.Add(1)
	go r.runJob(provider, placeID, inputs)
	return pending
}

// runJob executes one enrichment job. It deliberately detaches from the
// originating request's context: the outcome must survive the response cycle,
// so the job carries its own bounded timeout instead.
func (r *Runner) runJob(provider, placeID string, inputs domain.EnrichmentInputs) {
	defer r.jobs.Done()

	ctx, cancel := context.WithTimeout(context.Background(), r.jobTimeout)
	defer cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.logger.Warn("enrichment job never started, queue saturated past job timeout",
			slog.String("provider", provider),
			slog.String("placeId", placeID),
		)
		r.releaseLock(provider, placeID)
		return
	}
	defer r.sem.Release(1)

	startedAt := time.Now()
	var link domain.DeliveryLink
	var found bool
	err := RetryWithBackoff(ctx, r.retry, func() error {
		lookupCtx, lookupCancel := context.WithTimeout(ctx, r.lookupTimeout)
		defer lookupCancel()
		var lookupErr error
		link, found, lookupErr = r.resolver.ResolveLink(lookupCtx, provider, placeID, inputs)
		return lookupErr
	})

	elapsed := time.Since(startedAt)
	r.recordJobResult(provider, err, time.Now())
	metrics.EnrichmentJobDuration.WithLabelValues(provider).Observe(elapsed.Seconds())

	// The job context may already be dead; terminal writes get their own
	// short budget so a timed-out job still terminalizes instead of leaving
	// the key PENDING until someone retries.
	writeCtx, writeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer writeCancel()

	var entry Entry
	var writeErr error
	outcome := "found"
	switch {
	case err != nil:
		outcome = "error"
		entry, writeErr = r.store.PutNotFound(writeCtx, provider, placeID, err.Error())
	case !found:
		outcome = "not_found"
		entry, writeErr = r.store.PutNotFound(writeCtx, provider, placeID, "")
	default:
		entry, writeErr = r.store.PutFound(writeCtx, provider, placeID, link)
	}
	metrics.EnrichmentJobsTotal.WithLabelValues(provider, outcome).Inc()
	if writeErr != nil {
		r.logger.Warn("enrichment outcome write failed",
			slog.String("provider", provider),
			slog.String("placeId", placeID),
			slog.String("error", writeErr.Error()),
		)
	}

	r.releaseLock(provider, placeID)
	r.publish(placeID, provider, entry)

	if err != nil {
		r.logger.Warn("enrichment job terminalized as not found",
			slog.String("provider", provider),
			slog.String("placeId", placeID),
			slog.Int64("elapsedMs", elapsed.Milliseconds()),
			slog.String("error", err.Error()),
		)
	} else {
		r.logger.Debug("enrichment job completed",
			slog.String("provider", provider),
			slog.String("placeId", placeID),
			slog.String("outcome", outcome),
			slog.Int64("elapsedMs", elapsed.Milliseconds()),
		)
	}
}

func (r *Runner) releaseLock(provider, placeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.store.ReleaseLock(ctx, provider, placeID); err != nil {
		// The lock self-expires; a failed release only delays the next retry.
		r.logger.Debug("lock release failed",
			slog.String("provider", provider),
			slog.String("placeId", placeID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) publish(placeID, provider string, entry Entry) {
	if r.push == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r.push.Publish(ctx, placeID, domain.EnrichmentPatch{
		PlaceID:  placeID,
		Provider: provider,
		Status:   entry.Status,
		Link:     entry.Link,
	})
}

// Drain blocks until in-flight jobs finish or ctx expires. Used on shutdown.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
