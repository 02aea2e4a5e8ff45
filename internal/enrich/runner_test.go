package enrich

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"platefinder/searchservice/internal/domain"
	"platefinder/searchservice/internal/kvstore"
)

type fakeResolver struct {
	calls   atomic.Int32
	resolve func(provider, placeID string) (domain.DeliveryLink, bool, error)
}

func (f *fakeResolver) ResolveLink(_ context.Context, provider, placeID string, _ domain.EnrichmentInputs) (domain.DeliveryLink, bool, error) {
	f.calls.Add(1)
	if f.resolve != nil {
		return f.resolve(provider, placeID)
	}
	return domain.DeliveryLink{Provider: provider, URL: "https://" + provider + ".example/" + placeID}, true, nil
}

type capturePublisher struct {
	mu      sync.Mutex
	patches []domain.EnrichmentPatch
}

func (p *capturePublisher) Publish(_ context.Context, _ string, patch domain.EnrichmentPatch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patches = append(p.patches, patch)
}

func (p *capturePublisher) all() []domain.EnrichmentPatch {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EnrichmentPatch, len(p.patches))
	copy(out, p.patches)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, resolver Resolver, opts ...RunnerOption) (*Runner, *Store, *capturePublisher) {
	t.Helper()
	store := NewStore(kvstore.NewMemoryStore())
	push := &capturePublisher{}
	base := []RunnerOption{
		WithLogger(quietLogger()),
		WithPublisher(push),
		WithRetryConfig(fastRetryConfig(3)),
		WithJobTimeout(5 * time.Second),
		WithLookupTimeout(time.Second),
	}
	runner := NewRunner(store, resolver, append(base, opts...)...)
	return runner, store, push
}

func drain(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestGetOrScheduleResolvesOnce(t *testing.T) {
	resolver := &fakeResolver{}
	runner, _, push := newTestRunner(t, resolver)
	ctx := context.Background()
	inputs := domain.EnrichmentInputs{Name: "Pasta Mia", Lat: 32.08, Lng: 34.78}

	first := runner.GetOrSchedule(ctx, "wolt", "place-1", inputs)
	if first.Status != domain.EnrichmentPending {
		t.Fatalf("expected pending on first ask, got %s", first.Status)
	}
	drain(t, runner)

	second := runner.GetOrSchedule(ctx, "wolt", "place-1", inputs)
	if second.Status != domain.EnrichmentFound {
		t.Fatalf("expected found after job, got %s", second.Status)
	}
	if second.Link == nil || second.Link.URL == "" {
		t.Fatalf("expected resolved link, got %+v", second.Link)
	}
	if resolver.calls.Load() != 1 {
		t.Fatalf("expected one lookup, got %d", resolver.calls.Load())
	}

	patches := push.all()
	if len(patches) != 1 {
		t.Fatalf("expected one patch published, got %d", len(patches))
	}
	if patches[0].PlaceID != "place-1" || patches[0].Status != domain.EnrichmentFound {
		t.Fatalf("unexpected patch %+v", patches[0])
	}
}

func TestConcurrentSchedulersOneJob(t *testing.T) {
	release := make(chan struct{})
	resolver := &fakeResolver{resolve: func(provider, placeID string) (domain.DeliveryLink, bool, error) {
		<-release
		return domain.DeliveryLink{Provider: provider, URL: "u"}, true, nil
	}}
	runner, _, _ := newTestRunner(t, resolver)
	ctx := context.Background()

	const schedulers = 16
	var wg sync.WaitGroup
	for i := 0; i < schedulers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry := runner.GetOrSchedule(ctx, "wolt", "place-1", domain.EnrichmentInputs{})
			if entry.Status != domain.EnrichmentPending {
				t.Errorf("expected pending during in-flight job, got %s", entry.Status)
			}
		}()
	}
	wg.Wait()
	close(release)
	drain(t, runner)

	if resolver.calls.Load() != 1 {
		t.Fatalf("lock must collapse concurrent schedulers to one lookup, got %d", resolver.calls.Load())
	}
}

func TestExhaustedRetriesTerminalizeNotFound(t *testing.T) {
	resolver := &fakeResolver{resolve: func(string, string) (domain.DeliveryLink, bool, error) {
		return domain.DeliveryLink{}, false, domain.NewTransportError(errors.New("upstream unreachable"))
	}}
	runner, store, push := newTestRunner(t, resolver)
	ctx := context.Background()

	runner.GetOrSchedule(ctx, "wolt", "place-1", domain.EnrichmentInputs{})
	drain(t, runner)

	entry, ok, err := store.Get(ctx, "wolt", "place-1")
	if err != nil || !ok {
		t.Fatalf("expected terminal entry, ok=%v err=%v", ok, err)
	}
	if entry.Status != domain.EnrichmentNotFound {
		t.Fatalf("expected not_found, got %s", entry.Status)
	}
	if entry.Error == "" {
		t.Fatal("expected failure annotation on not_found entry")
	}
	if resolver.calls.Load() != 3 {
		t.Fatalf("expected retry budget exhausted, got %d calls", resolver.calls.Load())
	}

	patches := push.all()
	if len(patches) != 1 || patches[0].Status != domain.EnrichmentNotFound {
		t.Fatalf("expected one not_found patch, got %+v", patches)
	}
}

func TestCleanNotFoundHasNoErrorAnnotation(t *testing.T) {
	resolver := &fakeResolver{resolve: func(string, string) (domain.DeliveryLink, bool, error) {
		return domain.DeliveryLink{}, false, nil
	}}
	runner, store, _ := newTestRunner(t, resolver)
	ctx := context.Background()

	runner.GetOrSchedule(ctx, "wolt", "place-1", domain.EnrichmentInputs{})
	drain(t, runner)

	entry, ok, _ := store.Get(ctx, "wolt", "place-1")
	if !ok || entry.Status != domain.EnrichmentNotFound {
		t.Fatalf("expected not_found, ok=%v entry=%+v", ok, entry)
	}
	if entry.Error != "" {
		t.Fatalf("clean absence must not carry an error, got %q", entry.Error)
	}
}

func TestFailingProviderGetsBlocked(t *testing.T) {
	resolver := &fakeResolver{resolve: func(string, string) (domain.DeliveryLink, bool, error) {
		return domain.DeliveryLink{}, false, domain.NewRejectedError(errors.New("403"))
	}}
	runner, _, _ := newTestRunner(t, resolver)
	ctx := context.Background()

	// Three distinct places, three failed jobs.
	for i, place := range []string{"a", "b", "c"} {
		runner.GetOrSchedule(ctx, "wolt", place, domain.EnrichmentInputs{})
		drain(t, runner)
		if got := resolver.calls.Load(); got != int32(i+1) {
			t.Fatalf("expected %d lookups, got %d", i+1, got)
		}
	}

	blocked, until, _ := runner.isProviderBlocked("wolt", time.Now())
	if !blocked {
		t.Fatal("expected provider blocked after three consecutive failures")
	}
	if !until.After(time.Now()) {
		t.Fatalf("blockedUntil must be in the future, got %v", until)
	}

	// New places on the blocked provider stay pending without a lookup.
	entry := runner.GetOrSchedule(ctx, "wolt", "d", domain.EnrichmentInputs{})
	drain(t, runner)
	if entry.Status != domain.EnrichmentPending {
		t.Fatalf("expected pending, got %s", entry.Status)
	}
	if resolver.calls.Load() != 3 {
		t.Fatalf("blocked provider must not receive lookups, got %d", resolver.calls.Load())
	}
}

func TestSuccessResetsProviderHealth(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	resolver := &fakeResolver{resolve: func(provider, placeID string) (domain.DeliveryLink, bool, error) {
		if fail.Load() {
			return domain.DeliveryLink{}, false, domain.NewRejectedError(errors.New("flapping"))
		}
		return domain.DeliveryLink{Provider: provider, URL: "u"}, true, nil
	}}
	runner, _, _ := newTestRunner(t, resolver)
	ctx := context.Background()

	runner.GetOrSchedule(ctx, "wolt", "a", domain.EnrichmentInputs{})
	runner.GetOrSchedule(ctx, "wolt", "b", domain.EnrichmentInputs{})
	drain(t, runner)

	fail.Store(false)
	runner.GetOrSchedule(ctx, "wolt", "c", domain.EnrichmentInputs{})
	drain(t, runner)

	if blocked, _, _ := runner.isProviderBlocked("wolt", time.Now()); blocked {
		t.Fatal("a success must reset the failure streak")
	}
}

func TestExponentialBlockDuration(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 8 * time.Minute},
		{6, 15 * time.Minute},
		{10, 15 * time.Minute},
	}
	for _, tc := range cases {
		if got := exponentialBlockDuration(tc.failures); got != tc.want {
			t.Errorf("failures=%d: got %v, want %v", tc.failures, got, tc.want)
		}
	}
}
