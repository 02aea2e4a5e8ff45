package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"platefinder/searchservice/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient([]ProviderConfig{{
		Name:      "Wolt",
		BaseURL:   server.URL,
		APIKey:    "secret",
		RateLimit: 100,
		Burst:     100,
	}}, WithHTTPClient(server.Client()))
}

func inputsAt(name string, lat, lng float64) domain.EnrichmentInputs {
	return domain.EnrichmentInputs{Name: name, Lat: lat, Lng: lng, City: "Tel Aviv"}
}

func TestResolveLinkMatchesNearbyVenue(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/venues/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Error("missing auth header")
		}
		if r.URL.Query().Get("q") != "Pasta Mia" {
			t.Errorf("unexpected query %q", r.URL.Query().Get("q"))
		}
		_, _ = w.Write([]byte(`{"venues":[
			{"id":"v-far","name":"Pasta Mia","lat":31.780,"lng":35.230,"link":"https://wolt.example/far"},
			{"id":"v-near","name":"Pasta Mia — Dizengoff","lat":32.0801,"lng":34.7801,"link":"https://wolt.example/near"}
		]}`))
	})

	link, found, err := client.ResolveLink(context.Background(), "wolt", "pl-1", inputsAt("Pasta Mia", 32.080, 34.780))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !found {
		t.Fatal("expected a match")
	}
	if link.ItemID != "v-near" || link.URL != "https://wolt.example/near" {
		t.Fatalf("expected nearby venue, got %+v", link)
	}
	if link.Provider != "wolt" {
		t.Fatalf("expected normalized provider name, got %q", link.Provider)
	}
}

func TestResolveLinkNoMatchIsCleanNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"venues":[
			{"id":"v-1","name":"Completely Different Burger","lat":32.080,"lng":34.780,"link":"https://wolt.example/v-1"}
		]}`))
	})

	_, found, err := client.ResolveLink(context.Background(), "wolt", "pl-1", inputsAt("Pasta Mia", 32.080, 34.780))
	if err != nil {
		t.Fatalf("no match must not be an error: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestResolveLinkRejectsDistantSameNameVenue(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"venues":[
			{"id":"v-1","name":"Pasta Mia","lat":31.780,"lng":35.230,"link":"https://wolt.example/v-1"}
		]}`))
	})

	_, found, err := client.ResolveLink(context.Background(), "wolt", "pl-1", inputsAt("Pasta Mia", 32.080, 34.780))
	if err != nil || found {
		t.Fatalf("a same-name venue in another city is not a match, found=%v err=%v", found, err)
	}
}

func TestResolveLinkUnknownProviderRejected(t *testing.T) {
	client := NewClient(nil)
	_, _, err := client.ResolveLink(context.Background(), "ghost", "pl-1", inputsAt("Pasta Mia", 0, 0))
	if domain.ErrorKind(err) != domain.CallKindRejected {
		t.Fatalf("expected rejected, got %v", err)
	}
	if domain.IsTransient(err) {
		t.Fatal("unknown provider must not be retried")
	}
}

func TestResolveLinkServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "catalog down", http.StatusServiceUnavailable)
	})

	_, _, err := client.ResolveLink(context.Background(), "wolt", "pl-1", inputsAt("Pasta Mia", 32.08, 34.78))
	if domain.ErrorKind(err) != domain.CallKindTransport {
		t.Fatalf("expected transport kind, got %v", err)
	}
	if !domain.IsTransient(err) {
		t.Fatal("5xx must be retryable")
	}
}

func TestResolveLinkRateLimitedUpstreamIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, _, err := client.ResolveLink(context.Background(), "wolt", "pl-1", inputsAt("Pasta Mia", 32.08, 34.78))
	if !domain.IsTransient(err) {
		t.Fatalf("429 should be retried after backoff, got %v", err)
	}
}

func TestRateLimiterBoundsThroughput(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"venues":[]}`))
	}))
	t.Cleanup(server.Close)

	client := NewClient([]ProviderConfig{{
		Name:      "wolt",
		BaseURL:   server.URL,
		RateLimit: 1,
		Burst:     2,
	}}, WithHTTPClient(server.Client()))

	// The third request exceeds the burst and must wait on the limiter; a
	// short deadline turns that wait into a timeout.
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, _, err := client.ResolveLink(ctx, "wolt", "pl", inputsAt("x", 0, 0)); err != nil {
			t.Fatalf("burst request %d: %v", i, err)
		}
	}
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, _, err := client.ResolveLink(shortCtx, "wolt", "pl", inputsAt("x", 0, 0))
	if err == nil {
		t.Fatal("expected limiter to block past the burst")
	}
	if !domain.IsTransient(err) {
		t.Fatalf("a limiter wait cut short should be retryable, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("limited request must not reach upstream, got %d hits", hits.Load())
	}
}

func TestProvidersListsConfigured(t *testing.T) {
	client := NewClient([]ProviderConfig{
		{Name: "Wolt", BaseURL: "https://wolt.example"},
		{Name: "", BaseURL: "https://ignored.example"},
		{Name: "tenbis", BaseURL: ""},
	})
	providers := client.Providers()
	if len(providers) != 1 || providers[0] != "wolt" {
		t.Fatalf("expected only fully configured providers, got %v", providers)
	}
}
