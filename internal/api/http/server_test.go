package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"platefinder/searchservice/internal/domain"
	"platefinder/searchservice/internal/enrich"
	"platefinder/searchservice/internal/poll"
	"platefinder/searchservice/internal/push"
	"platefinder/searchservice/internal/search"
)

// The concrete collaborators wired in cmd/server must satisfy the handler
// contracts; a signature drift in any of them breaks the binary.
var (
	_ SearchService   = (*search.Service)(nil)
	_ ResultWaiter    = (*poll.Waiter)(nil)
	_ DeliveryService = (*enrich.Runner)(nil)
	_ PatchStream     = (*push.Hub)(nil)
)

type fakeSearchService struct {
	lastRequest domain.SearchRequest
	response    domain.SearchResponse
	err         error
	rewritten   string
}

func (f *fakeSearchService) Search(_ context.Context, request domain.SearchRequest) (domain.SearchResponse, error) {
	f.lastRequest = request
	if f.err != nil {
		return domain.SearchResponse{}, f.err
	}
	return f.response, nil
}

func (f *fakeSearchService) RewriteMessage(_ context.Context, req search.RewriteRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", search.ErrRewriteNoInput
	}
	if f.rewritten != "" {
		return f.rewritten, nil
	}
	return req.Text, nil
}

func (f *fakeSearchService) DeliveryProviders() []domain.ProviderInfo {
	return []domain.ProviderInfo{{Name: "wolt", Label: "wolt", Kind: "delivery", Enabled: true}}
}

type fakeWaiter struct {
	outcome domain.PollOutcome
	lastID  string
}

func (f *fakeWaiter) Wait(_ context.Context, requestID string, _ domain.JobStatus, _ func() bool) domain.PollOutcome {
	f.lastID = requestID
	return f.outcome
}

type fakeDelivery struct {
	entry enrich.Entry
}

func (f *fakeDelivery) GetOrSchedule(context.Context, string, string, domain.EnrichmentInputs) enrich.Entry {
	return f.entry
}

func newTestServer(t *testing.T, opts ...ServerOption) (*fakeSearchService, *httptest.Server) {
	t.Helper()
	svc := &fakeSearchService{response: domain.SearchResponse{
		Query:      "pasta",
		Places:     []domain.Place{{ID: "pl-1", Name: "Pasta Mia"}},
		TotalItems: 1,
		RequestID:  "req-1",
	}}
	server := httptest.NewServer(NewServer(svc, opts...).Handler())
	t.Cleanup(server.Close)
	return svc, server
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	_, server := newTestServer(t)
	var payload map[string]any
	if status := getJSON(t, server.URL+"/health", &payload); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestSearchEndpoint(t *testing.T) {
	svc, server := newTestServer(t)

	var response domain.SearchResponse
	status := getJSON(t, server.URL+"/search?q=pasta&lat=32.08&lng=34.78&radius=1200&filters=kosher,open&sessionId=s-1", &response)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if response.RequestID != "req-1" || len(response.Places) != 1 {
		t.Fatalf("unexpected response %+v", response)
	}

	if svc.lastRequest.Query != "pasta" {
		t.Fatalf("query not forwarded: %+v", svc.lastRequest)
	}
	if svc.lastRequest.Bias.Lat != 32.08 || svc.lastRequest.Bias.RadiusM != 1200 {
		t.Fatalf("bias not forwarded: %+v", svc.lastRequest.Bias)
	}
	if len(svc.lastRequest.Filters) != 2 || svc.lastRequest.SessionID != "s-1" {
		t.Fatalf("filters/session not forwarded: %+v", svc.lastRequest)
	}
}

func TestSearchMissingQuery(t *testing.T) {
	_, server := newTestServer(t)
	if status := getJSON(t, server.URL+"/search", nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestSearchInvalidBias(t *testing.T) {
	_, server := newTestServer(t)
	if status := getJSON(t, server.URL+"/search?q=pasta&lat=abc&lng=34.78", nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestSearchServiceErrorMapping(t *testing.T) {
	svc, server := newTestServer(t)
	svc.err = search.ErrInvalidQuery
	if status := getJSON(t, server.URL+"/search?q=x", nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	svc.err = search.ErrNoPlaceSource
	if status := getJSON(t, server.URL+"/search?q=x", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
	svc.err = domain.NewTimeoutError(context.DeadlineExceeded)
	if status := getJSON(t, server.URL+"/search?q=x", nil); status != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", status)
	}
}

func TestResultsWaitEndpoint(t *testing.T) {
	waiter := &fakeWaiter{outcome: domain.PollOutcome{
		Ready:       true,
		FinalStatus: domain.JobStatusCompleted,
		Reason:      domain.PollReasonCompleted,
		PollCount:   2,
	}}
	_, server := newTestServer(t, WithWaiter(waiter))

	var outcome domain.PollOutcome
	status := getJSON(t, server.URL+"/search/results/wait?requestId=req-1&status=running&timeoutMs=5000", &outcome)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !outcome.Ready || outcome.Reason != domain.PollReasonCompleted {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if waiter.lastID != "req-1" {
		t.Fatalf("request id not forwarded: %q", waiter.lastID)
	}
}

func TestResultsWaitRequiresRequestID(t *testing.T) {
	_, server := newTestServer(t, WithWaiter(&fakeWaiter{}))
	if status := getJSON(t, server.URL+"/search/results/wait", nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestResultsWaitUnconfigured(t *testing.T) {
	_, server := newTestServer(t)
	if status := getJSON(t, server.URL+"/search/results/wait?requestId=x", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
}

func TestDeliveryEndpoint(t *testing.T) {
	link := domain.DeliveryLink{Provider: "wolt", URL: "https://wolt.example/v"}
	delivery := &fakeDelivery{entry: enrich.Entry{Status: domain.EnrichmentFound, Link: &link}}
	_, server := newTestServer(t, WithDelivery(delivery))

	var payload struct {
		PlaceID  string                  `json:"placeId"`
		Provider string                  `json:"provider"`
		Status   domain.EnrichmentStatus `json:"status"`
		Link     *domain.DeliveryLink    `json:"link"`
	}
	status := getJSON(t, server.URL+"/search/delivery?placeId=pl-1&provider=wolt&name=Pasta+Mia", &payload)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if payload.Status != domain.EnrichmentFound || payload.Link == nil {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestDeliveryRequiresParams(t *testing.T) {
	_, server := newTestServer(t, WithDelivery(&fakeDelivery{}))
	if status := getJSON(t, server.URL+"/search/delivery?placeId=pl-1", nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestRewriteEndpoint(t *testing.T) {
	svc, server := newTestServer(t)
	svc.rewritten = "friendlier text"

	resp, err := http.Post(server.URL+"/search/rewrite", "application/json",
		strings.NewReader(`{"sessionId":"s-1","mode":"friendly","text":"raw text"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["text"] != "friendlier text" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestRewriteRejectsEmptyText(t *testing.T) {
	_, server := newTestServer(t)
	resp, err := http.Post(server.URL+"/search/rewrite", "application/json",
		strings.NewReader(`{"sessionId":"s-1","text":"  "}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRewriteMethodNotAllowed(t *testing.T) {
	_, server := newTestServer(t)
	if status := getJSON(t, server.URL+"/search/rewrite", nil); status != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", status)
	}
}

func TestProvidersEndpoint(t *testing.T) {
	_, server := newTestServer(t)
	var payload struct {
		Providers []domain.ProviderInfo `json:"providers"`
	}
	if status := getJSON(t, server.URL+"/search/providers", &payload); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(payload.Providers) != 1 || payload.Providers[0].Name != "wolt" {
		t.Fatalf("unexpected providers %v", payload.Providers)
	}
}

func TestDeliveryWatchStreamsPatches(t *testing.T) {
	hub := push.NewHub()
	t.Cleanup(hub.Close)
	_, server := newTestServer(t, WithPatchStream(hub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/search/delivery/watch?placeId=pl-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// First frame is the bootstrap event; then publish and expect the patch.
	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read bootstrap: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "bootstrap") {
		t.Fatalf("expected bootstrap frame, got %q", string(buf[:n]))
	}

	hub.Publish(context.Background(), "pl-1", domain.EnrichmentPatch{
		PlaceID:  "pl-1",
		Provider: "wolt",
		Status:   domain.EnrichmentFound,
	})

	n, err = resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read patch: %v", err)
	}
	frame := string(buf[:n])
	if !strings.Contains(frame, "event: patch") || !strings.Contains(frame, `"pl-1"`) {
		t.Fatalf("expected patch frame, got %q", frame)
	}
}
