// Package apihttp exposes the search service over HTTP: search, async result
// waiting, delivery state reads, a patch event stream and the rewrite
// endpoint. Handlers stay thin; semantics live in the inner packages.
package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"platefinder/searchservice/internal/domain"
	"platefinder/searchservice/internal/enrich"
	"platefinder/searchservice/internal/push"
	"platefinder/searchservice/internal/search"
)

const (
	maxQueryLength  = 500
	maxRewriteBytes = 16 << 10
	maxWaitTimeout  = 120 * time.Second
)

type SearchService interface {
	Search(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error)
	RewriteMessage(ctx context.Context, req search.RewriteRequest) (string, error)
	DeliveryProviders() []domain.ProviderInfo
}

type ResultWaiter interface {
	Wait(ctx context.Context, requestID string, initialStatus domain.JobStatus, callerGone func() bool) domain.PollOutcome
}

type DeliveryService interface {
	GetOrSchedule(ctx context.Context, provider, placeID string, inputs domain.EnrichmentInputs) enrich.Entry
}

type PatchStream interface {
	Subscribe(placeID string) *push.Subscription
	SubscriberCount(placeID string) int
}

type Server struct {
	search   SearchService
	waiter   ResultWaiter
	delivery DeliveryService
	patches  PatchStream
	logger   *slog.Logger
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithWaiter(waiter ResultWaiter) ServerOption {
	return func(s *Server) {
		s.waiter = waiter
	}
}

func WithDelivery(delivery DeliveryService) ServerOption {
	return func(s *Server) {
		s.delivery = delivery
	}
}

func WithPatchStream(patches PatchStream) ServerOption {
	return func(s *Server) {
		s.patches = patches
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search: searchService,
		logger: slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/search/providers", s.handleProviders)
	mux.HandleFunc("/search/results/wait", s.handleResultsWait)
	mux.HandleFunc("/search/delivery/watch", s.handleDeliveryWatch)
	mux.HandleFunc("/search/delivery", s.handleDelivery)
	mux.HandleFunc("/search/rewrite", s.handleRewrite)
	mux.HandleFunc("/search", s.handleSearch)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "plate-search",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(50, 100, metricsMiddleware(traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}
	limit, err := parseNonNegativeInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	bias, err := parseBias(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	request := domain.SearchRequest{
		Query:        query,
		Category:     strings.TrimSpace(q.Get("category")),
		Filters:      parseCSV(q.Get("filters")),
		LocationText: strings.TrimSpace(q.Get("location")),
		Bias:         bias,
		Region:       strings.TrimSpace(q.Get("region")),
		Language:     strings.TrimSpace(q.Get("lang")),
		Limit:        limit,
		SortBy:       domain.NormalizeSortBy(strings.TrimSpace(q.Get("sortBy"))),
		SortOrder:    domain.NormalizeSortOrder(strings.TrimSpace(q.Get("sortOrder"))),
		SessionID:    strings.TrimSpace(q.Get("sessionId")),
		NoCache:      parseOptionalBool(q.Get("nocache")) || parseOptionalBool(q.Get("noCache")),
	}

	response, err := s.search.Search(r.Context(), request)
	if err != nil {
		s.logger.Warn("search request failed",
			slog.String("query", truncate(query, 80)),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, search.ErrInvalidQuery), errors.Is(err, search.ErrInvalidLimit):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, search.ErrNoPlaceSource):
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		case domain.ErrorKind(err) == domain.CallKindTimeout:
			writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "places provider timed out")
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
		}
		return
	}

	s.logger.Info("search completed",
		slog.String("query", truncate(query, 80)),
		slog.Int("totalItems", response.TotalItems),
		slog.Int64("elapsedMs", response.ElapsedMS),
		slog.Bool("cached", response.Cached),
	)
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleResultsWait(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.waiter == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "result waiting is not configured")
		return
	}

	q := r.URL.Query()
	requestID := strings.TrimSpace(q.Get("requestId"))
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "requestId is required")
		return
	}
	initial := domain.JobStatus(strings.TrimSpace(q.Get("status")))

	ctx := r.Context()
	if timeoutMs, err := parseNonNegativeInt(r, "timeoutMs", 0); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid timeoutMs")
		return
	} else if timeoutMs > 0 {
		timeout := time.Duration(timeoutMs) * time.Millisecond
		if timeout > maxWaitTimeout {
			timeout = maxWaitTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// When the wait tracks a watched place, the wait ends early once the
	// last patch subscriber detaches: nobody is left to deliver to.
	var callerGone func() bool
	if watch := strings.TrimSpace(q.Get("watchPlaceId")); watch != "" && s.patches != nil {
		callerGone = func() bool { return s.patches.SubscriberCount(watch) == 0 }
	}

	outcome := s.waiter.Wait(ctx, requestID, initial, callerGone)
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/delivery" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.delivery == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "delivery enrichment is not configured")
		return
	}

	q := r.URL.Query()
	placeID := strings.TrimSpace(q.Get("placeId"))
	provider := strings.TrimSpace(q.Get("provider"))
	if placeID == "" || provider == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "placeId and provider are required")
		return
	}

	lat, _ := strconv.ParseFloat(q.Get("lat"), 64)
	lng, _ := strconv.ParseFloat(q.Get("lng"), 64)
	inputs := domain.EnrichmentInputs{
		Name: strings.TrimSpace(q.Get("name")),
		Lat:  lat,
		Lng:  lng,
		City: strings.TrimSpace(q.Get("city")),
	}

	entry := s.delivery.GetOrSchedule(r.Context(), provider, placeID, inputs)
	writeJSON(w, http.StatusOK, map[string]any{
		"placeId":  placeID,
		"provider": provider,
		"status":   entry.Status,
		"link":     entry.Link,
	})
}

func (s *Server) handleDeliveryWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.patches == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "patch streaming is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported")
		return
	}

	placeID := strings.TrimSpace(r.URL.Query().Get("placeId"))
	if placeID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "placeId is required")
		return
	}

	sub := s.patches.Subscribe(placeID)
	if sub == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "patch streaming is shutting down")
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := writeSSEEvent(w, flusher, "bootstrap", map[string]any{
		"placeId": placeID,
		"status":  "watching",
	}); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case patch, ok := <-sub.C():
			if !ok {
				_ = writeSSEEvent(w, flusher, "done", map[string]any{"final": true})
				return
			}
			if err := writeSSEEvent(w, flusher, "patch", patch); err != nil {
				return // Client disconnected
			}
		}
	}
}

type rewriteRequestBody struct {
	SessionID string   `json:"sessionId"`
	Mode      string   `json:"mode"`
	Text      string   `json:"text"`
	Location  string   `json:"location,omitempty"`
	Filters   []string `json:"filters,omitempty"`
}

func (s *Server) handleRewrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRewriteBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	var payload rewriteRequestBody
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	rewritten, err := s.search.RewriteMessage(r.Context(), search.RewriteRequest{
		SessionID: payload.SessionID,
		Mode:      payload.Mode,
		Text:      payload.Text,
		Location:  payload.Location,
		Filters:   payload.Filters,
	})
	if err != nil {
		if errors.Is(err, search.ErrRewriteNoInput) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "rewrite failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": rewritten})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.search.DeliveryProviders(),
	})
}

func parseBias(r *http.Request) (domain.GeoBias, error) {
	q := r.URL.Query()
	rawLat := strings.TrimSpace(q.Get("lat"))
	rawLng := strings.TrimSpace(q.Get("lng"))
	if rawLat == "" && rawLng == "" {
		return domain.GeoBias{}, nil
	}
	lat, err := strconv.ParseFloat(rawLat, 64)
	if err != nil {
		return domain.GeoBias{}, fmt.Errorf("invalid lat")
	}
	lng, err := strconv.ParseFloat(rawLng, 64)
	if err != nil {
		return domain.GeoBias{}, fmt.Errorf("invalid lng")
	}
	radius := 0.0
	if rawRadius := strings.TrimSpace(q.Get("radius")); rawRadius != "" {
		radius, err = strconv.ParseFloat(rawRadius, 64)
		if err != nil || radius < 0 {
			return domain.GeoBias{}, fmt.Errorf("invalid radius")
		}
	}
	return domain.GeoBias{Lat: lat, Lng: lng, RadiusM: radius}, nil
}

func parseNonNegativeInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return parsed, nil
}

func parseCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if value := strings.TrimSpace(part); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func parseOptionalBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err // Client disconnected
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err // Client disconnected
	}
	flusher.Flush()
	return nil
}
