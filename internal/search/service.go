// Package search orchestrates one food search: fingerprint the request,
// resolve the place list through the deduplicating cache, overlay delivery
// enrichment state, and rank the response. The place list and the delivery
// state have independent lifecycles, so enrichment is overlaid on every
// response rather than frozen into the cached list.
package search

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"platefinder/searchservice/internal/domain"
	"platefinder/searchservice/internal/enrich"
	"platefinder/searchservice/internal/fingerprint"
	"platefinder/searchservice/internal/memo"
	"platefinder/searchservice/internal/providers/places"
)

var (
	ErrInvalidQuery   = errors.New("query is required")
	ErrNoPlaceSource  = errors.New("no places provider configured")
	ErrInvalidLimit   = errors.New("limit must be >= 0")
	ErrRewriteNoInput = errors.New("rewrite text is required")
)

const (
	defaultLimit    = 20
	maxLimit        = 50
	defaultTimeout  = 10 * time.Second
	defaultCacheTTL = 10 * time.Minute
	rewriteTTL      = 30 * time.Minute

	placesSourceName = "places"
)

// PlaceSource answers provider text searches.
type PlaceSource interface {
	TextSearch(ctx context.Context, q places.TextQuery) ([]domain.Place, error)
}

// Enricher answers cached delivery state and schedules the missing jobs.
type Enricher interface {
	GetOrSchedule(ctx context.Context, provider, placeID string, inputs domain.EnrichmentInputs) enrich.Entry
}

// StatusTracker records async request lifecycle for the availability waiter.
type StatusTracker interface {
	SetStatus(ctx context.Context, requestID string, status domain.JobStatus) error
}

// MessageRewriter rewrites an assistant message; the service guards it with
// an idempotency cache keyed by session and request content.
type MessageRewriter interface {
	Rewrite(ctx context.Context, mode, text string) (string, error)
}

type Service struct {
	source            PlaceSource
	enricher          Enricher
	statuses          StatusTracker
	rewriter          MessageRewriter
	deliveryProviders []string
	timeout           time.Duration
	cacheTTL          time.Duration
	cacheDisabled     bool
	defaultRegion     string
	defaultLanguage   string
	logger            *slog.Logger

	placeCache   *memo.Cache[[]domain.Place]
	rewriteCache *memo.Cache[string]
}

type ServiceOption func(*Service)

func WithEnricher(enricher Enricher, deliveryProviders []string) ServiceOption {
	return func(s *Service) {
		s.enricher = enricher
		s.deliveryProviders = deliveryProviders
	}
}

func WithStatusTracker(statuses StatusTracker) ServiceOption {
	return func(s *Service) {
		s.statuses = statuses
	}
}

func WithRewriter(rewriter MessageRewriter) ServiceOption {
	return func(s *Service) {
		s.rewriter = rewriter
	}
}

func WithTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

func WithCacheDisabled(disabled bool) ServiceOption {
	return func(s *Service) {
		s.cacheDisabled = disabled
	}
}

func WithDefaultLocale(region, language string) ServiceOption {
	return func(s *Service) {
		s.defaultRegion = region
		s.defaultLanguage = language
	}
}

func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(source PlaceSource, opts ...ServiceOption) *Service {
	svc := &Service{
		source:       source,
		timeout:      defaultTimeout,
		cacheTTL:     defaultCacheTTL,
		logger:       slog.Default(),
		placeCache:   memo.New[[]domain.Place]("search"),
		rewriteCache: memo.New[string]("rewrite"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type preparedSearch struct {
	request   domain.SearchRequest
	cacheKey  string
	limit     int
	sortBy    domain.SearchSortBy
	sortOrder domain.SearchSortOrder
}

func (s *Service) prepare(request domain.SearchRequest) (preparedSearch, error) {
	query := strings.TrimSpace(request.Query)
	if query == "" {
		return preparedSearch{}, ErrInvalidQuery
	}
	if request.Limit < 0 {
		return preparedSearch{}, ErrInvalidLimit
	}
	request.Query = query
	if request.Region == "" {
		request.Region = s.defaultRegion
	}
	if request.Language == "" {
		request.Language = s.defaultLanguage
	}

	limit := request.Limit
	if limit == 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	cacheKey := fingerprint.CacheKey(fingerprint.CacheKeyParams{
		Query:        request.Query,
		Category:     request.Category,
		Filters:      request.Filters,
		LocationText: request.LocationText,
		Lat:          request.Bias.Lat,
		Lng:          request.Bias.Lng,
		RadiusM:      request.Bias.RadiusM,
		Region:       request.Region,
		Language:     request.Language,
	})

	return preparedSearch{
		request:   request,
		cacheKey:  cacheKey,
		limit:     limit,
		sortBy:    domain.NormalizeSortBy(string(request.SortBy)),
		sortOrder: domain.NormalizeSortOrder(string(request.SortOrder)),
	}, nil
}

// Search runs one search end to end. The response is immediate: places whose
// delivery state is still being resolved come back PENDING, and the caller
// picks the change up over push or the availability waiter.
func (s *Service) Search(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error) {
	if s.source == nil {
		return domain.SearchResponse{}, ErrNoPlaceSource
	}
	prepared, err := s.prepare(request)
	if err != nil {
		return domain.SearchResponse{}, err
	}

	startedAt := time.Now()
	requestID := newRequestID()
	s.trackStatus(ctx, requestID, domain.JobStatusRunning)

	var results []domain.Place
	computed := false
	if s.cacheDisabled || prepared.request.NoCache {
		computed = true
		results, err = s.fetchPlaces(ctx, prepared.request)
	} else {
		results, err = s.placeCache.Resolve(ctx, prepared.cacheKey, func(computeCtx context.Context) ([]domain.Place, error) {
			computed = true
			return s.fetchPlaces(computeCtx, prepared.request)
		}, memo.Options{TTL: s.cacheTTL, Timeout: s.timeout})
	}
	if err != nil {
		s.trackStatus(ctx, requestID, domain.JobStatusFailed)
		return domain.SearchResponse{}, err
	}

	// The cached list is shared between callers; work on a copy. Enrichment
	// is overlaid only on the places that survive ranking and the limit, so
	// trimmed results never schedule jobs.
	ranked := make([]domain.Place, len(results))
	copy(ranked, results)
	s.rank(ranked, prepared)
	if len(ranked) > prepared.limit {
		ranked = ranked[:prepared.limit]
	}
	s.overlayDelivery(ctx, ranked)

	s.trackStatus(ctx, requestID, domain.JobStatusCompleted)

	return domain.SearchResponse{
		Query:      prepared.request.Query,
		Places:     ranked,
		Providers:  s.providerStatuses(ranked),
		ElapsedMS:  time.Since(startedAt).Milliseconds(),
		TotalItems: len(ranked),
		Cached:     !computed,
		RequestID:  requestID,
	}, nil
}

// providerStatuses summarizes which sources contributed to the response: the
// places source with how many places it served, then one row per configured
// delivery integration with how many of the returned places it has resolved
// a link for so far.
func (s *Service) providerStatuses(results []domain.Place) []domain.ProviderStatus {
	statuses := []domain.ProviderStatus{{Name: placesSourceName, OK: true, Count: len(results)}}
	if len(s.deliveryProviders) == 0 {
		return statuses
	}
	linkCounts := make(map[string]int, len(s.deliveryProviders))
	for _, place := range results {
		for _, link := range place.Delivery.Links {
			linkCounts[link.Provider]++
		}
	}
	for _, name := range s.deliveryProviders {
		statuses = append(statuses, domain.ProviderStatus{Name: name, OK: true, Count: linkCounts[name]})
	}
	return statuses
}

func (s *Service) fetchPlaces(ctx context.Context, request domain.SearchRequest) ([]domain.Place, error) {
	query := request.Query
	if request.Category != "" {
		query += " " + request.Category
	}
	if request.LocationText != "" {
		query += " in " + request.LocationText
	}

	textQuery := places.TextQuery{
		Query:        query,
		LanguageCode: request.Language,
		RegionCode:   request.Region,
		MaxResults:   maxLimit,
	}
	if !request.Bias.IsZero() {
		bias := request.Bias
		textQuery.Bias = &bias
	}
	return s.source.TextSearch(ctx, textQuery)
}

// overlayDelivery fills each place's delivery block from the enrichment
// cache, scheduling jobs for anything missing. Never blocks on a lookup.
func (s *Service) overlayDelivery(ctx context.Context, results []domain.Place) {
	if s.enricher == nil || len(s.deliveryProviders) == 0 {
		return
	}
	for i := range results {
		place := &results[i]
		inputs := domain.EnrichmentInputs{
			Name: place.Name,
			Lat:  place.Lat,
			Lng:  place.Lng,
			City: place.Address,
		}

		info := domain.DeliveryInfo{Status: domain.EnrichmentNotFound}
		terminal := true
		for _, provider := range s.deliveryProviders {
			entry := s.enricher.GetOrSchedule(ctx, provider, place.ID, inputs)
			switch entry.Status {
			case domain.EnrichmentFound:
				if entry.Link != nil {
					info.Links = append(info.Links, *entry.Link)
				}
			case domain.EnrichmentPending:
				terminal = false
			}
		}
		switch {
		case len(info.Links) > 0:
			info.Status = domain.EnrichmentFound
		case !terminal:
			info.Status = domain.EnrichmentPending
		}
		place.Delivery = info
	}
}

func (s *Service) rank(results []domain.Place, prepared preparedSearch) {
	desc := prepared.sortOrder == domain.SearchSortOrderDesc
	switch prepared.sortBy {
	case domain.SearchSortByRating:
		sort.SliceStable(results, func(i, j int) bool {
			if desc {
				return results[i].Rating > results[j].Rating
			}
			return results[i].Rating < results[j].Rating
		})
	case domain.SearchSortByDistance:
		bias := prepared.request.Bias
		if bias.IsZero() {
			return
		}
		sort.SliceStable(results, func(i, j int) bool {
			di := distanceM(bias.Lat, bias.Lng, results[i].Lat, results[i].Lng)
			dj := distanceM(bias.Lat, bias.Lng, results[j].Lat, results[j].Lng)
			if desc {
				return di > dj
			}
			return di < dj
		})
	default:
		// Relevance keeps provider order.
	}
}

// RewriteRequest identifies one idempotent assistant-message rewrite.
type RewriteRequest struct {
	SessionID string
	Mode      string
	Text      string
	Location  string
	Filters   []string
}

// RewriteMessage rewrites the text at most once per idempotency key. On any
// rewrite failure the original text comes back unchanged; a degraded message
// beats a failed response.
func (s *Service) RewriteMessage(ctx context.Context, req RewriteRequest) (string, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", ErrRewriteNoInput
	}
	if s.rewriter == nil {
		return text, nil
	}

	key := fingerprint.IdempotencyKey(fingerprint.IdempotencyKeyParams{
		SessionID: req.SessionID,
		Query:     text,
		Mode:      req.Mode,
		Location:  req.Location,
		Filters:   req.Filters,
	})
	rewritten := s.rewriteCache.ResolveOrFallback(ctx, key, func(computeCtx context.Context) (string, error) {
		return s.rewriter.Rewrite(computeCtx, req.Mode, text)
	}, text, memo.Options{TTL: rewriteTTL, Timeout: s.timeout})
	return rewritten, nil
}

// DeliveryProviders lists the configured delivery integrations for the
// providers endpoint.
func (s *Service) DeliveryProviders() []domain.ProviderInfo {
	items := make([]domain.ProviderInfo, 0, len(s.deliveryProviders))
	for _, name := range s.deliveryProviders {
		items = append(items, domain.ProviderInfo{
			Name:    name,
			Label:   name,
			Kind:    "delivery",
			Enabled: true,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

// CacheStats drains the place-cache counters for the periodic stats log.
func (s *Service) CacheStats() memo.StatsSnapshot {
	return s.placeCache.FlushStats()
}

// RunMaintenance sweeps expired cache entries and logs flushed cache counters
// on the given interval until ctx is cancelled.
func (s *Service) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := s.placeCache.Sweep() + s.rewriteCache.Sweep()
			snap := s.CacheStats()
			if snap.Calls == 0 && swept == 0 {
				continue
			}
			s.logger.Info("search cache stats",
				slog.Int64("calls", snap.Calls),
				slog.Int64("hits", snap.Hits),
				slog.Int64("timeouts", snap.Timeouts),
				slog.Int64("errors", snap.Errors),
				slog.Int64("avgResolveMs", snap.AvgDurationMS),
				slog.Int("swept", swept),
			)
		}
	}
}

func (s *Service) trackStatus(ctx context.Context, requestID string, status domain.JobStatus) {
	if s.statuses == nil {
		return
	}
	if err := s.statuses.SetStatus(ctx, requestID, status); err != nil {
		s.logger.Debug("status tracking write failed",
			slog.String("requestId", requestID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func newRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "req-" + hex.EncodeToString([]byte(time.Now().Format("150405.000")))
	}
	return hex.EncodeToString(buf)
}

func distanceM(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusM = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
