// Package places wraps the upstream places provider's text-search and
// details endpoints. Responses are cached in the shared TTL store under
// fingerprinted keys so repeated logically identical queries never leave the
// process twice within a TTL window.
package places

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"platefinder/searchservice/internal/domain"
	"platefinder/searchservice/internal/fingerprint"
	"platefinder/searchservice/internal/kvstore"
	"platefinder/searchservice/internal/metrics"
)

const (
	defaultBaseURL  = "https://places.googleapis.com/v1"
	defaultCacheTTL = 10 * time.Minute
	maxResponseSize = 2 << 20
	maxErrorSnippet = 1024
)

// defaultFieldMask is the field selection requested from the provider. It is
// part of the cache key: changing it invalidates cached responses instead of
// serving entries that lack the new fields.
var defaultFieldMask = []string{
	"places.id",
	"places.displayName",
	"places.formattedAddress",
	"places.location",
	"places.rating",
	"places.userRatingCount",
	"places.priceLevel",
	"places.types",
	"places.currentOpeningHours.openNow",
	"places.websiteUri",
}

type Client struct {
	apiKey          string
	baseURL         string
	http            *http.Client
	kv              kvstore.Store
	cacheTTL        time.Duration
	fieldMask       []string
	pipelineVersion string
}

type Config struct {
	APIKey          string
	BaseURL         string
	Client          *http.Client
	KV              kvstore.Store
	CacheTTL        time.Duration
	FieldMask       []string
	PipelineVersion string
}

// TextQuery is one provider text search.
type TextQuery struct {
	Query        string
	LanguageCode string
	RegionCode   string
	Bias         *domain.GeoBias
	MaxResults   int
}

type textSearchRequest struct {
	TextQuery      string        `json:"textQuery"`
	LanguageCode   string        `json:"languageCode,omitempty"`
	RegionCode     string        `json:"regionCode,omitempty"`
	MaxResultCount int           `json:"maxResultCount,omitempty"`
	LocationBias   *locationBias `json:"locationBias,omitempty"`
}

type locationBias struct {
	Circle circleBias `json:"circle"`
}

type circleBias struct {
	Center latLng  `json:"center"`
	Radius float64 `json:"radius"`
}

type latLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type providerPlace struct {
	ID               string   `json:"id"`
	DisplayName      langText `json:"displayName"`
	FormattedAddress string   `json:"formattedAddress"`
	Location         latLng   `json:"location"`
	Rating           float64  `json:"rating"`
	UserRatingCount  int      `json:"userRatingCount"`
	PriceLevel       string   `json:"priceLevel"`
	Types            []string `json:"types"`
	CurrentOpening   *opening `json:"currentOpeningHours"`
	WebsiteURI       string   `json:"websiteUri"`
}

type langText struct {
	Text string `json:"text"`
}

type opening struct {
	OpenNow bool `json:"openNow"`
}

type textSearchResponse struct {
	Places []providerPlace `json:"places"`
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	fieldMask := cfg.FieldMask
	if len(fieldMask) == 0 {
		fieldMask = defaultFieldMask
	}
	return &Client{
		apiKey:          strings.TrimSpace(cfg.APIKey),
		baseURL:         strings.TrimRight(baseURL, "/"),
		http:            httpClient,
		kv:              cfg.KV,
		cacheTTL:        cacheTTL,
		fieldMask:       fieldMask,
		pipelineVersion: strings.TrimSpace(cfg.PipelineVersion),
	}
}

func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// TextSearch runs a provider text search, serving from the shared cache when
// a fingerprint-identical query was answered within the TTL.
func (c *Client) TextSearch(ctx context.Context, q TextQuery) ([]domain.Place, error) {
	if !c.Enabled() {
		return nil, domain.NewRejectedError(errors.New("places provider not configured"))
	}

	var bias *fingerprint.BiasParams
	if q.Bias != nil && !q.Bias.IsZero() {
		bias = &fingerprint.BiasParams{Lat: q.Bias.Lat, Lng: q.Bias.Lng, RadiusM: q.Bias.RadiusM}
	}
	cacheKey := fingerprint.TextSearchKey(fingerprint.TextSearchKeyParams{
		Query:           q.Query,
		LanguageCode:    q.LanguageCode,
		RegionCode:      q.RegionCode,
		Bias:            bias,
		FieldMask:       c.fieldMask,
		PipelineVersion: c.pipelineVersion,
	})

	if c.kv != nil {
		if data, ok, err := c.kv.Get(ctx, cacheKey); err == nil && ok {
			var cached []domain.Place
			if json.Unmarshal(data, &cached) == nil {
				metrics.PlacesRequestsTotal.WithLabelValues("cache_hit").Inc()
				return cached, nil
			}
		}
	}

	payload := textSearchRequest{
		TextQuery:      strings.TrimSpace(q.Query),
		LanguageCode:   q.LanguageCode,
		RegionCode:     q.RegionCode,
		MaxResultCount: q.MaxResults,
	}
	if q.Bias != nil && !q.Bias.IsZero() {
		payload.LocationBias = &locationBias{Circle: circleBias{
			Center: latLng{Latitude: q.Bias.Lat, Longitude: q.Bias.Lng},
			Radius: q.Bias.RadiusM,
		}}
	}

	var response textSearchResponse
	if err := c.post(ctx, "/places:searchText", payload, &response); err != nil {
		return nil, err
	}

	results := make([]domain.Place, 0, len(response.Places))
	for _, p := range response.Places {
		results = append(results, p.toDomain())
	}

	if c.kv != nil {
		if data, err := json.Marshal(results); err == nil {
			_ = c.kv.Set(ctx, cacheKey, data, c.cacheTTL)
		}
	}
	return results, nil
}

// Details fetches a single place by ID with its own cache family.
func (c *Client) Details(ctx context.Context, placeID, languageCode string) (domain.Place, error) {
	if !c.Enabled() {
		return domain.Place{}, domain.NewRejectedError(errors.New("places provider not configured"))
	}
	id := strings.TrimSpace(placeID)
	if id == "" {
		return domain.Place{}, domain.NewRejectedError(errors.New("empty place id"))
	}

	cacheKey := fingerprint.DetailsKey(id, c.fieldMask, languageCode)
	if c.kv != nil {
		if data, ok, err := c.kv.Get(ctx, cacheKey); err == nil && ok {
			var cached domain.Place
			if json.Unmarshal(data, &cached) == nil {
				metrics.PlacesRequestsTotal.WithLabelValues("cache_hit").Inc()
				return cached, nil
			}
		}
	}

	var raw providerPlace
	if err := c.get(ctx, "/places/"+id, languageCode, &raw); err != nil {
		return domain.Place{}, err
	}
	place := raw.toDomain()

	if c.kv != nil {
		if data, err := json.Marshal(place); err == nil {
			_ = c.kv.Set(ctx, cacheKey, data, c.cacheTTL)
		}
	}
	return place, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, "", out)
}

func (c *Client) get(ctx context.Context, path, languageCode string, out any) error {
	reqURL := c.baseURL + path
	if languageCode != "" {
		reqURL += "?languageCode=" + languageCode
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	// The details endpoint takes an unprefixed mask.
	mask := make([]string, 0, len(c.fieldMask))
	for _, field := range c.fieldMask {
		mask = append(mask, strings.TrimPrefix(field, "places."))
	}
	return c.do(req, strings.Join(mask, ","), out)
}

func (c *Client) do(req *http.Request, maskOverride string, out any) error {
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	if maskOverride != "" {
		req.Header.Set("X-Goog-FieldMask", maskOverride)
	} else {
		req.Header.Set("X-Goog-FieldMask", strings.Join(c.fieldMask, ","))
	}

	startedAt := time.Now()
	resp, err := c.http.Do(req)
	metrics.PlacesRequestDuration.Observe(time.Since(startedAt).Seconds())
	if err != nil {
		metrics.PlacesRequestsTotal.WithLabelValues("transport_error").Inc()
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSnippet))
		httpErr := fmt.Errorf("places HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 500 {
			metrics.PlacesRequestsTotal.WithLabelValues("server_error").Inc()
			return domain.NewTransportError(httpErr)
		}
		metrics.PlacesRequestsTotal.WithLabelValues("rejected").Inc()
		return domain.NewRejectedError(httpErr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		metrics.PlacesRequestsTotal.WithLabelValues("transport_error").Inc()
		return domain.NewTransportError(err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		metrics.PlacesRequestsTotal.WithLabelValues("decode_error").Inc()
		return domain.NewTransportError(err)
	}
	metrics.PlacesRequestsTotal.WithLabelValues("ok").Inc()
	return nil
}

// classifyTransport wraps a raw http.Client error with its call kind so retry
// policy upstream never inspects message text.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewTimeoutError(err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewAbortedError(err)
	}
	return domain.NewTransportError(err)
}

func (p providerPlace) toDomain() domain.Place {
	place := domain.Place{
		ID:          p.ID,
		Name:        p.DisplayName.Text,
		Address:     p.FormattedAddress,
		Lat:         p.Location.Latitude,
		Lng:         p.Location.Longitude,
		Rating:      p.Rating,
		RatingCount: p.UserRatingCount,
		PriceLevel:  parsePriceLevel(p.PriceLevel),
		Tags:        p.Types,
		Website:     p.WebsiteURI,
		Delivery:    domain.DeliveryInfo{Status: domain.EnrichmentPending},
	}
	if p.CurrentOpening != nil {
		open := p.CurrentOpening.OpenNow
		place.OpenNow = &open
	}
	return place
}

func parsePriceLevel(raw string) int {
	switch raw {
	case "PRICE_LEVEL_FREE":
		return 0
	case "PRICE_LEVEL_INEXPENSIVE":
		return 1
	case "PRICE_LEVEL_MODERATE":
		return 2
	case "PRICE_LEVEL_EXPENSIVE":
		return 3
	case "PRICE_LEVEL_VERY_EXPENSIVE":
		return 4
	default:
		return 0
	}
}
