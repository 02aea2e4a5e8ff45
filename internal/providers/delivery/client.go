// Package delivery resolves places against delivery-platform catalogs. Each
// configured platform exposes a venue-search endpoint; a resolved match yields
// the deep link the frontend renders as an order button.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"platefinder/searchservice/internal/domain"
	"platefinder/searchservice/internal/fingerprint"
)

const (
	defaultRateLimit   = 5.0
	defaultBurst       = 5
	maxResponseSize    = 1 << 20
	maxErrorSnippet    = 1024
	maxMatchDistanceM  = 300.0
	maxCandidateVenues = 20
)

// ProviderConfig describes one delivery platform integration.
type ProviderConfig struct {
	Name      string
	BaseURL   string
	APIKey    string
	RateLimit float64
	Burst     int
}

type providerClient struct {
	name    string
	baseURL string
	apiKey  string
	limiter *rate.Limiter
}

// Client fans ResolveLink calls out to the configured platforms, one rate
// limiter per platform so a burst against one never starves another.
type Client struct {
	providers map[string]*providerClient
	http      *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

func NewClient(configs []ProviderConfig, opts ...Option) *Client {
	client := &Client{
		providers: make(map[string]*providerClient, len(configs)),
		http:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, cfg := range configs {
		name := fingerprint.NormalizeText(cfg.Name)
		if name == "" || strings.TrimSpace(cfg.BaseURL) == "" {
			continue
		}
		limit := cfg.RateLimit
		if limit <= 0 {
			limit = defaultRateLimit
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = defaultBurst
		}
		client.providers[name] = &providerClient{
			name:    name,
			baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			apiKey:  strings.TrimSpace(cfg.APIKey),
			limiter: rate.NewLimiter(rate.Limit(limit), burst),
		}
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Providers lists the configured platform names.
func (c *Client) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	return names
}

type venue struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Link string  `json:"link"`
}

type venueSearchResponse struct {
	Venues []venue `json:"venues"`
}

// ResolveLink searches the platform's catalog around the place and returns the
// deep link of the best geo+name match. found=false with a nil error is the
// definitive "this place is not on that platform".
func (c *Client) ResolveLink(ctx context.Context, provider, placeID string, inputs domain.EnrichmentInputs) (domain.DeliveryLink, bool, error) {
	pc, ok := c.providers[fingerprint.NormalizeText(provider)]
	if !ok {
		return domain.DeliveryLink{}, false, domain.NewRejectedError(fmt.Errorf("unknown delivery provider %q", provider))
	}
	if strings.TrimSpace(inputs.Name) == "" {
		return domain.DeliveryLink{}, false, domain.NewRejectedError(errors.New("place name required for matching"))
	}

	if err := pc.limiter.Wait(ctx); err != nil {
		return domain.DeliveryLink{}, false, classifyWait(err)
	}

	params := url.Values{
		"q":     {strings.TrimSpace(inputs.Name)},
		"lat":   {strconv.FormatFloat(inputs.Lat, 'f', 6, 64)},
		"lng":   {strconv.FormatFloat(inputs.Lng, 'f', 6, 64)},
		"limit": {strconv.Itoa(maxCandidateVenues)},
	}
	if inputs.City != "" {
		params.Set("city", inputs.City)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pc.baseURL+"/v1/venues/search?"+params.Encode(), nil)
	if err != nil {
		return domain.DeliveryLink{}, false, err
	}
	if pc.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+pc.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.DeliveryLink{}, false, classifyWait(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSnippet))
		httpErr := fmt.Errorf("%s HTTP %d: %s", pc.name, resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return domain.DeliveryLink{}, false, domain.NewTransportError(httpErr)
		}
		return domain.DeliveryLink{}, false, domain.NewRejectedError(httpErr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return domain.DeliveryLink{}, false, domain.NewTransportError(err)
	}
	var response venueSearchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return domain.DeliveryLink{}, false, domain.NewTransportError(err)
	}

	match, ok := bestMatch(inputs, response.Venues)
	if !ok {
		return domain.DeliveryLink{}, false, nil
	}
	return domain.DeliveryLink{
		Provider: pc.name,
		URL:      match.Link,
		ItemID:   match.ID,
	}, true, nil
}

func classifyWait(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewTimeoutError(err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewAbortedError(err)
	}
	return domain.NewTransportError(err)
}

// bestMatch picks the closest venue whose name matches the place. Name
// matching is normalized containment either way; platforms decorate names
// ("Pasta Mia Dizengoff") and sources truncate them.
func bestMatch(inputs domain.EnrichmentInputs, venues []venue) (venue, bool) {
	wantName := fingerprint.NormalizeText(inputs.Name)
	var best venue
	bestDistance := math.MaxFloat64
	found := false
	for _, v := range venues {
		if v.Link == "" {
			continue
		}
		gotName := fingerprint.NormalizeText(v.Name)
		if gotName == "" {
			continue
		}
		if !strings.Contains(gotName, wantName) && !strings.Contains(wantName, gotName) {
			continue
		}
		d := haversineM(inputs.Lat, inputs.Lng, v.Lat, v.Lng)
		if d > maxMatchDistanceM {
			continue
		}
		if d < bestDistance {
			best = v
			bestDistance = d
			found = true
		}
	}
	return best, found
}

func haversineM(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusM = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
