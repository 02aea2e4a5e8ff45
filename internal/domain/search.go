package domain

type SearchSortBy string

const (
	SearchSortByRelevance SearchSortBy = "relevance"
	SearchSortByRating    SearchSortBy = "rating"
	SearchSortByDistance  SearchSortBy = "distance"
)

type SearchSortOrder string

const (
	SearchSortOrderAsc  SearchSortOrder = "asc"
	SearchSortOrderDesc SearchSortOrder = "desc"
)

// GeoBias narrows a text search toward a circular area. Zero value means
// no bias (provider-side default ranking).
type GeoBias struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radiusM"`
}

func (b GeoBias) IsZero() bool {
	return b.Lat == 0 && b.Lng == 0 && b.RadiusM == 0
}

type SearchRequest struct {
	Query        string          `json:"query"`
	Category     string          `json:"category,omitempty"`
	Filters      []string        `json:"filters,omitempty"`
	LocationText string          `json:"locationText,omitempty"`
	Bias         GeoBias         `json:"bias,omitempty"`
	Region       string          `json:"region,omitempty"`
	Language     string          `json:"language,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	SortBy       SearchSortBy    `json:"sortBy,omitempty"`
	SortOrder    SearchSortOrder `json:"sortOrder,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	NoCache      bool            `json:"noCache,omitempty"`
}

// Place is one restaurant result as returned by the places provider,
// plus the delivery enrichment this service resolves in the background.
type Place struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Address     string   `json:"address,omitempty"`
	Lat         float64  `json:"lat,omitempty"`
	Lng         float64  `json:"lng,omitempty"`
	Rating      float64  `json:"rating,omitempty"`
	RatingCount int      `json:"ratingCount,omitempty"`
	PriceLevel  int      `json:"priceLevel,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	OpenNow     *bool    `json:"openNow,omitempty"`
	Website     string   `json:"website,omitempty"`

	Delivery DeliveryInfo `json:"delivery"`
}

// LegacyDeliveryURL projects the canonical delivery representation onto the
// flat URL field older clients expect. Serialization-boundary only; the
// canonical data lives in Delivery.
func (p Place) LegacyDeliveryURL() string {
	for _, link := range p.Delivery.Links {
		if link.URL != "" {
			return link.URL
		}
	}
	return ""
}

type ProviderStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

type SearchResponse struct {
	Query      string           `json:"query"`
	Places     []Place          `json:"places"`
	Providers  []ProviderStatus `json:"providers,omitempty"`
	ElapsedMS  int64            `json:"elapsedMs"`
	TotalItems int              `json:"totalItems"`
	Cached     bool             `json:"cached"`
	RequestID  string           `json:"requestId,omitempty"`
}

func NormalizeSortBy(raw string) SearchSortBy {
	switch SearchSortBy(raw) {
	case SearchSortByRating:
		return SearchSortByRating
	case SearchSortByDistance:
		return SearchSortByDistance
	default:
		return SearchSortByRelevance
	}
}

func NormalizeSortOrder(raw string) SearchSortOrder {
	switch SearchSortOrder(raw) {
	case SearchSortOrderAsc:
		return SearchSortOrderAsc
	default:
		return SearchSortOrderDesc
	}
}

type ProviderInfo struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// JobStatus is the lifecycle of an externally tracked async request,
// observed by the availability waiter.
type JobStatus string

const (
	JobStatusUnknown   JobStatus = ""
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// PollReason identifies which exit condition ended a wait loop.
type PollReason string

const (
	PollReasonCompleted  PollReason = "completed"
	PollReasonTimeout    PollReason = "timeout"
	PollReasonCancelled  PollReason = "cancelled"
	PollReasonCallerGone PollReason = "caller_gone"
)

type PollOutcome struct {
	Ready       bool       `json:"ready"`
	FinalStatus JobStatus  `json:"finalStatus"`
	Reason      PollReason `json:"reason"`
	PollCount   int        `json:"pollCount"`
	ElapsedMS   int64      `json:"elapsedMs"`
}
