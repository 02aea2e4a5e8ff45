package domain

import "time"

// EnrichmentStatus is the per-(provider, place) delivery-link state machine.
// Absence of a cache entry is PENDING; a finished job writes FOUND or
// NOT_FOUND exactly once. Re-entering PENDING only happens through TTL expiry.
type EnrichmentStatus string

const (
	EnrichmentPending  EnrichmentStatus = "pending"
	EnrichmentFound    EnrichmentStatus = "found"
	EnrichmentNotFound EnrichmentStatus = "not_found"
)

// DeliveryLink is a resolved reference to a place on one delivery provider.
type DeliveryLink struct {
	Provider   string    `json:"provider"`
	URL        string    `json:"url"`
	ItemID     string    `json:"itemId,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt,omitempty"`
}

// DeliveryInfo is the canonical delivery representation carried on a Place.
type DeliveryInfo struct {
	Status EnrichmentStatus `json:"status"`
	Links  []DeliveryLink   `json:"links,omitempty"`
}

// EnrichmentPatch notifies subscribers that one target's delivery state
// changed. Best-effort, at-least-once; the cache entry stays the source of
// truth for late subscribers.
type EnrichmentPatch struct {
	PlaceID  string           `json:"placeId"`
	Provider string           `json:"provider"`
	Status   EnrichmentStatus `json:"status"`
	Link     *DeliveryLink    `json:"link,omitempty"`
}

// EnrichmentInputs is what a background job needs to match a place on a
// delivery provider.
type EnrichmentInputs struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat,omitempty"`
	Lng  float64 `json:"lng,omitempty"`
	City string  `json:"city,omitempty"`
}
