// Package fingerprint derives deterministic, normalized cache and idempotency
// keys from heterogeneous request parameters. Logically identical requests
// (casing, whitespace, sub-bucket coordinate noise) map to the same key;
// requests differing in any discriminating field map to different keys.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

// Key namespaces, one per logical cache family, so a single store can host
// all of them and operators can flush one family at a time.
const (
	NamespaceSearch   = "fsearch:"
	NamespaceText     = "ftext:"
	NamespaceDetails  = "fdetails:"
	NamespaceDelivery = "fdelivery:"
	NamespaceLock     = "flock:"
	NamespaceJob      = "fjob:"
	NamespaceRewrite  = "frewrite:"
)

const (
	fieldSep = "|"
	listSep  = ","

	// Coordinates collapse into ~110 m buckets and radii into 500 m steps.
	// Deliberate precision trade for cache-hit rate; tune here, not at call sites.
	coordDecimals = 3
	radiusStepM   = 500.0
)

type CacheKeyParams struct {
	Query        string
	Category     string
	Filters      []string
	LocationText string
	Lat          float64
	Lng          float64
	RadiusM      float64
	Region       string
	Language     string
}

type TextSearchKeyParams struct {
	Query           string
	LanguageCode    string
	RegionCode      string
	Bias            *BiasParams
	FieldMask       []string
	PipelineVersion string
}

type BiasParams struct {
	Lat     float64
	Lng     float64
	RadiusM float64
}

type IdempotencyKeyParams struct {
	SessionID string
	Query     string
	Mode      string
	Location  string
	Filters   []string
}

// CacheKey builds the search-result cache key.
func CacheKey(p CacheKeyParams) string {
	raw := strings.Join([]string{
		"q=" + NormalizeText(p.Query),
		"cat=" + NormalizeText(p.Category),
		"f=" + strings.Join(NormalizeTags(p.Filters), listSep),
		"loc=" + NormalizeText(p.LocationText),
		"lat=" + BucketCoord(p.Lat),
		"lng=" + BucketCoord(p.Lng),
		"r=" + BucketRadius(p.RadiusM),
		"reg=" + NormalizeText(p.Region),
		"lang=" + NormalizeLanguage(p.Language),
	}, fieldSep)
	return NamespaceSearch + digest(raw)
}

// TextSearchKey builds the provider text-search cache key. The field mask and
// pipeline version are structural discriminators: responses produced under a
// different field selection or schema version must never collide.
func TextSearchKey(p TextSearchKeyParams) string {
	bias := ""
	if p.Bias != nil {
		bias = BucketCoord(p.Bias.Lat) + listSep + BucketCoord(p.Bias.Lng) + listSep + BucketRadius(p.Bias.RadiusM)
	}
	raw := strings.Join([]string{
		"q=" + NormalizeText(p.Query),
		"lang=" + NormalizeLanguage(p.LanguageCode),
		"reg=" + NormalizeText(p.RegionCode),
		"bias=" + bias,
		"mask=" + maskToken(p.FieldMask),
		"v=" + NormalizeText(p.PipelineVersion),
	}, fieldSep)
	return NamespaceText + digest(raw)
}

// DetailsKey builds the place-details cache key.
func DetailsKey(placeID string, fieldMask []string, languageCode string) string {
	raw := strings.Join([]string{
		"id=" + strings.TrimSpace(placeID),
		"mask=" + maskToken(fieldMask),
		"lang=" + NormalizeLanguage(languageCode),
	}, fieldSep)
	return NamespaceDetails + digest(raw)
}

// IdempotencyKey builds a dedup key for an idempotent async operation tied to
// one session request (e.g. an assistant-message rewrite).
func IdempotencyKey(p IdempotencyKeyParams) string {
	raw := strings.Join([]string{
		"sid=" + strings.TrimSpace(p.SessionID),
		"q=" + NormalizeText(p.Query),
		"mode=" + NormalizeText(p.Mode),
		"loc=" + NormalizeText(p.Location),
		"f=" + strings.Join(NormalizeTags(p.Filters), listSep),
	}, fieldSep)
	return NamespaceRewrite + digest(raw)
}

// DeliveryKey addresses the enrichment cache entry for one
// (delivery provider, place) pair. IDs are already compact, so the key stays
// readable instead of hashed.
func DeliveryKey(provider, placeID string) string {
	return NamespaceDelivery + NormalizeText(provider) + ":" + strings.TrimSpace(placeID)
}

// LockKey addresses the anti-thrash lock guarding the same pair.
func LockKey(provider, placeID string) string {
	return NamespaceLock + NormalizeText(provider) + ":" + strings.TrimSpace(placeID)
}

// JobKey addresses the async-request status entry observed by the waiter.
func JobKey(requestID string) string {
	return NamespaceJob + strings.TrimSpace(requestID)
}

// NormalizeText trims, collapses internal whitespace runs to single spaces
// and lowercases.
func NormalizeText(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

// NormalizeTags lowercases and trims each element, drops empties, dedupes and
// sorts, so tag order never affects the key.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, raw := range tags {
		value := NormalizeText(raw)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

// NormalizeLanguage canonicalizes a BCP-47 tag ("EN_us" → "en-US") so casing
// and separator noise never splits the cache.
func NormalizeLanguage(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	tag, err := language.Parse(value)
	if err != nil {
		return strings.ToLower(value)
	}
	return tag.String()
}

// BucketCoord rounds a coordinate to coordDecimals places.
func BucketCoord(value float64) string {
	return strconv.FormatFloat(value, 'f', coordDecimals, 64)
}

// BucketRadius rounds a radius up to the nearest radiusStepM bucket.
func BucketRadius(radiusM float64) string {
	if radiusM <= 0 {
		return "0"
	}
	bucket := math.Ceil(radiusM/radiusStepM) * radiusStepM
	return strconv.FormatInt(int64(bucket), 10)
}

// maskToken pre-hashes a (possibly long) field list to a short fixed token so
// the final key material stays compact while remaining discriminating.
func maskToken(fields []string) string {
	normalized := NormalizeTags(fields)
	if len(normalized) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, listSep)))
	return hex.EncodeToString(sum[:6])
}

// digest reduces the fully normalized key material to a fixed-length token.
func digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}
