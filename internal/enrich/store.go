// Package enrich resolves per-place delivery-provider links in the
// background: a TTL store holds terminal FOUND/NOT_FOUND outcomes, an
// anti-thrash lock keeps concurrent workers from duplicating a job, and a
// runner retries bounded lookups before terminalizing and publishing.
package enrich

import (
	"context"
	"encoding/json"
	"time"

	"platefinder/searchservice/internal/domain"
	"platefinder/searchservice/internal/fingerprint"
	"platefinder/searchservice/internal/kvstore"
)

const (
	defaultFoundTTL    = 7 * 24 * time.Hour
	defaultNotFoundTTL = 6 * time.Hour
	defaultLockTTL     = 45 * time.Second
)

// Entry is the durable outcome of one enrichment job. Absence of an entry is
// PENDING; entries are written once and replaced only after TTL expiry.
type Entry struct {
	Status     domain.EnrichmentStatus `json:"status"`
	Link       *domain.DeliveryLink    `json:"link,omitempty"`
	Error      string                  `json:"error,omitempty"`
	ResolvedAt time.Time               `json:"resolvedAt"`
}

// Store persists enrichment outcomes and anti-thrash locks in the shared TTL
// key-value store. NOT_FOUND carries a shorter TTL than FOUND because absence
// is more likely to change than presence.
type Store struct {
	kv          kvstore.Store
	foundTTL    time.Duration
	notFoundTTL time.Duration
	lockTTL     time.Duration
	now         func() time.Time
}

type StoreOption func(*Store)

func WithFoundTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.foundTTL = ttl
		}
	}
}

func WithNotFoundTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.notFoundTTL = ttl
		}
	}
}

// WithLockTTL bounds how long a crashed worker can hold a key hostage. Must
// exceed the job timeout so a live job never loses its lock mid-flight.
func WithLockTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(kv kvstore.Store, opts ...StoreOption) *Store {
	store := &Store{
		kv:          kv,
		foundTTL:    defaultFoundTTL,
		notFoundTTL: defaultNotFoundTTL,
		lockTTL:     defaultLockTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *Store) LockTTL() time.Duration { return s.lockTTL }

// Get returns the cached outcome for (provider, placeID). A store failure is
// reported so the caller can degrade to compute-fresh, never crash.
func (s *Store) Get(ctx context.Context, provider, placeID string) (Entry, bool, error) {
	data, ok, err := s.kv.Get(ctx, fingerprint.DeliveryKey(provider, placeID))
	if err != nil || !ok {
		return Entry{Status: domain.EnrichmentPending}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Corrupt entry: treat as a miss so the next job overwrites it.
		return Entry{Status: domain.EnrichmentPending}, false, nil
	}
	return entry, true, nil
}

func (s *Store) PutFound(ctx context.Context, provider, placeID string, link domain.DeliveryLink) (Entry, error) {
	link.ResolvedAt = s.now()
	entry := Entry{
		Status:     domain.EnrichmentFound,
		Link:       &link,
		ResolvedAt: link.ResolvedAt,
	}
	return entry, s.put(ctx, provider, placeID, entry, s.foundTTL)
}

// PutNotFound records a negative outcome, optionally annotated with the error
// that exhausted the retry budget.
func (s *Store) PutNotFound(ctx context.Context, provider, placeID, errMsg string) (Entry, error) {
	entry := Entry{
		Status:     domain.EnrichmentNotFound,
		Error:      errMsg,
		ResolvedAt: s.now(),
	}
	return entry, s.put(ctx, provider, placeID, entry, s.notFoundTTL)
}

func (s *Store) put(ctx context.Context, provider, placeID string, entry Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, fingerprint.DeliveryKey(provider, placeID), data, ttl)
}

// AcquireLock atomically claims the job for (provider, placeID). False means
// another worker already owns it; that is coordination, not an error.
func (s *Store) AcquireLock(ctx context.Context, provider, placeID string) (bool, error) {
	return s.kv.SetNX(ctx, fingerprint.LockKey(provider, placeID), []byte("1"), s.lockTTL)
}

func (s *Store) ReleaseLock(ctx context.Context, provider, placeID string) error {
	return s.kv.Delete(ctx, fingerprint.LockKey(provider, placeID))
}
