// Package poll waits for asynchronously tracked requests to become ready.
// The waiter re-checks a shared status store at a fixed interval and exits on
// exactly one of four conditions: completion, wait timeout, caller
// cancellation, or the caller disappearing.
package poll

import (
	"context"
	"encoding/json"
	"time"

	"platefinder/searchservice/internal/domain"
	"platefinder/searchservice/internal/fingerprint"
	"platefinder/searchservice/internal/kvstore"
)

const defaultStatusTTL = 30 * time.Minute

// StatusRecord is what the store keeps per tracked request.
type StatusRecord struct {
	Status    domain.JobStatus `json:"status"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// StatusStore persists job statuses in the shared TTL key-value store so any
// worker can answer a wait, not just the one that started the job.
type StatusStore struct {
	kv  kvstore.Store
	ttl time.Duration
}

type StatusStoreOption func(*StatusStore)

func WithStatusTTL(ttl time.Duration) StatusStoreOption {
	return func(s *StatusStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewStatusStore(kv kvstore.Store, opts ...StatusStoreOption) *StatusStore {
	store := &StatusStore{kv: kv, ttl: defaultStatusTTL}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Status returns the tracked status for requestID. Missing or corrupt records
// read as unknown; a missing record usually means the tracker was never
// started or already expired.
func (s *StatusStore) Status(ctx context.Context, requestID string) (domain.JobStatus, error) {
	data, ok, err := s.kv.Get(ctx, fingerprint.JobKey(requestID))
	if err != nil {
		return domain.JobStatusUnknown, err
	}
	if !ok {
		return domain.JobStatusUnknown, nil
	}
	var record StatusRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return domain.JobStatusUnknown, nil
	}
	return record.Status, nil
}

func (s *StatusStore) SetStatus(ctx context.Context, requestID string, status domain.JobStatus) error {
	data, err := json.Marshal(StatusRecord{Status: status, UpdatedAt: time.Now()})
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, fingerprint.JobKey(requestID), data, s.ttl)
}
