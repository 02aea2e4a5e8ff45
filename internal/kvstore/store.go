// Package kvstore abstracts the TTL key-value store shared by the caching and
// enrichment layers. All mutation goes through the store's atomic primitives;
// callers never read-modify-write.
package kvstore

import (
	"context"
	"time"
)

// Store is the contract the rest of the service relies on. SetNX is the lock
// primitive: it must be atomic set-if-absent with TTL. Store unavailability
// surfaces as an error the caller treats as a cache miss, never as fatal.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}
