// Package cache provides the metadata caches used by the wayfinder: the
// gateway candidate list, root-transaction mappings, and gasless DNS
// answers.
//
// Entries come in two flavours, signalled by the ttl argument to Set:
//
//   - ttl > 0   — refreshable data (gateway lists, DNS answers) that goes
//     stale and must expire.
//   - ttl <= 0  — immutable data keyed by content address (a data item's
//     root transaction never changes), stored without expiry.
//
// Two backends are available: MemoryCache (in-process, zero dependencies)
// and RedisCache (shared across daemon replicas). Verified payload bytes are
// never cached — only routing metadata.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
