package router

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RecentWriteStore maps a relation name to the time of its most recently
// observed write, so the Router can decide whether a subsequent read may be
// safely served by a replica. Two implementations are provided: an
// in-memory one for a single router instance, and a Redis-backed one for
// sharing the write barrier across multiple router instances.
type RecentWriteStore interface {
	RecordWrite(ctx context.Context, relations []string, at time.Time) error
	RecentlyWritten(ctx context.Context, relation string, maxStaleness time.Duration) (bool, error)
}

// MemoryRecentWriteMap is the default, single-process RecentWriteMap.
// Entries older than the retention bound are dropped amortized on writes,
// so the map stays proportional to the recently written relation set.
type MemoryRecentWriteMap struct {
	retention time.Duration

	mu        sync.Mutex
	lastAt    map[string]time.Time
	lastPrune time.Time
}

// NewMemoryRecentWriteMap constructs an empty map. retention should be the
// largest staleness bound callers will ever ask about; anything below one
// minute is raised to it so per-request overrides stay covered.
func NewMemoryRecentWriteMap(retention time.Duration) *MemoryRecentWriteMap {
	if retention < time.Minute {
		retention = time.Minute
	}
	return &MemoryRecentWriteMap{
		retention: retention,
		lastAt:    make(map[string]time.Time),
		lastPrune: time.Now(),
	}
}

// RecordWrite overwrites the last-write timestamp for every relation.
func (m *MemoryRecentWriteMap) RecordWrite(_ context.Context, relations []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rel := range relations {
		m.lastAt[rel] = at
	}
	if time.Since(m.lastPrune) > m.retention {
		m.pruneLocked(m.retention)
		m.lastPrune = time.Now()
	}
	return nil
}

// RecentlyWritten reports whether relation was written within maxStaleness.
func (m *MemoryRecentWriteMap) RecentlyWritten(_ context.Context, relation string, maxStaleness time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.lastAt[relation]
	if !ok {
		return false, nil
	}
	return time.Since(at) < maxStaleness, nil
}

// Prune drops entries older than the given bound. RecordWrite already calls
// this amortized; it is exported for callers that want an eager sweep.
func (m *MemoryRecentWriteMap) Prune(olderThan time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(olderThan)
}

func (m *MemoryRecentWriteMap) pruneLocked(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	for rel, at := range m.lastAt {
		if at.Before(cutoff) {
			delete(m.lastAt, rel)
		}
	}
}

// TieredRecentWriteMap layers the in-memory map over a shared Redis store:
// writes land in both, reads consult the cheap local map first and only
// reach Redis when the local map reports no recent write — the case where
// another router process may have written it.
type TieredRecentWriteMap struct {
	local  *MemoryRecentWriteMap
	remote *RedisRecentWriteMap
}

// NewTieredRecentWriteMap combines a local map with a shared Redis backing.
func NewTieredRecentWriteMap(local *MemoryRecentWriteMap, remote *RedisRecentWriteMap) *TieredRecentWriteMap {
	return &TieredRecentWriteMap{local: local, remote: remote}
}

// RecordWrite records locally first, then mirrors to Redis. A Redis failure
// is returned to the caller for logging but the local record stands, so this
// process's own read-your-writes guarantee never regresses.
func (t *TieredRecentWriteMap) RecordWrite(ctx context.Context, relations []string, at time.Time) error {
	t.local.RecordWrite(ctx, relations, at)
	return t.remote.RecordWrite(ctx, relations, at)
}

// RecentlyWritten reports true from the local map without I/O when it can;
// otherwise it checks whether another process wrote the relation.
func (t *TieredRecentWriteMap) RecentlyWritten(ctx context.Context, relation string, maxStaleness time.Duration) (bool, error) {
	if recent, _ := t.local.RecentlyWritten(ctx, relation, maxStaleness); recent {
		return true, nil
	}
	return t.remote.RecentlyWritten(ctx, relation, maxStaleness)
}

// RedisRecentWriteMap backs the write barrier with Redis so multiple router
// processes observe each other's writes. Each relation is stored as its own
// key with the TTL given to NewRedisRecentWriteMap (one minute when that is
// not positive), so Redis itself prunes stale entries instead of a
// background sweep.
type RedisRecentWriteMap struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRecentWriteMap constructs a store against an already-configured
// go-redis client.
func NewRedisRecentWriteMap(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisRecentWriteMap {
	if keyPrefix == "" {
		keyPrefix = "dbrouter:recent-write:"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisRecentWriteMap{client: client, prefix: keyPrefix, ttl: ttl}
}

func (r *RedisRecentWriteMap) key(relation string) string {
	return r.prefix + relation
}

// RecordWrite stores the write timestamp (as Unix nanoseconds) for every
// relation, each with its own TTL refresh.
func (r *RedisRecentWriteMap) RecordWrite(ctx context.Context, relations []string, at time.Time) error {
	pipe := r.client.Pipeline()
	value := strconv.FormatInt(at.UnixNano(), 10)
	for _, rel := range relations {
		pipe.Set(ctx, r.key(rel), value, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RecentlyWritten reports whether relation was written within maxStaleness,
// by comparing the stored timestamp against now. A cache miss (key expired
// or never written) reports false, not an error.
func (r *RedisRecentWriteMap) RecentlyWritten(ctx context.Context, relation string, maxStaleness time.Duration) (bool, error) {
	raw, err := r.client.Get(ctx, r.key(relation)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, err
	}
	at := time.Unix(0, nanos)
	return time.Since(at) < maxStaleness, nil
}
