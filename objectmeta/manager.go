// Package objectmeta implements stream.ObjectManager over Redis: a stream's
// object metadata is kept in a sorted set keyed by stream ID and scored by
// start offset, exactly the kind of use the teacher's own
// benchmarks/redis_test.go already exercises go-redis/redis/v8 for (a
// network-backed key/value store behind a small typed wrapper). A
// short-TTL negative-result cache fronts IsObjectExist with
// bradfitz/gomemcache, mirroring the teacher's versionedCacher pattern of a
// small auxiliary cache in front of a slower backing store, so a read
// path retrying against a just-compacted object doesn't hammer Redis.
package objectmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-redis/redis/v8"

	"streamreader/stream"
)

// NegativeCacheTTL is how long an IsObjectExist=false answer is trusted
// without re-checking Redis.
const NegativeCacheTTL = 5 * time.Second

const existsSetKey = "streamreader:objects:exist"

func objectsKey(streamID uint64) string {
	return fmt.Sprintf("streamreader:objects:%d", streamID)
}

func negativeCacheKey(id string) string {
	return "streamreader:miss:" + id
}

// Manager is a Redis-backed ObjectManager, optionally fronted by a
// memcached negative-existence cache.
type Manager struct {
	redis    *redis.Client
	memcache *memcache.Client // nil disables the negative cache
}

// Options configures a Manager, in the teacher's plain-options-struct idiom
// rather than a config-file loader (spec.md's CLI/config plumbing is out of
// scope; this is the component's Go-level construction surface).
type Options struct {
	Redis    *redis.Client
	Memcache *memcache.Client // optional
}

// New creates a Manager. Redis must be set; Memcache is optional.
func New(opts Options) *Manager {
	return &Manager{redis: opts.Redis, memcache: opts.Memcache}
}

type objectRecord struct {
	ID          string `json:"id"`
	StartOffset int64  `json:"start"`
	EndOffset   int64  `json:"end"`
}

// AddObject registers an object as covering [obj.StartOffset,
// obj.EndOffset) of the stream. Not part of stream.ObjectManager; used by
// writers/test fixtures to populate state for the read path to discover.
func (m *Manager) AddObject(ctx context.Context, obj stream.ObjectMetadata) error {
	rec := objectRecord{ID: obj.ID, StartOffset: obj.StartOffset, EndOffset: obj.EndOffset}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := m.redis.TxPipeline()
	pipe.ZAdd(ctx, objectsKey(obj.StreamID), &redis.Z{Score: float64(obj.StartOffset), Member: payload})
	pipe.SAdd(ctx, existsSetKey, obj.ID)
	pipe.SRem(ctx, existsSetKey+":deleted", obj.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveObject simulates compaction: deletes the object from the ordered
// index and the existence set, and seeds the negative cache immediately so
// a retry storm against the just-deleted object is dampened right away
// rather than after the first Redis round trip misses.
func (m *Manager) RemoveObject(ctx context.Context, streamID uint64, objectID string) error {
	members, err := m.redis.ZRange(ctx, objectsKey(streamID), 0, -1).Result()
	if err != nil {
		return err
	}
	pipe := m.redis.TxPipeline()
	for _, member := range members {
		var rec objectRecord
		if err := json.Unmarshal([]byte(member), &rec); err == nil && rec.ID == objectID {
			pipe.ZRem(ctx, objectsKey(streamID), member)
		}
	}
	pipe.SRem(ctx, existsSetKey, objectID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if m.memcache != nil {
		_ = m.memcache.Set(&memcache.Item{
			Key:        negativeCacheKey(objectID),
			Value:      []byte{1},
			Expiration: int32(NegativeCacheTTL.Seconds()),
		})
	}
	return nil
}

// GetObjects implements stream.ObjectManager. The sorted set is scored by
// StartOffset, so a forward ZRANGEBYSCORE from startOffset alone would miss
// the one object whose range straddles startOffset (StartOffset <
// startOffset < EndOffset) rather than beginning at or after it - exactly
// the object a StreamReader must find when constructed with an initialOffset
// landing mid-object, or extending from any other non-boundary cursor. A
// ZREVRANGEBYSCORE floor lookup finds that straddling object, if any, ahead
// of the forward range.
func (m *Manager) GetObjects(ctx context.Context, streamID uint64, startOffset, endOffset int64, limit int) ([]stream.ObjectMetadata, error) {
	out := make([]stream.ObjectMetadata, 0, limit)
	seen := make(map[string]bool, limit)

	floor, err := m.floorObject(ctx, streamID, startOffset)
	if err != nil {
		return nil, err
	}
	if floor != nil && floor.EndOffset > startOffset {
		out = append(out, *floor)
		seen[floor.ID] = true
	}

	max := "+inf"
	if endOffset != -1 {
		max = fmt.Sprintf("(%d", endOffset) // exclusive upper bound
	}
	members, err := m.redis.ZRangeByScore(ctx, objectsKey(streamID), &redis.ZRangeBy{
		Min:    fmt.Sprintf("%d", startOffset),
		Max:    max,
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("objectmeta: ZRANGEBYSCORE stream=%d: %w", streamID, err)
	}

	for _, member := range members {
		if len(out) >= limit {
			break
		}
		rec, err := decodeObjectRecord(member)
		if err != nil {
			return nil, err
		}
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		out = append(out, stream.ObjectMetadata{
			ID:          rec.ID,
			StreamID:    streamID,
			StartOffset: rec.StartOffset,
			EndOffset:   rec.EndOffset,
		})
	}
	return out, nil
}

// floorObject returns the object with the greatest StartOffset <=
// startOffset, or nil if the set has none (startOffset precedes every known
// object). Callers must still check EndOffset > startOffset themselves: a
// floor object can legitimately end at or before startOffset when the
// stream has a gap or startOffset lands exactly on a boundary already
// covered by the forward range.
func (m *Manager) floorObject(ctx context.Context, streamID uint64, startOffset int64) (*stream.ObjectMetadata, error) {
	members, err := m.redis.ZRevRangeByScore(ctx, objectsKey(streamID), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", startOffset),
		Offset: 0,
		Count:  1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("objectmeta: ZREVRANGEBYSCORE floor stream=%d: %w", streamID, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	rec, err := decodeObjectRecord(members[0])
	if err != nil {
		return nil, err
	}
	return &stream.ObjectMetadata{
		ID:          rec.ID,
		StreamID:    streamID,
		StartOffset: rec.StartOffset,
		EndOffset:   rec.EndOffset,
	}, nil
}

func decodeObjectRecord(member string) (objectRecord, error) {
	var rec objectRecord
	if err := json.Unmarshal([]byte(member), &rec); err != nil {
		return objectRecord{}, fmt.Errorf("objectmeta: decoding object record: %w", err)
	}
	return rec, nil
}

// IsObjectExist implements stream.ObjectManager.
func (m *Manager) IsObjectExist(ctx context.Context, id string) (bool, error) {
	if m.memcache != nil {
		// Negative cache is best-effort: any error (including a transport
		// failure, not just ErrCacheMiss) falls through to Redis rather
		// than surfacing a memcache problem from an existence check.
		if _, err := m.memcache.Get(negativeCacheKey(id)); err == nil {
			return false, nil
		}
	}

	exists, err := m.redis.SIsMember(ctx, existsSetKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("objectmeta: SISMEMBER %s: %w", id, err)
	}

	if !exists && m.memcache != nil {
		_ = m.memcache.Set(&memcache.Item{
			Key:        negativeCacheKey(id),
			Value:      []byte{1},
			Expiration: int32(NegativeCacheTTL.Seconds()),
		})
	}
	return exists, nil
}
