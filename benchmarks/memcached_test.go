package benchmarks

import (
	"os"
	"testing"

	"github.com/bradfitz/gomemcache/memcache"
)

// memcachedFetcher stores block payloads directly in Memcached, the other
// external-cache baseline the teacher benchmarked recache against.
type memcachedFetcher struct {
	conn *memcache.Client
}

func (f *memcachedFetcher) init() error {
	addr := os.Getenv("MEMCACHED_ADDRESS")
	if addr == "" {
		addr = "localhost:11211"
	}
	f.conn = memcache.New(addr)
	return nil
}

func (f *memcachedFetcher) fetch(key string) ([]byte, error) {
	item, err := f.conn.Get(key)
	switch err {
	case nil:
		return item.Value, nil
	case memcache.ErrCacheMiss:
		payload, err := generatePayload()
		if err != nil {
			return nil, err
		}
		if err := f.conn.Set(&memcache.Item{Key: key, Value: payload}); err != nil {
			return nil, err
		}
		return payload, nil
	default:
		return nil, err
	}
}

func BenchmarkMemcachedFetch(b *testing.B) {
	runBenchmark(b, &memcachedFetcher{}, keySet(8))
}
