// Package benchmarks compares the latency of a blockcache-served pin/hit
// against fetching the same bytes directly from Redis and Memcached,
// adapted from the teacher's page-cache throughput comparison
// (recache/redis/memcached) into a data-block hit-path comparison.
package benchmarks

import "testing"

// fetcher is the benchmarked operation: retrieve payloadSize bytes
// identified by key, generating and storing them on first access.
type fetcher interface {
	init() error
	fetch(key string) ([]byte, error)
}

func runBenchmark(b *testing.B, f fetcher, keys []string) {
	if err := f.init(); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := f.fetch(keys[i%len(keys)]); err != nil {
			b.Fatal(err)
		}
	}
}
