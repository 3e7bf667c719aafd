package benchmarks

import (
	"crypto/rand"
	"fmt"

	uuid "github.com/satori/go.uuid"
)

// payloadSize mirrors the order of magnitude of a single compressed data
// block, scaled down so benchmarks stay quick.
const payloadSize = 4 << 10

// generatePayload produces deterministic-size, non-deterministic-content
// bytes to stand in for a decompressed data block, in the same spirit as
// the teacher's generatePage - the benchmarks measure caching overhead, not
// the cost of the underlying content.
func generatePayload() ([]byte, error) {
	buf := make([]byte, payloadSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// runID gives each benchmark run a collision-free namespace the same way
// the teacher's versionedCacher seeds a fresh UUID per run (by reading
// random bytes directly into it, exactly as util_test.go's
// versionedCacher.init does), so concurrent benchmark invocations against a
// shared Redis/Memcached instance never collide on keys.
func runID() string {
	var id uuid.UUID
	rand.Read(id[:])
	return id.String()
}

func keySet(n int) []string {
	id := runID()
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("bench:%s:%d", id, i)
	}
	return out
}
