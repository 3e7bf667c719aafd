package blockcache

import (
	"sync"
	"sync/atomic"

	"streamreader/stream"
)

// SlotKey identifies one cached data block: the object that contains it plus
// its start offset within that object's stream.
type SlotKey struct {
	ObjectID    string
	StartOffset int64
}

// gate blocks all wait() calls after construction until signal() is called,
// after which no call blocks. This is the teacher's semaphore.go, used here
// as the load-future primitive: exactly the mechanism already needed to gate
// concurrent readers of a record being populated.
type gate struct {
	finished uint32
	mu       sync.Mutex
}

func newGate() *gate {
	g := &gate{}
	g.mu.Lock()
	return g
}

func (g *gate) signal() {
	atomic.StoreUint32(&g.finished, 1)
	g.mu.Unlock()
}

func (g *gate) wait() {
	if atomic.LoadUint32(&g.finished) == 1 {
		return
	}
	g.mu.Lock()
	g.mu.Unlock()
}

// slot is the cache-side record for one materialized data block. Meta
// (memoryUsed, lastUsed, lru node) is kept separate from the payload to
// localize locking, mirroring the teacher's recordWithMeta/Record split.
type slot struct {
	key SlotKey
	obj stream.ObjectMetadata
	idx stream.BlockIndex

	node       *node
	lastUsed   int64 // unix nanos, protected by Cache.mu
	memoryUsed int

	loadGate *gate

	mu      sync.Mutex
	data    []byte // decompressed block bytes, set once loadGate opens
	loadErr error
	refcount int
	read     bool
	freeCh   chan struct{}
	freeOnce sync.Once
}

func newSlot(key SlotKey, obj stream.ObjectMetadata, idx stream.BlockIndex) *slot {
	return &slot{
		key:      key,
		obj:      obj,
		idx:      idx,
		loadGate: newGate(),
		freeCh:   make(chan struct{}),
	}
}

func (s *slot) markFreed() {
	s.freeOnce.Do(func() { close(s.freeCh) })
}
