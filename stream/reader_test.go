package stream

import (
	"context"
	"sync"
	"testing"
	"time"
)

// waitForCondition polls cond until it reports true or a short deadline
// elapses, for assertions against state updated by a background goroutine
// (here, the free-watch goroutine started by ensureFreeWatch).
func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// --- fakes -------------------------------------------------------------
//
// These stand in for objectmeta.Manager, objectio.Reader/Factory and
// blockcache.Cache: enough of each contract to drive StreamReader's
// algorithms deterministically, without a real Redis/S3/blockcache wired
// up. Grounded the same way the teacher drives Frontend in frontend_test.go
// off an in-process Getter rather than a real backend.

type fakeRecord struct {
	first, last int64
	payload     []byte
}

type fakeBatch struct {
	first, last int64
	payload     []byte
}

func (b *fakeBatch) FirstOffset() int64 { return b.first }
func (b *fakeBatch) LastOffset() int64  { return b.last }
func (b *fakeBatch) Size() int          { return len(b.payload) }
func (b *fakeBatch) Release()           {}

func sliceRecords(records []fakeRecord, start, end int64, remaining int) []RecordBatch {
	var out []RecordBatch
	for _, r := range records {
		if r.last < start {
			continue
		}
		if end != -1 && r.first >= end {
			break
		}
		if remaining <= 0 && len(out) > 0 {
			break
		}
		out = append(out, &fakeBatch{first: r.first, last: r.last, payload: r.payload})
		remaining -= len(r.payload)
		if end != -1 && r.last+1 >= end {
			break
		}
	}
	return out
}

type fakeHandle struct {
	idx     BlockIndex
	records []fakeRecord
	err     error
	freeCh  chan struct{}
	read    bool
}

func newFakeHandle(idx BlockIndex, records []fakeRecord) *fakeHandle {
	return &fakeHandle{idx: idx, records: records, freeCh: make(chan struct{})}
}

func (h *fakeHandle) Wait(ctx context.Context) error { return h.err }
func (h *fakeHandle) GetRecords(start, end int64, remaining int) ([]RecordBatch, error) {
	cappedEnd := end
	if cappedEnd == -1 || h.idx.EndOffset < cappedEnd {
		cappedEnd = h.idx.EndOffset
	}
	return sliceRecords(h.records, start, cappedEnd, remaining), nil
}
func (h *fakeHandle) MarkUnread()          { h.read = false }
func (h *fakeHandle) MarkRead()            { h.read = true }
func (h *fakeHandle) Release()             {}
func (h *fakeHandle) FreeCh() <-chan struct{} { return h.freeCh }

type fakeBlock struct {
	idx     BlockIndex
	records []fakeRecord
}

type fakeObject struct {
	meta   ObjectMetadata
	blocks []fakeBlock
}

type fakeReader struct {
	obj fakeObject
}

func (r *fakeReader) Find(ctx context.Context, streamID uint64, start, end int64, maxBytes int) ([]BlockIndex, error) {
	var out []BlockIndex
	budget := maxBytes
	for _, b := range r.obj.blocks {
		if b.idx.EndOffset <= start {
			continue
		}
		if end != -1 && b.idx.StartOffset >= end {
			break
		}
		out = append(out, b.idx)
		if maxBytes > 0 {
			budget -= b.idx.ApproxSize
			if budget <= 0 {
				break
			}
		}
	}
	return out, nil
}
func (r *fakeReader) Release() {}

type fakeReaderFactory struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

func (f *fakeReaderFactory) NewReader(ctx context.Context, obj ObjectMetadata) (ObjectReader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[obj.ID]
	if !ok {
		return nil, newError(KindKeyNotFound, nil)
	}
	return &fakeReader{obj: o}, nil
}

type fakeCache struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
}

func (c *fakeCache) GetBlock(ctx context.Context, reader ObjectReader, obj ObjectMetadata, idx BlockIndex) (DataBlockHandle, error) {
	fr := reader.(*fakeReader)
	for _, b := range fr.obj.blocks {
		if b.idx.StartOffset == idx.StartOffset {
			h := newFakeHandle(idx, b.records)
			key := freeWatchKey(obj.ID, idx.StartOffset)

			c.mu.Lock()
			if c.handles == nil {
				c.handles = make(map[string]*fakeHandle)
			}
			// Pins of the same block share one cache slot, so they share
			// its free channel, as with blockcache.
			if prev, ok := c.handles[key]; ok {
				h.freeCh = prev.freeCh
			}
			c.handles[key] = h
			c.mu.Unlock()

			return h, nil
		}
	}
	return nil, newError(KindKeyNotFound, nil)
}

type fakeObjManager struct {
	mu           sync.Mutex
	objects      []ObjectMetadata
	existing     map[string]bool
	onMissing    func(id string) // invoked when IsObjectExist returns false, for compaction simulation
	getCalls     int
	onGetObjects func(call int) // invoked before each GetObjects call, for discontinuity simulation
}

func (m *fakeObjManager) GetObjects(ctx context.Context, streamID uint64, start, end int64, limit int) ([]ObjectMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.onGetObjects != nil {
		m.onGetObjects(m.getCalls)
	}
	var out []ObjectMetadata
	for _, o := range m.objects {
		if o.EndOffset <= start {
			continue
		}
		if end != -1 && o.StartOffset >= end {
			break
		}
		out = append(out, o)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *fakeObjManager) IsObjectExist(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	exists := m.existing[id]
	onMissing := m.onMissing
	m.mu.Unlock()
	if !exists && onMissing != nil {
		onMissing(id)
	}
	return exists, nil
}

// --- helpers -------------------------------------------------------------

func blockAt(start, end int64, approxSize int, payloadSize int) fakeBlock {
	var records []fakeRecord
	step := int64(10)
	for off := start; off < end; off += step {
		last := off + step - 1
		if last >= end {
			last = end - 1
		}
		records = append(records, fakeRecord{first: off, last: last, payload: make([]byte, payloadSize)})
	}
	return fakeBlock{idx: BlockIndex{StartOffset: start, EndOffset: end, ApproxSize: approxSize}, records: records}
}

func newTestReader(objects map[string]fakeObject, meta []ObjectMetadata, existing map[string]bool) (*StreamReader, *fakeObjManager) {
	om := &fakeObjManager{objects: meta, existing: existing}
	rf := &fakeReaderFactory{objects: objects}
	cache := &fakeCache{}
	r := New(1, 0, cache, om, rf, Options{})
	return r, om
}

// --- tests -----------------------------------------------------------

func TestReadAcrossTwoObjects(t *testing.T) {
	objA := fakeObject{
		meta:   ObjectMetadata{ID: "obj-a", StreamID: 1, StartOffset: 0, EndOffset: 50},
		blocks: []fakeBlock{blockAt(0, 50, 50, 9)},
	}
	objB := fakeObject{
		meta:   ObjectMetadata{ID: "obj-b", StreamID: 1, StartOffset: 50, EndOffset: 100},
		blocks: []fakeBlock{blockAt(50, 100, 50, 9)},
	}

	r, _ := newTestReader(
		map[string]fakeObject{"obj-a": objA, "obj-b": objB},
		[]ObjectMetadata{objA.meta, objB.meta},
		map[string]bool{"obj-a": true, "obj-b": true},
	)

	res, err := r.Read(context.Background(), 0, 100, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Batches) == 0 {
		t.Fatal("expected at least one batch")
	}
	if res.Batches[0].FirstOffset() != 0 {
		t.Fatalf("expected first batch at offset 0, got %d", res.Batches[0].FirstOffset())
	}
	last := res.Batches[len(res.Batches)-1]
	if last.LastOffset() != 99 {
		t.Fatalf("expected to read through offset 99, got %d", last.LastOffset())
	}
	if r.NextReadOffset() != 100 {
		t.Fatalf("expected nextReadOffset 100, got %d", r.NextReadOffset())
	}
}

func TestReadRecursesOnOverstatedApproxSize(t *testing.T) {
	// ApproxSize (50) vastly overstates the real payload the block holds (45
	// bytes of records), so maxBytes==50 should exhaust getBlocks' budget
	// after a single block while leaving remainingBytes>0 once GetRecords
	// reports the true, smaller size - forcing attemptOnce to recurse into
	// the next block to keep filling the request.
	objA := fakeObject{
		meta:   ObjectMetadata{ID: "obj-a", StreamID: 1, StartOffset: 0, EndOffset: 50},
		blocks: []fakeBlock{blockAt(0, 50, 50, 9)},
	}
	objB := fakeObject{
		meta:   ObjectMetadata{ID: "obj-b", StreamID: 1, StartOffset: 50, EndOffset: 100},
		blocks: []fakeBlock{blockAt(50, 100, 50, 9)},
	}

	r, _ := newTestReader(
		map[string]fakeObject{"obj-a": objA, "obj-b": objB},
		[]ObjectMetadata{objA.meta, objB.meta},
		map[string]bool{"obj-a": true, "obj-b": true},
	)

	res, err := r.Read(context.Background(), 0, 100, 50)
	if err != nil {
		t.Fatal(err)
	}
	last := res.Batches[len(res.Batches)-1]
	if last.LastOffset() < 50 {
		t.Fatalf("expected the short-read recursion to cross into the second block, last offset read: %d", last.LastOffset())
	}
}

func TestReadRetriesOnceAfterCompaction(t *testing.T) {
	objA := fakeObject{
		meta:   ObjectMetadata{ID: "obj-a", StreamID: 1, StartOffset: 0, EndOffset: 50},
		blocks: []fakeBlock{blockAt(0, 50, 50, 9)},
	}
	objB := fakeObject{
		meta:   ObjectMetadata{ID: "obj-b", StreamID: 1, StartOffset: 50, EndOffset: 100},
		blocks: []fakeBlock{blockAt(50, 100, 50, 9)},
	}
	objB2 := fakeObject{
		meta:   ObjectMetadata{ID: "obj-b2", StreamID: 1, StartOffset: 50, EndOffset: 100},
		blocks: []fakeBlock{blockAt(50, 100, 50, 9)},
	}

	om := &fakeObjManager{
		objects:  []ObjectMetadata{objA.meta, objB.meta},
		existing: map[string]bool{"obj-a": true, "obj-b": false},
	}
	om.onMissing = func(id string) {
		if id != "obj-b" {
			return
		}
		// Simulate compaction: obj-b is gone, replaced by obj-b2 covering
		// the same range. Happens exactly once.
		om.mu.Lock()
		om.objects = []ObjectMetadata{objA.meta, objB2.meta}
		om.existing["obj-b2"] = true
		om.onMissing = nil
		om.mu.Unlock()
	}

	rf := &fakeReaderFactory{objects: map[string]fakeObject{"obj-a": objA, "obj-b": objB, "obj-b2": objB2}}
	r := New(1, 0, &fakeCache{}, om, rf, Options{})

	res, err := r.Read(context.Background(), 0, 100, 1<<20)
	if err != nil {
		t.Fatalf("expected the reader to retry past the compacted object, got error: %v", err)
	}
	last := res.Batches[len(res.Batches)-1]
	if last.LastOffset() != 99 {
		t.Fatalf("expected a full read after retry, last offset: %d", last.LastOffset())
	}
}

func TestReadEndOfStreamReturnsShortResult(t *testing.T) {
	objA := fakeObject{
		meta:   ObjectMetadata{ID: "obj-a", StreamID: 1, StartOffset: 0, EndOffset: 50},
		blocks: []fakeBlock{blockAt(0, 50, 50, 9)},
	}
	r, _ := newTestReader(
		map[string]fakeObject{"obj-a": objA},
		[]ObjectMetadata{objA.meta},
		map[string]bool{"obj-a": true},
	)

	res, err := r.Read(context.Background(), 0, 1000, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	last := res.Batches[len(res.Batches)-1]
	if last.LastOffset() != 49 {
		t.Fatalf("expected the read to stop at the known end of stream (49), got %d", last.LastOffset())
	}
}

// TestReadBeyondWindowExtendsAndPrunes covers spec.md §8 S3: a fresh reader
// asked to read past what it has discovered yet must extend its window
// across every intervening object, then prune everything the read consumed.
func TestReadBeyondWindowExtendsAndPrunes(t *testing.T) {
	objA := fakeObject{
		meta:   ObjectMetadata{ID: "obj-a", StreamID: 1, StartOffset: 0, EndOffset: 100},
		blocks: []fakeBlock{blockAt(0, 100, 100, 9)},
	}
	objB := fakeObject{
		meta:   ObjectMetadata{ID: "obj-b", StreamID: 1, StartOffset: 100, EndOffset: 250},
		blocks: []fakeBlock{blockAt(100, 250, 150, 9)},
	}
	objC := fakeObject{
		meta:   ObjectMetadata{ID: "obj-c", StreamID: 1, StartOffset: 250, EndOffset: 400},
		blocks: []fakeBlock{blockAt(250, 400, 150, 9)},
	}

	r, _ := newTestReader(
		map[string]fakeObject{"obj-a": objA, "obj-b": objB, "obj-c": objC},
		[]ObjectMetadata{objA.meta, objB.meta, objC.meta},
		map[string]bool{"obj-a": true, "obj-b": true, "obj-c": true},
	)

	res, err := r.Read(context.Background(), 300, 400, 10<<20)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Batches) == 0 {
		t.Fatal("expected at least one batch")
	}
	if first := res.Batches[0].FirstOffset(); first < 300 {
		t.Fatalf("expected first batch at or after offset 300, got %d", first)
	}
	last := res.Batches[len(res.Batches)-1]
	if last.LastOffset() != 399 {
		t.Fatalf("expected to read through offset 399, got %d", last.LastOffset())
	}

	r.mu.Lock()
	for _, e := range r.win.entries {
		if e.idx.EndOffset <= 400 {
			r.mu.Unlock()
			t.Fatalf("expected window pruned of entries consumed up to 400, found entry ending at %d", e.idx.EndOffset)
		}
	}
	r.mu.Unlock()
}

// TestReadRetriesOnceOnDiscontinuousExtension covers spec.md §8 S6: the
// object manager reports a second object whose first block leaves a gap
// against the window's current frontier, so window extension raises
// BlockNotContinuous; the read must reset and retry exactly once.
func TestReadRetriesOnceOnDiscontinuousExtension(t *testing.T) {
	objA := fakeObject{
		meta:   ObjectMetadata{ID: "obj-a", StreamID: 1, StartOffset: 0, EndOffset: 50},
		blocks: []fakeBlock{blockAt(0, 50, 50, 9)},
	}
	// Gapped: objB's block starts at 60, not 50, so putBlock (window.append)
	// rejects it as non-contiguous on the first attempt.
	objBGapped := fakeObject{
		meta:   ObjectMetadata{ID: "obj-b-gapped", StreamID: 1, StartOffset: 50, EndOffset: 100},
		blocks: []fakeBlock{blockAt(60, 100, 40, 9)},
	}
	objBFixed := fakeObject{
		meta:   ObjectMetadata{ID: "obj-b-fixed", StreamID: 1, StartOffset: 50, EndOffset: 100},
		blocks: []fakeBlock{blockAt(50, 100, 50, 9)},
	}

	om := &fakeObjManager{
		objects:  []ObjectMetadata{objA.meta, objBGapped.meta},
		existing: map[string]bool{"obj-a": true, "obj-b-gapped": true, "obj-b-fixed": true},
	}
	// After the first GetObjects call (which supplies the gapped object and
	// triggers BlockNotContinuous), swap in the fixed, contiguous object so
	// the retry's fresh window extension succeeds.
	om.onGetObjects = func(call int) {
		// Runs before the listing, so swapping ahead of call 2 leaves call 1
		// serving the gapped object.
		if call == 2 {
			om.objects = []ObjectMetadata{objA.meta, objBFixed.meta}
		}
	}
	rf := &fakeReaderFactory{objects: map[string]fakeObject{
		"obj-a": objA, "obj-b-gapped": objBGapped, "obj-b-fixed": objBFixed,
	}}
	r := New(1, 0, &fakeCache{}, om, rf, Options{})

	res, err := r.Read(context.Background(), 0, 100, 1<<20)
	if err != nil {
		t.Fatalf("expected the reader to recover after resetting past the discontinuous extension, got: %v", err)
	}
	last := res.Batches[len(res.Batches)-1]
	if last.LastOffset() != 99 {
		t.Fatalf("expected a full read after retry, last offset: %d", last.LastOffset())
	}
}

// TestHandleBlockFreeResetsReadaheadWhenStillInstalled covers spec.md §8 S5:
// a block still named by the window being freed by the cache must be
// treated as eviction-under-pressure and reset readahead; a block already
// pruned out of the window must not.
func TestHandleBlockFreeResetsReadaheadWhenStillInstalled(t *testing.T) {
	r, _ := newTestReader(nil, nil, nil)
	r.win.append(windowEntry{
		obj: ObjectMetadata{ID: "obj-a"},
		idx: BlockIndex{StartOffset: 0, EndOffset: 50, ApproxSize: 50},
	})

	installed := &pinnedEntry{obj: ObjectMetadata{ID: "obj-a"}, idx: BlockIndex{StartOffset: 0, EndOffset: 50}}
	r.handleBlockFree(installed)

	r.readahead.mu.Lock()
	reset := r.readahead.requireReset
	r.readahead.mu.Unlock()
	if !reset {
		t.Fatal("expected readahead to require a reset after an installed block was freed")
	}

	// A block whose key the window no longer names (already pruned) must
	// not trigger a reset - it's stale noise, not current pressure.
	r.readahead.requireReset = false
	pruned := &pinnedEntry{obj: ObjectMetadata{ID: "obj-a"}, idx: BlockIndex{StartOffset: 1000, EndOffset: 1050}}
	r.handleBlockFree(pruned)

	r.readahead.mu.Lock()
	reset = r.readahead.requireReset
	r.readahead.mu.Unlock()
	if reset {
		t.Fatal("expected no reset for a block no longer named by the window")
	}

	// A freed notification naming the same startOffset but a different
	// object (a compacted-and-replaced object reusing the key) is also
	// stale noise, not current pressure on the object actually installed.
	r.readahead.requireReset = false
	replaced := &pinnedEntry{obj: ObjectMetadata{ID: "obj-b"}, idx: BlockIndex{StartOffset: 0, EndOffset: 50}}
	r.handleBlockFree(replaced)

	r.readahead.mu.Lock()
	reset = r.readahead.requireReset
	r.readahead.mu.Unlock()
	if reset {
		t.Fatal("expected no reset for a freed block whose object id no longer matches the window's installed entry")
	}
}

// TestFreeWatchFiresThroughRealCacheNotification covers spec.md §8 S5 end to
// end through getBlocks' actual pinning path, rather than calling
// handleBlockFree directly: it proves the watch registered in
// ensureFreeWatch really observes the cache's FreeCh close after the
// pinning attempt's own release, which a watcher scoped to the pin's own
// lifetime could never do.
func TestFreeWatchFiresThroughRealCacheNotification(t *testing.T) {
	objA := fakeObject{
		meta:   ObjectMetadata{ID: "obj-a", StreamID: 1, StartOffset: 0, EndOffset: 50},
		blocks: []fakeBlock{blockAt(0, 50, 50, 9)},
	}
	r, _ := newTestReader(
		map[string]fakeObject{"obj-a": objA},
		[]ObjectMetadata{objA.meta},
		map[string]bool{"obj-a": true},
	)

	// Read only part of the block, so afterRead's pruning leaves it in the
	// window and its free counts as pressure on an installed block.
	res, err := r.Read(context.Background(), 0, 20, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Batches) == 0 {
		t.Fatal("expected at least one batch")
	}

	// The pin taken during Read has already been released by the time Read
	// returns; the watch goroutine registered in ensureFreeWatch must still
	// be alive, waiting on the slot's FreeCh independent of that release.
	cache := r.cache.(*fakeCache)
	cache.mu.Lock()
	handle := cache.handles[freeWatchKey("obj-a", 0)]
	cache.mu.Unlock()
	if handle == nil {
		t.Fatal("expected fakeCache to have recorded the handle for obj-a:0")
	}

	close(handle.freeCh)

	waitForCondition(t, func() bool {
		r.readahead.mu.Lock()
		defer r.readahead.mu.Unlock()
		return r.readahead.requireReset
	})
}
