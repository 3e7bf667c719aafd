// Package stream is the CORE of this repository: StreamReader, the
// per-stream coordinator that turns a (start, end, maxBytes) byte-range
// request into one or more pinned block-cache fetches while concurrently
// prefetching ahead of the consumer and tolerating concurrent compaction of
// the underlying objects. See spec.md / SPEC_FULL.md §4 for the algorithm
// this package implements.
package stream

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// getObjectStep bounds how many objects a single window extension asks the
// object manager for, per spec.md §4.3.
const getObjectStep = 4

// Options configures a StreamReader, in the teacher's plain-options-struct
// idiom (spec.md §1 puts config-file loading out of scope for this
// component; construction happens in Go).
type Options struct {
	// GetObjectStep overrides getObjectStep. Zero uses the default of 4.
	GetObjectStep int
}

// StreamReader is the per-stream read-path coordinator of spec.md §4.1.
// A StreamReader is bound to exactly one streamId and is safe for
// concurrent use; all window/cursor/readahead state is protected by an
// internal mutex rather than confined to a single executor goroutine - the
// idiomatic Go rendition of spec.md §5's single-threaded-executor model.
type StreamReader struct {
	streamID uint64

	cache         BlockCache
	objManager    ObjectManager
	readerFactory ObjectReaderFactory

	getObjectStep int

	mu             sync.Mutex
	win            window
	nextReadOffset int64
	lastAccess     time.Time
	closed         bool
	watchedBlocks  map[string]struct{}

	extendGroup singleflight.Group
	readahead   *readaheadController
}

// New creates a StreamReader bound to streamID, starting at initialOffset.
func New(streamID uint64, initialOffset int64, cache BlockCache, objManager ObjectManager, readerFactory ObjectReaderFactory, opts Options) *StreamReader {
	step := opts.GetObjectStep
	if step == 0 {
		step = getObjectStep
	}
	r := &StreamReader{
		streamID:       streamID,
		cache:          cache,
		objManager:     objManager,
		readerFactory:  readerFactory,
		getObjectStep:  step,
		nextReadOffset: initialOffset,
	}
	r.readahead = newReadaheadController(r.readaheadAcquire)
	return r
}

// NextReadOffset is the last-consumed offset + 1, or the initial offset if
// nothing has been read yet.
func (r *StreamReader) NextReadOffset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextReadOffset
}

// LastAccessTimestamp is a monotonic-clock-backed reading taken at the
// entry of the most recent Read call.
func (r *StreamReader) LastAccessTimestamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAccess
}

// Close releases all pins this reader still holds and marks it closed.
// Idempotent and non-blocking. Because every Read attempt already releases
// its own pins by the time it returns (see DESIGN.md), there are no
// pins outstanding between calls for Close to release; it exists so
// callers have a single, always-safe teardown point and so a reader that
// never completed a Read (and so never marked anything read) can still be
// torn down cleanly.
func (r *StreamReader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Read serves bytes in [start, end) up to maxBytes (plus at most one
// trailing batch of slack), retrying at most once on a retryable failure
// (spec.md §7).
func (r *StreamReader) Read(ctx context.Context, start, end int64, maxBytes int) (ReadResult, error) {
	if end <= start {
		return ReadResult{}, fmt.Errorf("stream: end (%d) must be greater than start (%d)", end, start)
	}
	if maxBytes <= 0 {
		return ReadResult{}, fmt.Errorf("stream: maxBytes must be positive, got %d", maxBytes)
	}

	r.touchLastAccess()

	leftRetries := 1
	for {
		batches, entries, err := r.attemptOnce(ctx, start, end, maxBytes)
		if err != nil {
			releaseEntries(entries)

			if se, ok := AsError(err); ok && se.Kind.Retryable() && leftRetries > 0 {
				leftRetries--
				r.resetBlocks()
				continue
			}
			return ReadResult{}, err
		}

		r.afterRead(ctx, batches, entries)
		return ReadResult{Batches: batches, AccessType: BlockCacheHit}, nil
	}
}

func (r *StreamReader) touchLastAccess() {
	r.mu.Lock()
	r.lastAccess = time.Now()
	r.mu.Unlock()
}

func (r *StreamReader) resetBlocks() {
	r.mu.Lock()
	r.win.reset()
	r.mu.Unlock()
}

// attemptOnce implements the single-attempt algorithm of spec.md §4.1
// steps 1-4: acquire blocks, await their loads, and assemble records up to
// budget, re-acquiring further down the stream whenever approximateSize
// overstated a block's real record bytes and left the request
// unsatisfied. Loops rather than recurses so a getBlocks call that finds
// nothing further (end of stream as currently known) terminates the
// attempt instead of spinning. entries accumulates every pinned entry
// acquired across the whole attempt, so the caller can release every one
// of them exactly once regardless of outcome.
func (r *StreamReader) attemptOnce(ctx context.Context, start, end int64, maxBytes int) (batches []RecordBatch, entries []*pinnedEntry, err error) {
	cursor := start
	remaining := maxBytes

	for {
		acquired, gerr := r.getBlocks(ctx, cursor, end, remaining)
		if gerr != nil {
			releaseBatches(batches)
			return nil, entries, gerr
		}
		entries = append(entries, acquired...)
		if len(acquired) == 0 {
			return batches, entries, nil
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, e := range acquired {
			e := e
			g.Go(func() error { return e.wait(gctx) })
		}
		if werr := g.Wait(); werr != nil {
			releaseBatches(batches)
			return nil, entries, werr
		}

		progressed := false
		for _, e := range acquired {
			if cursor < e.idx.StartOffset || cursor >= e.idx.EndOffset {
				releaseBatches(batches)
				ierr := newError(KindInternalConsistency,
					fmt.Errorf("cursor %d outside acquired block [%d,%d)", cursor, e.idx.StartOffset, e.idx.EndOffset))
				glog.Errorf("streamreader: stream=%d: %v", r.streamID, ierr)
				return nil, entries, ierr
			}

			upper := e.idx.EndOffset
			if end != -1 && end < upper {
				upper = end
			}

			got, gerr := e.handle.GetRecords(cursor, upper, remaining)
			if gerr != nil {
				releaseBatches(batches)
				return nil, entries, gerr
			}
			for _, b := range got {
				batches = append(batches, b)
				remaining -= b.Size()
				cursor = b.LastOffset() + 1
				progressed = true
			}

			if (end != -1 && cursor >= end) || remaining <= 0 {
				return batches, entries, nil
			}
		}

		if !progressed {
			// The acquired blocks had nothing usable at cursor - avoid
			// spinning forever on the same range.
			return batches, entries, nil
		}
	}
}

// afterRead implements spec.md §4.1's post-read bookkeeping: advance the
// cursor, prune the window, mark used entries read, and kick off
// readahead. Entries are marked read before being released so a cache
// reclaim racing with release never observes refcount==0 on a still-unread
// slot for a block this call actually delivered to the consumer (see
// DESIGN.md for why this reorders spec.md's listed step sequence).
func (r *StreamReader) afterRead(ctx context.Context, batches []RecordBatch, entries []*pinnedEntry) {
	r.mu.Lock()
	if len(batches) > 0 {
		r.nextReadOffset = batches[len(batches)-1].LastOffset() + 1
	}
	nextOffset := r.nextReadOffset
	r.win.pruneBefore(nextOffset)
	r.mu.Unlock()

	for _, e := range entries {
		e.handle.MarkRead()
	}
	releaseEntries(entries)

	r.readahead.tryReadahead(ctx, nextOffset)
}

// getBlocks implements spec.md §4.2: produce an ordered list of freshly
// pinned entries covering [start, end) or saturating maxBytes, extending
// the window as needed.
func (r *StreamReader) getBlocks(ctx context.Context, start, end int64, maxBytes int) ([]*pinnedEntry, error) {
	for {
		r.mu.Lock()
		_, ok := r.win.floor(start)
		loadedEnd := r.win.loadedEndOffset()
		r.mu.Unlock()

		if ok && start < loadedEnd {
			break
		}

		if err := r.extendWindow(ctx); err != nil {
			return nil, err
		}

		r.mu.Lock()
		newLoadedEnd := r.win.loadedEndOffset()
		r.mu.Unlock()
		if newLoadedEnd == loadedEnd {
			// The extension found nothing past what was already known: end
			// of stream as currently known. Report no entries rather than
			// spinning; the caller treats this the same as any other
			// exhausted range.
			return nil, nil
		}
	}

	r.mu.Lock()
	floorIdx, _ := r.win.floor(start)
	tail := r.win.tailFrom(floorIdx)
	r.mu.Unlock()

	var pinned []*pinnedEntry
	remaining := maxBytes

	for i := 0; ; {
		for ; i < len(tail); i++ {
			we := tail[i]

			exist, err := r.objManager.IsObjectExist(ctx, we.obj.ID)
			if err != nil {
				releaseEntries(pinned)
				return nil, fmt.Errorf("stream: checking existence of object %s: %w", we.obj.ID, err)
			}
			if !exist {
				releaseEntries(pinned)
				return nil, newError(KindObjectNotExist, fmt.Errorf("object %s no longer exists", we.obj.ID))
			}

			reader, err := r.readerFactory.NewReader(ctx, we.obj)
			if err != nil {
				releaseEntries(pinned)
				return nil, fmt.Errorf("stream: opening reader for object %s: %w", we.obj.ID, err)
			}

			handle, err := r.cache.GetBlock(ctx, reader, we.obj, we.idx)
			if err != nil {
				reader.Release()
				releaseEntries(pinned)
				return nil, fmt.Errorf("stream: loading block object=%s start=%d: %w", we.obj.ID, we.idx.StartOffset, err)
			}

			pe := &pinnedEntry{obj: we.obj, idx: we.idx, handle: handle}
			r.ensureFreeWatch(pe)
			pinned = append(pinned, pe)

			if i == 0 {
				if we.idx.StartOffset == start {
					remaining -= we.idx.ApproxSize
				}
			} else {
				remaining -= we.idx.ApproxSize
			}

			if (end != -1 && we.idx.EndOffset >= end) || remaining <= 0 {
				return pinned, nil
			}
		}

		lastEnd := tail[len(tail)-1].idx.EndOffset
		if err := r.extendWindow(ctx); err != nil {
			releaseEntries(pinned)
			return nil, err
		}

		r.mu.Lock()
		newFloorIdx, ok := r.win.floor(lastEnd)
		var newTail []windowEntry
		if ok && r.win.entries[newFloorIdx].idx.StartOffset == lastEnd {
			newTail = r.win.tailFrom(newFloorIdx)
		}
		r.mu.Unlock()

		if len(newTail) == 0 {
			// Window didn't grow past where we'd already consumed it - end
			// of stream as currently known. Return what we have; the
			// caller's short-read recursion handles an under-filled range.
			return pinned, nil
		}
		tail = newTail
		i = 0
	}
}

// extendWindow coalesces concurrent extension requests into a single
// in-flight call via singleflight, implementing spec.md §4.3's
// inflightLoadIndexCf.
func (r *StreamReader) extendWindow(ctx context.Context) error {
	_, err, _ := r.extendGroup.Do("extend", func() (interface{}, error) {
		return nil, r.loadMoreBlocksWithoutData(ctx)
	})
	return err
}

// loadMoreBlocksWithoutData implements spec.md §4.3: fetch up to
// getObjectStep objects forward from the window's current frontier,
// sequentially discover each one's block indexes, and append them to the
// window.
func (r *StreamReader) loadMoreBlocksWithoutData(ctx context.Context) error {
	r.mu.Lock()
	cursor := r.win.loadedEndOffset()
	if r.nextReadOffset > cursor {
		cursor = r.nextReadOffset
	}
	r.mu.Unlock()

	objs, err := r.objManager.GetObjects(ctx, r.streamID, cursor, -1, r.getObjectStep)
	if err != nil {
		return fmt.Errorf("stream: listing objects from %d: %w", cursor, err)
	}

	for _, obj := range objs {
		reader, err := r.readerFactory.NewReader(ctx, obj)
		if err != nil {
			return fmt.Errorf("stream: opening reader for object %s: %w", obj.ID, err)
		}

		blocks, err := reader.Find(ctx, r.streamID, cursor, -1, math.MaxInt)
		if err != nil {
			reader.Release()
			return fmt.Errorf("stream: finding blocks in object %s: %w", obj.ID, err)
		}

		for _, idx := range blocks {
			r.mu.Lock()
			appendErr := r.win.append(windowEntry{obj: obj, idx: idx})
			r.mu.Unlock()
			if appendErr != nil {
				reader.Release()
				return appendErr
			}
			cursor = idx.EndOffset
		}
		reader.Release()
	}
	return nil
}

// readaheadAcquire adapts getBlocks to the acquireFunc shape the readahead
// controller drives: an unbounded-end acquisition starting at offset.
func (r *StreamReader) readaheadAcquire(ctx context.Context, offset int64, size int) ([]*pinnedEntry, int64, bool, error) {
	entries, err := r.getBlocks(ctx, offset, -1, size)
	if err != nil {
		return nil, 0, false, err
	}
	if len(entries) == 0 {
		return nil, 0, false, nil
	}
	return entries, entries[len(entries)-1].idx.EndOffset, true, nil
}

// freeWatchKey names a block's cache slot for watchedBlocks deduplication,
// independent of any particular pin of it.
func freeWatchKey(objID string, startOffset int64) string {
	return fmt.Sprintf("%s:%d", objID, startOffset)
}

// ensureFreeWatch registers, at most once per distinct block identity, a
// goroutine that waits on the cache slot's FreeCh and reports to
// handleBlockFree. Per spec.md §9, this is "a weak back-reference plus
// identity comparison at callback time" rather than a per-pin watcher: pe's
// own Release is one of potentially several pins of the same slot (a
// window entry can be pinned again by a later attempt before an earlier
// pin of it is released), and FreeCh only ever closes once every one of
// them - pe's included - has already let go. A watcher scoped to pe's own
// lifetime can therefore never itself observe the close; registering the
// watch against the reader, keyed by block identity rather than by pin,
// lets it survive past pe.release() and actually witness the slot's real
// free event.
func (r *StreamReader) ensureFreeWatch(pe *pinnedEntry) {
	key := freeWatchKey(pe.obj.ID, pe.idx.StartOffset)

	r.mu.Lock()
	if r.watchedBlocks == nil {
		r.watchedBlocks = make(map[string]struct{})
	}
	if _, already := r.watchedBlocks[key]; already {
		r.mu.Unlock()
		return
	}
	r.watchedBlocks[key] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-pe.handle.FreeCh()

		r.mu.Lock()
		delete(r.watchedBlocks, key)
		r.mu.Unlock()

		r.handleBlockFree(pe)
	}()
}

// handleBlockFree implements spec.md §4.4: if the freed block is still the
// one installed in this reader's active window at its key (the identity
// comparison spec.md §9 calls for, since a compacted-and-replaced object can
// reuse the same startOffset), an unread block was evicted under cache
// pressure - warn (rate-limited) and reset readahead.
func (r *StreamReader) handleBlockFree(e *pinnedEntry) {
	r.mu.Lock()
	stillInstalled := r.win.containsBlock(e.obj.ID, e.idx.StartOffset)
	r.mu.Unlock()

	if !stillInstalled {
		return
	}

	r.readahead.warn("streamreader: block evicted under cache pressure stream=%d object=%s start=%d", r.streamID, e.obj.ID, e.idx.StartOffset)
	r.readahead.reset()
}
