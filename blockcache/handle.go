package blockcache

import (
	"context"

	"streamreader/recordbatch"
	"streamreader/stream"
)

// Handle is a pinned reference to one slot, returned fresh from every
// GetBlock call even when the slot itself is shared. The BlockEntry that
// requested it owns exactly one Release.
type Handle struct {
	cache *Cache
	slot  *slot

	released bool
}

var _ stream.DataBlockHandle = (*Handle)(nil)

// Wait blocks until the slot's load settles, re-posting the sticky error if
// the load failed.
func (h *Handle) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.slot.loadGate.wait()
		close(done)
	}()

	select {
	case <-done:
		h.slot.mu.Lock()
		err := h.slot.loadErr
		h.slot.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetRecords decodes the slot's decompressed bytes into batches over
// [start, min(end, block end)) within remainingBytes. Only valid after Wait
// returns nil.
func (h *Handle) GetRecords(start, end int64, remainingBytes int) ([]stream.RecordBatch, error) {
	h.slot.mu.Lock()
	data := h.slot.data
	h.slot.mu.Unlock()

	blockEnd := h.slot.idx.EndOffset
	cappedEnd := end
	if cappedEnd == -1 || blockEnd < cappedEnd {
		cappedEnd = blockEnd
	}

	batches, _, err := recordbatch.Decode(data, start, cappedEnd, remainingBytes)
	if err != nil {
		return nil, err
	}
	out := make([]stream.RecordBatch, len(batches))
	for i, b := range batches {
		out[i] = b
	}
	return out, nil
}

// MarkUnread marks the slot as not yet consumed by any reader. Newly loaded
// slots start unread; this exists primarily to let BlockEntry re-assert
// "unread" if it installs a handle for a slot that was previously marked
// read and then reloaded after eviction.
func (h *Handle) MarkUnread() {
	h.slot.mu.Lock()
	h.slot.read = false
	h.slot.mu.Unlock()
}

// MarkRead marks the slot as consumer-done; the cache may reclaim it once
// unpinned without that reclaim counting as eviction pressure.
func (h *Handle) MarkRead() {
	h.slot.mu.Lock()
	h.slot.read = true
	h.slot.mu.Unlock()
}

// Release decrements the pin acquired by the GetBlock call that produced
// this handle. Safe to call at most once; StreamReader enforces the
// exactly-once discipline required by spec.md §5.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.cache.release(h.slot)
}

// FreeCh resolves when the underlying slot is reclaimed by the cache.
func (h *Handle) FreeCh() <-chan struct{} {
	return h.slot.freeCh
}
