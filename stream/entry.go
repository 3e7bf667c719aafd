package stream

import (
	"context"
)

// pinnedEntry is a freshly pinned data block acquired for a single read
// attempt. It is never stored back into the window; the window only ever
// holds index metadata (see window.go), so each attempt's acquisition is
// unconditionally independent, matching spec.md §4.2's "each read must
// independently pin" without needing to alias or replace a shared,
// data-bearing window entry.
//
// Free-eviction notification (spec.md §4.4/§9) is deliberately NOT owned by
// pinnedEntry: a watcher tied to one transient pin's lifetime would always
// exit (via that pin's own release) before the cache slot it watches could
// ever actually reach refcount zero and free - the slot only frees once
// every pin watching it, this one included, is already gone. See
// StreamReader.ensureFreeWatch in reader.go, which registers the watch
// against the shared slot once per distinct block key and lets it run
// independent of any single pin's release.
type pinnedEntry struct {
	obj ObjectMetadata
	idx BlockIndex

	handle DataBlockHandle
}

func (e *pinnedEntry) wait(ctx context.Context) error {
	return e.handle.Wait(ctx)
}

// release is called exactly once per entry, regardless of the attempt's
// outcome, decrementing the cache pin.
func (e *pinnedEntry) release() {
	e.handle.Release()
}

func releaseEntries(entries []*pinnedEntry) {
	for _, e := range entries {
		e.release()
	}
}

func releaseBatches(batches []RecordBatch) {
	for _, b := range batches {
		b.Release()
	}
}
