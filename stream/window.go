package stream

import "sort"

// windowEntry is one contiguous run member of the block-index window: pure
// index metadata, with no pinned data. Data is only ever pinned
// transiently, per acquisition, by getBlocks (spec.md §4.2's "fresh
// BlockEntry... each read must independently pin").
type windowEntry struct {
	obj ObjectMetadata
	idx BlockIndex
}

// window is the block-index window of spec.md §3: an ordered, contiguous
// run of block indexes covering a tail of the stream. Implemented as a
// sorted slice rather than a tree - entries only ever arrive appended at
// the tail and depart pruned from the head, which a slice handles with no
// pointer-chasing and O(1) amortized append/prune.
type window struct {
	entries []windowEntry
}

// loadedEndOffset is the window's loadedBlockIndexEndOffset: the end offset
// of the last entry, or 0 if empty.
func (w *window) loadedEndOffset() int64 {
	if len(w.entries) == 0 {
		return 0
	}
	return w.entries[len(w.entries)-1].idx.EndOffset
}

// floor returns the index within entries of the entry with the greatest
// StartOffset <= start, and whether one was found.
func (w *window) floor(start int64) (int, bool) {
	// sort.Search finds the first index for which entries[i].StartOffset >
	// start; the floor is one before it.
	i := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].idx.StartOffset > start
	})
	if i == 0 {
		return 0, false
	}
	return i - 1, true
}

// tailFrom returns a snapshot slice of entries from index i to the current
// end. Safe to iterate without holding the reader's lock.
func (w *window) tailFrom(i int) []windowEntry {
	out := make([]windowEntry, len(w.entries)-i)
	copy(out, w.entries[i:])
	return out
}

// append adds e to the tail, enforcing the contiguity invariant of
// spec.md §3: A.endOffset == B.startOffset for adjacent entries. Returns
// BlockNotContinuous if e does not abut the current last entry.
func (w *window) append(e windowEntry) error {
	if len(w.entries) > 0 {
		last := w.entries[len(w.entries)-1]
		if last.idx.EndOffset != e.idx.StartOffset {
			return newError(KindBlockNotContinuous, nil)
		}
	}
	w.entries = append(w.entries, e)
	return nil
}

// pruneBefore drops leading entries whose EndOffset <= offset, per
// spec.md §3's "a BlockEntry whose key is < nextReadOffset after a
// successful read is pruned from the window."
func (w *window) pruneBefore(offset int64) {
	i := 0
	for i < len(w.entries) && w.entries[i].idx.EndOffset <= offset {
		i++
	}
	w.entries = w.entries[i:]
}

// reset clears the window entirely, used by resetBlocks() on a retryable
// failure.
func (w *window) reset() {
	w.entries = nil
}

// containsBlock reports whether the window still names, at startOffset, the
// block belonging to object objID - used by handleBlockFree to tell whether
// a freed slot's key has already been pruned or superseded (in which case a
// reset signal would be stale noise: either consumed already, or a
// compacted object's replacement now occupies that key) or is still part of
// the reader's active frontier (spec.md §4.4's "still the one currently
// installed in the window at its key", §9's "identity comparison at
// callback time"). Comparing both objID and startOffset, not just the
// offset, matters specifically across compaction: a replacement object can
// reuse the same startOffset as the one a stale free-notification names.
func (w *window) containsBlock(objID string, startOffset int64) bool {
	i, ok := w.floor(startOffset)
	if !ok {
		return false
	}
	e := w.entries[i]
	return e.idx.StartOffset == startOffset && e.obj.ID == objID
}
