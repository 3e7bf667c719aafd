package stream

import "context"

// ObjectMetadata identifies a remote object containing one or more data
// blocks for some stream. Objects are immutable; a compactor may delete one
// and replace it with a different object covering the same offsets.
type ObjectMetadata struct {
	ID         string
	StreamID   uint64
	StartOffset, EndOffset int64
}

// BlockIndex describes a single data block: its logical offset range within
// the stream and an upper-ish bound on its encoded size. ApproxSize may
// over- or under-count due to headers and is never authoritative.
type BlockIndex struct {
	StartOffset, EndOffset int64
	ApproxSize             int
}

// ObjectManager resolves a stream to the objects that cover it and answers
// existence queries used to detect compaction. Implemented by objectmeta.
type ObjectManager interface {
	// GetObjects returns up to limit objects covering forward from
	// startOffset, in order. endOffset of -1 means no upper bound. An empty
	// result means end of stream, as currently known.
	GetObjects(ctx context.Context, streamID uint64, startOffset, endOffset int64, limit int) ([]ObjectMetadata, error)

	// IsObjectExist reports whether the object still exists. False means the
	// object was deleted, e.g. by compaction.
	IsObjectExist(ctx context.Context, id string) (bool, error)
}

// ObjectReader finds block indexes within one object. Implemented by
// objectio.Reader.
type ObjectReader interface {
	// Find returns, in order, the block indexes of obj covering
	// [startOffset, endOffset) (endOffset of -1 meaning unbounded), stopping
	// once maxBytes of ApproxSize has been accounted for.
	Find(ctx context.Context, streamID uint64, startOffset, endOffset int64, maxBytes int) ([]BlockIndex, error)

	// Release drops this reader's reference to the backing object.
	Release()
}

// ObjectReaderFactory opens an ObjectReader bound to a single object.
// Implemented by objectio.Factory.
type ObjectReaderFactory interface {
	NewReader(ctx context.Context, obj ObjectMetadata) (ObjectReader, error)
}

// BlockCache materializes and pins data blocks. Every call increments the
// refcount of the returned handle's slot; callers must call Release()
// exactly once, even on error paths where the handle itself was never
// observed (the release is deferred until the returned future settles).
// Implemented by blockcache.Cache.
type BlockCache interface {
	GetBlock(ctx context.Context, reader ObjectReader, obj ObjectMetadata, idx BlockIndex) (DataBlockHandle, error)
}

// DataBlockHandle is a pinned, cache-owned reference to one materialized
// data block. GetBlock returns a handle immediately upon pinning; Wait
// suspends until the underlying load future settles, which is where the
// single suspension point per acquired entry lives (spec.md §5).
type DataBlockHandle interface {
	// Wait blocks until the block's data has been materialized or the load
	// has failed. The returned error, once non-nil, is sticky.
	Wait(ctx context.Context) error

	// GetRecords extracts record batches over [start, min(end, block end))
	// while remainingBytes allows, in offset order. Only valid after Wait
	// returns nil.
	GetRecords(start, end int64, remainingBytes int) ([]RecordBatch, error)

	// MarkUnread/MarkRead toggle the consumer-done signal. The cache may
	// only reclaim a slot once its refcount is zero, whatever the mark says.
	// handleBlockFree does not consult the mark: it treats a reclaim as
	// eviction pressure only when the window still names the block.
	MarkUnread()
	MarkRead()

	// Release decrements the refcount acquired by the GetBlock call that
	// returned this handle.
	Release()

	// FreeCh resolves (is closed) when the cache reclaims the underlying
	// slot. Safe to read after Release.
	FreeCh() <-chan struct{}
}

// RecordBatch is an opaque, reference-counted span of records.
type RecordBatch interface {
	FirstOffset() int64
	LastOffset() int64
	Size() int
	Release()
}

// AccessType tags how a read was served. Only BlockCacheHit is produced
// today; propagating a true access type is future work (spec.md §9).
type AccessType int

const (
	BlockCacheHit AccessType = iota
)

// ReadResult is the outcome of a successful read call.
type ReadResult struct {
	Batches    []RecordBatch
	AccessType AccessType
}
