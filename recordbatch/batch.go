// Package recordbatch implements the opaque, reference-counted record batch
// of spec.md §3 and a minimal private framing used to split a decompressed
// data block's bytes into offset-addressable batches. The framing is this
// component's own implementation detail, not a public wire format - spec.md
// §1 explicitly puts the wire format of data-block records out of scope.
package recordbatch

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// Batch is a contiguous, indivisible span of records sharing an offset
// range. Instances are obtained from Decode and must be released exactly
// once.
type Batch struct {
	firstOffset, lastOffset int64
	payload                 []byte
	refs                    int32
}

var batchPool = sync.Pool{
	New: func() interface{} { return new(Batch) },
}

func newBatch(first, last int64, payload []byte) *Batch {
	b := batchPool.Get().(*Batch)
	b.firstOffset = first
	b.lastOffset = last
	b.payload = payload
	b.refs = 1
	return b
}

// FirstOffset is the logical offset of the first record in the batch.
func (b *Batch) FirstOffset() int64 { return b.firstOffset }

// LastOffset is the logical offset of the last record in the batch.
func (b *Batch) LastOffset() int64 { return b.lastOffset }

// Size is the byte footprint of the batch, counted against read budgets.
func (b *Batch) Size() int { return len(b.payload) }

// Payload returns the raw record bytes. Valid until Release.
func (b *Batch) Payload() []byte { return b.payload }

// Retain increments the reference count, e.g. when a batch is handed to more
// than one caller.
func (b *Batch) Retain() {
	atomic.AddInt32(&b.refs, 1)
}

// Release decrements the reference count, returning the batch to the pool
// once it reaches zero.
func (b *Batch) Release() {
	if atomic.AddInt32(&b.refs, -1) == 0 {
		b.payload = nil
		batchPool.Put(b)
	}
}

// record frame layout: [firstOffset uint64][lastOffset uint64][len
// uint32][payload]. One frame per logical record batch.
const frameHeaderLen = 8 + 8 + 4

// Encode appends one frame for (first, last, payload) to dst and returns the
// extended slice. Used by test fixtures and objectio's synthetic object
// writer to build block bytes.
func Encode(dst []byte, first, last int64, payload []byte) []byte {
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(first))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(last))
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return dst
}

// Decode splits a block's decompressed bytes into its constituent batches,
// then trims the result to [start, end) / remainingBytes per spec.md §4.1
// step 3: batches entirely before start are dropped; extraction stops once
// either end or remainingBytes is exhausted, leaving cursor and
// remainingBytes advancement to the caller (StreamReader's assembly loop;
// blockcache.Handle.GetRecords passes the batches through unchanged).
func Decode(block []byte, start, end int64, remainingBytes int) (batches []*Batch, consumed int, err error) {
	off := 0
	for off < len(block) {
		if off+frameHeaderLen > len(block) {
			return nil, 0, fmt.Errorf("recordbatch: truncated frame header at byte %d", off)
		}
		first := int64(binary.BigEndian.Uint64(block[off : off+8]))
		last := int64(binary.BigEndian.Uint64(block[off+8 : off+16]))
		size := int(binary.BigEndian.Uint32(block[off+16 : off+20]))
		off += frameHeaderLen
		if off+size > len(block) {
			return nil, 0, fmt.Errorf("recordbatch: truncated payload at byte %d", off)
		}
		payload := block[off : off+size]
		off += size

		if last < start {
			continue
		}
		if end != -1 && first >= end {
			break
		}
		if remainingBytes <= 0 && len(batches) > 0 {
			break
		}

		b := newBatch(first, last, payload)
		batches = append(batches, b)
		consumed += b.Size()
		remainingBytes -= b.Size()

		if end != -1 && last+1 >= end {
			break
		}
	}
	return batches, consumed, nil
}
