package blockcache

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"io/ioutil"
)

// Data blocks are stored at rest deflate-compressed with a trailing
// checksum frame, adapted from the teacher's writer.go/deflate.go
// frameDescriptor: a 4-byte Adler32 checksum followed by a 4-byte
// uncompressed-size, big-endian, appended after the deflate stream. This is
// this component's own on-disk block framing, not a public format.
const trailerLen = 8

// CompressionLevel mirrors the teacher's package-level compression knob.
var CompressionLevel = flate.DefaultCompression

// Compress deflates src and appends the checksum/size trailer. Used by test
// fixtures and objectio's synthetic object writer to build block bytes at
// rest.
func Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, CompressionLevel)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	out := buf.Bytes()
	var trailer [trailerLen]byte
	binary.BigEndian.PutUint32(trailer[0:4], adler32.Checksum(src))
	binary.BigEndian.PutUint32(trailer[4:8], uint32(len(src)))
	return append(out, trailer[:]...), nil
}

// Decompress reverses Compress, validating the checksum and size against
// the trailer before returning the inflated bytes.
func Decompress(stored []byte) ([]byte, error) {
	if len(stored) < trailerLen {
		return nil, fmt.Errorf("blockcache: block shorter than trailer (%d bytes)", len(stored))
	}
	body, trailer := stored[:len(stored)-trailerLen], stored[len(stored)-trailerLen:]
	wantChecksum := binary.BigEndian.Uint32(trailer[0:4])
	wantSize := binary.BigEndian.Uint32(trailer[4:8])

	r := flate.NewReader(bytes.NewReader(body))
	defer r.Close()

	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blockcache: inflate: %w", err)
	}
	if uint32(len(data)) != wantSize {
		return nil, fmt.Errorf("blockcache: size mismatch: trailer=%d got=%d", wantSize, len(data))
	}
	if got := adler32.Checksum(data); got != wantChecksum {
		return nil, fmt.Errorf("blockcache: checksum mismatch: trailer=%#x got=%#x", wantChecksum, got)
	}
	return data, nil
}
