// Package helpers provides optional record-framing conveniences layered
// on top of the client stub. None of it is part of the storage
// contract: the broker itself is format-agnostic, but callers that
// adopt the {timestamp, size} record convention can use these helpers
// instead of hand-rolling the two-phase read.
package helpers

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the on-disk size of Header: an 8-byte timestamp
// followed by a 4-byte record length, little-endian.
const HeaderSize = 12

// Header is the opaque per-record framing a stream's writer is assumed
// to have prefixed each record with, if it wants seek_to_timestamp or
// ReadRecord to work.
type Header struct {
	Timestamp int64
	Size      int32
}

// DecodeHeader parses a Header from the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("helpers: short record header: %d bytes", len(buf))
	}
	return Header{
		Timestamp: int64(binary.LittleEndian.Uint64(buf[0:8])),
		Size:      int32(binary.LittleEndian.Uint32(buf[8:12])),
	}, nil
}

// EncodeHeader serializes h, for use by a writer adopting the same
// convention.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Timestamp))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Size))
	return buf
}

// mapper is the subset of *client.Stub that record helpers need; kept
// narrow so this package never imports client and creates a cycle.
type mapper interface {
	Map(offset, size int64) ([]byte, int64, error)
}

// ReadRecord performs the csgetrec-style two-phase read: map just the
// header at offset, decode it, then re-map to cover the full record
// (header + payload) in one extra round-trip only when the first
// mapping didn't already cover it.
func ReadRecord(m mapper, offset int64) (Header, []byte, error) {
	head, granted, err := m.Map(offset, HeaderSize)
	if err != nil {
		return Header{}, nil, err
	}
	if granted < HeaderSize {
		return Header{}, nil, fmt.Errorf("helpers: EOF reading record header at %d", offset)
	}
	hdr, err := DecodeHeader(head)
	if err != nil {
		return Header{}, nil, err
	}

	total := int64(HeaderSize) + int64(hdr.Size)
	if granted >= total {
		return hdr, head[HeaderSize:total], nil
	}

	full, granted, err := m.Map(offset, total)
	if err != nil {
		return Header{}, nil, err
	}
	if granted < total {
		return Header{}, nil, fmt.Errorf("helpers: EOF reading record payload at %d", offset)
	}
	return hdr, full[HeaderSize:total], nil
}
