// Package client implements the stub linked into producer/consumer
// processes: an mmap-like open/map/commit/seek/close API that hides the
// IPC round-trips with the storage daemon from callers.
package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sys/unix"

	"github.com/javi11/streamstore/internal/brokererr"
	"github.com/javi11/streamstore/internal/client/helpers"
	"github.com/javi11/streamstore/internal/regionpool"
	"github.com/javi11/streamstore/internal/wire"
)

// DefaultOptimalMapSize mirrors OPTIMAL_MAP_SIZE: small read requests
// are inflated up to this size to amortize IPC round-trips.
const DefaultOptimalMapSize = 1 << 20

// Stub is one open handle: its connection to the daemon, the currently
// mapped region, the currently attached segment's local fd, and (for
// readers) a read cursor.
type Stub struct {
	conn net.Conn
	id   int32
	mode wire.Mode
	name string

	segBase int64
	segFD   *os.File

	region      []byte
	regionBase  int64 // stream offset the caller asked to map; regionSlack bytes of region precede it
	regionSlack int64
	regionLen   int64

	cursor int64 // read_next's internal cursor

	optimalMapSize int64
}

// Options configures Open.
type Options struct {
	OptimalMapSize int64
	DialTimeout    time.Duration
	DialAttempts   uint
}

func (o Options) withDefaults() Options {
	if o.OptimalMapSize == 0 {
		o.OptimalMapSize = DefaultOptimalMapSize
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.DialAttempts == 0 {
		o.DialAttempts = 3
	}
	return o
}

// Dial connects to the daemon's IPC socket with retry/backoff, since a
// freshly-started daemon may not have its listener up yet.
func Dial(ctx context.Context, network, address string, opts Options) (net.Conn, error) {
	opts = opts.withDefaults()
	var conn net.Conn
	err := retry.Do(
		func() error {
			c, err := net.DialTimeout(network, address, opts.DialTimeout)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(opts.DialAttempts),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("client: dialing %s %s: %w", network, address, err)
	}
	return conn, nil
}

// Open sends OPEN and returns a ready Stub.
func Open(conn net.Conn, name string, mode wire.Mode, sizeCap int64, opts Options) (*Stub, error) {
	opts = opts.withDefaults()
	req := wire.Message{Tag: wire.TagOpen, Arg: int32(mode), Size: sizeCap, Name: name}
	if err := req.Encode(conn); err != nil {
		return nil, fmt.Errorf("client: sending OPEN: %w", err)
	}
	resp, err := wire.Decode(conn)
	if err != nil {
		return nil, fmt.Errorf("client: reading OPEN reply: %w", err)
	}
	if resp.Tag == wire.TagError {
		return nil, brokererr.New(errnoToKind(resp.Arg), "OPEN rejected")
	}

	return &Stub{
		conn:           conn,
		id:             resp.ID,
		mode:           mode,
		name:           name,
		segBase:        resp.Offset,
		cursor:         resp.Offset,
		optimalMapSize: opts.OptimalMapSize,
	}, nil
}

// errnoToKind maps a wire errno back to a brokererr.Kind for client-side
// error reporting; it is a best-effort inverse of Kind.Errno.
func errnoToKind(errno int32) brokererr.Kind {
	switch errno {
	case brokererr.KindTooMany.Errno():
		return brokererr.KindTooMany
	case brokererr.KindDuplicateWriter.Errno():
		return brokererr.KindDuplicateWriter
	case brokererr.KindNoData.Errno():
		return brokererr.KindNoData
	default:
		return brokererr.KindInvalidArg
	}
}

// inCurrentRegion reports whether [offset, offset+size) lies strictly
// inside the currently mapped region, the fast path that needs no IPC.
func (s *Stub) inCurrentRegion(offset, size int64) bool {
	if s.region == nil {
		return false
	}
	return offset >= s.regionBase && offset+size <= s.regionBase+s.regionLen
}

// Map returns a pointer (as a byte slice view) into the region covering
// offset for up to size bytes, and the size actually granted. It takes
// the fast path when possible; otherwise it performs a REGION round-trip.
func (s *Stub) Map(offset, size int64) ([]byte, int64, error) {
	if s.inCurrentRegion(offset, size) {
		start := offset - s.regionBase + s.regionSlack
		return s.region[start : start+size], size, nil
	}

	if size < s.optimalMapSize && s.mode != wire.ModeWriter {
		size = s.optimalMapSize
	}

	req := wire.Message{Tag: wire.TagRegion, ID: s.id, Offset: offset, Size: size}
	if err := req.Encode(s.conn); err != nil {
		return nil, 0, fmt.Errorf("client: sending REGION: %w", err)
	}
	resp, err := wire.Decode(s.conn)
	if err != nil {
		return nil, 0, fmt.Errorf("client: reading REGION reply: %w", err)
	}
	if resp.Tag == wire.TagError {
		return nil, 0, brokererr.New(errnoToKind(resp.Arg), "REGION rejected")
	}
	if resp.Size == 0 {
		return nil, 0, nil // EOF
	}

	if resp.Offset != s.segBase || s.segFD == nil {
		if err := s.switchSegment(resp.Offset); err != nil {
			return nil, 0, err
		}
	}

	if err := s.remap(offset, resp.Size); err != nil {
		return nil, 0, err
	}

	start := s.regionSlack
	return s.region[start : start+resp.Size], resp.Size, nil
}

// switchSegment closes the old segment fd (if any) and opens the new
// one locally; clients open their own fd per segment, never sharing one
// with the daemon's reader fd.
func (s *Stub) switchSegment(newBase int64) error {
	if s.segFD != nil {
		_ = s.segFD.Close()
		s.segFD = nil
	}
	path := segmentPath(s.name, newBase)
	flag := os.O_RDONLY
	if s.mode == wire.ModeWriter {
		flag = os.O_RDWR // remap maps writer regions PROT_WRITE
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return fmt.Errorf("client: opening segment %s: %w", path, err)
	}
	s.segFD = f
	s.segBase = newBase
	return nil
}

// remap unmaps the current region (if any) and mmaps a fresh one at
// offset, page-aligning identically to the server so the two sides'
// windows over the same bytes line up.
func (s *Stub) remap(offset, size int64) error {
	s.unmapCurrent()

	fileOff := offset - s.segBase
	aligned := regionpool.AlignDown(fileOff)
	slack := fileOff - aligned
	mapLen := int(slack + size)

	prot := unix.PROT_READ
	if s.mode == wire.ModeWriter {
		prot = unix.PROT_WRITE
	}

	addr, err := unix.Mmap(int(s.segFD.Fd()), aligned, mapLen, prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("client: mmap failed: %w", err)
	}
	s.region = addr
	s.regionBase = offset
	s.regionSlack = slack
	s.regionLen = size
	return nil
}

func (s *Stub) unmapCurrent() {
	if s.region == nil {
		return
	}
	_ = unix.Munmap(s.region)
	s.region = nil
}

// Commit sends INFORM (fire-and-forget) if offset lies in the currently
// mapped writer region; it never blocks on a reply.
func (s *Stub) Commit(offset int64) error {
	if s.mode != wire.ModeWriter {
		return brokererr.ErrInvalidArg
	}
	if s.region == nil || offset < s.regionBase || offset > s.regionBase+s.regionLen {
		return nil
	}
	req := wire.Message{Tag: wire.TagInform, ID: s.id, Offset: offset}
	if err := req.Encode(s.conn); err != nil {
		return fmt.Errorf("client: sending INFORM: %w", err)
	}
	return nil
}

// Seek sends SEEK and, on success, drops the current mapping and fd.
func (s *Stub) Seek(forward bool) (int64, error) {
	dir := wire.SeekNextSegment
	if !forward {
		dir = wire.SeekPrevSegment
	}
	req := wire.Message{Tag: wire.TagSeek, ID: s.id, Arg: int32(dir)}
	if err := req.Encode(s.conn); err != nil {
		return 0, fmt.Errorf("client: sending SEEK: %w", err)
	}
	resp, err := wire.Decode(s.conn)
	if err != nil {
		return 0, fmt.Errorf("client: reading SEEK reply: %w", err)
	}
	if resp.Tag == wire.TagError {
		return 0, brokererr.New(errnoToKind(resp.Arg), "SEEK rejected")
	}

	s.unmapCurrent()
	if s.segFD != nil {
		_ = s.segFD.Close()
		s.segFD = nil
	}
	s.segBase = resp.Offset
	s.cursor = resp.Offset
	return resp.Offset, nil
}

// ReadNext is a helper built on Map using the stub's internal read
// cursor; it returns the mapped bytes and advances the cursor by the
// granted size.
func (s *Stub) ReadNext(size int64) ([]byte, int64, error) {
	data, granted, err := s.Map(s.cursor, size)
	if err != nil {
		return nil, 0, err
	}
	s.cursor += granted
	return data, granted, nil
}

// Close unmaps, closes the local fd, sends CLOSE, and invalidates the
// stub. lastValidOffset is meaningful for a writer only.
func (s *Stub) Close(lastValidOffset int64) error {
	s.unmapCurrent()
	if s.segFD != nil {
		_ = s.segFD.Close()
		s.segFD = nil
	}
	req := wire.Message{Tag: wire.TagClose, ID: s.id, Offset: lastValidOffset}
	if err := req.Encode(s.conn); err != nil {
		return fmt.Errorf("client: sending CLOSE: %w", err)
	}
	return s.conn.Close()
}

// CurrentOffset returns the stub's read cursor without a round-trip,
// the csgetofs-equivalent accessor: convenient for a caller building
// its own resumable cursor (e.g. across a restart).
func (s *Stub) CurrentOffset() int64 {
	return s.cursor
}

// SeekToTimestamp locates the start of the first record at or after ts,
// assuming the stream's writer prefixes every record with a
// {timestamp int64, size int32} header (see internal/client/helpers).
// It mirrors the original csseek_ts: a coarse linear walk segment by
// segment comparing each segment's first record's timestamp against ts
// (since the stub can only step to the neighboring segment, not seek
// randomly), then a fine linear scan of records inside the winning
// segment. A record with a zero timestamp means lost sync; the scanner
// skips to the next segment and resumes there. It leaves the cursor
// positioned at the matching record and returns its offset. This is a
// client-stub-only convenience: the storage contract itself has no
// notion of record framing.
func (s *Stub) SeekToTimestamp(ts int64) (int64, error) {
	offset, err := s.findSegmentByFirstTimestamp(ts)
	if err != nil {
		return 0, err
	}
	return s.scanSegmentForTimestamp(offset, ts)
}

// findSegmentByFirstTimestamp walks segment-to-segment, mapping just
// the first record of each, until it finds the segment whose first
// timestamp is the greatest one still <= ts. Segment timestamps only
// increase with offset, so once the current segment's first timestamp
// is known to be below or above ts, the walk commits to one direction
// (forward or backward) and stops the moment it would overshoot, or
// when SEEK reports there is no further segment that way.
func (s *Stub) findSegmentByFirstTimestamp(ts int64) (int64, error) {
	offset := s.segBase
	firstTS, empty, err := s.peekFirstTimestamp(offset)
	if err != nil {
		return 0, err
	}
	if empty {
		// Freshly rolled-over segment, no records yet: back up one and
		// use that as the starting point.
		if prev, err := s.Seek(false); err == nil {
			return prev, nil
		}
		return offset, nil
	}

	if firstTS < ts {
		for {
			next, err := s.Seek(true)
			if err != nil {
				return offset, nil // no later segment; this is the last one
			}
			nextTS, empty, err := s.peekFirstTimestamp(next)
			if err != nil {
				return 0, err
			}
			if empty || nextTS > ts {
				_, _ = s.Seek(false) // overshot (or hit an empty tail segment); back up
				return offset, nil
			}
			offset = next
		}
	}

	for firstTS > ts {
		prev, err := s.Seek(false)
		if err != nil {
			return offset, nil // no earlier segment; this is the earliest one
		}
		offset = prev
		firstTS, empty, err = s.peekFirstTimestamp(offset)
		if err != nil {
			return 0, err
		}
		if empty {
			break
		}
	}
	return offset, nil
}

// peekFirstTimestamp maps just the header of the record at offset and
// reports its timestamp, or empty=true if the segment has no records
// yet (a just-created, still-empty rollover target).
func (s *Stub) peekFirstTimestamp(offset int64) (ts int64, empty bool, err error) {
	head, granted, err := s.Map(offset, helpers.HeaderSize)
	if err != nil {
		return 0, false, err
	}
	if granted == 0 {
		return 0, true, nil
	}
	if granted < helpers.HeaderSize {
		return 0, false, brokererr.ErrNoData
	}
	hdr, err := helpers.DecodeHeader(head)
	if err != nil {
		return 0, false, err
	}
	return hdr.Timestamp, false, nil
}

// scanSegmentForTimestamp linearly scans records starting at offset
// (the base of the segment findSegmentByFirstTimestamp chose) until it
// finds one with timestamp >= ts, skipping forward a whole segment
// whenever it hits the zero-timestamp lost-sync sentinel.
func (s *Stub) scanSegmentForTimestamp(offset, ts int64) (int64, error) {
	for {
		head, granted, err := s.Map(offset, helpers.HeaderSize)
		if err != nil {
			return 0, err
		}
		if granted < helpers.HeaderSize {
			return 0, brokererr.ErrNoData
		}
		hdr, err := helpers.DecodeHeader(head)
		if err != nil {
			return 0, err
		}

		if hdr.Timestamp == 0 {
			next, err := s.Seek(true)
			if err != nil {
				return 0, brokererr.ErrNoData
			}
			offset = next
			continue
		}
		if hdr.Timestamp >= ts {
			s.cursor = offset
			return offset, nil
		}
		offset += int64(helpers.HeaderSize) + int64(hdr.Size)
	}
}

// segmentPath mirrors the daemon's segment filename convention so the
// client can open its own local fd for a segment by offset.
func segmentPath(streamDir string, offset int64) string {
	return fmt.Sprintf("%s/%016x", streamDir, offset)
}
