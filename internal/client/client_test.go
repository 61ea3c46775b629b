package client

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/streamstore/internal/client/helpers"
	"github.com/javi11/streamstore/internal/wire"
)

func helpersEncodeHeader(dst []byte, ts int64, size int32) {
	copy(dst, helpers.EncodeHeader(helpers.Header{Timestamp: ts, Size: size}))
}

// fakeServerConn is a minimal stand-in for the daemon side of the
// connection: it decodes one request and replies with a scripted
// message, enough to exercise the stub's encode/decode plumbing without
// spinning up a real daemon.
type fakeServerConn struct {
	net.Conn
	replies []wire.Message
	sent    []wire.Message
}

func newFakePipe(t *testing.T, replies []wire.Message) (net.Conn, *fakeServerConn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	fc := &fakeServerConn{Conn: serverSide, replies: replies}
	go func() {
		for _, reply := range fc.replies {
			req, err := wire.Decode(serverSide)
			if err != nil {
				return
			}
			fc.sent = append(fc.sent, req)
			if err := reply.Encode(serverSide); err != nil {
				return
			}
		}
	}()
	return clientSide, fc
}

func TestOpenSendsRequestAndParsesAck(t *testing.T) {
	conn, fc := newFakePipe(t, []wire.Message{
		{Tag: wire.TagAck, ID: 7, Offset: 1234},
	})
	defer conn.Close()

	s, err := Open(conn, "/tmp/stream", wire.ModeReader, 0, Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 7, s.id)
	assert.EqualValues(t, 1234, s.segBase)

	require.Len(t, fc.sent, 1)
	assert.Equal(t, wire.TagOpen, fc.sent[0].Tag)
	assert.Equal(t, "/tmp/stream", fc.sent[0].Name)
}

func TestOpenPropagatesProtocolError(t *testing.T) {
	conn, _ := newFakePipe(t, []wire.Message{
		{Tag: wire.TagError, Arg: 1},
	})
	defer conn.Close()

	_, err := Open(conn, "/tmp/stream", wire.ModeWriter, 0, Options{})
	assert.Error(t, err)
}

func TestMapFastPathAvoidsRoundTrip(t *testing.T) {
	s := &Stub{
		region:      make([]byte, 4096),
		regionBase:  0,
		regionSlack: 0,
		regionLen:   4096,
		optimalMapSize: DefaultOptimalMapSize,
	}
	data, n, err := s.Map(100, 50)
	require.NoError(t, err)
	assert.EqualValues(t, 50, n)
	assert.Len(t, data, 50)
}

func TestReadNextAdvancesCursor(t *testing.T) {
	s := &Stub{
		region:         make([]byte, 4096),
		regionBase:     0,
		regionSlack:    0,
		regionLen:      4096,
		cursor:         0,
		optimalMapSize: DefaultOptimalMapSize,
	}
	_, n, err := s.ReadNext(100)
	require.NoError(t, err)
	assert.EqualValues(t, 100, n)
	assert.EqualValues(t, 100, s.cursor)
}

func TestSegmentPathMatchesNameFormat(t *testing.T) {
	got := segmentPath("/tmp/stream", 0x1000)
	want := filepath.Join("/tmp/stream", "0000000000001000")
	assert.Equal(t, want, got)
}

func TestCommitRejectsNonWriter(t *testing.T) {
	conn, _ := newFakePipe(t, nil)
	defer conn.Close()
	s := &Stub{conn: conn, mode: wire.ModeReader}
	err := s.Commit(10)
	assert.Error(t, err)
}

func TestCurrentOffsetReturnsCursorWithoutRoundTrip(t *testing.T) {
	s := &Stub{cursor: 4096}
	assert.EqualValues(t, 4096, s.CurrentOffset())
}

// singleSegmentRegion builds a region with two back-to-back records
// (ts=10 then ts=20, 4-byte payloads) starting at offset 0.
func singleSegmentRegion() []byte {
	region := make([]byte, 256)
	helpersEncodeHeader(region[0:], 10, 4)
	helpersEncodeHeader(region[16:], 20, 4)
	return region
}

func TestSeekToTimestampFindsMatchingRecordWithinOneSegment(t *testing.T) {
	// A lone segment: the coarse search's forward SEEK attempt (taken
	// because the segment's first record's timestamp 10 < 20) fails
	// because there is no next segment, leaving the fine scan to run
	// over the records already mapped.
	conn, _ := newFakePipe(t, []wire.Message{
		{Tag: wire.TagError, Arg: 1},
	})
	defer conn.Close()

	s := &Stub{
		conn:           conn,
		region:         singleSegmentRegion(),
		regionBase:     0,
		regionSlack:    0,
		regionLen:      256,
		optimalMapSize: DefaultOptimalMapSize,
	}
	off, err := s.SeekToTimestamp(20)
	require.NoError(t, err)
	assert.EqualValues(t, 16, off)
	assert.EqualValues(t, 16, s.cursor)
}

// writeSegmentFile writes a page-sized segment file at dir/<offset, as
// %016x> whose only record starts at its first byte.
func writeSegmentFile(t *testing.T, dir string, offset int64, ts int64, payload []byte) {
	t.Helper()
	buf := make([]byte, 4096)
	copy(buf, helpers.EncodeHeader(helpers.Header{Timestamp: ts, Size: int32(len(payload))}))
	copy(buf[helpers.HeaderSize:], payload)
	require.NoError(t, os.WriteFile(segmentPath(dir, offset), buf, 0o644))
}

func TestSeekToTimestampWalksForwardToLaterSegment(t *testing.T) {
	// Segment 0's only record has ts=10, below the target (50); the
	// coarse search must step forward into segment 0x1000 (ts=50, an
	// exact match) and stop there rather than overshooting further.
	dir := t.TempDir()
	writeSegmentFile(t, dir, 0x1000, 50, []byte("abcd"))

	conn, _ := newFakePipe(t, []wire.Message{
		{Tag: wire.TagAck, ID: 1, Offset: 0x1000},                        // SEEK next: segment 0 -> 0x1000
		{Tag: wire.TagAck, ID: 1, Offset: 0x1000, Size: helpers.HeaderSize}, // REGION: peek 0x1000's first record
		{Tag: wire.TagError, Arg: 1},                                      // SEEK next: no segment past 0x1000
	})
	defer conn.Close()

	region := make([]byte, 64)
	helpersEncodeHeader(region[0:], 10, 4)

	s := &Stub{
		conn:           conn,
		id:             1,
		name:           dir,
		region:         region,
		regionBase:     0,
		regionSlack:    0,
		regionLen:      64,
		segBase:        0,
		optimalMapSize: DefaultOptimalMapSize,
	}
	off, err := s.findSegmentByFirstTimestamp(50)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, off)
	assert.EqualValues(t, 0x1000, s.segBase)
}

func TestSeekToTimestampWalksBackwardPastLaterSegment(t *testing.T) {
	// Current segment's first record (ts=100) is already past the
	// target (50); the coarse search must step backward to segment 0
	// (ts=10, <= target) and stop there.
	dir := t.TempDir()
	writeSegmentFile(t, dir, 0, 10, []byte("abcd"))

	conn, _ := newFakePipe(t, []wire.Message{
		{Tag: wire.TagAck, ID: 1, Offset: 0},                        // SEEK prev: segment 0x1000 -> 0
		{Tag: wire.TagAck, ID: 1, Offset: 0, Size: helpers.HeaderSize}, // REGION: peek segment 0's first record
	})
	defer conn.Close()

	region := make([]byte, 64)
	helpersEncodeHeader(region[0:], 100, 4)

	s := &Stub{
		conn:           conn,
		id:             1,
		name:           dir,
		region:         region,
		regionBase:     0x1000,
		regionSlack:    0,
		regionLen:      64,
		segBase:        0x1000,
		optimalMapSize: DefaultOptimalMapSize,
	}
	off, err := s.findSegmentByFirstTimestamp(50)
	require.NoError(t, err)
	assert.EqualValues(t, 0, off)
	assert.EqualValues(t, 0, s.segBase)
}

func TestSeekToTimestampSkipsLostSyncSegment(t *testing.T) {
	// The fine scan's first record reads back a zero timestamp (lost
	// sync); it must hop to the next segment via SEEK rather than loop
	// forever on it, then find the match in the segment it lands on.
	dir := t.TempDir()
	writeSegmentFile(t, dir, 0x2000, 5, []byte("abcd"))

	conn, _ := newFakePipe(t, []wire.Message{
		{Tag: wire.TagAck, ID: 1, Offset: 0x2000},                         // SEEK next after lost sync
		{Tag: wire.TagAck, ID: 1, Offset: 0x2000, Size: helpers.HeaderSize}, // REGION: scan 0x2000's first record
	})
	defer conn.Close()

	region := make([]byte, 32)
	helpersEncodeHeader(region[0:], 0, 8) // lost-sync sentinel record

	s := &Stub{
		conn:           conn,
		id:             1,
		name:           dir,
		region:         region,
		regionBase:     0,
		regionSlack:    0,
		regionLen:      32,
		optimalMapSize: DefaultOptimalMapSize,
	}
	off, err := s.scanSegmentForTimestamp(0, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 0x2000, off)
	assert.EqualValues(t, 0x2000, s.cursor)
}

func TestSwitchSegmentOpensNewFD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0000000000000000")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	s := &Stub{name: dir}
	require.NoError(t, s.switchSegment(0))
	require.NotNil(t, s.segFD)
	defer s.segFD.Close()
	assert.EqualValues(t, 0, s.segBase)
}
