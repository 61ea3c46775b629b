package daemon

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/streamstore/internal/brokererr"
	"github.com/javi11/streamstore/internal/bytestream"
	"github.com/javi11/streamstore/internal/wire"
)

// fakeReply captures replies sent outside the request/response flow
// (blocked-reader wake-ups), standing in for the transport layer's conn.
type fakeReply struct {
	messages []wire.Message
}

func (f *fakeReply) WriteMessage(m wire.Message) { f.messages = append(f.messages, m) }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	return New(cfg, afero.NewOsFs(), nil)
}

func openWriter(t *testing.T, s *Server, name string, cap int64) *bytestream.Client {
	t.Helper()
	c, ack, err := s.HandleOpen(wire.Message{Tag: wire.TagOpen, Arg: int32(wire.ModeWriter), Size: cap, Name: name})
	require.NoError(t, err)
	c.ReplyTo = &fakeReply{}
	require.Equal(t, wire.TagAck, ack.Tag)
	return c
}

func openReader(t *testing.T, s *Server, name string, mode wire.Mode) (*bytestream.Client, wire.Message) {
	t.Helper()
	c, ack, err := s.HandleOpen(wire.Message{Tag: wire.TagOpen, Arg: int32(mode), Name: name})
	require.NoError(t, err)
	c.ReplyTo = &fakeReply{}
	return c, ack
}

func writeBytes(t *testing.T, s *Server, w *bytestream.Client, offset int64, n int64) wire.Message {
	t.Helper()
	ack, err := s.HandleRegionWrite(w, wire.Message{Tag: wire.TagRegion, Offset: offset, Size: n})
	require.NoError(t, err)
	copy(w.Region.Addr, make([]byte, n))
	require.NoError(t, s.HandleInform(w, wire.Message{Offset: offset + n}))
	return ack
}

func TestScenario1_SingleProducerSingleConsumerBounded(t *testing.T) {
	dir := t.TempDir() + "/stream"
	s := newTestServer(t, Config{MaxSegmentSize: 1 << 20})

	w := openWriter(t, s, dir, 4<<20)
	for i := 0; i < 16; i++ {
		writeBytes(t, s, w, int64(i)*4096, 4096)
	}
	s.HandleClose(w, 16*4096)
	s.Tick(time.Now())

	r, ack := openReader(t, s, dir, wire.ModeReader)
	assert.EqualValues(t, 0, ack.Offset)

	regionAck, err := s.HandleRegionRead(r, wire.Message{Offset: 0, Size: 64 * 1024})
	require.NoError(t, err)
	assert.EqualValues(t, 0, regionAck.Offset)
	assert.EqualValues(t, 64*1024, regionAck.Size)

	assert.Equal(t, int64(65536), s.Table().AllBytestreams()[0].Size())
}

func TestScenario2_Rollover(t *testing.T) {
	dir := t.TempDir() + "/stream"
	s := newTestServer(t, Config{MaxSegmentSize: 4096})

	w := openWriter(t, s, dir, 1<<30)
	var written int64
	for written < 10000 {
		chunk := int64(4096)
		if remInSeg := 4096 - (written % 4096); remInSeg < chunk {
			chunk = remInSeg
		}
		if written+chunk > 10000 {
			chunk = 10000 - written
		}
		writeBytes(t, s, w, written, chunk)
		written += chunk
	}
	s.HandleClose(w, written)
	s.Tick(time.Now())

	r, _ := openReader(t, s, dir, wire.ModeReader)
	b := s.Table().AllBytestreams()[0]
	segs := b.Segments.Segments()
	require.Len(t, segs, 3)
	assert.EqualValues(t, 4096, segs[0].Size)
	assert.EqualValues(t, 4096, segs[1].Size)
	assert.EqualValues(t, 1808, segs[2].Size)

	// Opening a reader attaches it to the first segment already, so two
	// SEEK NEXT calls walk through the remaining two; a third finds no
	// further neighbor.
	for i := 0; i < 2; i++ {
		_, err := s.HandleSeek(r, wire.Message{Arg: int32(wire.SeekNextSegment)})
		require.NoError(t, err)
	}
	_, err := s.HandleSeek(r, wire.Message{Arg: int32(wire.SeekNextSegment)})
	assert.Error(t, err)
}

func TestScenario3_BlockingReaderWakeup(t *testing.T) {
	dir := t.TempDir() + "/stream"
	s := newTestServer(t, Config{MaxSegmentSize: 1 << 20})

	w := openWriter(t, s, dir, 1<<20)
	writeBytes(t, s, w, 0, 100)

	r, _ := openReader(t, s, dir, wire.ModeReader)
	ack, err := s.HandleRegionRead(r, wire.Message{Offset: 0, Size: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 100, ack.Size)

	parked, err := s.HandleRegionRead(r, wire.Message{Offset: 100, Size: 100})
	require.NoError(t, err)
	assert.Equal(t, wire.Tag(0), parked.Tag)
	assert.True(t, r.Blocked)

	fr := r.ReplyTo.(*fakeReply)
	writeBytes(t, s, w, 100, 100)

	require.Len(t, fr.messages, 1)
	assert.EqualValues(t, 100, fr.messages[0].Size)
	assert.False(t, r.Blocked)
}

func TestScenario4_NonBlockingReaderEOF(t *testing.T) {
	dir := t.TempDir() + "/stream"
	s := newTestServer(t, Config{MaxSegmentSize: 1 << 20})

	w := openWriter(t, s, dir, 1<<20)
	writeBytes(t, s, w, 0, 100)

	r, _ := openReader(t, s, dir, wire.ModeReaderNoBlock)
	_, err := s.HandleRegionRead(r, wire.Message{Offset: 0, Size: 100})
	require.NoError(t, err)

	ack, err := s.HandleRegionRead(r, wire.Message{Offset: 100, Size: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 0, ack.Size)
}

func TestScenario5_CapDrivenDeletion(t *testing.T) {
	dir := t.TempDir() + "/stream"
	s := newTestServer(t, Config{MaxSegmentSize: 4096})

	w := openWriter(t, s, dir, 8<<10)
	for i := 0; i < 3; i++ {
		writeBytes(t, s, w, int64(i)*4096, 4096)
	}
	s.Tick(time.Now())

	b := s.Table().AllBytestreams()[0]
	assert.EqualValues(t, 8192, b.Size())
	assert.EqualValues(t, 4096, b.FirstSegmentOffset())

	s.HandleClose(w, 3*4096)

	r, ack := openReader(t, s, dir, wire.ModeReader)
	assert.EqualValues(t, 4096, ack.Offset)
	_ = r
}

func TestScenario6_WatchdogReap(t *testing.T) {
	dir := t.TempDir() + "/stream"
	s := newTestServer(t, Config{MaxSegmentSize: 1 << 20, DefaultClientTimeout: time.Millisecond})

	w := openWriter(t, s, dir, 1<<20)
	writeBytes(t, s, w, 0, 100)

	r, _ := openReader(t, s, dir, wire.ModeReader)
	s.ResetWatchdog(r, time.Now().Add(-time.Second))

	s.Tick(time.Now())

	_, ok := s.Table().Client(r.ID)
	assert.False(t, ok)
}

func TestOpenRejectsDuplicateWriter(t *testing.T) {
	dir := t.TempDir() + "/stream"
	s := newTestServer(t, Config{MaxSegmentSize: 1 << 20})
	openWriter(t, s, dir, 1<<20)

	_, _, err := s.HandleOpen(wire.Message{Arg: int32(wire.ModeWriter), Size: 1 << 20, Name: dir})
	require.Error(t, err)
}

func TestRegionWriteRejectsBehindCurrentRegion(t *testing.T) {
	dir := t.TempDir() + "/stream"
	s := newTestServer(t, Config{MaxSegmentSize: 1 << 20})
	w := openWriter(t, s, dir, 1<<20)
	writeBytes(t, s, w, 0, 500)
	writeBytes(t, s, w, 500, 100) // reserves ahead; current region base is now 500

	_, err := s.HandleRegionWrite(w, wire.Message{Offset: 100, Size: 10})
	assert.Error(t, err)
}

func TestRegionWriteRejectsGapPastCurrentRegion(t *testing.T) {
	dir := t.TempDir() + "/stream"
	s := newTestServer(t, Config{MaxSegmentSize: 1 << 20})
	w := openWriter(t, s, dir, 1<<20)
	writeBytes(t, s, w, 0, 100)

	_, err := s.HandleRegionWrite(w, wire.Message{Offset: 500, Size: 10})
	assert.Error(t, err)
}

func TestFreelistInvariantAfterFullLifecycle(t *testing.T) {
	dir := t.TempDir() + "/stream"
	s := newTestServer(t, Config{MaxSegmentSize: 4096})
	w := openWriter(t, s, dir, 1<<20)
	for i := 0; i < 5; i++ {
		writeBytes(t, s, w, int64(i)*1000, 1000)
	}
	s.HandleClose(w, 5000)
	s.Tick(time.Now())
	s.Pool().AssertAcyclic()
}

func TestOpenMissingStreamAsReaderFails(t *testing.T) {
	dir := t.TempDir() + "/missing"
	s := newTestServer(t, Config{MaxSegmentSize: 4096})
	_, _, err := s.HandleOpen(wire.Message{Arg: int32(wire.ModeReader), Name: dir})
	require.Error(t, err)
}

func TestScheduler_HardCapDetachesReaders(t *testing.T) {
	dir := t.TempDir() + "/stream"
	s := newTestServer(t, Config{MaxSegmentSize: 4096, HardCapRatio: 1.2})

	w := openWriter(t, s, dir, 8192)
	writeBytes(t, s, w, 0, 4096)
	writeBytes(t, s, w, 4096, 4096)
	s.Tick(time.Now()) // flush only; size == cap, no eviction yet

	b := s.Table().AllBytestreams()[0]
	oldest := b.Segments.Segments()[0]

	r, ack := openReader(t, s, dir, wire.ModeReader)
	require.EqualValues(t, oldest.Offset, ack.Offset)
	require.Len(t, b.ReadersOf(oldest), 1)

	// Push size past the hard cap (8192 * 1.2) while r still holds the
	// oldest segment open; enforceCap must forcibly detach it rather than
	// waiting for the reader to move on naturally.
	writeBytes(t, s, w, 8192, 4096)
	s.Tick(time.Now())

	assert.Nil(t, r.Segment)
	assert.Empty(t, b.ReadersOf(oldest))

	segs := b.Segments.Segments()
	require.Len(t, segs, 2)
	assert.NotEqual(t, oldest.Offset, segs[0].Offset)

	// The detached reader's next request for the deleted range gets NO_DATA.
	_, err := s.HandleRegionRead(r, wire.Message{Offset: oldest.Offset, Size: 1})
	assert.ErrorIs(t, err, brokererr.ErrNoData)
}

func TestBuildSnapshotReflectsLiveState(t *testing.T) {
	dir := t.TempDir() + "/stream"
	s := newTestServer(t, Config{MaxSegmentSize: 1 << 20})
	w := openWriter(t, s, dir, 1<<20)
	writeBytes(t, s, w, 0, 100)

	snap := s.buildSnapshot()
	require.Len(t, snap.Bytestreams, 1)
	assert.Equal(t, dir, snap.Bytestreams[0].Name)
	assert.True(t, snap.Bytestreams[0].HasWriter)
	assert.EqualValues(t, 100, snap.Bytestreams[0].SizeBytes)
}
