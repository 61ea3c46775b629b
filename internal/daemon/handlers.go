package daemon

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/javi11/streamstore/internal/brokererr"
	"github.com/javi11/streamstore/internal/bytestream"
	"github.com/javi11/streamstore/internal/regionpool"
	"github.com/javi11/streamstore/internal/wire"
)

// HandleOpen implements the OPEN request: look up or construct the named
// bytestream, reject a second writer, allocate a client ID, and reply
// with the offset the caller should start from.
func (s *Server) HandleOpen(req wire.Message) (*bytestream.Client, wire.Message, error) {
	mode := wire.Mode(req.Arg)
	isWriter := mode == wire.ModeWriter

	b, err := s.openOrCreateBytestream(req.Name, isWriter, req.Size)
	if err != nil {
		return nil, wire.Message{}, err
	}

	if isWriter && b.Writer != nil {
		return nil, wire.Message{}, brokererr.ErrDuplicateWriter
	}

	c, ok := s.table.AllocClient()
	if !ok {
		return nil, wire.Message{}, brokererr.ErrTooMany
	}
	c.Mode = mode
	b.AttachClient(c)

	if isWriter {
		s.flushWriteBuffer(b) // drain any residual write-buffer before attaching, per OPEN's contract
		b.Writer = c
		b.SizeCap = req.Size

		end := endOffset(b)
		if _, err := b.Segments.CreateSegment(end); err != nil {
			s.fatalf("creating initial writer segment for %s at %x: %v", b.Name, end, err)
		}

		c.WriterRegionBase = end
		c.WriterRegionSize = 0

		ack := wire.Message{Tag: wire.TagAck, ID: int32(c.ID), Offset: end, Size: 0}
		return c, ack, nil
	}

	if first := b.Segments.Find(b.FirstSegmentOffset()); first != nil {
		c.Segment = first
		b.AttachReader(first, c)
	}

	ack := wire.Message{Tag: wire.TagAck, ID: int32(c.ID), Offset: b.FirstSegmentOffset(), Size: 0}
	return c, ack, nil
}

// HandleRegionRead implements the read-path REGION decision table.
func (s *Server) HandleRegionRead(c *bytestream.Client, req wire.Message) (wire.Message, error) {
	b := c.Bytestream
	hasData := len(b.Segments.Segments()) > 0
	hasWriter := b.Writer != nil

	switch {
	case !hasData && !hasWriter:
		return ackEOF(c), nil

	case !hasData && hasWriter:
		s.fatalf("reader request on %s found no data but a live writer; impossible per decision table", b.Name)
		panic("unreachable")

	case hasData && req.Offset < b.FirstSegmentOffset():
		return wire.Message{}, brokererr.ErrNoData

	case hasData && !hasWriter && req.Offset >= b.Size()+b.FirstSegmentOffset():
		return ackEOF(c), nil

	case hasData && hasWriter && req.Offset >= endOffset(b):
		if c.Mode == wire.ModeReaderNoBlock {
			return ackEOF(c), nil
		}
		b.Enqueue(c, req)
		return wire.Message{}, nil // no reply; client is parked

	default:
		return s.mapReaderRegion(c, req)
	}
}

// endOffset is the bytestream-relative offset one past the last
// committed byte.
func endOffset(b *bytestream.Bytestream) int64 {
	return b.FirstSegmentOffset() + b.Size()
}

func ackEOF(c *bytestream.Client) wire.Message {
	return wire.Message{Tag: wire.TagAck, ID: int32(c.ID), Offset: 0, Size: 0}
}

// mapReaderRegion finds the containing segment, clamps the requested
// size so the mapping never crosses a segment boundary, mmaps it
// read-only, and links the region to the client.
func (s *Server) mapReaderRegion(c *bytestream.Client, req wire.Message) (wire.Message, error) {
	b := c.Bytestream
	seg := b.Segments.Find(req.Offset)
	if seg == nil {
		return wire.Message{}, brokererr.ErrNoData
	}

	s.unmapClientRegion(c)

	granted := req.Size
	if maxInSeg := seg.End() - req.Offset; granted > maxInSeg {
		granted = maxInSeg
	}

	fd, err := b.Segments.ReaderFD(seg)
	if err != nil {
		s.fatalf("opening reader fd for segment at %x in %s: %v", seg.Offset, b.Name, err)
	}

	r := s.pool.Alloc()
	if err := regionpool.Map(r, int(fd.Fd()), req.Offset-seg.Offset, int(granted), unix.PROT_READ, unix.MAP_SHARED); err != nil {
		s.fatalf("mmap failed for reader region in %s: %v", b.Name, err)
	}
	r.Owner = regionpool.OwnerClient
	r.SegmentPath = seg.Path("")

	c.Region = r
	if c.Segment != seg {
		if c.Segment != nil {
			b.DetachReader(c.Segment, c)
			b.Segments.ReleaseReaderFD(c.Segment)
		}
		c.Segment = seg
		b.AttachReader(seg, c)
	}

	return wire.Message{Tag: wire.TagAck, ID: int32(c.ID), Offset: seg.Offset, Size: granted}, nil
}

// unmapClientRegion releases any region this client currently holds,
// back to the pool freelist immediately (reader regions are released
// right away, unlike writer regions which go through the write-buffer).
func (s *Server) unmapClientRegion(c *bytestream.Client) {
	if c.Region == nil {
		return
	}
	if err := regionpool.Unmap(c.Region); err != nil {
		s.fatalf("munmap failed for client %d: %v", c.ID, err)
	}
	s.pool.Free(c.Region)
	c.Region = nil
}

// HandleRegionWrite implements the write-path REGION request: bounds
// checking, rollover, file extension, and mapping.
func (s *Server) HandleRegionWrite(c *bytestream.Client, req wire.Message) (wire.Message, error) {
	b := c.Bytestream
	seg := b.Segments.Newest()
	if seg == nil {
		s.fatalf("writer on %s has no current segment", b.Name)
	}

	if req.Offset < c.WriterRegionBase {
		return wire.Message{}, brokererr.ErrInvalidArg
	}
	if req.Offset > c.WriterRegionBase+c.WriterRegionSize {
		return wire.Message{}, brokererr.ErrInvalidArg
	}
	// A new REGION request commits everything before its offset.
	if committed := req.Offset - seg.Offset; committed > seg.Size {
		seg.Size = committed
	}

	wantEnd := req.Offset + req.Size
	needsRollover := wantEnd-seg.Offset > s.cfg.MaxSegmentSize

	// The outgoing writer fd must be claimed before CreateSegment runs,
	// since rollover hands it to the scheduler rather than closing it here.
	var outgoingFD *segmentWriterFile
	if needsRollover {
		f, err := b.Segments.WriterFD(seg)
		if err != nil {
			s.fatalf("opening writer fd for %s: %v", b.Name, err)
		}
		outgoingFD = &segmentWriterFile{file: f, path: seg.Path(b.Name), size: seg.Size}
		b.Segments.DetachWriterFD()
	}

	if c.Region != nil {
		s.stashWriterRegion(b, c, outgoingFD)
	}

	if needsRollover {
		var err error
		seg, err = b.Segments.CreateSegment(req.Offset)
		if err != nil {
			s.fatalf("creating rollover segment for %s at %x: %v", b.Name, req.Offset, err)
		}
	}

	f, err := b.Segments.WriterFD(seg)
	if err != nil {
		s.fatalf("opening writer fd for %s: %v", b.Name, err)
	}
	info, err := f.Stat()
	if err != nil {
		s.fatalf("stat of segment file for %s: %v", b.Name, err)
	}
	have := info.Size()
	want := req.Offset + req.Size - seg.Offset
	if err := b.Segments.Extend(f, have, want); err != nil {
		s.fatalf("extending segment file for %s: %v", b.Name, err)
	}

	r := s.pool.Alloc()
	if err := regionpool.Map(r, int(f.Fd()), req.Offset-seg.Offset, int(req.Size), unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		s.fatalf("mmap failed for writer region in %s: %v", b.Name, err)
	}
	r.Owner = regionpool.OwnerClient
	c.Region = r
	c.WriterRegionBase = req.Offset
	c.WriterRegionSize = req.Size

	s.wakeBlocked(b)

	return wire.Message{Tag: wire.TagAck, ID: int32(c.ID), Offset: seg.Offset, Size: req.Size}, nil
}

// segmentWriterFile captures the outgoing writer fd and the truncation
// target the scheduler needs once it unmaps the stashed region, decoupled
// from segment.Manager so the manager's own writer-fd field is free to
// point at the new segment the moment rollover creates one.
type segmentWriterFile struct {
	file *os.File
	path string
	size int64
}

// stashWriterRegion moves the client's current writer region into the
// bytestream's write-buffer for the scheduler to unmap (and, if
// outgoing is non-nil, close that writer fd and truncate its segment).
func (s *Server) stashWriterRegion(b *bytestream.Bytestream, c *bytestream.Client, outgoing *segmentWriterFile) {
	r := c.Region
	r.Owner = regionpool.OwnerWriteBuffer
	if outgoing != nil {
		r.Close = regionpool.CloseAction{
			CloseWriterFd: true,
			WriterFile:    outgoing.file,
			SegmentPath:   outgoing.path,
			TruncateSize:  outgoing.size,
		}
	}
	b.WriteBuffer = append(b.WriteBuffer, r)
	c.Region = nil
	c.WriterRegionSize = 0
}
