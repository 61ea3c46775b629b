package daemon

import (
	"errors"
	"time"

	"github.com/javi11/streamstore/internal/brokererr"
	"github.com/javi11/streamstore/internal/bytestream"
	"github.com/javi11/streamstore/internal/wire"
)

// HandleSeek implements SEEK: reader-only, walks to the neighboring
// segment in the requested direction.
func (s *Server) HandleSeek(c *bytestream.Client, req wire.Message) (wire.Message, error) {
	b := c.Bytestream
	if b.Writer == c {
		return wire.Message{}, brokererr.ErrInvalidArg
	}
	if c.Segment == nil {
		return wire.Message{}, brokererr.ErrInvalidArg
	}

	forward := wire.SeekDirection(req.Arg) == wire.SeekNextSegment
	next := b.Segments.Neighbor(c.Segment, forward)
	if next == nil {
		return wire.Message{}, brokererr.ErrNoData
	}

	s.unmapClientRegion(c)
	b.DetachReader(c.Segment, c)
	b.Segments.ReleaseReaderFD(c.Segment)
	c.Segment = next
	b.AttachReader(next, c)

	return wire.Message{Tag: wire.TagAck, ID: int32(c.ID), Offset: next.Offset, Size: 0}, nil
}

// HandleInform implements INFORM: the writer announces progress without
// a full REGION round-trip; the daemon updates committed sizes and wakes
// any blocked readers. There is no ACK.
func (s *Server) HandleInform(c *bytestream.Client, req wire.Message) error {
	b := c.Bytestream
	if b.Writer != c {
		return brokererr.ErrInvalidArg
	}
	seg := b.Segments.Newest()
	if seg == nil {
		s.fatalf("INFORM on %s with no current segment", b.Name)
	}
	if newSize := req.Offset - seg.Offset; newSize > seg.Size {
		seg.Size = newSize
	}
	s.wakeBlocked(b)
	return nil
}

// HandleClose implements CLOSE for both writer and reader clients. It
// never produces a reply.
func (s *Server) HandleClose(c *bytestream.Client, lastValidOffset int64) {
	b := c.Bytestream

	if b.Writer == c {
		if c.Region != nil {
			seg := b.Segments.Newest()
			if seg != nil {
				if committed := lastValidOffset - seg.Offset; committed > seg.Size {
					seg.Size = committed
				}
			}
			f, err := b.Segments.WriterFD(seg)
			if err != nil {
				s.fatalf("CLOSE: opening writer fd for %s: %v", b.Name, err)
			}
			outgoing := &segmentWriterFile{file: f, path: seg.Path(b.Name), size: seg.Size}
			b.Segments.DetachWriterFD()
			s.stashWriterRegion(b, c, outgoing)
		} else {
			if len(b.WriteBuffer) != 0 {
				s.fatalf("CLOSE: writer on %s has no region but %d regions in its write buffer", b.Name, len(b.WriteBuffer))
			}
			if err := b.Segments.CloseWriterFD(); err != nil {
				// A writer that opened but never mapped a region leaves no
				// outgoing write buffer to stash, but may still hold a
				// lazily-opened writer fd open; close it directly rather
				// than leaking it through an idle CLOSE.
				s.fatalf("CLOSE: closing writer fd for %s: %v", b.Name, err)
			}
		}
		b.Writer = nil
	} else {
		s.unmapClientRegion(c)
		if c.Segment != nil {
			b.DetachReader(c.Segment, c)
			b.Segments.ReleaseReaderFD(c.Segment)
			c.Segment = nil
		}
	}

	b.DetachClient(c)
	s.table.FreeClient(c.ID)
}

// wakeBlocked drains the blocked-reader FIFO and replays each entry
// through the read-path handler exactly as if it had just arrived;
// entries that would block again are re-queued by HandleRegionRead
// itself (it calls b.Enqueue), preserving FIFO order for the next wake.
func (s *Server) wakeBlocked(b *bytestream.Bytestream) {
	for _, entry := range b.DrainBlocked() {
		entry.Client.Blocked = false
		s.ResetWatchdog(entry.Client, time.Now())
		ack, err := s.HandleRegionRead(entry.Client, entry.Request)
		if err != nil {
			// A protocol error surfacing during replay means the parked
			// request is no longer satisfiable in a normal way; reply
			// with it rather than silently dropping the client.
			s.sendError(entry.Client, err)
			continue
		}
		if ack.Tag == 0 && !entry.Client.Blocked {
			continue // shouldn't happen; defensive no-op
		}
		if entry.Client.Blocked {
			continue // HandleRegionRead re-enqueued it; nothing to send yet
		}
		s.sendMessage(entry.Client, ack)
	}
}

// sendMessage and sendError are implemented by the transport layer
// (transport.go) via the client's ReplyTo handle; declared here as
// server methods so handler code in this file stays transport-agnostic.
func (s *Server) sendMessage(c *bytestream.Client, m wire.Message) {
	if sender, ok := c.ReplyTo.(replyWriter); ok {
		sender.WriteMessage(m)
	}
}

func (s *Server) sendError(c *bytestream.Client, err error) {
	var pe *brokererr.ProtocolError
	if errors.As(err, &pe) {
		s.sendMessage(c, wire.Message{Tag: wire.TagError, ID: int32(c.ID), Arg: pe.Kind.Errno()})
		return
	}
	s.sendMessage(c, wire.Message{Tag: wire.TagError, ID: int32(c.ID), Arg: 22})
}

// replyWriter is the minimal transport capability handlers need: the
// ability to push a reply to a specific client outside the request that
// triggered it (used for blocked-reader wake-up replies).
type replyWriter interface {
	WriteMessage(wire.Message)
}
