package daemon

import (
	"os"
	"time"

	"github.com/javi11/streamstore/internal/bytestream"
	"github.com/javi11/streamstore/internal/regionpool"
)

// Tick runs one scheduler pass: flush write-buffers, enforce size caps,
// evict idle bytestreams, and reap watchdog-expired clients. It is
// invoked on the event-loop goroutine, never concurrently with request
// handling.
func (s *Server) Tick(now time.Time) {
	for _, b := range s.table.AllBytestreams() {
		s.flushWriteBuffer(b)
		s.enforceCap(b)
	}
	// Eviction happens in a second pass so that no bytestream is deleted
	// from the table while the first pass is still walking it.
	for _, b := range s.table.AllBytestreams() {
		if b.ClientCount() == 0 {
			s.evictBytestream(b)
		}
	}
	s.reapWatchdog(now)
}

// flushWriteBuffer unmaps every queued region for b; regions tagged
// CloseWriterFd also close the writer fd and truncate the segment file
// to its committed size, the deferred rollover/close cleanup the region
// protocol design defers to the scheduler.
func (s *Server) flushWriteBuffer(b *bytestream.Bytestream) {
	if len(b.WriteBuffer) == 0 {
		return
	}
	pending := b.WriteBuffer
	b.WriteBuffer = nil

	for _, r := range pending {
		if err := regionpool.Unmap(r); err != nil {
			s.fatalf("scheduler: munmap failed during flush of %s: %v", b.Name, err)
		}
		if r.Close.CloseWriterFd {
			if err := r.Close.WriterFile.Close(); err != nil {
				s.fatalf("scheduler: closing writer fd for %s: %v", b.Name, err)
			}
			if err := os.Truncate(r.Close.SegmentPath, r.Close.TruncateSize); err != nil {
				s.fatalf("scheduler: truncating %s for %s: %v", r.Close.SegmentPath, b.Name, err)
			}
		}
		s.pool.Free(r)
	}
}

// enforceCap deletes the oldest segment if the stream exceeds its size
// cap and no reader is attached; at 1.2x the cap it forcibly detaches
// every reader of the oldest segment and deletes it anyway.
func (s *Server) enforceCap(b *bytestream.Bytestream) {
	if b.Writer == nil || b.SizeCap <= 0 {
		return
	}
	for b.Size() > b.SizeCap {
		segs := b.Segments.Segments()
		if len(segs) == 0 {
			return
		}
		oldest := segs[0]
		readers := b.ReadersOf(oldest)

		hardCap := float64(b.SizeCap) * s.cfg.HardCapRatio
		if len(readers) > 0 && float64(b.Size()) <= hardCap {
			return // wait for readers to finish naturally
		}
		if len(readers) > 0 {
			s.log.Warn("hard cap exceeded: forcibly detaching readers",
				"bytestream", b.Name, "segment_offset", oldest.Offset, "reader_count", len(readers))
			for _, r := range readers {
				s.unmapClientRegion(r)
				r.Segment = nil
			}
			b.ClearSegmentReaders(oldest)
		}
		if err := b.Segments.DeleteOldest(); err != nil {
			s.fatalf("scheduler: deleting oldest segment of %s: %v", b.Name, err)
		}
	}
}

// evictBytestream closes every remaining segment fd and removes b from
// the table once it has no clients left.
func (s *Server) evictBytestream(b *bytestream.Bytestream) {
	b.Segments.CloseAll()
	s.table.DeleteBytestream(b.Name)
}

// reapWatchdog detaches, unmaps, and frees every non-writer, non-blocked
// client whose deadline has passed — recovering state from a query
// process that died without sending CLOSE.
func (s *Server) reapWatchdog(now time.Time) {
	for _, c := range s.table.AllClients() {
		if c.Bytestream == nil || c.Bytestream.Writer == c || c.Blocked {
			continue
		}
		if now.UnixNano() < c.WatchdogUntil {
			continue
		}
		s.HandleClose(c, 0)
	}
}

// ResetWatchdog is called by the transport layer on every message
// received from c, and by wakeBlocked on every wake-up, per the
// blocked-reader design's "still alive" rule.
func (s *Server) ResetWatchdog(c *bytestream.Client, now time.Time) {
	c.WatchdogUntil = now.Add(s.cfg.DefaultClientTimeout).UnixNano()
}
