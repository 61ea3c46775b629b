package daemon

import "time"

// BytestreamStatus is the read-only view of one bytestream's state
// exposed to the admin HTTP surface.
type BytestreamStatus struct {
	Name           string `json:"name"`
	SizeBytes      int64  `json:"size_bytes"`
	SizeCapBytes   int64  `json:"size_cap_bytes"`
	SegmentCount   int    `json:"segment_count"`
	ClientCount    int    `json:"client_count"`
	BlockedReaders int    `json:"blocked_readers"`
	HasWriter      bool   `json:"has_writer"`
}

// Snapshot is a point-in-time view of daemon state, safe to serialize
// and read from any goroutine once it has been handed back by
// RequestSnapshot.
type Snapshot struct {
	TakenAt      time.Time           `json:"taken_at"`
	Bytestreams  []BytestreamStatus  `json:"bytestreams"`
	FreelistLen  int                 `json:"freelist_len"`
	RegionsTotal int                 `json:"regions_total"`
}

// buildSnapshot reads table and pool state; it must only ever run on the
// event-loop goroutine, since bytestream.Table and regionpool.Pool are
// not safe for concurrent access.
func (s *Server) buildSnapshot() Snapshot {
	streams := s.table.AllBytestreams()
	statuses := make([]BytestreamStatus, 0, len(streams))
	for _, b := range streams {
		statuses = append(statuses, BytestreamStatus{
			Name:           b.Name,
			SizeBytes:      b.Size(),
			SizeCapBytes:   b.SizeCap,
			SegmentCount:   len(b.Segments.Segments()),
			ClientCount:    b.ClientCount(),
			BlockedReaders: len(b.Blocked),
			HasWriter:      b.Writer != nil,
		})
	}

	return Snapshot{
		TakenAt:      time.Now(),
		Bytestreams:  statuses,
		FreelistLen:  s.pool.FreelistLen(),
		RegionsTotal: s.pool.Len(),
	}
}
