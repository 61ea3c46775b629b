// Package daemon implements the storage broker's server side: the
// protocol handlers, the single-goroutine event loop that owns all
// mutable state, and the background scheduler. Nothing in this package
// is touched by more than one goroutine at a time — every mutation
// happens inside Server.Run's dispatch loop, so no locking is used.
package daemon

import (
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/javi11/streamstore/internal/brokererr"
	"github.com/javi11/streamstore/internal/bytestream"
	"github.com/javi11/streamstore/internal/regionpool"
	"github.com/javi11/streamstore/internal/segment"
)

// Server is the explicit, non-global daemon state: the client/bytestream
// table, the region pool, the filesystem roots are keyed by whatever
// name the caller opens with. Tests construct one Server per case
// instead of relying on package-level state.
type Server struct {
	cfg   Config
	fs    afero.Fs
	log   *slog.Logger
	table *bytestream.Table
	pool  *regionpool.Pool

	snapshotReq chan chan Snapshot
}

// New constructs a Server. fs is the afero filesystem roots are resolved
// against (almost always afero.NewOsFs() outside tests).
func New(cfg Config, fs afero.Fs, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:         cfg.WithDefaults(),
		fs:          fs,
		log:         log,
		table:       bytestream.NewTable(),
		pool:        regionpool.New(),
		snapshotReq: make(chan chan Snapshot, 1),
	}
}

// Table exposes the client/bytestream table for the scheduler and
// tests; it is not safe to call from any goroutine other than the one
// running the event loop.
func (s *Server) Table() *bytestream.Table { return s.table }

// Pool exposes the region pool for the scheduler and tests.
func (s *Server) Pool() *regionpool.Pool { return s.pool }

// openOrCreateBytestream looks up name in the table, constructing it
// from the filesystem via the segment manager on first open.
func (s *Server) openOrCreateBytestream(name string, isWriter bool, sizeCap int64) (*bytestream.Bytestream, error) {
	if b, ok := s.table.Bytestream(name); ok {
		return b, nil
	}
	mgr, err := segment.Open(s.fs, name, isWriter, segment.Options{})
	if err != nil {
		return nil, err
	}
	b := &bytestream.Bytestream{Name: name, Segments: mgr, SizeCap: sizeCap}
	s.table.PutBytestream(b)
	return b, nil
}

// fatalf panics with a brokererr.Fatal, the daemon's response to an
// internal consistency-assertion violation per the error handling
// design. The event loop's request dispatch (transport.go) recovers this
// at the top level, logs it, and exits the process — a corrupted
// invariant must not be allowed to keep serving requests.
func (s *Server) fatalf(format string, args ...any) {
	panic(brokererr.NewFatal(fmt.Sprintf(format, args...), nil))
}
