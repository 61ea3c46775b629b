// Package storageclient is the public API for linking into a producer
// or consumer process: dial the daemon, open a bytestream by name, and
// map/commit/seek/read through it. It is a thin re-export over
// internal/client so external callers get a stable import path without
// reaching into internal packages.
package storageclient

import (
	"context"
	"net"
	"time"

	"github.com/javi11/streamstore/internal/client"
	"github.com/javi11/streamstore/internal/wire"
)

// Mode selects whether a handle reads, reads non-blocking, or writes.
type Mode = wire.Mode

const (
	ModeReader        = wire.ModeReader
	ModeReaderNoBlock = wire.ModeReaderNoBlock
	ModeWriter        = wire.ModeWriter
)

// Options configures dialing and mapping behavior.
type Options struct {
	OptimalMapSize int64
	DialTimeout    time.Duration
	DialAttempts   uint
}

func (o Options) toClientOptions() client.Options {
	return client.Options{
		OptimalMapSize: o.OptimalMapSize,
		DialTimeout:    o.DialTimeout,
		DialAttempts:   o.DialAttempts,
	}
}

// Handle is an open bytestream: reader or writer, mapped region, and
// read cursor.
type Handle struct {
	stub *client.Stub
}

// Dial connects to the daemon's IPC socket (a Unix domain socket path)
// with retry/backoff.
func Dial(ctx context.Context, socketPath string, opts Options) (net.Conn, error) {
	return client.Dial(ctx, "unix", socketPath, opts.toClientOptions())
}

// Open sends OPEN on conn and returns a ready Handle for name.
func Open(conn net.Conn, name string, mode Mode, sizeCap int64, opts Options) (*Handle, error) {
	stub, err := client.Open(conn, name, mode, sizeCap, opts.toClientOptions())
	if err != nil {
		return nil, err
	}
	return &Handle{stub: stub}, nil
}

// Map returns a view into the bytestream covering offset for up to
// size bytes, and the size actually granted (0 at EOF for a closed
// writer, without error).
func (h *Handle) Map(offset, size int64) ([]byte, int64, error) {
	return h.stub.Map(offset, size)
}

// ReadNext maps from the handle's internal read cursor and advances it
// by the granted size.
func (h *Handle) ReadNext(size int64) ([]byte, int64, error) {
	return h.stub.ReadNext(size)
}

// Commit announces that a writer has produced data up to offset.
func (h *Handle) Commit(offset int64) error {
	return h.stub.Commit(offset)
}

// Seek walks to the neighboring segment in the given direction
// (forward = next, !forward = previous).
func (h *Handle) Seek(forward bool) (int64, error) {
	return h.stub.Seek(forward)
}

// Close unmaps, releases local resources, and tells the daemon this
// handle is done. lastValidOffset only matters for a writer.
func (h *Handle) Close(lastValidOffset int64) error {
	return h.stub.Close(lastValidOffset)
}

// CurrentOffset returns the handle's read cursor without a round-trip.
func (h *Handle) CurrentOffset() int64 {
	return h.stub.CurrentOffset()
}

// SeekToTimestamp searches (stepping backward as well as forward) for
// the first {timestamp, size}-framed record at or after ts, assuming the stream's writer uses that
// convention (see internal/client/helpers).
func (h *Handle) SeekToTimestamp(ts int64) (int64, error) {
	return h.stub.SeekToTimestamp(ts)
}
