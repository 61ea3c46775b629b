// Package bytestream holds the server-side Bytestream and Client
// descriptor tables plus the per-bytestream blocked-reader FIFO, the
// structures every protocol handler in internal/daemon reads and
// mutates on the single event-loop goroutine.
package bytestream

import (
	"github.com/javi11/streamstore/internal/regionpool"
	"github.com/javi11/streamstore/internal/segment"
	"github.com/javi11/streamstore/internal/wire"
)

// MaxClients bounds the dense client-ID table, mirroring CS_MAXCLIENTS.
const MaxClients = 500

// ClientID is a dense small integer identifying a connected client.
type ClientID int32

// Client is the server's per-connection descriptor: mode, owning
// bytestream, currently attached segment (readers only), currently
// mapped region, blocked flag, and watchdog deadline.
type Client struct {
	ID            ClientID
	Mode          wire.Mode
	Bytestream    *Bytestream
	Segment       *segment.Segment
	Region        *regionpool.Region
	Blocked       bool
	WatchdogUntil int64 // unix nanos; reset on every message from this client
	ReplyTo       any   // transport-level peer handle, opaque to this package

	// WriterRegionBase/Size track the writer's current mapped window so
	// REGION(write) can enforce "no overwrite, no gap" without reaching
	// into Region, which the scheduler may have already stashed in the
	// write-buffer by the time the next request arrives.
	WriterRegionBase int64
	WriterRegionSize int64
}

// BlockedEntry parks a reader whose request fell past the committed end
// of a bytestream with a live writer attached.
type BlockedEntry struct {
	Client  *Client
	Request wire.Message
}

// Bytestream is the per-stream descriptor: its segment manager, size
// cap, the one attached writer (if any), every attached client, and the
// FIFO of parked readers.
type Bytestream struct {
	Name     string
	Segments *segment.Manager
	SizeCap  int64

	Writer  *Client
	Clients []*Client

	Blocked []BlockedEntry

	// WriteBuffer is the FIFO of regions handed to the scheduler for
	// deferred munmap (and, for rollover/close regions, close+truncate).
	WriteBuffer []*regionpool.Region

	// segmentReaders is the per-segment reader sublist the bytestream &
	// client table design calls for, kept separate from Clients to
	// accelerate "last reader left this segment" checks during cap
	// enforcement and segment deletion without scanning every client.
	segmentReaders map[*segment.Segment][]*Client
}

// AttachReader records c as a reader of seg, for fast segment-scoped
// membership checks during cap enforcement.
func (b *Bytestream) AttachReader(seg *segment.Segment, c *Client) {
	if b.segmentReaders == nil {
		b.segmentReaders = make(map[*segment.Segment][]*Client)
	}
	b.segmentReaders[seg] = append(b.segmentReaders[seg], c)
}

// DetachReader removes c from seg's reader sublist.
func (b *Bytestream) DetachReader(seg *segment.Segment, c *Client) {
	list := b.segmentReaders[seg]
	for i, cl := range list {
		if cl == c {
			b.segmentReaders[seg] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// ReadersOf returns the readers currently attached to seg.
func (b *Bytestream) ReadersOf(seg *segment.Segment) []*Client {
	return b.segmentReaders[seg]
}

// ClearSegmentReaders drops seg's reader sublist entirely, used by a
// hard-cap eviction that has already force-detached every reader.
func (b *Bytestream) ClearSegmentReaders(seg *segment.Segment) {
	delete(b.segmentReaders, seg)
}

// Size returns the sum of every segment's committed size.
func (b *Bytestream) Size() int64 { return b.Segments.Size() }

// FirstSegmentOffset returns the offset of the oldest surviving segment,
// or 0 if the stream has none.
func (b *Bytestream) FirstSegmentOffset() int64 {
	segs := b.Segments.Segments()
	if len(segs) == 0 {
		return 0
	}
	return segs[0].Offset
}

// AttachClient adds c to the bytestream's client list.
func (b *Bytestream) AttachClient(c *Client) {
	c.Bytestream = b
	b.Clients = append(b.Clients, c)
}

// DetachClient removes c from the bytestream's client list. It does not
// touch c's region or segment attachment; callers handle that first.
func (b *Bytestream) DetachClient(c *Client) {
	for i, cl := range b.Clients {
		if cl == c {
			b.Clients = append(b.Clients[:i], b.Clients[i+1:]...)
			return
		}
	}
}

// ClientCount reports how many clients (readers and/or the writer) are
// currently attached; the scheduler evicts an idle bytestream when this
// reaches zero.
func (b *Bytestream) ClientCount() int { return len(b.Clients) }

// Enqueue parks a blocked reader at the tail of the FIFO.
func (b *Bytestream) Enqueue(c *Client, req wire.Message) {
	c.Blocked = true
	b.Blocked = append(b.Blocked, BlockedEntry{Client: c, Request: req})
}

// DrainBlocked detaches and returns the entire blocked-reader FIFO in
// order, ready for replay; the caller (INFORM/REGION-write handlers) is
// responsible for re-enqueuing any entry that blocks again.
func (b *Bytestream) DrainBlocked() []BlockedEntry {
	drained := b.Blocked
	b.Blocked = nil
	return drained
}

// Table is the server-wide dense client-ID allocator plus the live
// bytestream list, indexed by name.
type Table struct {
	clients     [MaxClients]*Client
	freeIDs     []ClientID
	nextFresh   ClientID
	bytestreams map[string]*Bytestream
}

// NewTable returns an empty client/bytestream table.
func NewTable() *Table {
	return &Table{bytestreams: make(map[string]*Bytestream)}
}

// AllocClient assigns the lowest unused client ID, or reports ok=false
// if the table is full (TOO_MANY).
func (t *Table) AllocClient() (*Client, bool) {
	var id ClientID
	if len(t.freeIDs) > 0 {
		lo := 0
		for i, fid := range t.freeIDs {
			if fid < t.freeIDs[lo] {
				lo = i
			}
		}
		id = t.freeIDs[lo]
		t.freeIDs = append(t.freeIDs[:lo], t.freeIDs[lo+1:]...)
	} else if t.nextFresh < MaxClients {
		id = t.nextFresh
		t.nextFresh++
	} else {
		return nil, false
	}
	c := &Client{ID: id}
	t.clients[id] = c
	return c, true
}

// FreeClient returns id to the free pool and clears its slot, making any
// later message bearing that id fail lookup (the watchdog-reap/stale-id
// rejection behavior in the watchdog scenario).
func (t *Table) FreeClient(id ClientID) {
	if id < 0 || int(id) >= MaxClients || t.clients[id] == nil {
		return
	}
	t.clients[id] = nil
	t.freeIDs = append(t.freeIDs, id)
}

// Client looks up a client by ID; the second return is false for a
// stale or never-issued ID.
func (t *Table) Client(id ClientID) (*Client, bool) {
	if id < 0 || int(id) >= MaxClients || t.clients[id] == nil {
		return nil, false
	}
	return t.clients[id], true
}

// AllClients returns every currently live client, for the watchdog scan.
func (t *Table) AllClients() []*Client {
	out := make([]*Client, 0, MaxClients)
	for _, c := range t.clients {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Bytestream looks up a stream by name.
func (t *Table) Bytestream(name string) (*Bytestream, bool) {
	b, ok := t.bytestreams[name]
	return b, ok
}

// PutBytestream registers a newly constructed bytestream under its name.
func (t *Table) PutBytestream(b *Bytestream) { t.bytestreams[b.Name] = b }

// DeleteBytestream removes a bytestream from the table, used by the
// scheduler once ClientCount reaches zero.
func (t *Table) DeleteBytestream(name string) { delete(t.bytestreams, name) }

// AllBytestreams returns every live bytestream, for the scheduler tick.
func (t *Table) AllBytestreams() []*Bytestream {
	out := make([]*Bytestream, 0, len(t.bytestreams))
	for _, b := range t.bytestreams {
		out = append(out, b)
	}
	return out
}
