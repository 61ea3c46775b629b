package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/javi11/streamstore/internal/brokererr"
	"github.com/javi11/streamstore/internal/bytestream"
	"github.com/javi11/streamstore/internal/wire"
)

// conn wraps one accepted net.Conn with the client it is currently
// associated with (nil until OPEN succeeds) and a write mutex, since the
// event-loop goroutine and the scheduler's wake-up replies both write to
// it but only ever from the single event-loop goroutine in practice —
// the mutex exists for the brief window during connection teardown.
type conn struct {
	id      string
	nc      net.Conn
	client  *bytestream.Client
	writeMu sync.Mutex
}

// WriteMessage implements replyWriter for handlers.go's wake-up path.
func (c *conn) WriteMessage(m wire.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = m.Encode(c.nc)
}

// inboundMsg is one decoded request arriving from a connection's reader
// goroutine, destined for the single event-loop goroutine.
type inboundMsg struct {
	c   *conn
	msg wire.Message
	err error
}

// Run accepts connections on ln until ctx is done, feeding every decoded
// message into one channel drained by a single goroutine — the fan-in
// pattern that gives this daemon the "only one goroutine ever touches
// Server state" guarantee a cooperative single-threaded event loop gets
// for free in the original implementation.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	inbound := make(chan inboundMsg, 256)
	var wg sync.WaitGroup

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error("accept failed", "error", err)
				return
			}
			c := &conn{id: uuid.NewString(), nc: nc}
			wg.Add(1)
			go s.readLoop(ctx, c, inbound, &wg)
		}
	}()

	sched := cron.New(cron.WithSeconds())
	tickCh := make(chan struct{}, 1)
	_, err := sched.AddFunc("@every "+s.cfg.SchedulerInterval.String(), func() {
		select {
		case tickCh <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = ln.Close()
			wg.Wait()
			return ctx.Err()

		case <-tickCh:
			s.Tick(time.Now())

		case im := <-inbound:
			s.dispatch(im)

		case replyCh := <-s.snapshotReq:
			replyCh <- s.buildSnapshot()
		}
	}
}

// RequestSnapshot asks the event-loop goroutine to build a Snapshot and
// waits for it, the only safe way to read table/pool state from outside
// Run's own goroutine.
func (s *Server) RequestSnapshot(ctx context.Context) (Snapshot, error) {
	replyCh := make(chan Snapshot, 1)
	select {
	case s.snapshotReq <- replyCh:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-replyCh:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// readLoop decodes messages from one connection and forwards them to
// the event loop; it never touches Server state directly.
func (s *Server) readLoop(ctx context.Context, c *conn, inbound chan<- inboundMsg, wg *sync.WaitGroup) {
	defer wg.Done()
	defer c.nc.Close()
	for {
		msg, err := wire.Decode(c.nc)
		select {
		case inbound <- inboundMsg{c: c, msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// dispatch runs entirely on the event-loop goroutine. It recovers a
// brokererr.Fatal panic from any handler, logs it, and re-panics to
// bring the daemon down — a corrupted invariant must not be allowed to
// keep serving requests.
func (s *Server) dispatch(im inboundMsg) {
	defer func() {
		if r := recover(); r != nil {
			var fatal *brokererr.Fatal
			if errors.As(asError(r), &fatal) {
				s.log.Error("fatal consistency violation, daemon exiting", "reason", fatal.Reason)
			}
			panic(r)
		}
	}()

	c := im.c
	if im.err != nil {
		if c.client != nil {
			s.HandleClose(c.client, 0)
		}
		return
	}

	if c.client != nil {
		s.ResetWatchdog(c.client, time.Now())
	}

	switch im.msg.Tag {
	case wire.TagOpen:
		s.handleOpenConn(c, im.msg)
	case wire.TagRegion:
		s.handleRegionConn(c, im.msg)
	case wire.TagSeek:
		s.handleSeekConn(c, im.msg)
	case wire.TagInform:
		s.handleInformConn(c, im.msg)
	case wire.TagClose:
		s.handleCloseConn(c, im.msg)
	default:
		s.replyError(c, brokererr.ErrInvalidArg)
	}
}

func (s *Server) handleOpenConn(c *conn, msg wire.Message) {
	client, ack, err := s.HandleOpen(msg)
	if err != nil {
		s.replyError(c, err)
		return
	}
	client.ReplyTo = c
	c.client = client
	s.ResetWatchdog(client, time.Now())
	c.WriteMessage(ack)
}

func (s *Server) handleRegionConn(c *conn, msg wire.Message) {
	if c.client == nil {
		s.replyError(c, brokererr.ErrInvalidArg)
		return
	}
	var (
		ack wire.Message
		err error
	)
	if c.client.Mode == wire.ModeWriter {
		ack, err = s.HandleRegionWrite(c.client, msg)
	} else {
		ack, err = s.HandleRegionRead(c.client, msg)
	}
	if err != nil {
		s.replyError(c, err)
		return
	}
	if ack.Tag == 0 {
		return // parked; no reply yet
	}
	c.WriteMessage(ack)
}

func (s *Server) handleSeekConn(c *conn, msg wire.Message) {
	if c.client == nil {
		s.replyError(c, brokererr.ErrInvalidArg)
		return
	}
	ack, err := s.HandleSeek(c.client, msg)
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.WriteMessage(ack)
}

func (s *Server) handleInformConn(c *conn, msg wire.Message) {
	if c.client == nil {
		return
	}
	if err := s.HandleInform(c.client, msg); err != nil {
		s.replyError(c, err)
	}
}

func (s *Server) handleCloseConn(c *conn, msg wire.Message) {
	if c.client == nil {
		return
	}
	s.HandleClose(c.client, msg.Offset)
	c.client = nil
}

func (s *Server) replyError(c *conn, err error) {
	var pe *brokererr.ProtocolError
	if errors.As(err, &pe) {
		c.WriteMessage(wire.Message{Tag: wire.TagError, Arg: pe.Kind.Errno()})
		return
	}
	c.WriteMessage(wire.Message{Tag: wire.TagError, Arg: 22})
}

// asError normalizes a recover() value to an error for errors.As.
func asError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return io.ErrUnexpectedEOF
}
