// Package adminhttp exposes a read-only status surface over the
// daemon's internal tables for operators. It never touches the
// bytestream data path directly: every refresh goes through
// RequestSnapshot, which hands the read off to the daemon's own
// event-loop goroutine and waits for the result.
package adminhttp

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sourcegraph/conc"

	"github.com/javi11/streamstore/internal/daemon"
)

// SnapshotSource is implemented by *daemon.Server.
type SnapshotSource interface {
	RequestSnapshot(ctx context.Context) (daemon.Snapshot, error)
}

// Server hosts the fiber app and the background snapshot refresh loop.
type Server struct {
	app    *fiber.App
	source SnapshotSource

	mu       sync.RWMutex
	snapshot daemon.Snapshot
}

// New builds a Server wired to source; call Run to start serving and
// refreshing in the background.
func New(source SnapshotSource) *Server {
	s := &Server{source: source}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/status", s.handleStatus)
	app.Get("/status/:name", s.handleBytestream)
	s.app = app

	return s
}

// Run serves the admin HTTP surface on addr and refreshes the snapshot
// every interval until ctx is canceled. Both loops are supervised by a
// conc.WaitGroup so a panic in either surfaces instead of vanishing.
func (s *Server) Run(ctx context.Context, addr string, interval time.Duration) error {
	wg := conc.NewWaitGroup()
	errCh := make(chan error, 1)

	wg.Go(func() {
		s.refreshLoop(ctx, interval)
	})
	wg.Go(func() {
		if err := s.app.Listen(addr); err != nil {
			errCh <- err
		}
	})

	go func() {
		<-ctx.Done()
		_ = s.app.Shutdown()
	}()

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Server) refresh(ctx context.Context) {
	snap, err := s.source.RequestSnapshot(ctx)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	s.mu.RLock()
	snap := s.snapshot
	s.mu.RUnlock()
	return c.JSON(snap)
}

func (s *Server) handleBytestream(c *fiber.Ctx) error {
	name := c.Params("name")
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.snapshot.Bytestreams {
		if b.Name == name {
			return c.JSON(b)
		}
	}
	return fiber.NewError(fiber.StatusNotFound, "bytestream not found")
}
