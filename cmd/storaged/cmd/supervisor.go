package cmd

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
)

// watchSupervisor dials the parent supervisor's control socket, if
// configured, and watches it for a line-delimited EXIT message. Seeing
// EXIT, or the connection dropping, calls stop to begin graceful
// shutdown exactly as SIGTERM would. A supervisor socket that refuses
// the connection is logged and otherwise ignored: running without a
// supervisor is a normal standalone mode, not an error.
func watchSupervisor(ctx context.Context, socketPath string, logger *slog.Logger, stop context.CancelFunc) {
	if socketPath == "" {
		return
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		logger.Warn("supervisor socket unavailable, running standalone", "socket", socketPath, "error", err)
		return
	}

	go func() {
		defer conn.Close()
		done := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(done)
			conn.Close()
		}()

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "EXIT" {
				logger.Info("received EXIT from supervisor")
				stop()
				return
			}
		}
		select {
		case <-done:
			// shutting down for an unrelated reason; nothing to do.
		default:
			logger.Warn("supervisor connection closed, shutting down")
			stop()
		}
	}()
}
