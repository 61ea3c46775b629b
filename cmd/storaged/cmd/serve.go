package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"unsafe"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/javi11/streamstore/internal/adminhttp"
	"github.com/javi11/streamstore/internal/config"
	"github.com/javi11/streamstore/internal/daemon"
	"github.com/javi11/streamstore/internal/slogutil"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve <ipc_socket_path> <max_segment_size_bytes> <inline_mode_flag>",
		Short: "Start the storage broker daemon",
		Args:  cobra.ExactArgs(3),
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	// The bare form `storaged <ipc_socket_path> <max_segment_size_bytes>
	// <inline_mode_flag>` runs the same daemon.
	rootCmd.Args = cobra.ExactArgs(3)
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	socketPath := args[0]
	if socketPath == "" || socketPath[0] != '/' {
		return fmt.Errorf("ipc_socket_path must be an absolute path, got %q", socketPath)
	}
	maxSegmentSize, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || maxSegmentSize == 0 {
		return fmt.Errorf("max_segment_size_bytes must be a nonzero integer, got %q", args[1])
	}
	inlineFlag, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("inline_mode_flag must be an integer, got %q", args[2])
	}
	errorsOnly := inlineFlag != 0

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	cfg.Listen.SocketPath = socketPath
	cfg.Storage.MaxSegmentSize = maxSegmentSize
	if errorsOnly {
		cfg.Log.Level = "error"
	}

	logger := slogutil.SetupLogRotation(slogutil.LogConfig{
		File:       cfg.Log.File,
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(logger)

	setProcessTitle("STORAGE")
	signal.Ignore(syscall.SIGHUP)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGPIPE)
	defer stop()

	watchSupervisor(ctx, cfg.Listen.SupervisorSocket, logger, stop)

	if err := os.MkdirAll(cfg.Storage.RootDir, 0o755); err != nil {
		return fmt.Errorf("creating storage root: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("clearing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	defer ln.Close()

	srv := daemon.New(daemon.Config{
		MaxSegmentSize:       cfg.Storage.MaxSegmentSize,
		OptimalMapSize:       cfg.Storage.OptimalMapSize,
		DefaultClientTimeout: cfg.ClientTimeoutOrDefault(),
		SchedulerInterval:    cfg.SchedulerIntervalOrDefault(),
		HardCapRatio:         cfg.Scheduler.HardCapRatio,
	}, afero.NewOsFs(), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, ln)
	})

	if cfg.Admin.Enabled {
		admin := adminhttp.New(srv)
		g.Go(func() error {
			return admin.Run(gctx, cfg.Admin.Addr, cfg.SchedulerIntervalOrDefault())
		})
	}

	logger.Info("storaged started", "socket", socketPath, "max_segment_size", maxSegmentSize, "errors_only", errorsOnly)

	err = g.Wait()
	if err != nil && gctx.Err() == nil {
		return err
	}
	logger.Info("storaged shutting down")
	return nil
}

// setProcessTitle sets the process name visible in ps/top, a no-op on
// platforms without prctl.
func setProcessTitle(name string) {
	if runtime.GOOS != "linux" {
		return
	}
	b := append([]byte(name), 0)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}
