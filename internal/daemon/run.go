package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/db"
)

// ErrAlreadyRunning is returned by Run when another host owns the socket.
var ErrAlreadyRunning = errors.New("tunnel-proxy is already running")

// RunOptions control a host process started by `tunnel-proxy run`.
type RunOptions struct {
	// WatchPID stops the host when that process exits. Zero disables it.
	WatchPID int
	// FlagVerbose is the -v count from the command line.
	FlagVerbose int
}

// Run is the body of the host process. It returns once the host has been
// stopped by a signal, a STOP command or the watched process exiting.
func Run(cfg *core.Configuration, opts RunOptions) error {
	level := new(slog.LevelVar)
	level.Set(LevelForVerbosity(cfg.Verbose))
	broadcaster := NewLogBroadcaster(0)
	logger := NewLogger(os.Stderr, broadcaster, level)
	slog.SetDefault(logger)

	if err := os.MkdirAll(core.GetConfigDir(), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	socketPath := core.GetSocketPath()
	listener, err := listenControlSocket(socketPath)
	if err != nil {
		return err
	}

	d := New(cfg, Options{
		Logs:        broadcaster,
		Level:       level,
		Logger:      logger,
		FlagVerbose: opts.FlagVerbose,
	})

	database, err := db.Open(core.GetDatabasePath(), d.RunID())
	if err != nil {
		logger.Error("Failed to open database, events will not be recorded", "error", err, "path", core.GetDatabasePath())
	} else {
		d.database = database
		defer database.Close()
	}

	pidFilePath := core.GetPIDFilePath()
	if err := os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("Failed to write PID file", "path", pidFilePath, "error", err)
	}
	defer os.Remove(pidFilePath)
	defer os.Remove(socketPath)

	logger.Info(fmt.Sprintf("Daemon listening on %s", socketPath),
		"version", core.FormatVersion(core.Version), "pid", os.Getpid(), "run", d.RunID())

	if err := d.watchConfig(core.GetConfigFilePath()); err != nil {
		logger.Warn("Configuration changes will not be picked up", "error", err)
	}

	if opts.WatchPID > 0 {
		d.parentMonitor = NewParentMonitor(opts.WatchPID, func() {
			d.recordHostEvent("parent_exit", fmt.Sprintf("watched process %d exited", opts.WatchPID))
			d.Shutdown()
		}, logger)
		d.parentMonitor.Start(d.ctx)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			logger.Info("Shutdown signal received", "signal", sig.String())
			d.Shutdown()
		case <-d.Done():
		}
	}()

	go func() {
		if err := d.Start(d.ctx); err != nil {
			// Stay up so that `tunnel-proxy login` can sign in and reconnect.
			logger.Error("Tunnel could not start, waiting for RECONNECT", "error", err)
		}
	}()

	serveErr := d.Serve(listener)
	if serveErr != nil {
		d.Shutdown()
	}
	<-d.Done()
	logger.Info("Daemon stopped")
	return serveErr
}

// listenControlSocket binds socketPath, removing a socket file left behind
// by a host that did not shut down cleanly.
func listenControlSocket(socketPath string) (net.Listener, error) {
	listener, err := net.Listen("unix", socketPath)
	if err == nil {
		return listener, nil
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}

	if conn, dialErr := net.Dial("unix", socketPath); dialErr == nil {
		conn.Close()
		return nil, ErrAlreadyRunning
	}

	slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
	if err := os.Remove(socketPath); err != nil {
		return nil, fmt.Errorf("could not remove stale socket: %w", err)
	}
	listener, err = net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}
	return listener, nil
}
