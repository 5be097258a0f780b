package daemon

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v3/process"
)

// parentPollInterval is how often the watched process is checked.
const parentPollInterval = 5 * time.Second

// ParentMonitor calls onDeath once the watched process has gone away.
// Editors that embed the host pass their own PID with --watch-pid so the
// host does not outlive them.
type ParentMonitor struct {
	pid      int
	onDeath  func()
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	exists   func(ctx context.Context, pid int32) (bool, error)
}

// NewParentMonitor watches pid. A nil logger uses slog.Default.
func NewParentMonitor(pid int, onDeath func(), logger *slog.Logger) *ParentMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ParentMonitor{
		pid:      pid,
		onDeath:  onDeath,
		interval: parentPollInterval,
		clock:    clockwork.NewRealClock(),
		logger:   logger,
		exists:   process.PidExistsWithContext,
	}
}

// Start polls until ctx is cancelled or the watched process dies. When pid
// is our real parent the kernel is also asked to signal us on its death.
func (pm *ParentMonitor) Start(ctx context.Context) {
	pm.logger.Info("Starting parent process monitor", "watch_pid", pm.pid, "ppid", os.Getppid())

	if pm.pid == os.Getppid() {
		if err := setupParentDeathSignal(); err != nil {
			pm.logger.Warn("Failed to set up parent death signal, relying on polling", "error", err)
		}
	}

	go pm.poll(ctx)
}

func (pm *ParentMonitor) poll(ctx context.Context) {
	ticker := pm.clock.NewTicker(pm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			pm.logger.Debug("Parent monitor stopping")
			return
		case <-ticker.Chan():
			alive, err := pm.exists(ctx, int32(pm.pid))
			if err != nil {
				pm.logger.Debug("Parent check failed", "watch_pid", pm.pid, "error", err)
				continue
			}
			if !alive {
				pm.logger.Info("Watched process exited, shutting down", "watch_pid", pm.pid)
				pm.onDeath()
				return
			}
		}
	}
}
