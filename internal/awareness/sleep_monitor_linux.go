package awareness

import (
	"context"
	"os"

	"github.com/godbus/dbus/v5"
)

const platformSource = "logind"

// start listens for logind PrepareForSleep signals on the system bus.
// Without D-Bus (headless servers, containers) the monitor stays silent and
// the timer heuristic in NetworkMonitor covers wake detection.
func (m *SleepMonitor) start(ctx context.Context) {
	go func() {
		conn, err := dbus.SystemBus()
		if err != nil {
			if os.Getenv("DBUS_SYSTEM_BUS_ADDRESS") == "" {
				m.logger.Debug("D-Bus unavailable, sleep monitor disabled")
			} else {
				m.logger.Warn("Failed to connect to D-Bus for sleep monitoring", "error", err)
			}
			return
		}

		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath("/org/freedesktop/login1"),
			dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
			dbus.WithMatchMember("PrepareForSleep"),
		); err != nil {
			m.logger.Warn("Failed to subscribe to PrepareForSleep signal", "error", err)
			return
		}

		signals := make(chan *dbus.Signal, 8)
		conn.Signal(signals)

		m.logger.Info("Sleep monitor started (D-Bus logind)")

		for {
			select {
			case <-ctx.Done():
				conn.RemoveSignal(signals)
				m.logger.Debug("Sleep monitor stopped")
				return
			case sig := <-signals:
				if sig == nil {
					return
				}
				m.handleSignal(sig)
			}
		}
	}()
}

func (m *SleepMonitor) handleSignal(sig *dbus.Signal) {
	if sig.Name != "org.freedesktop.login1.Manager.PrepareForSleep" || len(sig.Body) < 1 {
		return
	}
	entering, ok := sig.Body[0].(bool)
	if !ok {
		return
	}
	if entering {
		m.markSleep()
	} else {
		m.markWake()
	}
}
