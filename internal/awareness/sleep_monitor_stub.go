//go:build !linux && !darwin

package awareness

import "context"

const platformSource = "none"

func (m *SleepMonitor) start(ctx context.Context) {
	m.logger.Debug("No native sleep signal on this platform, relying on timer wake detection")
}
