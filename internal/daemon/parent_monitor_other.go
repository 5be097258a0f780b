//go:build !linux

package daemon

// setupParentDeathSignal has no equivalent here; polling alone applies.
func setupParentDeathSignal() error {
	return nil
}
