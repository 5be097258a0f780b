package daemon

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
)

// configReloadDelay debounces bursts of writes from editors.
const configReloadDelay = 500 * time.Millisecond

// reloadConfig re-reads path and applies what can change at runtime. The
// worker grace period and log level take effect at once; relay, auth,
// reconnect and network settings are only picked up by a restart.
func (d *Daemon) reloadConfig(path string) error {
	newCfg, err := core.LoadConfigOrDefault(path)
	if err != nil {
		d.logger.Error("Configuration file has errors, keeping previous configuration", "file", path, "error", err)
		return fmt.Errorf("config parse error: %w", err)
	}
	if err := core.ApplyEnv(newCfg); err != nil {
		d.logger.Error("Environment overrides are invalid, keeping previous configuration", "error", err)
		return fmt.Errorf("config env error: %w", err)
	}

	d.mu.Lock()
	oldCfg := d.cfg
	newCfg.ConfigPath = oldCfg.ConfigPath
	newCfg.Verbose = max(newCfg.Verbose, d.flagVerbose)
	d.cfg = newCfg
	d.mu.Unlock()

	d.pool.SetGracePeriod(newCfg.Worker.GracePeriod)
	d.level.Set(LevelForVerbosity(newCfg.Verbose))

	for _, section := range restartSections(oldCfg, newCfg) {
		d.logger.Warn("Configuration change requires a restart to take effect", "section", section)
	}

	core.Config = newCfg
	d.recordHostEvent("config_reload", path)
	return nil
}

// restartSections names the settings that differ and are fixed at startup.
func restartSections(oldCfg, newCfg *core.Configuration) []string {
	var sections []string
	if oldCfg.Relay != newCfg.Relay {
		sections = append(sections, "relay")
	}
	if !reflect.DeepEqual(oldCfg.Auth, newCfg.Auth) {
		sections = append(sections, "auth")
	}
	if oldCfg.Reconnect != newCfg.Reconnect {
		sections = append(sections, "reconnect")
	}
	if oldCfg.Network != newCfg.Network {
		sections = append(sections, "network")
	}
	if oldCfg.Worker.Command != newCfg.Worker.Command ||
		!reflect.DeepEqual(oldCfg.Worker.Args, newCfg.Worker.Args) ||
		oldCfg.Worker.DefaultDirectory != newCfg.Worker.DefaultDirectory {
		sections = append(sections, "worker")
	}
	return sections
}

// watchConfig reloads path whenever it changes until the daemon stops. The
// directory is watched so that editors replacing the file atomically are
// still seen.
func (d *Daemon) watchConfig(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	var (
		reloadMu    sync.Mutex
		reloadTimer *time.Timer
	)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-d.ctx.Done():
				reloadMu.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadMu.Unlock()
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				d.logger.Debug("Filesystem event on config file", "event", event.Op.String(), "file", event.Name)
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
					continue
				}

				reloadMu.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(configReloadDelay, func() {
					if d.ctx.Err() != nil {
						return
					}
					d.logger.Info("Configuration file changed, reloading...", "file", path)
					if err := d.reloadConfig(path); err == nil {
						d.logger.Info("Configuration reloaded successfully")
					}
				})
				reloadMu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.Error("Config file watcher error", "error", err)
			}
		}
	}()
	return nil
}
