// watcher.go: Hot reload of the gateway configuration
package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// OnChange registers fn to run after every successful reload. Register
// subscribers before calling Watch.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Watch starts pushing edits of the loaded file through reload. A manager
// loaded without a file has nothing to watch.
func (m *Manager) Watch() {
	m.mu.RLock()
	path := m.path
	m.mu.RUnlock()
	if path == "" {
		m.logger.Debug("config watch skipped, no config file in use")
		return
	}

	m.v.OnConfigChange(func(e fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", e.Name))
		m.reload()
	})
	m.v.WatchConfig()
	m.logger.Info("watching config file", zap.String("file", path))
}

// reload re-reads the watched file and swaps the active snapshot. A file
// that no longer parses or validates is logged and ignored; the previous
// configuration stays in force.
func (m *Manager) reload() {
	if err := m.v.ReadInConfig(); err != nil {
		m.logger.Error("config reload failed, keeping previous configuration", zap.Error(err))
		return
	}
	cfg, err := m.unmarshal()
	if err != nil {
		m.logger.Error("config reload rejected, keeping previous configuration", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.current = cfg
	callbacks := make([]func(*Config), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
	m.logger.Info("configuration reloaded")
}
