package config

import "sync"

// ChangeCallback is invoked after a successful Update call.
type ChangeCallback func(oldConfig, newConfig *Config)

// Manager holds the live configuration and notifies subscribers when it
// changes. The daemon does not construct one: the scheduler and
// transport layer read their values once at startup.
type Manager struct {
	mu        sync.RWMutex
	current   *Config
	callbacks []ChangeCallback
}

// NewManager wraps an already-validated Config.
func NewManager(cfg *Config) *Manager {
	return &Manager{current: cfg}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update validates cfg and, if it passes, swaps it in and notifies
// subscribers with a deep-copied snapshot of the previous config.
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	old := m.current.DeepCopy()
	m.current = cfg
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, cfg)
	}
	return nil
}

// OnConfigChange registers cb to run after every successful Update.
func (m *Manager) OnConfigChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}
