package features

import (
	"sort"
	"sync"
)

// Flag names.
const (
	// ExpirySweeper runs the periodic expiry sweep over active groups.
	ExpirySweeper = "expiry_sweeper"
	// PushNotifications delivers lifecycle notices to users' devices.
	PushNotifications = "push_notifications"
	// RealtimeSource subscribes to the backend's change feed.
	RealtimeSource = "realtime_source"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{flags: make(map[string]*FeatureFlag)}
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled. Unknown flags are disabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	return exists && flag.Enabled
}

// Set changes a registered flag. It reports whether the flag exists.
func (m *Manager) Set(name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	flag, exists := m.flags[name]
	if exists {
		flag.Enabled = enabled
	}
	return exists
}

// All returns a copy of every flag, sorted by name.
func (m *Manager) All() []FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]FeatureFlag, 0, len(m.flags))
	for _, f := range m.flags {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
