package db

import (
	"context"
	"fmt"
	"sync"

	"sql-proxy/internal/config"
)

// Manager manages the set of connections declared in the config graph
// (spec.md §4.5). The cache engine's catalog is opened separately, by
// OpenCacheCatalog.
type Manager struct {
	connections map[string]Driver
	mu          sync.RWMutex
}

// NewManager opens a driver for every declared connection.
func NewManager(conns map[string]*config.Connection) (*Manager, error) {
	m := &Manager{connections: make(map[string]Driver, len(conns))}

	for name, cfg := range conns {
		drv, err := NewDriver(cfg)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to connect to database %s: %w", name, err)
		}
		m.connections[name] = drv
	}

	return m, nil
}

// Get returns the driver for the named connection.
func (m *Manager) Get(name string) (Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	drv, ok := m.connections[name]
	if !ok {
		return nil, fmt.Errorf("unknown database connection: %s", name)
	}
	return drv, nil
}

// Names returns all connection names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	return names
}

// IsReadOnly returns whether the named connection is read-only.
func (m *Manager) IsReadOnly(name string) (bool, error) {
	drv, err := m.Get(name)
	if err != nil {
		return false, err
	}
	return drv.IsReadOnly(), nil
}

// Close closes all database connections.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, drv := range m.connections {
		if err := drv.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close connection %s: %w", name, err)
		}
	}
	m.connections = make(map[string]Driver)
	return firstErr
}

// Ping checks connectivity to all databases. Returns a map of connection
// name -> error (nil if healthy).
func (m *Manager) Ping(ctx context.Context) map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]error)
	for name, drv := range m.connections {
		results[name] = drv.Ping(ctx)
	}
	return results
}

// PingAll returns true if all connections are healthy.
func (m *Manager) PingAll(ctx context.Context) bool {
	for _, err := range m.Ping(ctx) {
		if err != nil {
			return false
		}
	}
	return true
}

// Reconnect attempts to reconnect a specific database.
func (m *Manager) Reconnect(name string) error {
	m.mu.RLock()
	drv, ok := m.connections[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown database connection: %s", name)
	}
	return drv.Reconnect()
}

// ReconnectAll attempts to reconnect all databases.
func (m *Manager) ReconnectAll() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]error)
	for name, drv := range m.connections {
		results[name] = drv.Reconnect()
	}
	return results
}

// Count returns the number of configured connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// OpenCacheCatalog opens (or creates) the embedded SQLite database backing
// the cache engine's "cache" catalog (spec.md §4.7: internal catalog
// "cache" holds user cache tables plus the _snapshots metadata table). It
// is a dedicated SQLiteDriver, not one of the declared Connections, since
// the cache store is process-owned infrastructure rather than a
// user-configured data source.
func OpenCacheCatalog(path string) (*SQLiteDriver, error) {
	return NewSQLiteDriver(&config.Connection{
		Name:       "cache",
		Properties: map[string]string{"driver": "sqlite", "path": path},
	})
}
