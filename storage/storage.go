// Package storage archives published device events.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/sensor-trans/config"
	"github.com/eddielth/sensor-trans/logger"
	"github.com/eddielth/sensor-trans/transformer"
)

// Backend is an event archive
type Backend interface {
	// Store archives one round of events
	Store(ctx context.Context, events []transformer.DeviceEvent) error
	// Close releases the backend connection
	Close() error
}

// Manager fans events out to several backends
type Manager struct {
	backends []Backend
	mutex    sync.RWMutex
}

// NewManager creates a manager over backends
func NewManager(backends []Backend) *Manager {
	return &Manager{
		backends: backends,
	}
}

// NewManagerFromConfig opens every enabled backend. On error the backends
// already opened are closed.
func NewManagerFromConfig(cfg config.StorageConfig) (*Manager, error) {
	m := NewManager(nil)

	if cfg.File.Enabled {
		fs, err := NewFileStorage(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		m.AddBackend(fs)
	}

	if cfg.Database.Enabled {
		db, err := NewDatabaseStorage(cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to initialize database storage: %w", err)
		}
		m.AddBackend(db)
	}

	if cfg.InfluxDB.Enabled {
		influx, err := NewInfluxStorage(cfg.InfluxDB)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to initialize InfluxDB storage: %w", err)
		}
		m.AddBackend(influx)
	}

	return m, nil
}

// Store writes events to every backend. A failing backend is logged and
// does not stop the others.
func (m *Manager) Store(ctx context.Context, events []transformer.DeviceEvent) {
	if len(events) == 0 {
		return
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, backend := range m.backends {
		if err := backend.Store(ctx, events); err != nil {
			logger.Error("failed to archive events: %v", err)
		}
	}
}

// Len returns the number of backends
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.backends)
}

// Close closes all backends
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var errs []error
	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close storage backend: %v", err)
			errs = append(errs, err)
		}
	}
	m.backends = nil
	return errors.Join(errs...)
}

// AddBackend adds a backend
func (m *Manager) AddBackend(backend Backend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}

// groupByDeviceType splits events by device type, keeping their order
func groupByDeviceType(events []transformer.DeviceEvent) map[string][]transformer.DeviceEvent {
	groups := make(map[string][]transformer.DeviceEvent)
	for _, event := range events {
		groups[event.DeviceType] = append(groups[event.DeviceType], event)
	}
	return groups
}
