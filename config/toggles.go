package config

import "sync/atomic"

// Toggles holds the feature switches shared by the pipeline components.
// Values can be flipped by a config reload while a round is running; each
// component reads them once per step.
type Toggles struct {
	deviceFilter  atomic.Bool
	createDevices atomic.Bool
}

// NewToggles creates toggles from the loaded features
func NewToggles(f FeaturesConfig) *Toggles {
	t := &Toggles{}
	t.Apply(f)
	return t
}

// Apply stores new feature values
func (t *Toggles) Apply(f FeaturesConfig) {
	t.deviceFilter.Store(f.DeviceFilter)
	t.createDevices.Store(f.CreateDevices)
}

// DeviceFilter reports whether only inventory-known sensors are processed
func (t *Toggles) DeviceFilter() bool {
	return t.deviceFilter.Load()
}

// CreateDevices reports whether unseen devices are registered downstream
func (t *Toggles) CreateDevices() bool {
	return t.createDevices.Load()
}
