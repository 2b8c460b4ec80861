// Package registrar registers devices with the downstream platform the first
// time one of their events is seen.
package registrar

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eddielth/sensor-trans/config"
	"github.com/eddielth/sensor-trans/logger"
	"github.com/eddielth/sensor-trans/platform"
	"github.com/eddielth/sensor-trans/transformer"
)

// DeviceRegisterer creates a device on the platform
type DeviceRegisterer interface {
	RegisterDevice(ctx context.Context, deviceType, serial, authToken string, info platform.DeviceInfo) error
}

// Options configures a Registrar
type Options struct {
	DeviceType   string
	Manufacturer string
	DeviceToken  string
	Concurrency  int
	// RetryFailed lets a device whose registration failed be tried again in
	// a later round. Off by default: a failed device is attempted once per
	// process lifetime.
	RetryFailed bool
}

// Registrar tracks the devices attempted during this process lifetime
type Registrar struct {
	client  DeviceRegisterer
	toggles *config.Toggles
	opts    Options

	mu         sync.Mutex
	attempted  map[string]struct{}
	registered map[string]struct{}
}

// New creates a Registrar
func New(client DeviceRegisterer, toggles *config.Toggles, opts Options) *Registrar {
	return &Registrar{
		client:     client,
		toggles:    toggles,
		opts:       opts,
		attempted:  make(map[string]struct{}),
		registered: make(map[string]struct{}),
	}
}

// RegisterAll registers the devices of events not seen before and returns
// events unchanged. Failures are logged per device and never returned.
func (r *Registrar) RegisterAll(ctx context.Context, events []transformer.DeviceEvent) []transformer.DeviceEvent {
	if !r.toggles.CreateDevices() {
		logger.Info("creating devices is disabled")
		return events
	}

	logger.Info("will create devices")

	g, gctx := errgroup.WithContext(ctx)
	if r.opts.Concurrency > 0 {
		g.SetLimit(r.opts.Concurrency)
	}

	for _, event := range events {
		if !r.claim(event.SNID) {
			logger.Debug("device already created %s", event.SNID)
			continue
		}

		g.Go(func() error {
			r.register(gctx, event)
			return nil
		})
	}
	_ = g.Wait()

	return events
}

// claim marks snid as attempted and reports whether the caller should
// register it.
func (r *Registrar) claim(snid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.attempted[snid]; ok {
		return false
	}
	r.attempted[snid] = struct{}{}
	return true
}

func (r *Registrar) register(ctx context.Context, event transformer.DeviceEvent) {
	info := r.describe(event)

	err := r.client.RegisterDevice(ctx, r.opts.DeviceType, event.SNID, r.opts.DeviceToken, info)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		if r.opts.RetryFailed {
			delete(r.attempted, event.SNID)
		}
		logger.Warn("registerDevice failed for %s: %v", event.SNID, err)
		return
	}

	r.registered[event.SNID] = struct{}{}
	logger.Info("registered device %s", event.SNID)
}

// describe builds the registration info from the event shape
func (r *Registrar) describe(event transformer.DeviceEvent) platform.DeviceInfo {
	if event.IsActivity() {
		hwType := event.ViewParam("hwType")
		return platform.DeviceInfo{
			SerialNumber:        event.SNID,
			Manufacturer:        r.opts.Manufacturer,
			Description:         hwType,
			HwVersion:           hwType,
			DescriptiveLocation: event.ViewParam("location"),
		}
	}

	return platform.DeviceInfo{
		SerialNumber: event.SNID,
		Manufacturer: r.opts.Manufacturer,
		Description:  event.Type,
		HwVersion:    event.HwType,
		DescriptiveLocation: fmt.Sprintf("%s,%s,%s",
			event.Location.Floor, event.Location.Room, event.Location.Appliance),
	}
}

// IsRegistered reports whether snid was registered successfully
func (r *Registrar) IsRegistered(snid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registered[snid]
	return ok
}

// Registered returns the number of devices registered successfully
func (r *Registrar) Registered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered)
}
