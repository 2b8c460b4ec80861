package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/sensor-trans/config"
	"github.com/eddielth/sensor-trans/inventory"
	"github.com/eddielth/sensor-trans/platform"
	"github.com/eddielth/sensor-trans/publisher"
	"github.com/eddielth/sensor-trans/source"
	"github.com/eddielth/sensor-trans/transformer"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

// recorder keeps the order in which pipeline steps ran
type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recorder) count(step string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.steps {
		if s == step {
			n++
		}
	}
	return n
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

type fakeClock struct {
	ticks chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{ticks: make(chan time.Time)}
}

func (c *fakeClock) Now() time.Time                       { return time.Now() }
func (c *fakeClock) After(time.Duration) <-chan time.Time { return c.ticks }

type fakePlatform struct {
	err       error
	connected bool
}

func (f *fakePlatform) Connect() error {
	f.connected = true
	return nil
}

func (f *fakePlatform) RegisterDeviceType(context.Context, string) error {
	return f.err
}

type fakeSource struct {
	rec *recorder
	// block makes FetchAll wait for the round context to end
	block bool
}

func (f *fakeSource) ListPlaces(context.Context) []source.Place {
	f.rec.add("places")
	return []source.Place{{ID: "P1", Name: "Home"}}
}

func (f *fakeSource) FetchAll(ctx context.Context, _ []source.Place) []source.ReadingBatch {
	f.rec.add("fetch")
	if f.block {
		<-ctx.Done()
		f.rec.add("fetch-cancelled")
		return nil
	}
	return []source.ReadingBatch{{"S1": {{SNID: "S1"}}}}
}

type fakeInventory struct{ rec *recorder }

func (f *fakeInventory) UserLookup(context.Context) inventory.UserLookup {
	f.rec.add("inventory")
	return inventory.UserLookup{"S1": "U1"}
}

type fakeConverter struct {
	rec   *recorder
	mu    sync.Mutex
	users []inventory.UserLookup
	panic bool
}

func (f *fakeConverter) Convert(_ []source.ReadingBatch, users inventory.UserLookup) []transformer.DeviceEvent {
	f.rec.add("convert")
	f.mu.Lock()
	f.users = append(f.users, users)
	shouldPanic := f.panic
	f.panic = false
	f.mu.Unlock()

	if shouldPanic {
		panic("converter exploded")
	}
	return []transformer.DeviceEvent{{DeviceType: "Wally", SNID: "S1"}}
}

type passRegistrar struct{ rec *recorder }

func (f *passRegistrar) RegisterAll(_ context.Context, events []transformer.DeviceEvent) []transformer.DeviceEvent {
	f.rec.add("register")
	return events
}

type blockingPublisher struct {
	rec     *recorder
	release chan struct{}
	failed  bool
}

func (f *blockingPublisher) PublishAll(_ context.Context, events []transformer.DeviceEvent) publisher.Result {
	f.rec.add("publish-start")
	if f.release != nil {
		<-f.release
	}
	f.rec.add("publish-end")
	if f.failed {
		return publisher.Result{Failed: len(events)}
	}
	return publisher.Result{Sent: len(events)}
}

type fakeArchiver struct{ rec *recorder }

func (f *fakeArchiver) Store(context.Context, []transformer.DeviceEvent) {
	f.rec.add("archive")
}

type harness struct {
	rec       *recorder
	source    *fakeSource
	clock     *fakeClock
	platform  *fakePlatform
	converter *fakeConverter
	publisher *blockingPublisher
	toggles   *config.Toggles
	poller    *Poller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		rec:       rec,
		source:    &fakeSource{rec: rec},
		clock:     newFakeClock(),
		platform:  &fakePlatform{},
		converter: &fakeConverter{rec: rec},
		publisher: &blockingPublisher{rec: rec},
		toggles:   config.NewToggles(config.FeaturesConfig{}),
	}
	h.poller = New(Options{DeviceType: "Wally", Interval: time.Minute}, Deps{
		Platform:  h.platform,
		Source:    h.source,
		Inventory: &fakeInventory{rec: rec},
		Converter: h.converter,
		Registrar: &passRegistrar{rec: rec},
		Publisher: h.publisher,
		Archiver:  &fakeArchiver{rec: rec},
		Toggles:   h.toggles,
		Clock:     h.clock,
	})
	t.Cleanup(h.poller.Stop)
	return h
}

// advance releases the poll loop from its wait without blocking the test
func (h *harness) advance() {
	go func() {
		select {
		case h.clock.ticks <- time.Now():
		case <-time.After(waitFor):
		}
	}()
}

func TestStartRunsFirstRoundImmediately(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.poller.Start(context.Background()))
	assert.True(t, h.platform.connected)
	assert.Equal(t, StatePolling, h.poller.State())

	require.Eventually(t, func() bool { return h.poller.Rounds() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"places", "fetch", "convert", "register", "publish-start", "publish-end", "archive"},
		h.rec.snapshot())
}

func TestNextRoundWaitsForPublishToSettle(t *testing.T) {
	h := newHarness(t)
	h.publisher.release = make(chan struct{})

	require.NoError(t, h.poller.Start(context.Background()))
	require.Eventually(t, func() bool { return h.rec.count("publish-start") == 1 }, waitFor, tick)

	h.advance()
	assert.Never(t, func() bool { return h.rec.count("places") > 1 }, 50*time.Millisecond, tick)

	close(h.publisher.release)
	require.Eventually(t, func() bool { return h.rec.count("places") == 2 }, waitFor, tick)

	steps := h.rec.snapshot()
	var end, second int
	for i, s := range steps {
		if s == "publish-end" && end == 0 {
			end = i
		}
		if s == "places" && i > 0 {
			second = i
			break
		}
	}
	assert.Less(t, end, second)
}

func TestPanicInRoundDoesNotStopLoop(t *testing.T) {
	h := newHarness(t)
	h.converter.panic = true

	require.NoError(t, h.poller.Start(context.Background()))
	require.Eventually(t, func() bool { return h.poller.Rounds() == 1 }, waitFor, tick)
	assert.Zero(t, h.rec.count("publish-start"))

	h.advance()
	require.Eventually(t, func() bool { return h.poller.Rounds() == 2 }, waitFor, tick)
	assert.Equal(t, 1, h.rec.count("publish-start"))
}

func TestRoundTimeoutEndsBlockedRound(t *testing.T) {
	h := newHarness(t)
	h.source.block = true
	h.poller.roundTimeout = 30 * time.Millisecond

	require.NoError(t, h.poller.Start(context.Background()))
	require.Eventually(t, func() bool { return h.poller.Rounds() == 1 }, waitFor, tick)
	assert.Equal(t, 1, h.rec.count("fetch-cancelled"))
	assert.Equal(t, 1, h.rec.count("publish-end"))

	h.advance()
	require.Eventually(t, func() bool { return h.poller.Rounds() == 2 }, waitFor, tick)
	assert.Equal(t, 2, h.rec.count("fetch-cancelled"))
	assert.Equal(t, StatePolling, h.poller.State())
}

func TestInventorySkippedWhenFilterDisabled(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.poller.Start(context.Background()))
	require.Eventually(t, func() bool { return h.poller.Rounds() == 1 }, waitFor, tick)
	assert.Zero(t, h.rec.count("inventory"))

	h.toggles.Apply(config.FeaturesConfig{DeviceFilter: true})
	h.advance()
	require.Eventually(t, func() bool { return h.poller.Rounds() == 2 }, waitFor, tick)
	assert.Equal(t, 1, h.rec.count("inventory"))

	h.converter.mu.Lock()
	defer h.converter.mu.Unlock()
	require.Len(t, h.converter.users, 2)
	assert.Empty(t, h.converter.users[0])
	assert.Equal(t, "U1", h.converter.users[1]["S1"])
}

func TestArchiveSkippedWhenNothingSent(t *testing.T) {
	h := newHarness(t)
	h.publisher.failed = true

	require.NoError(t, h.poller.Start(context.Background()))
	require.Eventually(t, func() bool { return h.poller.Rounds() == 1 }, waitFor, tick)
	assert.Zero(t, h.rec.count("archive"))
}

func TestStartToleratesExistingDeviceType(t *testing.T) {
	h := newHarness(t)
	h.platform.err = &platform.APIError{Status: http.StatusConflict, Path: "/api/v0002/device/types"}

	require.NoError(t, h.poller.Start(context.Background()))
	require.Eventually(t, func() bool { return h.poller.Rounds() == 1 }, waitFor, tick)
}

func TestStartFailsOnDeviceTypeError(t *testing.T) {
	h := newHarness(t)
	h.platform.err = &platform.APIError{Status: http.StatusUnauthorized}

	err := h.poller.Start(context.Background())
	require.Error(t, err)

	var apiErr *platform.APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, StateStopped, h.poller.State())
	assert.Zero(t, h.rec.count("places"))
}

func TestStopEndsLoop(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.poller.Start(context.Background()))
	require.Eventually(t, func() bool { return h.poller.Rounds() == 1 }, waitFor, tick)

	h.poller.Stop()
	assert.Equal(t, StateStopped, h.poller.State())
	assert.ErrorIs(t, h.poller.Start(context.Background()), ErrAlreadyStarted)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
