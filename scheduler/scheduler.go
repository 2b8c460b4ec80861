// Package scheduler drives the polling rounds: fetch, transform, register,
// publish and archive, then wait for the poll interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eddielth/sensor-trans/config"
	"github.com/eddielth/sensor-trans/inventory"
	"github.com/eddielth/sensor-trans/logger"
	"github.com/eddielth/sensor-trans/platform"
	"github.com/eddielth/sensor-trans/publisher"
	"github.com/eddielth/sensor-trans/source"
	"github.com/eddielth/sensor-trans/transformer"
)

// ErrAlreadyStarted is returned by Start on a poller that is not idle
var ErrAlreadyStarted = errors.New("scheduler: poller already started")

// State is the lifecycle state of a Poller
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Platform is the startup side of the downstream platform
type Platform interface {
	Connect() error
	RegisterDeviceType(ctx context.Context, name string) error
}

// Source fetches places and their reading feeds
type Source interface {
	ListPlaces(ctx context.Context) []source.Place
	FetchAll(ctx context.Context, places []source.Place) []source.ReadingBatch
}

// Inventory resolves vendor ids to user ids
type Inventory interface {
	UserLookup(ctx context.Context) inventory.UserLookup
}

// Converter turns reading batches into device events
type Converter interface {
	Convert(batches []source.ReadingBatch, users inventory.UserLookup) []transformer.DeviceEvent
}

// Registrar registers the devices of new events
type Registrar interface {
	RegisterAll(ctx context.Context, events []transformer.DeviceEvent) []transformer.DeviceEvent
}

// Publisher sends events downstream
type Publisher interface {
	PublishAll(ctx context.Context, events []transformer.DeviceEvent) publisher.Result
}

// Archiver stores published events
type Archiver interface {
	Store(ctx context.Context, events []transformer.DeviceEvent)
}

// Deps are the collaborators of a Poller. Archiver and Clock are optional.
type Deps struct {
	Platform  Platform
	Source    Source
	Inventory Inventory
	Converter Converter
	Registrar Registrar
	Publisher Publisher
	Archiver  Archiver
	Toggles   *config.Toggles
	Clock     Clock
}

// Options configures a Poller
type Options struct {
	DeviceType   string
	Interval     time.Duration
	RoundTimeout time.Duration
}

// Poller runs polling rounds strictly one after another
type Poller struct {
	deps         Deps
	deviceType   string
	roundTimeout time.Duration
	interval     time.Duration

	state  atomic.Int32
	rounds atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle Poller
func New(opts Options, deps Deps) *Poller {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}

	return &Poller{
		deps:         deps,
		deviceType:   opts.DeviceType,
		roundTimeout: opts.RoundTimeout,
		interval:     opts.Interval,
	}
}

// Start connects to the platform, ensures the device type exists and
// launches the poll loop, which runs its first round immediately. An existing
// device type is not an error; any other startup failure is returned and no
// round runs.
func (p *Poller) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StatePolling)) {
		return ErrAlreadyStarted
	}

	if err := p.bootstrap(ctx); err != nil {
		p.state.Store(int32(StateStopped))
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.run(loopCtx, done)
	return nil
}

func (p *Poller) bootstrap(ctx context.Context) error {
	if err := p.deps.Platform.Connect(); err != nil {
		return fmt.Errorf("failed to connect to platform: %w", err)
	}

	err := p.deps.Platform.RegisterDeviceType(ctx, p.deviceType)
	switch {
	case err == nil:
		logger.Info("created device type %s", p.deviceType)
	case platform.IsConflict(err):
		logger.Info("device type %s already exists", p.deviceType)
	default:
		return fmt.Errorf("failed to create device type %s: %w", p.deviceType, err)
	}
	return nil
}

// Stop cancels the poll loop and waits for the current round to return
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	p.state.Store(int32(StateStopped))
}

// State returns the lifecycle state
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Rounds returns the number of completed rounds
func (p *Poller) Rounds() uint64 {
	return p.rounds.Load()
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		p.guardedRound(ctx)

		logger.Info("next poll in %v minutes", p.interval.Minutes())

		select {
		case <-ctx.Done():
			logger.Info("poll loop stopped after %d rounds", p.Rounds())
			return
		case <-p.deps.Clock.After(p.interval):
		}
	}
}

// guardedRound runs one round and keeps a panic from ending the loop
func (p *Poller) guardedRound(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("poll round panicked: %v\n%s", r, debug.Stack())
		}
		p.rounds.Add(1)
	}()

	if p.roundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.roundTimeout)
		defer cancel()
	}

	p.round(ctx)
}

func (p *Poller) round(ctx context.Context) {
	start := p.deps.Clock.Now()
	logger.Info("starting poll round %d", p.Rounds()+1)

	places := p.deps.Source.ListPlaces(ctx)
	logger.Debug("fetched %d places", len(places))

	var (
		users   inventory.UserLookup
		batches []source.ReadingBatch
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if p.deps.Toggles.DeviceFilter() {
			users = p.deps.Inventory.UserLookup(gctx)
		} else {
			users = inventory.UserLookup{}
		}
		return nil
	})
	g.Go(func() error {
		batches = p.deps.Source.FetchAll(gctx, places)
		return nil
	})
	_ = g.Wait()

	events := p.deps.Converter.Convert(batches, users)
	logger.Info("got %d new events", len(events))

	events = p.deps.Registrar.RegisterAll(ctx, events)
	res := p.deps.Publisher.PublishAll(ctx, events)

	if p.deps.Archiver != nil && res.Sent > 0 {
		p.deps.Archiver.Store(ctx, events)
	}

	logger.Info("poll round finished in %s: %d sent, %d failed",
		p.deps.Clock.Now().Sub(start).Round(time.Millisecond), res.Sent, res.Failed)
}
