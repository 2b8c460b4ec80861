// Package publisher sends device events to the platform as MQTT events.
package publisher

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/eddielth/sensor-trans/logger"
	"github.com/eddielth/sensor-trans/transformer"
)

const (
	eventName   = "event"
	eventFormat = "json"
)

// EventSender publishes a single device event
type EventSender interface {
	PublishEvent(ctx context.Context, deviceType, deviceID, event, format string, payload []byte) error
}

// Result counts the outcome of a PublishAll call
type Result struct {
	Sent   int
	Failed int
}

// Publisher fans events out to an EventSender
type Publisher struct {
	sender      EventSender
	concurrency int
}

// New creates a Publisher. concurrency <= 0 means unbounded.
func New(sender EventSender, concurrency int) *Publisher {
	return &Publisher{sender: sender, concurrency: concurrency}
}

// PublishAll publishes every event and waits for all of them to settle.
// A failed event is logged and counted; it never stops the others.
func (p *Publisher) PublishAll(ctx context.Context, events []transformer.DeviceEvent) Result {
	var sent, failed atomic.Int64

	g := new(errgroup.Group)
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}

	for _, event := range events {
		g.Go(func() error {
			if err := p.publish(ctx, event); err != nil {
				failed.Add(1)
				logger.Error("failed to publish event for %s: %v", event.SNID, err)
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Sent: int(sent.Load()), Failed: int(failed.Load())}
	if len(events) > 0 {
		logger.Info("published %d events, %d failed", res.Sent, res.Failed)
	}
	return res
}

func (p *Publisher) publish(ctx context.Context, event transformer.DeviceEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	logger.Debug("publishing event for %s: %s", event.SNID, payload)
	return p.sender.PublishEvent(ctx, event.DeviceType, event.SNID, eventName, eventFormat, payload)
}
