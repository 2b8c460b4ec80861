// Package transformer turns raw sensor readings into normalized device
// events.
package transformer

import (
	"errors"
	"sort"

	"github.com/eddielth/sensor-trans/config"
	"github.com/eddielth/sensor-trans/cursor"
	"github.com/eddielth/sensor-trans/inventory"
	"github.com/eddielth/sensor-trans/logger"
	"github.com/eddielth/sensor-trans/source"
	"github.com/eddielth/sensor-trans/validator"
)

// EventTransformer converts reading batches to device events. It consults
// the shared cursor so a reading is turned into an event at most once.
type EventTransformer struct {
	deviceType string
	cursor     *cursor.Cursor
	toggles    *config.Toggles
	validator  validator.Validator
	scripts    *ScriptManager
}

// Option configures an EventTransformer
type Option func(*EventTransformer)

// WithScripts applies per data_type scripts to built events
func WithScripts(scripts *ScriptManager) Option {
	return func(t *EventTransformer) {
		t.scripts = scripts
	}
}

// WithStrictTimestamps additionally rejects readings whose time is not
// RFC3339
func WithStrictTimestamps(strict bool) Option {
	return func(t *EventTransformer) {
		if strict {
			t.validator = validator.Chain{
				requiredFields(),
				&validator.TimestampValidator{Field: "Time"},
			}
		}
	}
}

func requiredFields() validator.Validator {
	return &validator.RequiredValidator{Fields: []string{"Time", "Gateway"}}
}

// NewEventTransformer creates a transformer
func NewEventTransformer(deviceType string, c *cursor.Cursor, toggles *config.Toggles, opts ...Option) *EventTransformer {
	t := &EventTransformer{
		deviceType: deviceType,
		cursor:     c,
		toggles:    toggles,
		validator:  requiredFields(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Convert turns every batch into events. Output order follows batch order,
// then sensor id order within a batch, then reading order.
func (t *EventTransformer) Convert(batches []source.ReadingBatch, users inventory.UserLookup) []DeviceEvent {
	filter := t.toggles.DeviceFilter()
	events := []DeviceEvent{}

	for _, batch := range batches {
		sensorIDs := make([]string, 0, len(batch))
		for id := range batch {
			sensorIDs = append(sensorIDs, id)
		}
		sort.Strings(sensorIDs)

		for _, sensorID := range sensorIDs {
			readings := batch[sensorID]
			if len(readings) == 0 {
				continue
			}

			gatewayID := readings[0].Gateway
			if filter && !users.Has(sensorID) && !users.Has(gatewayID) {
				logger.Warn("unknown sensor %s (gateway %s), skipping", sensorID, gatewayID)
				continue
			}

			logger.Debug("sensorId: %s, lastEventTime: %q", sensorID, t.cursor.Last(sensorID))

			userID, hasUser := users[sensorID]
			events = append(events, t.convertReadings(sensorID, userID, hasUser, readings)...)
		}
	}

	return events
}

func (t *EventTransformer) convertReadings(sensorID, userID string, hasUser bool, readings []source.RawReading) []DeviceEvent {
	events := make([]DeviceEvent, 0, len(readings))

	for _, reading := range readings {
		if err := t.validator.Validate(reading); err != nil {
			logger.Warn("skipping malformed reading %s of sensor %s: %v", reading.ID, sensorID, err)
			continue
		}

		if !t.cursor.ShouldAdmit(sensorID, reading) {
			continue
		}

		event := t.buildEvent(reading)
		if hasUser {
			user := userID
			event.UserID = &user
		}

		event, keep := t.applyScript(event)
		if keep {
			events = append(events, event)
		}

		t.cursor.Advance(sensorID, reading)
	}

	return events
}

func (t *EventTransformer) buildEvent(reading source.RawReading) DeviceEvent {
	event := DeviceEvent{
		DeviceType: t.deviceType,
		ID:         reading.ID.String(),
		SNID:       reading.SNID,
		GatewayID:  reading.Gateway,
		Type:       reading.Type,
		HwType:     reading.HwType,
		Location: Location{
			Room:      reading.Room,
			Floor:     reading.Floor,
			Appliance: reading.Appliance,
		},
	}

	switch {
	case reading.HasPayload():
		event.DataType = DataTypeEvent
		event.TraitStates = reading.TraitStates
		if len(event.TraitStates) == 0 {
			event.TraitStates = reading.Payload
		}
	case reading.HasViewParams():
		event.DataType = DataTypeActivity
		event.ViewParams = reading.ViewParams
		event.EventID = reading.EventID
	default:
		event.DataType = DataTypeUnknown
	}

	return event
}

func (t *EventTransformer) applyScript(event DeviceEvent) (DeviceEvent, bool) {
	if !t.scripts.Has(event.DataType) {
		return event, true
	}

	out, err := t.scripts.Apply(event)
	switch {
	case errors.Is(err, ErrEventDropped):
		logger.Debug("script dropped event %s of %s", event.ID, event.SNID)
		return event, false
	case err != nil:
		logger.Warn("script failed for event %s of %s, keeping original: %v", event.ID, event.SNID, err)
		return event, true
	}
	return out, true
}
