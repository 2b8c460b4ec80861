// Package cursor tracks the last delivered reading time of every sensor so
// readings returned again by overlapping feed windows are not re-sent.
package cursor

import (
	"sync"

	"github.com/eddielth/sensor-trans/source"
)

// Cursor is a per-sensor high-water mark of reading times. Times are
// compared as strings; the source emits sortable ISO-8601 values. Entries
// are never removed, so memory grows with the number of distinct sensors.
type Cursor struct {
	mu   sync.RWMutex
	last map[string]string
}

// New creates an empty cursor
func New() *Cursor {
	return &Cursor{last: make(map[string]string)}
}

// ShouldAdmit reports whether reading is newer than the stored mark. A sensor
// without a mark admits everything.
func (c *Cursor) ShouldAdmit(sensorID string, reading source.RawReading) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return reading.Time > c.last[sensorID]
}

// Advance stores reading's time as the sensor's mark. Callers advance in
// the order readings were admitted.
func (c *Cursor) Advance(sensorID string, reading source.RawReading) {
	c.mu.Lock()
	c.last[sensorID] = reading.Time
	c.mu.Unlock()
}

// Last returns the stored mark of a sensor
func (c *Cursor) Last(sensorID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last[sensorID]
}

// Len returns the number of tracked sensors
func (c *Cursor) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.last)
}
