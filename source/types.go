package source

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Place is a physical site returned by the account lookup
type Place struct {
	ID   FlexString `json:"id"`
	Name string     `json:"name,omitempty"`
}

// Account groups places for one sensor source account
type Account struct {
	ID     FlexString `json:"id"`
	Places []Place    `json:"places"`
}

// RawReading is a single reading from the events or activities feed
type RawReading struct {
	ID          FlexString      `json:"id"`
	SNID        string          `json:"snid"`
	Gateway     string          `json:"gateway"`
	Type        string          `json:"type"`
	HwType      string          `json:"hwType"`
	Time        string          `json:"time"`
	Room        string          `json:"room"`
	Floor       string          `json:"floor"`
	Appliance   string          `json:"appliance"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TraitStates json.RawMessage `json:"traitStates,omitempty"`
	ViewParams  map[string]any  `json:"viewParams,omitempty"`
	EventID     string          `json:"eventId,omitempty"`
}

// HasPayload reports whether the reading carries a non-null payload
func (r RawReading) HasPayload() bool {
	return present(r.Payload)
}

// HasViewParams reports whether the reading carries view parameters
func (r RawReading) HasViewParams() bool {
	return r.ViewParams != nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// ReadingBatch maps a sensor id to its readings, in source order, for one
// place and feed.
type ReadingBatch map[string][]RawReading

// FlexString decodes a JSON string or number into a string
type FlexString string

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// String returns the underlying value
func (f FlexString) String() string {
	return string(f)
}
