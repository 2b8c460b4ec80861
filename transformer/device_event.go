package transformer

import "encoding/json"

// DataType classifies the shape of a device event
type DataType string

const (
	// DataTypeEvent is a raw sensor event carrying trait states
	DataTypeEvent DataType = "EVENT"
	// DataTypeActivity is a derived activity carrying view parameters
	DataTypeActivity DataType = "ACTIVITY"
	// DataTypeUnknown has neither payload nor view parameters
	DataTypeUnknown DataType = "UNKNOWN"
)

// Location is where a sensor is installed
type Location struct {
	Room      string `json:"room"`
	Floor     string `json:"floor"`
	Appliance string `json:"appliance"`
}

// DeviceEvent is the normalized event published downstream
type DeviceEvent struct {
	DeviceType  string          `json:"deviceType"`
	ID          string          `json:"id"`
	SNID        string          `json:"snid"`
	GatewayID   string          `json:"gatewayId"`
	Type        string          `json:"type"`
	HwType      string          `json:"hwType"`
	Location    Location        `json:"location"`
	UserID      *string         `json:"userId,omitempty"`
	DataType    DataType        `json:"data_type"`
	TraitStates json.RawMessage `json:"traitStates,omitempty"`
	ViewParams  map[string]any  `json:"viewParams,omitempty"`
	EventID     string          `json:"eventId,omitempty"`
}

// IsActivity reports whether the event carries view parameters
func (e DeviceEvent) IsActivity() bool {
	return e.ViewParams != nil
}

// User returns the owning user id and whether the inventory knew the device.
// A known device may have an empty user id.
func (e DeviceEvent) User() (string, bool) {
	if e.UserID == nil {
		return "", false
	}
	return *e.UserID, true
}

// ViewParam returns a view parameter as a string, or "" when absent
func (e DeviceEvent) ViewParam(key string) string {
	if v, ok := e.ViewParams[key].(string); ok {
		return v
	}
	return ""
}
