package mqtt

import "github.com/nugget/keypresence/internal/buildinfo"

// DeviceInfo is the Home Assistant device registry block shared by
// every discovery payload this keypad publishes.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published retained on every broker (re-)connect when
// discovery is enabled.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	ValueTemplate     string     `json:"value_template,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	Options           []string   `json:"options,omitempty"`
}

// NewDeviceInfo builds the device block. The instance ID is the
// stable identifier; displayName is what HA shows.
func NewDeviceInfo(instanceID, displayName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         displayName,
		Manufacturer: "keypresence",
		Model:        "Presence Keypad",
		SWVersion:    buildinfo.Version,
	}
}
