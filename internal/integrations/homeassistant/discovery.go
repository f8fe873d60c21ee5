package homeassistant

import (
	"fmt"

	"github.com/denis-savelyev/FaceAttend/internal/integrations/mqtt"

	log "github.com/sirupsen/logrus"
)

// Constants for Home Assistant MQTT Discovery
const (
	DiscoveryPrefix = "homeassistant"
	ComponentSensor = "sensor"
	NodeID          = "faceattend"
)

// SensorConfig is the discovery payload of a sensor
type SensorConfig struct {
	Name                string  `json:"name"`
	UniqueID            string  `json:"unique_id"`
	StateTopic          string  `json:"state_topic"`
	Icon                string  `json:"icon,omitempty"`
	JSONAttributesTopic string  `json:"json_attributes_topic,omitempty"`
	ValueTemplate       string  `json:"value_template,omitempty"`
	AvailabilityTopic   string  `json:"availability_topic,omitempty"`
	PayloadAvailable    string  `json:"payload_available,omitempty"`
	PayloadNotAvailable string  `json:"payload_not_available,omitempty"`
	Device              *Device `json:"device,omitempty"`
}

// Device groups the sensors in Home Assistant
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// DiscoveryManager announces the FaceAttend sensors to Home Assistant
type DiscoveryManager struct {
	client  mqtt.MessagePublisher
	version string
}

// NewDiscoveryManager creates a discovery manager
func NewDiscoveryManager(client mqtt.MessagePublisher, version string) *DiscoveryManager {
	return &DiscoveryManager{client: client, version: version}
}

func (dm *DiscoveryManager) device() *Device {
	return &Device{
		Identifiers:  []string{NodeID},
		Name:         "FaceAttend",
		Manufacturer: "FaceAttend",
		Model:        "Attendance Kiosk",
		SWVersion:    dm.version,
	}
}

// Sensors returns the discovery configurations keyed by object ID
func (dm *DiscoveryManager) Sensors() map[string]SensorConfig {
	device := dm.device()
	availability := dm.client.Topic(mqtt.TopicAvailability)
	return map[string]SensorConfig{
		"state": {
			Name:                "FaceAttend State",
			UniqueID:            NodeID + "_state",
			StateTopic:          dm.client.Topic(mqtt.TopicState),
			ValueTemplate:       "{{ value_json.state }}",
			JSONAttributesTopic: dm.client.Topic(mqtt.TopicState),
			Icon:                "mdi:face-recognition",
			AvailabilityTopic:   availability,
			PayloadAvailable:    "online",
			PayloadNotAvailable: "offline",
			Device:              device,
		},
		"last_attendance": {
			Name:                "FaceAttend Last Attendance",
			UniqueID:            NodeID + "_last_attendance",
			StateTopic:          dm.client.Topic(mqtt.TopicAttendance),
			ValueTemplate:       "{{ value_json.name }}",
			JSONAttributesTopic: dm.client.Topic(mqtt.TopicAttendance),
			Icon:                "mdi:account-check",
			AvailabilityTopic:   availability,
			PayloadAvailable:    "online",
			PayloadNotAvailable: "offline",
			Device:              device,
		},
	}
}

// ConfigTopic returns the discovery topic of a sensor
func ConfigTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", DiscoveryPrefix, ComponentSensor, NodeID, objectID)
}

// Register publishes all sensor configurations retained
func (dm *DiscoveryManager) Register() error {
	var firstErr error
	for objectID, sensor := range dm.Sensors() {
		if err := dm.client.PublishRetain(ConfigTopic(objectID), sensor); err != nil {
			log.Errorf("Failed to register Home Assistant sensor %s: %v", objectID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		log.Debugf("Registered Home Assistant sensor %s", objectID)
	}
	return firstErr
}

// Unregister removes the sensors by publishing empty retained configurations
func (dm *DiscoveryManager) Unregister() error {
	var firstErr error
	for objectID := range dm.Sensors() {
		if err := dm.client.PublishRetain(ConfigTopic(objectID), ""); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
