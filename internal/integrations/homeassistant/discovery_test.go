package homeassistant

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	retained map[string]interface{}
	fail     bool
}

func (f *fakePublisher) Publish(topic string, payload interface{}) error { return nil }

func (f *fakePublisher) PublishRetain(topic string, payload interface{}) error {
	if f.fail {
		return errors.New("not connected")
	}
	f.retained[topic] = payload
	return nil
}

func (f *fakePublisher) Topic(suffix string) string { return "faceattend/" + suffix }

func TestRegisterPublishesSensors(t *testing.T) {
	pub := &fakePublisher{retained: map[string]interface{}{}}
	dm := NewDiscoveryManager(pub, "1.2.3")

	require.NoError(t, dm.Register())
	require.Len(t, pub.retained, 2)

	raw, err := json.Marshal(pub.retained["homeassistant/sensor/faceattend/state/config"])
	require.NoError(t, err)
	var cfg SensorConfig
	require.NoError(t, json.Unmarshal(raw, &cfg))
	assert.Equal(t, "faceattend/state", cfg.StateTopic)
	assert.Equal(t, "faceattend/availability", cfg.AvailabilityTopic)
	assert.Equal(t, "1.2.3", cfg.Device.SWVersion)

	assert.Contains(t, pub.retained, "homeassistant/sensor/faceattend/last_attendance/config")
}

func TestUnregisterClearsSensors(t *testing.T) {
	pub := &fakePublisher{retained: map[string]interface{}{}}
	dm := NewDiscoveryManager(pub, "dev")
	require.NoError(t, dm.Unregister())
	for _, v := range pub.retained {
		assert.Equal(t, "", v)
	}
}

func TestRegisterReportsFailure(t *testing.T) {
	dm := NewDiscoveryManager(&fakePublisher{fail: true}, "dev")
	assert.Error(t, dm.Register())
}
