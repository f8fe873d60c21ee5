package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/recognition"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecognitionMetrics(t *testing.T) {
	m, err := NewRecognitionMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.CycleCompleted(2, 1, 3*time.Millisecond)
	m.CycleCompleted(0, 0, time.Millisecond)
	m.MatchFailed()
	m.Rejected()
	m.OnAttendance(recognition.Event{Name: "Ana"})
	m.OnAttendance(recognition.Event{Name: "Ana"})
	m.ObserveTraining(time.Second, 4, errors.New("disk full"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Cycles))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FacesDetected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Matches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MatchErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Attendance.WithLabelValues("Ana")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Identities))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrainingErrors))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMQTTMetrics(reg)
	require.NoError(t, err)
	_, err = NewMQTTMetrics(reg)
	assert.Error(t, err)
}

func TestHandlerServesMetrics(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	m.MQTT.UpdateConnectionStatus(true)
	m.MQTT.CommandReceived("confirm")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "faceattend_mqtt_connection_status 1")
	assert.Contains(t, body, `faceattend_mqtt_commands_total{action="confirm"} 1`)
	assert.Contains(t, body, "faceattend_cycles_total 0")
}
