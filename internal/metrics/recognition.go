package metrics

import (
	"fmt"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/recognition"

	"github.com/prometheus/client_golang/prometheus"
)

// RecognitionMetrics covers the scan loop, confirmations and training.
type RecognitionMetrics struct {
	Cycles           prometheus.Counter
	CycleDuration    prometheus.Histogram
	FacesDetected    prometheus.Counter
	Matches          prometheus.Counter
	MatchErrors      prometheus.Counter
	Rejections       prometheus.Counter
	Attendance       *prometheus.CounterVec
	Identities       prometheus.Gauge
	TrainingDuration prometheus.Histogram
	TrainingErrors   prometheus.Counter
}

// NewRecognitionMetrics creates the collectors and registers them.
func NewRecognitionMetrics(registry *prometheus.Registry) (*RecognitionMetrics, error) {
	m := &RecognitionMetrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faceattend_cycles_total",
			Help: "Total number of processed detection cycles",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "faceattend_cycle_duration_seconds",
			Help:    "Time spent matching the faces of one frame",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		FacesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faceattend_faces_detected_total",
			Help: "Total number of face boxes reported by the locator",
		}),
		Matches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faceattend_matches_total",
			Help: "Total number of face boxes matched to an identity",
		}),
		MatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faceattend_match_errors_total",
			Help: "Total number of face boxes whose matching failed",
		}),
		Rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faceattend_rejections_total",
			Help: "Total number of rejected candidates",
		}),
		Attendance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceattend_attendance_total",
			Help: "Total number of confirmed attendances per identity",
		}, []string{"name"}),
		Identities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "faceattend_identities",
			Help: "Number of trained identity templates",
		}),
		TrainingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "faceattend_training_duration_seconds",
			Help:    "Duration of template training passes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		TrainingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faceattend_training_errors_total",
			Help: "Total number of failed enrollments or training passes",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.Cycles, m.CycleDuration, m.FacesDetected, m.Matches, m.MatchErrors,
		m.Rejections, m.Attendance, m.Identities, m.TrainingDuration, m.TrainingErrors,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register recognition metric: %w", err)
		}
	}
	return m, nil
}

// CycleCompleted implements recognition.Observer.
func (m *RecognitionMetrics) CycleCompleted(faces, matched int, elapsed time.Duration) {
	m.Cycles.Inc()
	m.CycleDuration.Observe(elapsed.Seconds())
	m.FacesDetected.Add(float64(faces))
	m.Matches.Add(float64(matched))
}

// MatchFailed implements recognition.Observer.
func (m *RecognitionMetrics) MatchFailed() {
	m.MatchErrors.Inc()
}

// Rejected implements recognition.Observer.
func (m *RecognitionMetrics) Rejected() {
	m.Rejections.Inc()
}

// OnAttendance implements recognition.AttendanceSink.
func (m *RecognitionMetrics) OnAttendance(ev recognition.Event) {
	m.Attendance.WithLabelValues(ev.Name).Inc()
}

// ObserveTraining records one training pass.
func (m *RecognitionMetrics) ObserveTraining(d time.Duration, templates int, err error) {
	m.TrainingDuration.Observe(d.Seconds())
	m.Identities.Set(float64(templates))
	if err != nil {
		m.TrainingErrors.Inc()
	}
}
