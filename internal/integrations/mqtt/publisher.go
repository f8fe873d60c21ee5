package mqtt

import (
	"image"

	"github.com/denis-savelyev/FaceAttend/internal/recognition"

	log "github.com/sirupsen/logrus"
)

// MessagePublisher is the publishing side of Client
type MessagePublisher interface {
	Publish(topic string, payload interface{}) error
	PublishRetain(topic string, payload interface{}) error
	Topic(suffix string) string
}

// Renderer turns message IDs into text
type Renderer interface {
	Message(lang, id, name string) string
	Default() string
}

// AttendancePayload is published on <prefix>/attendance
type AttendancePayload struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Score     float64         `json:"score"`
	Box       image.Rectangle `json:"box"`
	Timestamp string          `json:"timestamp"`
}

// StatePayload is published retained on <prefix>/state
type StatePayload struct {
	State           string  `json:"state"`
	Status          string  `json:"status"`
	Result          string  `json:"result"`
	Candidate       string  `json:"candidate,omitempty"`
	Score           float64 `json:"score,omitempty"`
	Threshold       float64 `json:"threshold"`
	Faces           int     `json:"faces"`
	CaptureDegraded bool    `json:"capture_degraded"`
}

// Publisher sends attendance events and state changes over MQTT
type Publisher struct {
	client   MessagePublisher
	renderer Renderer
	last     StatePayload
}

// NewPublisher creates a publisher; renderer may be nil, then message IDs are sent
func NewPublisher(client MessagePublisher, renderer Renderer) *Publisher {
	return &Publisher{client: client, renderer: renderer}
}

// OnAttendance implements recognition.AttendanceSink
func (p *Publisher) OnAttendance(ev recognition.Event) {
	payload := AttendancePayload{
		ID:        ev.ID,
		Name:      ev.Name,
		Score:     ev.Score,
		Box:       ev.Box,
		Timestamp: ev.Timestamp,
	}
	if err := p.client.Publish(p.client.Topic(TopicAttendance), payload); err != nil {
		log.Debugf("Attendance not published over MQTT: %v", err)
	}
}

// PublishState publishes snap when its payload differs from the last one
// sent. Detection boxes change every frame and are reduced to a count.
func (p *Publisher) PublishState(snap recognition.Snapshot) {
	payload := p.statePayload(snap)
	if payload == p.last {
		return
	}
	if err := p.client.PublishRetain(p.client.Topic(TopicState), payload); err != nil {
		log.Debugf("State not published over MQTT: %v", err)
		return
	}
	p.last = payload
}

func (p *Publisher) statePayload(snap recognition.Snapshot) StatePayload {
	payload := StatePayload{
		State:           snap.State.String(),
		Status:          p.render(snap.Status),
		Result:          p.render(snap.Result),
		Threshold:       snap.Threshold,
		Faces:           len(snap.Detections),
		CaptureDegraded: snap.CaptureDegraded,
	}
	if snap.Candidate != nil {
		payload.Candidate = snap.Candidate.Name
		payload.Score = snap.Candidate.Score
	}
	return payload
}

func (p *Publisher) render(m recognition.Message) string {
	if p.renderer == nil {
		return m.ID
	}
	return p.renderer.Message(p.renderer.Default(), m.ID, m.Name)
}
