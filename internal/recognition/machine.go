package recognition

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/attendance"
	"github.com/denis-savelyev/FaceAttend/internal/face"
	"github.com/denis-savelyev/FaceAttend/internal/matching"
	"github.com/denis-savelyev/FaceAttend/internal/util/timezone"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Threshold bounds applied by SetThreshold.
const (
	MinThreshold = 0.20
	MaxThreshold = 1.00
)

// DefaultCooldown is the suppression period after a rejection.
const DefaultCooldown = 2 * time.Second

var (
	// ErrNoCandidate is returned by Confirm and Reject when nothing is pending.
	ErrNoCandidate = errors.New("no pending candidate")
	// ErrInvalidInput marks a rejected command argument.
	ErrInvalidInput = errors.New("invalid input")
)

// Matcher finds the best identity for a probe.
type Matcher interface {
	Match(probe face.Template, threshold float64) (matching.Result, bool, error)
	Size() int
}

// Ledger records confirmed attendance.
type Ledger interface {
	Append(name string) (attendance.Record, error)
}

// Event describes one confirmed attendance.
type Event struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Score     float64           `json:"score"`
	Box       image.Rectangle   `json:"box"`
	Timestamp string            `json:"timestamp"`
	Record    attendance.Record `json:"-"`
}

// AttendanceSink receives every confirmed attendance after it was appended
// to the ledger.
type AttendanceSink interface {
	OnAttendance(ev Event)
}

// Observer receives cycle statistics.
type Observer interface {
	CycleCompleted(faces, matched int, elapsed time.Duration)
	MatchFailed()
	Rejected()
}

// Options configures a Machine.
type Options struct {
	Threshold float64
	Cooldown  time.Duration
	Observer  Observer
	Sinks     []AttendanceSink
}

// Machine owns the recognition state. The worker feeds it through
// ProcessCycle; the presentation side calls Confirm, Reject and
// SetThreshold. Candidate and state are guarded by mu, the threshold is an
// atomic float.
type Machine struct {
	matcher  Matcher
	ledger   Ledger
	cooldown time.Duration
	observer Observer
	sinks    []AttendanceSink

	threshold atomic.Uint64

	mu         sync.Mutex
	state      State
	candidate  *Candidate
	status     Message
	result     Message
	detections []Detection
	degraded   bool
	generation uint64
	timer      *time.Timer
	updatedAt  time.Time

	subscribers map[chan Snapshot]struct{}
}

// NewMachine creates a machine in the Scanning state.
func NewMachine(matcher Matcher, ledger Ledger, opts Options) *Machine {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	m := &Machine{
		matcher:     matcher,
		ledger:      ledger,
		cooldown:    opts.Cooldown,
		observer:    opts.Observer,
		sinks:       opts.Sinks,
		state:       Scanning,
		status:      Message{ID: StatusLooking},
		result:      Message{ID: ResultNoFace},
		updatedAt:   timezone.Now(),
		subscribers: make(map[chan Snapshot]struct{}),
	}
	m.threshold.Store(math.Float64bits(clampThreshold(opts.Threshold)))
	return m
}

// AddSink registers an attendance sink. Must be called before the machine is used.
func (m *Machine) AddSink(sink AttendanceSink) {
	m.sinks = append(m.sinks, sink)
}

func clampThreshold(v float64) float64 {
	return math.Max(MinThreshold, math.Min(MaxThreshold, v))
}

// Threshold returns the threshold used by the next cycle.
func (m *Machine) Threshold() float64 {
	return math.Float64frombits(m.threshold.Load())
}

// SetThreshold clamps v to [MinThreshold, MaxThreshold] and returns the
// stored value. The pending candidate is not re-evaluated.
func (m *Machine) SetThreshold(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return m.Threshold(), fmt.Errorf("%w: threshold %v", ErrInvalidInput, v)
	}
	v = clampThreshold(v)
	m.threshold.Store(math.Float64bits(v))
	log.Infof("Recognition threshold set to %.2f", v)

	m.mu.Lock()
	m.touch()
	m.mu.Unlock()
	return v, nil
}

type boxOutcome struct {
	detection Detection
	matched   bool
	failed    bool
}

// ProcessCycle applies the face boxes located in frame. Matching runs
// outside the lock; the results are applied only if no rejection started in
// the meantime.
func (m *Machine) ProcessCycle(frame image.Image, boxes []image.Rectangle) {
	start := time.Now()

	m.mu.Lock()
	if m.state == Cooldown {
		m.detections = unlabeled(boxes)
		m.mu.Unlock()
		m.cycleDone(len(boxes), 0, start)
		return
	}
	gen := m.generation
	m.mu.Unlock()

	threshold := m.Threshold()
	empty := len(boxes) > 0 && m.matcher.Size() == 0

	outcomes := make([]boxOutcome, len(boxes))
	if !empty {
		for i, box := range boxes {
			outcomes[i] = m.matchBox(frame, box, threshold)
		}
	} else {
		for i, box := range boxes {
			outcomes[i] = boxOutcome{detection: Detection{Box: box}}
		}
	}

	matched := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Cooldown || m.generation != gen {
		m.detections = unlabeled(boxes)
		m.cycleDoneLocked(len(boxes), 0, start)
		return
	}

	m.detections = make([]Detection, 0, len(outcomes))
	var last *Candidate
	for _, o := range outcomes {
		m.detections = append(m.detections, o.detection)
		if o.matched {
			matched++
			last = &Candidate{
				Name:       o.detection.Name,
				Score:      o.detection.Score,
				Box:        o.detection.Box,
				DetectedAt: timezone.Now(),
			}
		}
	}

	switch {
	case len(boxes) == 0:
		m.candidate = nil
		m.state = Scanning
		m.status = Message{ID: StatusLooking}
		m.result = Message{ID: ResultNoFace}
	case last != nil:
		m.candidate = last
		m.state = AwaitingConfirmation
		m.status = Message{ID: StatusMatch}
		m.result = Message{ID: ResultHello, Name: last.Name}
	case empty:
		m.status = Message{ID: StatusEmptyDB}
		m.result = Message{ID: ResultUnknown}
	default:
		m.status = Message{ID: StatusUnknown}
		m.result = Message{ID: ResultUnknown}
	}
	m.cycleDoneLocked(len(boxes), matched, start)
}

// matchBox matches one face box. Errors and panics leave the box unknown.
func (m *Machine) matchBox(frame image.Image, box image.Rectangle, threshold float64) (out boxOutcome) {
	out.detection = Detection{Box: box}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("box", box).Errorf("Recognition panic: %v", r)
			out = boxOutcome{detection: Detection{Box: box}, failed: true}
			m.matchFailed()
		}
	}()

	gray, err := face.Crop(frame, box)
	if err != nil {
		log.WithField("box", box).Debugf("Skipping face box: %v", err)
		out.failed = true
		m.matchFailed()
		return out
	}
	res, ok, err := m.matcher.Match(face.FromGray(gray), threshold)
	if err != nil {
		log.WithField("box", box).Warnf("Recognition error: %v", err)
		out.failed = true
		m.matchFailed()
		return out
	}
	if !ok {
		return out
	}
	log.Debugf("Best match: %s with score %.3f (threshold: %.3f)", res.Name, res.Score, threshold)
	out.detection.Name = res.Name
	out.detection.Score = res.Score
	out.matched = true
	return out
}

func (m *Machine) matchFailed() {
	if m.observer != nil {
		m.observer.MatchFailed()
	}
}

func (m *Machine) cycleDone(faces, matched int, start time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycleDoneLocked(faces, matched, start)
}

func (m *Machine) cycleDoneLocked(faces, matched int, start time.Time) {
	if m.observer != nil {
		m.observer.CycleCompleted(faces, matched, time.Since(start))
	}
	m.touch()
}

func unlabeled(boxes []image.Rectangle) []Detection {
	out := make([]Detection, len(boxes))
	for i, b := range boxes {
		out[i] = Detection{Box: b}
	}
	return out
}

// Confirm logs the pending candidate and returns to Scanning. The candidate
// is taken and cleared under the lock before the ledger is written. A ledger
// write failure is returned together with the record, which stays logged in
// memory.
func (m *Machine) Confirm() (Event, error) {
	m.mu.Lock()
	cand := m.candidate
	if cand == nil || m.state != AwaitingConfirmation {
		m.mu.Unlock()
		return Event{}, ErrNoCandidate
	}
	m.candidate = nil
	m.state = Confirmed
	m.status = Message{ID: StatusLooking}
	m.result = Message{ID: ResultWelcome, Name: cand.Name}
	m.touch()
	m.mu.Unlock()

	rec, err := m.ledger.Append(cand.Name)
	ev := Event{
		ID:        uuid.NewString(),
		Name:      cand.Name,
		Score:     cand.Score,
		Box:       cand.Box,
		Timestamp: rec.Timestamp,
		Record:    rec,
	}
	if err != nil {
		log.WithError(err).Warnf("Attendance for %s kept in memory only", cand.Name)
	} else {
		log.Infof("Attendance logged: %s at %s", rec.Name, rec.Timestamp)
	}

	for _, sink := range m.sinks {
		sink.OnAttendance(ev)
	}

	m.mu.Lock()
	if m.state == Confirmed {
		m.state = Scanning
		m.touch()
	}
	m.mu.Unlock()
	return ev, err
}

// Reject drops the pending candidate and suppresses cycle results for the
// cooldown period.
func (m *Machine) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.candidate == nil || m.state != AwaitingConfirmation {
		return ErrNoCandidate
	}
	log.Infof("Candidate %s rejected, cooling down for %v", m.candidate.Name, m.cooldown)
	m.candidate = nil
	m.state = Cooldown
	m.status = Message{ID: StatusRejected}
	m.result = Message{ID: ResultTryAgain}
	m.generation++
	gen := m.generation
	m.stopTimer()
	m.timer = time.AfterFunc(m.cooldown, func() { m.endCooldown(gen) })
	m.touch()

	if m.observer != nil {
		m.observer.Rejected()
	}
	return nil
}

func (m *Machine) endCooldown(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen || m.state != Cooldown {
		return
	}
	m.timer = nil
	m.state = Scanning
	m.status = Message{ID: StatusLooking}
	m.result = Message{ID: ResultNoFace}
	m.touch()
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Reset drops any candidate and cooldown and returns to Scanning.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimer()
	m.generation++
	m.candidate = nil
	m.state = Scanning
	m.status = Message{ID: StatusLooking}
	m.result = Message{ID: ResultNoFace}
	m.detections = nil
	m.touch()
}

// Close stops a running cooldown timer.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimer()
	for ch := range m.subscribers {
		delete(m.subscribers, ch)
		close(ch)
	}
}

// SetCaptureDegraded raises or clears the capture degraded signal.
func (m *Machine) SetCaptureDegraded(degraded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded == degraded {
		return
	}
	m.degraded = degraded
	if degraded {
		log.Warn("Frame capture degraded")
	} else {
		log.Info("Frame capture recovered")
	}
	m.touch()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current observable state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		State:           m.state,
		Status:          m.status,
		Result:          m.result,
		ShowConfirm:     m.candidate != nil && m.state == AwaitingConfirmation,
		Threshold:       m.Threshold(),
		Detections:      append([]Detection(nil), m.detections...),
		CaptureDegraded: m.degraded,
		UpdatedAt:       m.updatedAt,
	}
	if m.candidate != nil {
		c := *m.candidate
		s.Candidate = &c
	}
	return s
}

// Subscribe returns a channel receiving the latest snapshot after every
// change. Slow subscribers only see the newest value. The returned function
// unsubscribes and closes the channel.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	ch <- m.snapshotLocked()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subscribers[ch]; ok {
				delete(m.subscribers, ch)
				close(ch)
			}
		})
	}
}

// touch stamps the state and notifies subscribers. Callers hold mu.
func (m *Machine) touch() {
	m.updatedAt = timezone.Now()
	if len(m.subscribers) == 0 {
		return
	}
	snap := m.snapshotLocked()
	for ch := range m.subscribers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
