package recognition

import (
	"errors"
	"image"
	"image/color"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/attendance"
	"github.com/denis-savelyev/FaceAttend/internal/face"
	"github.com/denis-savelyev/FaceAttend/internal/matching"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeMatcher answers by the intensity of the probe's first pixel.
type fakeMatcher struct {
	mu         sync.Mutex
	size       int
	names      map[uint8]string
	fail       map[uint8]error
	panics     map[uint8]bool
	thresholds []float64
}

func newFakeMatcher() *fakeMatcher {
	return &fakeMatcher{
		size:   1,
		names:  map[uint8]string{},
		fail:   map[uint8]error{},
		panics: map[uint8]bool{},
	}
}

func (f *fakeMatcher) Match(probe face.Template, threshold float64) (matching.Result, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thresholds = append(f.thresholds, threshold)
	v := uint8(probe[0])
	if f.panics[v] {
		panic("numeric failure")
	}
	if err := f.fail[v]; err != nil {
		return matching.Result{}, false, err
	}
	if name, ok := f.names[v]; ok {
		return matching.Result{Name: name, Score: 0.9}, true, nil
	}
	return matching.Result{}, false, nil
}

func (f *fakeMatcher) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

func (f *fakeMatcher) lastThreshold() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.thresholds[len(f.thresholds)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) OnAttendance(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

// testFrame is 300x100 with three 100x100 regions of the given intensities.
func testFrame(a, b, c uint8) (image.Image, []image.Rectangle) {
	img := image.NewGray(image.Rect(0, 0, 300, 100))
	for x := 0; x < 300; x++ {
		v := a
		switch {
		case x >= 200:
			v = c
		case x >= 100:
			v = b
		}
		for y := 0; y < 100; y++ {
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img, []image.Rectangle{
		image.Rect(0, 0, 100, 100),
		image.Rect(100, 0, 200, 100),
		image.Rect(200, 0, 300, 100),
	}
}

func newTestMachine(t *testing.T, matcher Matcher, opts Options) (*Machine, *attendance.Ledger) {
	t.Helper()
	ledger := attendance.NewLedger(filepath.Join(t.TempDir(), "attendance_log.csv"))
	if opts.Threshold == 0 {
		opts.Threshold = 0.6
	}
	m := NewMachine(matcher, ledger, opts)
	t.Cleanup(m.Close)
	return m, ledger
}

func TestInitialState(t *testing.T) {
	m, _ := newTestMachine(t, newFakeMatcher(), Options{})
	s := m.Snapshot()
	assert.Equal(t, Scanning, s.State)
	assert.Equal(t, Message{ID: StatusLooking}, s.Status)
	assert.Equal(t, Message{ID: ResultNoFace}, s.Result)
	assert.False(t, s.ShowConfirm)
	assert.InDelta(t, 0.6, s.Threshold, 1e-9)
}

func TestMatchBecomesCandidate(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	m, _ := newTestMachine(t, fm, Options{})

	frame, boxes := testFrame(200, 0, 0)
	m.ProcessCycle(frame, boxes[:1])

	s := m.Snapshot()
	assert.Equal(t, AwaitingConfirmation, s.State)
	require.NotNil(t, s.Candidate)
	assert.Equal(t, "Ana", s.Candidate.Name)
	assert.True(t, s.ShowConfirm)
	assert.Equal(t, Message{ID: StatusMatch}, s.Status)
	assert.Equal(t, Message{ID: ResultHello, Name: "Ana"}, s.Result)
	require.Len(t, s.Detections, 1)
	assert.True(t, s.Detections[0].Known())
}

func TestNoBoxesClearsCandidate(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	m, _ := newTestMachine(t, fm, Options{})

	frame, boxes := testFrame(200, 0, 0)
	m.ProcessCycle(frame, boxes[:1])
	require.Equal(t, AwaitingConfirmation, m.State())

	m.ProcessCycle(frame, nil)
	s := m.Snapshot()
	assert.Equal(t, Scanning, s.State)
	assert.Nil(t, s.Candidate)
	assert.Equal(t, Message{ID: ResultNoFace}, s.Result)
}

func TestUnknownBoxKeepsCandidate(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	m, _ := newTestMachine(t, fm, Options{})

	frame, boxes := testFrame(200, 50, 0)
	m.ProcessCycle(frame, boxes[:1])
	m.ProcessCycle(frame, boxes[1:2])

	s := m.Snapshot()
	assert.Equal(t, AwaitingConfirmation, s.State)
	require.NotNil(t, s.Candidate)
	assert.Equal(t, "Ana", s.Candidate.Name)
	assert.Equal(t, Message{ID: StatusUnknown}, s.Status)
	assert.Equal(t, Message{ID: ResultUnknown}, s.Result)
}

func TestLastMatchingBoxWins(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	fm.names[100] = "Bob"
	m, _ := newTestMachine(t, fm, Options{})

	frame, boxes := testFrame(200, 50, 100)
	m.ProcessCycle(frame, boxes)

	s := m.Snapshot()
	require.NotNil(t, s.Candidate)
	assert.Equal(t, "Bob", s.Candidate.Name)
	require.Len(t, s.Detections, 3)
	assert.Equal(t, "Ana", s.Detections[0].Name)
	assert.False(t, s.Detections[1].Known())
	assert.Equal(t, "Bob", s.Detections[2].Name)
}

func TestFailingBoxIsIsolated(t *testing.T) {
	fm := newFakeMatcher()
	fm.fail[10] = errors.New("boom")
	fm.panics[20] = true
	fm.names[200] = "Ana"
	m, _ := newTestMachine(t, fm, Options{})

	frame, boxes := testFrame(10, 20, 200)
	assert.NotPanics(t, func() { m.ProcessCycle(frame, boxes) })

	s := m.Snapshot()
	require.NotNil(t, s.Candidate)
	assert.Equal(t, "Ana", s.Candidate.Name)
	assert.False(t, s.Detections[0].Known())
	assert.False(t, s.Detections[1].Known())
}

func TestBoxOutsideFrameIsUnknown(t *testing.T) {
	fm := newFakeMatcher()
	m, _ := newTestMachine(t, fm, Options{})

	frame, _ := testFrame(200, 0, 0)
	m.ProcessCycle(frame, []image.Rectangle{image.Rect(500, 500, 600, 600)})
	s := m.Snapshot()
	assert.Equal(t, Scanning, s.State)
	assert.Equal(t, Message{ID: StatusUnknown}, s.Status)
}

func TestEmptyDatabaseStatus(t *testing.T) {
	fm := newFakeMatcher()
	fm.size = 0
	m, _ := newTestMachine(t, fm, Options{})

	frame, boxes := testFrame(200, 0, 0)
	m.ProcessCycle(frame, boxes[:1])
	s := m.Snapshot()
	assert.Equal(t, Message{ID: StatusEmptyDB}, s.Status)
	assert.Equal(t, Message{ID: ResultUnknown}, s.Result)
	assert.Empty(t, fm.thresholds)
}

func TestConfirmLogsAttendance(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	sink := &recordingSink{}
	m, ledger := newTestMachine(t, fm, Options{Sinks: []AttendanceSink{sink}})

	frame, boxes := testFrame(200, 0, 0)
	m.ProcessCycle(frame, boxes[:1])

	ev, err := m.Confirm()
	require.NoError(t, err)
	assert.Equal(t, "Ana", ev.Name)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, ev.Record.Timestamp, ev.Timestamp)

	s := m.Snapshot()
	assert.Equal(t, Scanning, s.State)
	assert.Nil(t, s.Candidate)
	assert.Equal(t, Message{ID: ResultWelcome, Name: "Ana"}, s.Result)

	require.Equal(t, 1, ledger.Len())
	assert.Equal(t, "Ana", ledger.Records()[0].Name)
	require.Len(t, sink.events, 1)
	assert.Equal(t, ev, sink.events[0])

	_, err = m.Confirm()
	assert.ErrorIs(t, err, ErrNoCandidate)
	assert.Equal(t, 1, ledger.Len())
}

func TestConfirmWithoutCandidate(t *testing.T) {
	m, ledger := newTestMachine(t, newFakeMatcher(), Options{})
	_, err := m.Confirm()
	assert.ErrorIs(t, err, ErrNoCandidate)
	assert.ErrorIs(t, m.Reject(), ErrNoCandidate)
	assert.Zero(t, ledger.Len())
}

func TestConfirmLedgerFailureKeepsRecord(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	ledger := attendance.NewLedger(filepath.Join(t.TempDir(), "missing", "log.csv"))
	m := NewMachine(fm, ledger, Options{Threshold: 0.6})
	defer m.Close()

	frame, boxes := testFrame(200, 0, 0)
	m.ProcessCycle(frame, boxes[:1])

	ev, err := m.Confirm()
	require.ErrorIs(t, err, attendance.ErrIOFailure)
	assert.Equal(t, "Ana", ev.Name)
	assert.Equal(t, 1, ledger.Len())
	assert.Equal(t, Scanning, m.State())
}

func TestRejectThenConfirmFails(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	m, ledger := newTestMachine(t, fm, Options{Cooldown: time.Hour})

	frame, boxes := testFrame(200, 0, 0)
	m.ProcessCycle(frame, boxes[:1])

	require.NoError(t, m.Reject())
	_, err := m.Confirm()
	assert.ErrorIs(t, err, ErrNoCandidate)
	assert.Zero(t, ledger.Len())

	s := m.Snapshot()
	assert.Equal(t, Cooldown, s.State)
	assert.Equal(t, Message{ID: StatusRejected}, s.Status)
	assert.Equal(t, Message{ID: ResultTryAgain}, s.Result)
}

func TestCooldownSuppressesCycles(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	m, _ := newTestMachine(t, fm, Options{Cooldown: 50 * time.Millisecond})

	frame, boxes := testFrame(200, 0, 0)
	m.ProcessCycle(frame, boxes[:1])
	require.NoError(t, m.Reject())

	m.ProcessCycle(frame, boxes[:1])
	s := m.Snapshot()
	assert.Equal(t, Cooldown, s.State)
	assert.Nil(t, s.Candidate)
	assert.Equal(t, Message{ID: ResultTryAgain}, s.Result)
	require.Len(t, s.Detections, 1)
	assert.False(t, s.Detections[0].Known())

	require.Eventually(t, func() bool { return m.State() == Scanning }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Message{ID: ResultNoFace}, m.Snapshot().Result)

	m.ProcessCycle(frame, boxes[:1])
	assert.Equal(t, AwaitingConfirmation, m.State())
}

func TestResetEndsCooldown(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	m, _ := newTestMachine(t, fm, Options{Cooldown: 30 * time.Millisecond})

	frame, boxes := testFrame(200, 0, 0)
	m.ProcessCycle(frame, boxes[:1])
	require.NoError(t, m.Reject())
	m.Reset()
	assert.Equal(t, Scanning, m.State())

	m.ProcessCycle(frame, boxes[:1])
	require.Equal(t, AwaitingConfirmation, m.State())

	// the stale cooldown timer must not disturb the new candidate
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, AwaitingConfirmation, m.State())
}

func TestSetThreshold(t *testing.T) {
	fm := newFakeMatcher()
	m, _ := newTestMachine(t, fm, Options{})

	tests := []struct {
		in   float64
		want float64
	}{
		{0.75, 0.75},
		{0.05, MinThreshold},
		{-3, MinThreshold},
		{1.5, MaxThreshold},
		{MinThreshold, MinThreshold},
	}
	for _, tt := range tests {
		got, err := m.SetThreshold(tt.in)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-9)
		assert.InDelta(t, tt.want, m.Threshold(), 1e-9)
	}

	_, err := m.SetThreshold(math.NaN())
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = m.SetThreshold(math.Inf(1))
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.InDelta(t, MinThreshold, m.Threshold(), 1e-9)

	_, err = m.SetThreshold(0.8)
	require.NoError(t, err)
	frame, boxes := testFrame(50, 0, 0)
	m.ProcessCycle(frame, boxes[:1])
	assert.InDelta(t, 0.8, fm.lastThreshold(), 1e-9)
}

func TestThresholdChangeKeepsCandidate(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	m, _ := newTestMachine(t, fm, Options{})

	frame, boxes := testFrame(200, 0, 0)
	m.ProcessCycle(frame, boxes[:1])
	_, err := m.SetThreshold(1.0)
	require.NoError(t, err)

	s := m.Snapshot()
	require.NotNil(t, s.Candidate)
	assert.Equal(t, "Ana", s.Candidate.Name)
}

func TestSubscribeReceivesLatest(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	m, _ := newTestMachine(t, fm, Options{})

	ch, cancel := m.Subscribe()
	first := <-ch
	assert.Equal(t, Scanning, first.State)

	frame, boxes := testFrame(200, 0, 0)
	m.ProcessCycle(frame, boxes[:1])
	m.SetCaptureDegraded(true)

	latest := <-ch
	assert.Equal(t, AwaitingConfirmation, latest.State)
	assert.True(t, latest.CaptureDegraded)

	cancel()
	_, open := <-ch
	assert.False(t, open)
	cancel()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_confirmation", AwaitingConfirmation.String())
	text, err := Cooldown.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "cooldown", string(text))
	assert.Equal(t, "state(9)", State(9).String())
}

// gatedMatcher blocks every Match call until release is closed, once armed.
type gatedMatcher struct {
	*fakeMatcher
	armed   chan struct{}
	entered chan struct{}
	release chan struct{}
}

func (g *gatedMatcher) Match(probe face.Template, threshold float64) (matching.Result, bool, error) {
	select {
	case <-g.armed:
		g.entered <- struct{}{}
		<-g.release
	default:
	}
	return g.fakeMatcher.Match(probe, threshold)
}

func TestRejectDuringCycleDropsResults(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	fm.names[100] = "Bo"
	gm := &gatedMatcher{
		fakeMatcher: fm,
		armed:       make(chan struct{}),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	m, ledger := newTestMachine(t, gm, Options{Cooldown: time.Minute})

	frame, boxes := testFrame(200, 0, 0)
	m.ProcessCycle(frame, boxes[:1])
	require.Equal(t, AwaitingConfirmation, m.State())

	close(gm.armed)
	other, otherBoxes := testFrame(100, 0, 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.ProcessCycle(other, otherBoxes[:1])
	}()

	<-gm.entered
	require.NoError(t, m.Reject())
	close(gm.release)
	<-done

	s := m.Snapshot()
	assert.Equal(t, Cooldown, s.State)
	assert.Nil(t, s.Candidate)
	assert.False(t, s.ShowConfirm)
	assert.Equal(t, Message{ID: StatusRejected}, s.Status)
	for _, d := range s.Detections {
		assert.False(t, d.Known())
	}

	_, err := m.Confirm()
	assert.ErrorIs(t, err, ErrNoCandidate)
	assert.Zero(t, ledger.Len())
}

func TestConcurrentConfirmRejectAndCycles(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	fm.names[100] = "Bo"
	m, ledger := newTestMachine(t, fm, Options{Cooldown: time.Millisecond})

	proposed := map[string]bool{"Ana": true, "Bo": true}
	anaFrame, boxes := testFrame(200, 0, 0)
	boFrame, _ := testFrame(100, 0, 0)
	emptyFrame, _ := testFrame(0, 0, 0)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			switch i % 3 {
			case 0:
				m.ProcessCycle(anaFrame, boxes[:1])
			case 1:
				m.ProcessCycle(boFrame, boxes[:1])
			default:
				m.ProcessCycle(emptyFrame, nil)
			}
		}
	}()

	var confirmed []string
	for i := 0; i < 500; i++ {
		if i%2 == 0 {
			ev, err := m.Confirm()
			if err == nil {
				confirmed = append(confirmed, ev.Name)
			} else {
				assert.ErrorIs(t, err, ErrNoCandidate)
			}
		} else if err := m.Reject(); err != nil {
			assert.ErrorIs(t, err, ErrNoCandidate)
		}
		if i%50 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	close(stop)
	wg.Wait()

	records := ledger.Records()
	require.Len(t, records, len(confirmed))
	for i, rec := range records {
		assert.True(t, proposed[rec.Name], "unexpected name %q", rec.Name)
		assert.Equal(t, confirmed[i], rec.Name)
	}

	s := m.Snapshot()
	if s.State == AwaitingConfirmation {
		require.NotNil(t, s.Candidate)
		assert.True(t, proposed[s.Candidate.Name])
	} else {
		assert.Nil(t, s.Candidate)
	}
}
