package recognition

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	mu    sync.Mutex
	frame image.Image
	fail  bool
	reads atomic.Int64
}

func (s *scriptedSource) Read(ctx context.Context) (image.Image, error) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("no frame")
	}
	return s.frame, nil
}

func (s *scriptedSource) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

type staticLocator struct {
	boxes []image.Rectangle
}

func (l staticLocator) Locate(image.Image) ([]image.Rectangle, error) {
	return l.boxes, nil
}

type countingSink struct {
	updates atomic.Int64
}

func (s *countingSink) Update(image.Image, []Detection) {
	s.updates.Add(1)
}

func startScanner(t *testing.T, sc *Scanner) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sc.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("scanner did not stop")
		}
	}
}

func TestScannerFeedsMachine(t *testing.T) {
	fm := newFakeMatcher()
	fm.names[200] = "Ana"
	m, _ := newTestMachine(t, fm, Options{})

	frame, boxes := testFrame(200, 0, 0)
	src := &scriptedSource{frame: frame}
	sink := &countingSink{}
	sc := NewScanner(src, staticLocator{boxes: boxes[:1]}, m, ScannerOptions{Interval: 2 * time.Millisecond, Sink: sink})

	stop := startScanner(t, sc)
	require.Eventually(t, func() bool { return m.State() == AwaitingConfirmation }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return sink.updates.Load() > 0 }, time.Second, 2*time.Millisecond)
	stop()

	stats := sc.Stats()
	assert.False(t, stats.Running)
	assert.NotZero(t, stats.Cycles)
	assert.False(t, stats.LastFrame.IsZero())
}

func TestScannerCaptureDegraded(t *testing.T) {
	m, _ := newTestMachine(t, newFakeMatcher(), Options{})
	frame, _ := testFrame(0, 0, 0)
	src := &scriptedSource{frame: frame, fail: true}
	sc := NewScanner(src, staticLocator{}, m, ScannerOptions{Interval: time.Millisecond, MaxFailures: 3})

	stop := startScanner(t, sc)
	defer stop()

	require.Eventually(t, func() bool { return m.Snapshot().CaptureDegraded }, time.Second, 2*time.Millisecond)
	assert.GreaterOrEqual(t, sc.Stats().CaptureFailures, uint64(3))

	src.setFail(false)
	require.Eventually(t, func() bool { return !m.Snapshot().CaptureDegraded }, time.Second, 2*time.Millisecond)
	assert.Zero(t, sc.Stats().ConsecutiveFailures)
}

func TestScannerStopsPromptly(t *testing.T) {
	m, _ := newTestMachine(t, newFakeMatcher(), Options{})
	frame, _ := testFrame(0, 0, 0)
	sc := NewScanner(&scriptedSource{frame: frame}, staticLocator{}, m, ScannerOptions{Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sc.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)

	start := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestScannerTap(t *testing.T) {
	m, _ := newTestMachine(t, newFakeMatcher(), Options{})
	frame, boxes := testFrame(0, 0, 0)
	sc := NewScanner(&scriptedSource{frame: frame}, staticLocator{boxes: boxes}, m, ScannerOptions{Interval: time.Millisecond})

	frames, detach := sc.Tap()
	stop := startScanner(t, sc)
	defer stop()

	select {
	case f := <-frames:
		assert.Len(t, f.Boxes, 3)
		assert.NotNil(t, f.Image)
	case <-time.After(time.Second):
		t.Fatal("no frame on tap")
	}
	detach()
	detach()
}
