package recognition

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/util/timezone"

	log "github.com/sirupsen/logrus"
)

// FrameSource yields camera frames. A returned error is a transient capture
// failure; the scanner skips the frame.
type FrameSource interface {
	Read(ctx context.Context) (image.Image, error)
}

// FaceLocator finds face bounding boxes in a frame.
type FaceLocator interface {
	Locate(frame image.Image) ([]image.Rectangle, error)
}

// FrameSink receives every processed frame with the detections of its cycle.
type FrameSink interface {
	Update(frame image.Image, detections []Detection)
}

// Frame is one captured frame and the face boxes located in it.
type Frame struct {
	Image image.Image
	Boxes []image.Rectangle
	Time  time.Time
}

// ScannerStats describes the worker loop.
type ScannerStats struct {
	Running             bool      `json:"running"`
	Cycles              uint64    `json:"cycles"`
	CaptureFailures     uint64    `json:"capture_failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFrame           time.Time `json:"last_frame"`
}

// Scanner is the worker running the capture→detect→match cycle.
type Scanner struct {
	source      FrameSource
	locator     FaceLocator
	machine     *Machine
	sink        FrameSink
	interval    time.Duration
	maxFailures int

	mu    sync.Mutex
	stats ScannerStats
	taps  map[chan Frame]struct{}
}

// ScannerOptions configures a Scanner.
type ScannerOptions struct {
	Interval    time.Duration
	MaxFailures int
	Sink        FrameSink
}

// NewScanner creates a scanner feeding machine.
func NewScanner(source FrameSource, locator FaceLocator, machine *Machine, opts ScannerOptions) *Scanner {
	if opts.Interval <= 0 {
		opts.Interval = 33 * time.Millisecond
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 30
	}
	return &Scanner{
		source:      source,
		locator:     locator,
		machine:     machine,
		sink:        opts.Sink,
		interval:    opts.Interval,
		maxFailures: opts.MaxFailures,
		taps:        make(map[chan Frame]struct{}),
	}
}

// Run processes frames until ctx is cancelled. It returns within one frame
// interval after cancellation.
func (s *Scanner) Run(ctx context.Context) error {
	log.Infof("Scanner started (interval %v)", s.interval)
	s.setRunning(true)
	defer s.setRunning(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Scanner stopped")
			return nil
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Scanner) cycle(ctx context.Context) {
	frame, err := s.source.Read(ctx)
	if err != nil || frame == nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.captureFailed(err)
		return
	}
	s.captureOK()

	boxes, err := s.locator.Locate(frame)
	if err != nil {
		log.Debugf("Face locator failed, skipping frame: %v", err)
		return
	}

	s.machine.ProcessCycle(frame, boxes)
	if s.sink != nil {
		s.sink.Update(frame, s.machine.Snapshot().Detections)
	}
	s.fanOut(Frame{Image: frame, Boxes: boxes, Time: timezone.Now()})
}

func (s *Scanner) captureFailed(err error) {
	s.mu.Lock()
	s.stats.CaptureFailures++
	s.stats.ConsecutiveFailures++
	n := s.stats.ConsecutiveFailures
	s.mu.Unlock()

	log.Tracef("Frame capture failed: %v", err)
	if n == s.maxFailures {
		log.Warnf("%d consecutive frame capture failures", n)
		s.machine.SetCaptureDegraded(true)
	}
}

func (s *Scanner) captureOK() {
	s.mu.Lock()
	degraded := s.stats.ConsecutiveFailures >= s.maxFailures
	s.stats.ConsecutiveFailures = 0
	s.stats.Cycles++
	s.stats.LastFrame = timezone.Now()
	s.mu.Unlock()

	if degraded {
		s.machine.SetCaptureDegraded(false)
	}
}

func (s *Scanner) setRunning(running bool) {
	s.mu.Lock()
	s.stats.Running = running
	s.mu.Unlock()
}

// Stats returns a copy of the worker statistics.
func (s *Scanner) Stats() ScannerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Tap returns a channel receiving processed frames. Frames are dropped when
// the receiver is busy. The returned function detaches the tap.
func (s *Scanner) Tap() (<-chan Frame, func()) {
	ch := make(chan Frame, 1)
	s.mu.Lock()
	s.taps[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.taps, ch)
			s.mu.Unlock()
		})
	}
}

func (s *Scanner) fanOut(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.taps {
		select {
		case ch <- f:
		default:
		}
	}
}
