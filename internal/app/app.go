// Package app is the command surface of FaceAttend. The HTTP API, the MQTT
// command topic and the CLI all drive the engine through an App.
package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/attendance"
	"github.com/denis-savelyev/FaceAttend/internal/facedb"
	"github.com/denis-savelyev/FaceAttend/internal/matching"
	"github.com/denis-savelyev/FaceAttend/internal/recognition"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrNoCamera is returned by Enroll when no live scanner is running.
	ErrNoCamera = errors.New("no camera available for enrollment")
	// ErrEnrollmentRunning is returned when a capture is already in progress.
	ErrEnrollmentRunning = errors.New("an enrollment is already running")
	// ErrNoEnrollment is returned by StopEnroll when nothing is being captured.
	ErrNoEnrollment = errors.New("no enrollment running")
)

// TrainingObserver receives the outcome of every training pass.
type TrainingObserver interface {
	ObserveTraining(d time.Duration, templates int, err error)
}

// StateListener receives every state snapshot of the recognition machine.
type StateListener interface {
	PublishState(snap recognition.Snapshot)
}

// Identity is one entry of the identity listing.
type Identity struct {
	Name    string `json:"name"`
	Samples int    `json:"samples"`
	Trained bool   `json:"trained"`
}

// EnrollResult describes a finished enrollment.
type EnrollResult struct {
	Name     string              `json:"name"`
	Captured int                 `json:"captured"`
	Report   *facedb.TrainReport `json:"report,omitempty"`
}

// Options wires the engine parts into an App. Scanner and Locator may be nil
// when the process runs without a camera; TrainingObserver may be nil.
type Options struct {
	Store            *facedb.Store
	Ledger           *attendance.Ledger
	Machine          *recognition.Machine
	Scanner          *recognition.Scanner
	Locator          recognition.FaceLocator
	Capture          recognition.CaptureOptions
	TrainingObserver TrainingObserver
}

// App coordinates the template store, the ledger and the recognition machine.
type App struct {
	store   *facedb.Store
	ledger  *attendance.Ledger
	machine *recognition.Machine
	scanner *recognition.Scanner
	locator recognition.FaceLocator
	matcher *matching.Engine
	capture recognition.CaptureOptions
	trained TrainingObserver

	mu        sync.Mutex
	enrolling string
	stop      chan struct{}
}

// New creates an App.
func New(opts Options) *App {
	if opts.Capture.Target <= 0 {
		opts.Capture = recognition.DefaultCaptureOptions()
	}
	return &App{
		store:   opts.Store,
		ledger:  opts.Ledger,
		machine: opts.Machine,
		scanner: opts.Scanner,
		locator: opts.Locator,
		matcher: matching.NewEngine(opts.Store),
		capture: opts.Capture,
		trained: opts.TrainingObserver,
	}
}

// Confirm logs the pending candidate.
func (a *App) Confirm() (recognition.Event, error) {
	return a.machine.Confirm()
}

// Reject drops the pending candidate and starts the cooldown.
func (a *App) Reject() error {
	return a.machine.Reject()
}

// SetThreshold changes the recognition threshold and returns the value in effect.
func (a *App) SetThreshold(v float64) (float64, error) {
	return a.machine.SetThreshold(v)
}

// Snapshot returns the current recognition state.
func (a *App) Snapshot() recognition.Snapshot {
	return a.machine.Snapshot()
}

// Subscribe streams recognition state changes.
func (a *App) Subscribe() (<-chan recognition.Snapshot, func()) {
	return a.machine.Subscribe()
}

// Enroll captures samples of name from the live camera and enrolls them.
// progress may be nil. The capture ends at the target count, on StopEnroll,
// on timeout or when ctx is cancelled.
func (a *App) Enroll(ctx context.Context, name string, progress func(captured, target int)) (*EnrollResult, error) {
	if err := a.CheckName(name); err != nil {
		return nil, err
	}
	if a.scanner == nil {
		return nil, ErrNoCamera
	}

	stop, err := a.beginEnrollment(name)
	if err != nil {
		return nil, err
	}
	defer a.endEnrollment()

	frames, detach := a.scanner.Tap()
	defer detach()

	opts := a.capture
	opts.Progress = progress
	log.WithField("identity", name).Infof("Capturing up to %d samples", opts.Target)
	samples, err := recognition.Capture(ctx, frames, stop, opts)
	if err != nil {
		return nil, err
	}
	log.WithField("identity", name).Infof("Captured %d samples", len(samples))

	res := &EnrollResult{Name: name, Captured: len(samples)}
	if len(samples) < facedb.MinSamples {
		return res, fmt.Errorf("%w: only %d samples captured, at least %d required",
			facedb.ErrInvalidInput, len(samples), facedb.MinSamples)
	}
	res.Report, err = a.enroll(name, samples)
	return res, err
}

// StopEnroll ends a running camera capture early; the samples captured so
// far are still enrolled if there are enough of them.
func (a *App) StopEnroll() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop == nil {
		return ErrNoEnrollment
	}
	close(a.stop)
	a.stop = nil
	return nil
}

// Enrolling returns the name currently being captured, if any.
func (a *App) Enrolling() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enrolling
}

func (a *App) beginEnrollment(name string) (<-chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enrolling != "" {
		return nil, ErrEnrollmentRunning
	}
	a.enrolling = name
	a.stop = make(chan struct{})
	return a.stop, nil
}

func (a *App) endEnrollment() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enrolling = ""
	a.stop = nil
}

// EnrollImages enrolls name from already captured images, such as uploads.
func (a *App) EnrollImages(name string, samples []image.Image) (*EnrollResult, error) {
	if err := a.CheckName(name); err != nil {
		return nil, err
	}
	report, err := a.enroll(name, samples)
	return &EnrollResult{Name: name, Captured: len(samples), Report: report}, err
}

// CheckName reports whether name can be enrolled.
func (a *App) CheckName(name string) error {
	if err := facedb.ValidateName(name); err != nil {
		return err
	}
	if a.store.Contains(name) {
		return fmt.Errorf("%w: %q", facedb.ErrDuplicate, name)
	}
	return nil
}

func (a *App) enroll(name string, samples []image.Image) (*facedb.TrainReport, error) {
	report, err := a.store.Enroll(name, samples)
	a.observeTraining(report, err)
	return report, err
}

// Retrain rebuilds all templates from the stored samples.
func (a *App) Retrain() (*facedb.TrainReport, error) {
	report, err := a.store.Train()
	a.observeTraining(report, err)
	return report, err
}

func (a *App) observeTraining(report *facedb.TrainReport, err error) {
	if a.trained == nil || report == nil {
		return
	}
	a.trained.ObserveTraining(report.Duration, a.store.Snapshot().Len(), err)
}

// Identities lists the registered identities in enrollment order.
func (a *App) Identities() []Identity {
	snap := a.store.Snapshot()
	names := a.store.Identities()
	out := make([]Identity, 0, len(names))
	for _, name := range names {
		_, trained := snap.Templates[name]
		out = append(out, Identity{
			Name:    name,
			Samples: a.store.SampleCount(name),
			Trained: trained,
		})
	}
	return out
}

// Clear wipes the template database and resets the recognition state.
func (a *App) Clear() error {
	err := a.store.Clear()
	a.machine.Reset()
	if a.trained != nil {
		a.trained.ObserveTraining(0, 0, nil)
	}
	return err
}

// Export writes the attendance ledger to path.
func (a *App) Export(path string) error {
	return a.ledger.Export(path)
}

// Attendance returns the in-memory attendance records.
func (a *App) Attendance() []attendance.Record {
	return a.ledger.Records()
}

// ScannerStats returns the worker statistics, or nil without a camera.
func (a *App) ScannerStats() *recognition.ScannerStats {
	if a.scanner == nil {
		return nil
	}
	s := a.scanner.Stats()
	return &s
}

// CameraAvailable reports whether camera enrollment is possible.
func (a *App) CameraAvailable() bool {
	return a.scanner != nil
}

// Scanner returns the live worker, or nil without a camera.
func (a *App) Scanner() *recognition.Scanner {
	return a.scanner
}

// ForwardState sends every state change to the listeners until ctx is done.
func (a *App) ForwardState(ctx context.Context, listeners ...StateListener) {
	if len(listeners) == 0 {
		return
	}
	updates, unsubscribe := a.machine.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			for _, l := range listeners {
				l.PublishState(snap)
			}
		}
	}
}
