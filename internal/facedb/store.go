// Package facedb keeps the enrolled identities, their sample images and the
// averaged templates used for matching.
package facedb

import (
	"errors"
	"fmt"
	"image"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/face"

	log "github.com/sirupsen/logrus"
)

// MinSamples is the smallest sample set accepted for an enrollment.
const MinSamples = 5

var (
	// ErrInvalidInput marks requests rejected before anything was written.
	ErrInvalidInput = errors.New("invalid input")
	// ErrIOFailure marks durable read/write failures. In-memory state stays authoritative.
	ErrIOFailure = errors.New("io failure")
	// ErrDuplicate is returned when enrolling a name that is already registered.
	ErrDuplicate = fmt.Errorf("%w: identity already exists", ErrInvalidInput)
)

// Options configures the on-disk layout of the store.
type Options struct {
	FacesDir      string
	RegistryFile  string
	TemplatesFile string
}

// Snapshot is an immutable view of the store. Order lists identities by
// enrollment index; Templates only holds trained identities.
type Snapshot struct {
	Order     []string
	Templates map[string]face.Template
}

// Len returns the number of templates in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Templates)
}

// TrainReport summarizes one training pass.
type TrainReport struct {
	Trained  []string      `json:"trained"`
	Skipped  []string      `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Store is the template database. Writers are serialized by mu; readers load
// the current snapshot pointer and never observe a partially built map.
type Store struct {
	opts Options

	mu       sync.Mutex
	registry map[string]int

	snap atomic.Pointer[Snapshot]
}

// New creates an empty store. Call Load to restore persisted state.
func New(opts Options) *Store {
	s := &Store{
		opts:     opts,
		registry: make(map[string]int),
	}
	s.snap.Store(&Snapshot{Templates: map[string]face.Template{}})
	return s
}

// Load restores the registry and templates. A missing or unreadable file
// resets its half to empty and is only logged.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	registry, err := readRegistry(s.opts.RegistryFile)
	if err != nil {
		log.WithError(err).Warnf("Failed to load identity registry %s, starting empty", s.opts.RegistryFile)
		registry = make(map[string]int)
	}

	templates, err := readTemplates(s.opts.TemplatesFile)
	if err != nil {
		log.WithError(err).Warnf("Failed to load templates %s, starting empty", s.opts.TemplatesFile)
		templates = make(map[string]face.Template)
	}
	for name, tpl := range templates {
		if len(tpl) != face.Pixels {
			log.Warnf("Dropping template for %q with %d values", name, len(tpl))
			delete(templates, name)
		}
	}

	s.registry = registry
	s.publish(templates)
	log.Infof("Face database loaded: %d identities, %d templates", len(registry), len(templates))
}

// Enroll stores the samples of a new identity, registers it, retrains every
// identity and persists the registry.
func (s *Store) Enroll(name string, samples []image.Image) (*TrainReport, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if len(samples) < MinSamples {
		return nil, fmt.Errorf("%w: %d samples given, at least %d required", ErrInvalidInput, len(samples), MinSamples)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.registry[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicate, name)
	}

	if err := writeSamples(s.opts.FacesDir, name, samples); err != nil {
		return nil, fmt.Errorf("%w: saving samples for %q: %v", ErrIOFailure, name, err)
	}

	s.registry[name] = s.nextIndex()
	log.WithFields(log.Fields{"identity": name, "samples": len(samples)}).Info("Identity enrolled")

	report, trainErr := s.train(nil)
	if err := writeRegistry(s.opts.RegistryFile, s.registry); err != nil {
		trainErr = errors.Join(trainErr, fmt.Errorf("%w: saving registry: %v", ErrIOFailure, err))
	}
	return report, trainErr
}

// Train rebuilds the templates of the named identities, or of all identities
// when no name is given. Unknown names are ignored.
func (s *Store) Train(names ...string) (*TrainReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.train(names)
}

func (s *Store) train(names []string) (*TrainReport, error) {
	start := time.Now()
	order := s.order()

	targets := order
	if len(names) > 0 {
		wanted := make(map[string]bool, len(names))
		for _, n := range names {
			wanted[n] = true
		}
		targets = targets[:0:0]
		for _, n := range order {
			if wanted[n] {
				targets = append(targets, n)
			}
		}
	}

	current := s.snap.Load()
	templates := make(map[string]face.Template, len(order))
	for name, tpl := range current.Templates {
		if _, ok := s.registry[name]; ok {
			templates[name] = tpl
		}
	}

	report := &TrainReport{}
	for _, name := range targets {
		delete(templates, name)

		samples := readSamples(s.opts.FacesDir, name)
		if len(samples) == 0 {
			log.Warnf("No readable samples for %q, skipping", name)
			report.Skipped = append(report.Skipped, name)
			continue
		}
		mean, err := face.Mean(samples)
		if err != nil {
			log.WithError(err).Warnf("Cannot average samples for %q", name)
			report.Skipped = append(report.Skipped, name)
			continue
		}
		templates[name] = mean
		report.Trained = append(report.Trained, name)
		log.Debugf("Trained %s with %d samples", name, len(samples))
	}

	s.publish(templates)
	report.Duration = time.Since(start)
	log.Infof("Training completed in %v. Templates in database: %d", report.Duration, len(templates))

	if err := writeTemplates(s.opts.TemplatesFile, templates); err != nil {
		return report, fmt.Errorf("%w: saving templates: %v", ErrIOFailure, err)
	}
	return report, nil
}

// Clear removes every sample directory and both persisted files. The
// in-memory state is reset even when deletion fails.
func (s *Store) Clear() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		s.registry = make(map[string]int)
		s.publish(make(map[string]face.Template))
		log.Info("Face database cleared")
	}()

	var errs []error
	if s.opts.FacesDir != "" {
		if e := os.RemoveAll(s.opts.FacesDir); e != nil {
			errs = append(errs, e)
		}
		if e := os.MkdirAll(s.opts.FacesDir, 0755); e != nil {
			errs = append(errs, e)
		}
	}
	for _, f := range []string{s.opts.TemplatesFile, s.opts.RegistryFile} {
		if f == "" {
			continue
		}
		if e := os.Remove(f); e != nil && !os.IsNotExist(e) {
			errs = append(errs, e)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: clearing database: %v", ErrIOFailure, errors.Join(errs...))
	}
	return nil
}

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Templates returns a copy of the name → template mapping.
func (s *Store) Templates() map[string]face.Template {
	snap := s.snap.Load()
	out := make(map[string]face.Template, len(snap.Templates))
	for name, tpl := range snap.Templates {
		out[name] = append(face.Template(nil), tpl...)
	}
	return out
}

// Identities returns the registered names in enrollment order.
func (s *Store) Identities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order()
}

// Contains reports whether name is registered.
func (s *Store) Contains(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registry[name]
	return ok
}

// SampleCount returns the number of stored sample files for name.
func (s *Store) SampleCount(name string) int {
	return len(sampleFiles(s.opts.FacesDir, name))
}

// order must be called with mu held.
func (s *Store) order() []string {
	names := make([]string, 0, len(s.registry))
	for n := range s.registry {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := s.registry[names[i]], s.registry[names[j]]
		if a != b {
			return a < b
		}
		return names[i] < names[j]
	})
	return names
}

// nextIndex must be called with mu held.
func (s *Store) nextIndex() int {
	next := 0
	for _, idx := range s.registry {
		if idx >= next {
			next = idx + 1
		}
	}
	return next
}

// publish swaps in a new snapshot; must be called with mu held. Templates
// without a registry entry (left over from a damaged registry) are ordered
// after the registered identities, by name.
func (s *Store) publish(templates map[string]face.Template) {
	order := s.order()
	var orphans []string
	for name := range templates {
		if _, ok := s.registry[name]; !ok {
			orphans = append(orphans, name)
		}
	}
	sort.Strings(orphans)
	s.snap.Store(&Snapshot{Order: append(order, orphans...), Templates: templates})
}

// ValidateName rejects names that are empty or cannot be used as a directory name.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty name", ErrInvalidInput)
	case name == "." || name == "..":
		return fmt.Errorf("%w: reserved name %q", ErrInvalidInput, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: name %q contains a path separator", ErrInvalidInput, name)
	}
	return nil
}
