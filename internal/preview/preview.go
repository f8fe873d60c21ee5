// Package preview keeps the latest camera frame with its detections and
// renders it as an annotated JPEG. It also remembers the rendered frame of
// the most recent attendance confirmations.
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/recognition"
	"github.com/denis-savelyev/FaceAttend/internal/util/timezone"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ErrNoFrame is returned while no frame has been received yet.
var ErrNoFrame = errors.New("preview: no frame yet")

var boxColor = color.NRGBA{R: 0, G: 255, B: 0, A: 255}

// Snapshot is a rendered frame kept for a confirmed attendance.
type Snapshot struct {
	ID        string
	Name      string
	Timestamp time.Time
	JPEG      []byte
}

// Service holds the latest frame and a bounded list of attendance snapshots.
type Service struct {
	width, height int
	quality       int
	maxSnapshots  int

	mu         sync.RWMutex
	frame      image.Image
	detections []recognition.Detection
	frameTime  time.Time
	seq        uint64

	snapshots map[string]*Snapshot
	order     []string
}

// Options configures the rendering.
type Options struct {
	// Width and Height of the rendered frame; zero keeps the camera size.
	Width, Height int
	Quality       int
	MaxSnapshots  int
}

// New creates a preview service.
func New(opts Options) *Service {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 80
	}
	if opts.MaxSnapshots <= 0 {
		opts.MaxSnapshots = 20
	}
	return &Service{
		width:        opts.Width,
		height:       opts.Height,
		quality:      opts.Quality,
		maxSnapshots: opts.MaxSnapshots,
		snapshots:    make(map[string]*Snapshot),
		order:        make([]string, 0, opts.MaxSnapshots),
	}
}

// Update stores the frame of the latest cycle.
func (s *Service) Update(frame image.Image, detections []recognition.Detection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = frame
	s.detections = append(s.detections[:0], detections...)
	s.frameTime = timezone.Now()
	s.seq++
}

// Seq increases with every stored frame.
func (s *Service) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Render draws the latest frame with its face boxes and labels.
func (s *Service) Render() (image.Image, error) {
	s.mu.RLock()
	frame := s.frame
	detections := append([]recognition.Detection(nil), s.detections...)
	s.mu.RUnlock()

	if frame == nil {
		return nil, ErrNoFrame
	}
	return Annotate(frame, detections, s.width, s.height), nil
}

// JPEG renders the latest frame and encodes it.
func (s *Service) JPEG() ([]byte, error) {
	img, err := s.Render()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(s.quality)); err != nil {
		return nil, fmt.Errorf("preview: encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Annotate returns a copy of frame with a box around every detection and a
// "<name> (<score>)" label above known faces, scaled to width×height when
// both are positive.
func Annotate(frame image.Image, detections []recognition.Detection, width, height int) *image.NRGBA {
	b := frame.Bounds()
	canvas := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), frame, b.Min, draw.Src)

	for _, d := range detections {
		box := d.Box.Sub(b.Min)
		drawRect(canvas, box, 2)
		if d.Known() {
			drawLabel(canvas, fmt.Sprintf("%s (%.2f)", d.Name, d.Score), box.Min.X, box.Min.Y-5)
		}
	}

	if width > 0 && height > 0 && (width != b.Dx() || height != b.Dy()) {
		scaled := image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), canvas, canvas.Bounds(), draw.Src, nil)
		return scaled
	}
	return canvas
}

func drawRect(img *image.NRGBA, r image.Rectangle, thickness int) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	fill := image.NewUniform(boxColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), fill, image.Point{}, draw.Src)
	}
}

func drawLabel(img *image.NRGBA, text string, x, y int) {
	face := basicfont.Face7x13
	if y < face.Ascent {
		y = face.Ascent
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(boxColor),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// OnAttendance keeps the current rendered frame under the event ID.
func (s *Service) OnAttendance(ev recognition.Event) {
	data, err := s.JPEG()
	if err != nil {
		log.Debugf("No preview snapshot for attendance %s: %v", ev.ID, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[ev.ID] = &Snapshot{ID: ev.ID, Name: ev.Name, Timestamp: timezone.Now(), JPEG: data}
	s.order = append(s.order, ev.ID)
	if len(s.order) > s.maxSnapshots {
		oldest := s.order[0]
		delete(s.snapshots, oldest)
		s.order = s.order[1:]
	}
	log.Debugf("Attendance snapshot stored: %s (%s)", ev.ID, ev.Name)
}

// Snapshot returns the stored snapshot for an attendance event.
func (s *Service) Snapshot(id string) *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[id]
}

// Latest returns up to count snapshots, newest last.
func (s *Service) Latest(count int) []*Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if count <= 0 || count > len(s.order) {
		count = len(s.order)
	}
	out := make([]*Snapshot, 0, count)
	for _, id := range s.order[len(s.order)-count:] {
		out = append(out, s.snapshots[id])
	}
	return out
}
