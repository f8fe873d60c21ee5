package capture

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/denis-savelyev/FaceAttend/config"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// ErrLocatorClosed is returned by Locate after Close.
var ErrLocatorClosed = errors.New("capture: face locator closed")

// CascadeLocator finds frontal faces with a Haar cascade classifier.
type CascadeLocator struct {
	cfg config.DetectorConfig

	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	closed     bool
}

// NewCascadeLocator loads the cascade file named in cfg.
func NewCascadeLocator(cfg config.DetectorConfig) (*CascadeLocator, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cfg.CascadePath) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade classifier %s", cfg.CascadePath)
	}
	if cfg.ScaleFactor <= 1 {
		cfg.ScaleFactor = 1.3
	}
	if cfg.MinNeighbors <= 0 {
		cfg.MinNeighbors = 5
	}
	log.Infof("Face cascade loaded from %s (scale %.2f, neighbors %d)", cfg.CascadePath, cfg.ScaleFactor, cfg.MinNeighbors)
	return &CascadeLocator{cfg: cfg, classifier: classifier}, nil
}

// Locate returns the face boxes found in frame. Calls are serialized with
// Close, so a closed classifier is never used.
func (l *CascadeLocator) Locate(frame image.Image) ([]image.Rectangle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLocatorClosed
	}

	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return nil, fmt.Errorf("capture: converting frame: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	minSize := image.Point{X: l.cfg.MinSize, Y: l.cfg.MinSize}
	rects := l.classifier.DetectMultiScaleWithParams(gray, l.cfg.ScaleFactor, l.cfg.MinNeighbors, 0, minSize, image.Point{})

	// boxes are relative to the frame origin
	off := frame.Bounds().Min
	for i := range rects {
		rects[i] = rects[i].Add(off)
	}
	return rects, nil
}

// Close releases the classifier. It is safe to call more than once.
func (l *CascadeLocator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.classifier.Close()
}
