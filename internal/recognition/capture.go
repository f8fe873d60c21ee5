package recognition

import (
	"context"
	"image"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/face"

	log "github.com/sirupsen/logrus"
)

// CaptureOptions bounds an enrollment capture session.
type CaptureOptions struct {
	Target      int
	Delay       time.Duration
	MinFaceSize int
	Timeout     time.Duration
	// Progress, when set, is called after every captured sample.
	Progress func(captured, target int)
}

// DefaultCaptureOptions collects 20 samples of faces larger than 50 pixels,
// at least half a second apart, for one minute at most.
func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{
		Target:      20,
		Delay:       500 * time.Millisecond,
		MinFaceSize: 50,
		Timeout:     time.Minute,
	}
}

// Capture collects face samples from frames until the target is reached,
// stop is closed, the timeout elapses or ctx is cancelled. Samples are
// normalized face crops; at most one is taken per Delay. Only a cancelled
// ctx is reported as an error; the collected samples are returned in every
// case and the caller decides whether they are enough.
func Capture(ctx context.Context, frames <-chan Frame, stop <-chan struct{}, opts CaptureOptions) ([]image.Image, error) {
	def := DefaultCaptureOptions()
	if opts.Target <= 0 {
		opts.Target = def.Target
	}
	if opts.Delay <= 0 {
		opts.Delay = def.Delay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}

	timeout := time.NewTimer(opts.Timeout)
	defer timeout.Stop()

	samples := make([]image.Image, 0, opts.Target)
	var last time.Time
	for len(samples) < opts.Target {
		select {
		case <-ctx.Done():
			return samples, ctx.Err()
		case <-stop:
			log.Infof("Capture stopped with %d/%d samples", len(samples), opts.Target)
			return samples, nil
		case <-timeout.C:
			log.Warnf("Capture timed out with %d/%d samples", len(samples), opts.Target)
			return samples, nil
		case f, ok := <-frames:
			if !ok {
				return samples, nil
			}
			now := f.Time
			if now.IsZero() {
				now = time.Now()
			}
			if !last.IsZero() && now.Sub(last) < opts.Delay {
				continue
			}
			box, found := pickFace(f.Boxes, opts.MinFaceSize)
			if !found {
				continue
			}
			gray, err := face.Crop(f.Image, box)
			if err != nil {
				continue
			}
			samples = append(samples, gray)
			last = now
			if opts.Progress != nil {
				opts.Progress(len(samples), opts.Target)
			}
		}
	}
	return samples, nil
}

// pickFace returns the first box larger than minSize in both dimensions.
func pickFace(boxes []image.Rectangle, minSize int) (image.Rectangle, bool) {
	for _, b := range boxes {
		if b.Dx() > minSize && b.Dy() > minSize {
			return b, true
		}
	}
	return image.Rectangle{}, false
}
