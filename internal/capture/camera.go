// Package capture connects the recognition loop to OpenCV: a camera frame
// source and a Haar cascade face locator.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"sync"

	"github.com/denis-savelyev/FaceAttend/config"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// ErrNoFrame is returned when the device delivered no frame.
var ErrNoFrame = errors.New("capture: no frame")

// Camera is a gocv VideoCapture wrapped as a frame source.
type Camera struct {
	cfg config.CameraConfig

	mu     sync.Mutex
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	closed bool
}

// OpenCamera opens the configured device. A numeric device string selects a
// local camera, anything else is opened as a file or stream URL.
func OpenCamera(cfg config.CameraConfig) (*Camera, error) {
	var device interface{} = cfg.Device
	if id, err := strconv.Atoi(cfg.Device); err == nil {
		device = id
	}

	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %q: %w", cfg.Device, err)
	}
	if cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	log.Infof("Camera %s opened (%dx%d, mirror=%v)", cfg.Device, cfg.Width, cfg.Height, cfg.Mirror)

	return &Camera{cfg: cfg, vc: vc, mat: gocv.NewMat()}, nil
}

// Read grabs the next frame, mirrored horizontally when configured.
func (c *Camera) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrNoFrame
	}
	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, ErrNoFrame
	}
	if c.cfg.Mirror {
		gocv.Flip(c.mat, &c.mat, 1)
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("capture: converting frame: %w", err)
	}
	return img, nil
}

// Close releases the device.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.mat.Close()
	return c.vc.Close()
}
