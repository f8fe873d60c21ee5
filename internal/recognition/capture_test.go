package recognition

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func framesAt(n int, step time.Duration, boxes []image.Rectangle) chan Frame {
	img, _ := testFrame(120, 120, 120)
	ch := make(chan Frame, n)
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ch <- Frame{Image: img, Boxes: boxes, Time: base.Add(time.Duration(i) * step)}
	}
	return ch
}

func TestCaptureReachesTarget(t *testing.T) {
	frames := framesAt(10, time.Second, []image.Rectangle{image.Rect(0, 0, 100, 100)})
	var progress []int
	samples, err := Capture(context.Background(), frames, nil, CaptureOptions{
		Target:      5,
		Delay:       500 * time.Millisecond,
		MinFaceSize: 50,
		Timeout:     time.Second,
		Progress:    func(n, target int) { progress = append(progress, n) },
	})
	require.NoError(t, err)
	require.Len(t, samples, 5)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, progress)
	b := samples[0].Bounds()
	assert.Equal(t, 100, b.Dx())
	assert.Equal(t, 100, b.Dy())
}

func TestCaptureRespectsDelay(t *testing.T) {
	// ten frames 100ms apart span 900ms: with a 500ms delay two samples fit
	frames := framesAt(10, 100*time.Millisecond, []image.Rectangle{image.Rect(0, 0, 100, 100)})
	close(frames)
	samples, err := Capture(context.Background(), frames, nil, CaptureOptions{Target: 20, Delay: 500 * time.Millisecond, Timeout: time.Second})
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}

func TestCaptureIgnoresSmallFaces(t *testing.T) {
	frames := framesAt(5, time.Second, []image.Rectangle{image.Rect(0, 0, 50, 50), image.Rect(0, 0, 40, 90)})
	close(frames)
	samples, err := Capture(context.Background(), frames, nil, CaptureOptions{Target: 5, MinFaceSize: 50, Timeout: time.Second})
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestCaptureStopsEarly(t *testing.T) {
	frames := make(chan Frame)
	stop := make(chan struct{})
	close(stop)
	samples, err := Capture(context.Background(), frames, stop, CaptureOptions{Target: 5})
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestCaptureTimeout(t *testing.T) {
	samples, err := Capture(context.Background(), make(chan Frame), nil, CaptureOptions{Target: 5, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestCaptureCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Capture(ctx, make(chan Frame), nil, CaptureOptions{Target: 5})
	assert.ErrorIs(t, err, context.Canceled)
}
