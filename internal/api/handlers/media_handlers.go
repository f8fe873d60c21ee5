package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/preview"

	"github.com/gin-gonic/gin"
)

const mjpegBoundary = "faceattendframe"

var errNoFrames = errors.New("camera preview is not available")

func (h *Handler) handlePreview(c *gin.Context) {
	if h.frames == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errNoFrames.Error()})
		return
	}
	data, err := h.frames.JPEG()
	if errors.Is(err, preview.ErrNoFrame) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", data)
}

// handleStream serves the annotated camera frames as MJPEG
func (h *Handler) handleStream(c *gin.Context) {
	if h.frames == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errNoFrames.Error()})
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-store")

	ticker := time.NewTicker(h.streamRate)
	defer ticker.Stop()

	ctx := c.Request.Context()
	var lastSeq uint64
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-h.baseCtx.Done():
			return false
		case <-ticker.C:
		}

		seq := h.frames.Seq()
		if seq == lastSeq {
			return true
		}
		data, err := h.frames.JPEG()
		if err != nil {
			return true
		}
		lastSeq = seq

		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(data)); err != nil {
			return false
		}
		if _, err := w.Write(data); err != nil {
			return false
		}
		_, err = io.WriteString(w, "\r\n")
		return err == nil
	})
}
