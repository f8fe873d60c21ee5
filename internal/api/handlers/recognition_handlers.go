package handlers

import (
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/facedb"
	"github.com/denis-savelyev/FaceAttend/internal/recognition"
	"github.com/denis-savelyev/FaceAttend/internal/server/sse"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// StateView is the localized recognition state sent to the UI
type StateView struct {
	State           recognition.State       `json:"state"`
	Status          string                  `json:"status"`
	Result          string                  `json:"result"`
	ShowConfirm     bool                    `json:"show_confirm"`
	Candidate       *recognition.Candidate  `json:"candidate,omitempty"`
	Threshold       float64                 `json:"threshold"`
	Detections      []recognition.Detection `json:"detections"`
	CaptureDegraded bool                    `json:"capture_degraded"`
	Enrolling       string                  `json:"enrolling,omitempty"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

func (h *Handler) stateView(lang string, snap recognition.Snapshot) StateView {
	detections := snap.Detections
	if detections == nil {
		detections = []recognition.Detection{}
	}
	return StateView{
		State:           snap.State,
		Status:          h.translator.Message(lang, snap.Status.ID, snap.Status.Name),
		Result:          h.translator.Message(lang, snap.Result.ID, snap.Result.Name),
		ShowConfirm:     snap.ShowConfirm,
		Candidate:       snap.Candidate,
		Threshold:       snap.Threshold,
		Detections:      detections,
		CaptureDegraded: snap.CaptureDegraded,
		Enrolling:       h.svc.Enrolling(),
		UpdatedAt:       snap.UpdatedAt,
	}
}

func (h *Handler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.stateView(h.lang(c), h.svc.Snapshot()))
}

// handleEvents streams state changes and hub events (attendance,
// enrollment progress) as server-sent events
func (h *Handler) handleEvents(c *gin.Context) {
	lang := h.lang(c)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	client := make(sse.Client, 10)
	if h.hub != nil {
		if !h.hub.Register(client) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
			return
		}
		defer h.hub.Unregister(client)
	}

	updates, unsubscribe := h.svc.Subscribe()
	defer unsubscribe()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-client:
			if !ok {
				return false
			}
			c.SSEvent(msg.Event, string(msg.Data))
			return true
		case snap, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("state", h.stateView(lang, snap))
			return true
		}
	})
}

func (h *Handler) handleConfirm(c *gin.Context) {
	ev, err := h.svc.Confirm()
	if err != nil && !isWarning(err) {
		h.respondError(c, err)
		return
	}

	resp := gin.H{
		"success": true,
		"event":   ev,
		"message": h.translator.Message(h.lang(c), recognition.ResultWelcome, ev.Name),
	}
	if err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleReject(c *gin.Context) {
	if err := h.svc.Reject(); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": h.translator.Message(h.lang(c), recognition.ResultTryAgain, ""),
	})
}

type thresholdRequest struct {
	Threshold *float64 `json:"threshold" binding:"required"`
}

func (h *Handler) handleThreshold(c *gin.Context) {
	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	applied, err := h.svc.SetThreshold(*req.Threshold)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "threshold": applied})
}

// handleRecognize matches the faces of an uploaded image without changing
// the recognition state
func (h *Handler) handleRecognize(c *gin.Context) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image uploaded or invalid form data"})
		return
	}
	defer file.Close()

	img, err := imaging.Decode(file, imaging.AutoOrientation(true))
	if err != nil {
		h.respondError(c, fmt.Errorf("%w: decoding %s: %v", facedb.ErrInvalidInput, header.Filename, err))
		return
	}

	detections, err := h.svc.Recognize(img)
	if err != nil {
		h.respondError(c, err)
		return
	}
	log.Debugf("Recognized %d faces in uploaded image %s", len(detections), header.Filename)
	c.JSON(http.StatusOK, gin.H{
		"faces":      len(detections),
		"detections": detections,
		"size":       image.Pt(img.Bounds().Dx(), img.Bounds().Dy()),
	})
}
