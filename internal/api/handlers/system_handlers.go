package handlers

import (
	"net/http"

	"github.com/denis-savelyev/FaceAttend/internal/utils"

	"github.com/gin-gonic/gin"
)

// handleSystem reports host and recognition loop statistics
func (h *Handler) handleSystem(c *gin.Context) {
	stats := utils.GetSystemStats(h.svc.ScannerStats())
	identities := h.svc.Identities()
	trained := 0
	for _, id := range identities {
		if id.Trained {
			trained++
		}
	}

	resp := gin.H{
		"stats":       stats,
		"memory":      utils.FormatBytes(stats.MemoryAlloc),
		"identities":  len(identities),
		"templates":   trained,
		"attendance":  len(h.svc.Attendance()),
		"enrolling":   h.svc.Enrolling(),
		"camera":      h.svc.CameraAvailable(),
		"sse_clients": 0,
		"history":     h.history != nil,
	}
	if h.hub != nil {
		resp["sse_clients"] = h.hub.ClientCount()
	}
	c.JSON(http.StatusOK, resp)
}

// handleHealth reports whether the recognition loop is healthy
func (h *Handler) handleHealth(c *gin.Context) {
	snap := h.svc.Snapshot()
	status := http.StatusOK
	state := "ok"
	if snap.CaptureDegraded {
		status = http.StatusServiceUnavailable
		state = "capture_degraded"
	}
	c.JSON(status, gin.H{"status": state, "state": snap.State})
}
