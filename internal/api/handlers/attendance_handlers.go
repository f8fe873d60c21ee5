package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/attendance"
	"github.com/denis-savelyev/FaceAttend/internal/db/repository"
	"github.com/denis-savelyev/FaceAttend/internal/util/timezone"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

var (
	errNoHistory  = errors.New("attendance history database is disabled")
	errExportPath = errors.New("export path must be relative and stay inside the data directory")
)

func (h *Handler) handleAttendance(c *gin.Context) {
	records := h.svc.Attendance()
	if records == nil {
		records = []attendance.Record{}
	}

	if name := c.Query("name"); name != "" {
		filtered := []attendance.Record{}
		for _, r := range records {
			if r.Name == name {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit < len(records) {
		records = records[len(records)-limit:]
	}

	resp := gin.H{"records": records, "count": len(records)}
	if len(records) == 0 {
		resp["message"] = h.translator.Localize(h.lang(c), "attendance.empty", nil)
	}
	c.JSON(http.StatusOK, resp)
}

type exportRequest struct {
	Path string `json:"path" binding:"required"`
}

// handleExport writes the ledger to a path on the server
func (h *Handler) handleExport(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	dest, err := resolveExportPath(h.exportDir, req.Path)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.Export(dest); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "path": dest, "records": len(h.svc.Attendance())})
}

// resolveExportPath confines an export to dir. Only relative paths that stay
// inside dir are accepted.
func resolveExportPath(dir, path string) (string, error) {
	if filepath.IsAbs(path) || filepath.VolumeName(path) != "" {
		return "", errExportPath
	}
	if dir == "" {
		dir = "."
	}
	dest := filepath.Clean(filepath.Join(dir, path))
	rel, err := filepath.Rel(filepath.Clean(dir), dest)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errExportPath
	}
	return dest, nil
}

// handleDownload exports the ledger into a temporary file and sends it
func (h *Handler) handleDownload(c *gin.Context) {
	tmp, err := os.MkdirTemp("", "faceattend-export-")
	if err != nil {
		h.respondError(c, fmt.Errorf("%w: %v", attendance.ErrIOFailure, err))
		return
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			log.Debugf("Failed to remove export directory %s: %v", tmp, err)
		}
	}()

	dest := filepath.Join(tmp, "attendance.csv")
	if err := h.svc.Export(dest); err != nil {
		h.respondError(c, err)
		return
	}
	name := fmt.Sprintf("attendance_%s.csv", timezone.Now().Format("20060102_150405"))
	c.FileAttachment(dest, name)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := timezone.Parse(attendance.TimestampLayout, value); err == nil {
		return t, nil
	}
	return timezone.Parse("2006-01-02", value)
}

// handleHistory queries the attendance database
func (h *Handler) handleHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errNoHistory.Error()})
		return
	}

	from, err := parseTime(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid from: %v", err)})
		return
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid to: %v", err)})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, total, err := h.history.GetEvents(repository.EventFilter{
		Name:   c.Query("name"),
		From:   from,
		To:     to,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": total, "limit": limit, "offset": offset})
}

// handleStats returns history statistics; ?since= is a duration such as 24h
func (h *Handler) handleStats(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errNoHistory.Error()})
		return
	}
	window, err := time.ParseDuration(c.DefaultQuery("since", "24h"))
	if err != nil || window <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since duration"})
		return
	}
	stats, err := h.history.GetStatistics(timezone.Now().Add(-window))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleSnapshot serves the frame stored for a confirmed attendance
func (h *Handler) handleSnapshot(c *gin.Context) {
	if h.frames == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errNoFrames.Error()})
		return
	}
	snap := h.frames.Snapshot(c.Param("id"))
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", snap.JPEG)
}
