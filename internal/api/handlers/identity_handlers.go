package handlers

import (
	"fmt"
	"image"
	"net/http"

	"github.com/denis-savelyev/FaceAttend/internal/app"
	"github.com/denis-savelyev/FaceAttend/internal/facedb"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// maxUploadFiles bounds the images accepted by one upload
const maxUploadFiles = 100

func (h *Handler) handleListIdentities(c *gin.Context) {
	identities := h.svc.Identities()
	c.JSON(http.StatusOK, gin.H{
		"identities": identities,
		"count":      len(identities),
		"enrolling":  h.svc.Enrolling(),
	})
}

type enrollRequest struct {
	Name string `json:"name" binding:"required"`
}

// handleEnroll starts a camera capture in the background. Progress and the
// outcome are published as "enroll_progress" and "enroll_done" events.
func (h *Handler) handleEnroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if err := h.svc.CheckName(req.Name); err != nil {
		h.respondError(c, err)
		return
	}
	if !h.svc.CameraAvailable() {
		h.respondError(c, app.ErrNoCamera)
		return
	}
	if h.svc.Enrolling() != "" {
		h.respondError(c, app.ErrEnrollmentRunning)
		return
	}

	lang := h.lang(c)
	h.wg.Add(1)
	go h.runEnrollment(req.Name, lang)

	c.JSON(http.StatusAccepted, gin.H{"success": true, "name": req.Name})
}

func (h *Handler) runEnrollment(name, lang string) {
	defer h.wg.Done()

	res, err := h.svc.Enroll(h.baseCtx, name, func(captured, target int) {
		h.publish("enroll_progress", gin.H{
			"name":     name,
			"captured": captured,
			"target":   target,
			"message": h.translator.Localize(lang, "capture.progress", map[string]any{
				"Captured": captured,
				"Target":   target,
			}),
		})
	})

	done := gin.H{"name": name}
	if res != nil {
		done["captured"] = res.Captured
		done["report"] = res.Report
	}
	switch {
	case err == nil || (isWarning(err) && res != nil && res.Report != nil):
		done["success"] = true
		done["message"] = h.translator.Localize(lang, "capture.done", map[string]any{
			"Name":     name,
			"Captured": res.Captured,
		})
		if err != nil {
			done["warning"] = err.Error()
		}
	case res != nil && res.Report == nil && res.Captured < facedb.MinSamples:
		done["success"] = false
		done["error"] = err.Error()
		done["message"] = h.translator.Localize(lang, "capture.not_enough", nil)
	default:
		done["success"] = false
		done["error"] = err.Error()
	}
	if err != nil {
		log.WithField("identity", name).Warnf("Enrollment finished with error: %v", err)
	}
	h.publish("enroll_done", done)
}

func (h *Handler) publish(event string, v any) {
	if h.hub != nil {
		h.hub.Publish(event, v)
	}
}

func (h *Handler) handleStopEnroll(c *gin.Context) {
	if err := h.svc.StopEnroll(); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleUpload enrolls an identity from uploaded images (form fields
// "name" and "files")
func (h *Handler) handleUpload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No files uploaded or invalid form data"})
		return
	}
	name := c.PostForm("name")
	files := form.File["files"]
	if len(files) > maxUploadFiles {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("at most %d files per upload", maxUploadFiles)})
		return
	}

	samples := make([]image.Image, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			h.respondError(c, fmt.Errorf("%w: opening %s: %v", facedb.ErrInvalidInput, fh.Filename, err))
			return
		}
		img, err := imaging.Decode(f, imaging.AutoOrientation(true))
		f.Close()
		if err != nil {
			h.respondError(c, fmt.Errorf("%w: decoding %s: %v", facedb.ErrInvalidInput, fh.Filename, err))
			return
		}
		samples = append(samples, img)
	}

	res, err := h.svc.EnrollImages(name, samples)
	if err != nil && !(isWarning(err) && res != nil && res.Report != nil) {
		h.respondError(c, err)
		return
	}

	resp := gin.H{
		"success": true,
		"result":  res,
		"message": h.translator.Localize(h.lang(c), "capture.done", map[string]any{
			"Name":     name,
			"Captured": len(samples),
		}),
	}
	if err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleTrain(c *gin.Context) {
	report, err := h.svc.Retrain()
	if err != nil && !(isWarning(err) && report != nil) {
		h.respondError(c, err)
		return
	}
	resp := gin.H{
		"success":    true,
		"report":     report,
		"identities": len(report.Trained),
		"message":    h.translator.Localize(h.lang(c), "train.done", nil),
	}
	if err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleClear(c *gin.Context) {
	err := h.svc.Clear()
	if err != nil && !isWarning(err) {
		h.respondError(c, err)
		return
	}
	resp := gin.H{"success": true}
	if err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
