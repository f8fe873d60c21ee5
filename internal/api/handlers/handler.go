package handlers

import (
	"context"
	"errors"
	"image"
	"net/http"
	"sync"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/api/middleware"
	"github.com/denis-savelyev/FaceAttend/internal/app"
	"github.com/denis-savelyev/FaceAttend/internal/attendance"
	"github.com/denis-savelyev/FaceAttend/internal/db/repository"
	"github.com/denis-savelyev/FaceAttend/internal/facedb"
	"github.com/denis-savelyev/FaceAttend/internal/preview"
	"github.com/denis-savelyev/FaceAttend/internal/recognition"
	"github.com/denis-savelyev/FaceAttend/internal/server/sse"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Service is the command surface driven by the API
type Service interface {
	Confirm() (recognition.Event, error)
	Reject() error
	SetThreshold(v float64) (float64, error)
	Snapshot() recognition.Snapshot
	Subscribe() (<-chan recognition.Snapshot, func())

	CheckName(name string) error
	CameraAvailable() bool
	Enroll(ctx context.Context, name string, progress func(captured, target int)) (*app.EnrollResult, error)
	StopEnroll() error
	Enrolling() string
	EnrollImages(name string, samples []image.Image) (*app.EnrollResult, error)
	Retrain() (*facedb.TrainReport, error)
	Identities() []app.Identity
	Clear() error
	Recognize(img image.Image) ([]recognition.Detection, error)

	Export(path string) error
	Attendance() []attendance.Record
	ScannerStats() *recognition.ScannerStats
}

// Translator renders message IDs in a language
type Translator interface {
	Localize(lang, id string, data map[string]any) string
	Message(lang, id, name string) string
	Default() string
}

// Frames provides the rendered camera frame and attendance snapshots
type Frames interface {
	JPEG() ([]byte, error)
	Seq() uint64
	Snapshot(id string) *preview.Snapshot
}

// Deps are the collaborators of the API handler. History and Frames may be
// nil when the database or the camera is disabled.
type Deps struct {
	Service    Service
	Translator Translator
	Hub        *sse.Hub
	Frames     Frames
	History    repository.Repository
	// ExportDir is where relative export paths are resolved
	ExportDir string
	// StreamInterval is the frame interval of the MJPEG stream
	StreamInterval time.Duration
}

// Handler serves the FaceAttend REST API
type Handler struct {
	svc        Service
	translator Translator
	hub        *sse.Hub
	frames     Frames
	history    repository.Repository
	exportDir  string
	streamRate time.Duration

	// background enrollments outlive their request
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewHandler creates the API handler. Background enrollments are cancelled
// with ctx.
func NewHandler(ctx context.Context, deps Deps) *Handler {
	if deps.StreamInterval <= 0 {
		deps.StreamInterval = 100 * time.Millisecond
	}
	return &Handler{
		svc:        deps.Service,
		translator: deps.Translator,
		hub:        deps.Hub,
		frames:     deps.Frames,
		history:    deps.History,
		exportDir:  deps.ExportDir,
		streamRate: deps.StreamInterval,
		baseCtx:    ctx,
	}
}

// RegisterRoutes registers all API routes below router
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	// Recognition
	router.GET("/status", h.handleStatus)
	router.GET("/events", h.handleEvents)
	router.POST("/confirm", h.handleConfirm)
	router.POST("/reject", h.handleReject)
	router.PUT("/threshold", h.handleThreshold)
	router.POST("/recognize", h.handleRecognize)

	// Identities
	router.GET("/identities", h.handleListIdentities)
	router.POST("/identities", h.handleEnroll)
	router.POST("/identities/stop", h.handleStopEnroll)
	router.POST("/identities/upload", h.handleUpload)
	router.DELETE("/identities", h.handleClear)
	router.POST("/train", h.handleTrain)

	// Attendance
	router.GET("/attendance", h.handleAttendance)
	router.POST("/attendance/export", h.handleExport)
	router.GET("/attendance/export.csv", h.handleDownload)
	router.GET("/attendance/history", h.handleHistory)
	router.GET("/attendance/stats", h.handleStats)
	router.GET("/attendance/snapshots/:id", h.handleSnapshot)

	// Camera
	router.GET("/preview.jpg", h.handlePreview)
	router.GET("/stream", h.handleStream)

	// System
	router.GET("/system", h.handleSystem)
	router.GET("/health", h.handleHealth)
}

// Wait blocks until background enrollments have finished
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) lang(c *gin.Context) string {
	return middleware.Language(c, h.translator.Default())
}

// respondError maps engine errors to HTTP status codes
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, facedb.ErrInvalidInput), errors.Is(err, recognition.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, recognition.ErrNoCandidate),
		errors.Is(err, app.ErrEnrollmentRunning),
		errors.Is(err, app.ErrNoEnrollment):
		status = http.StatusConflict
	case errors.Is(err, app.ErrNoCamera):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.WithField("path", c.FullPath()).Errorf("Request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// isWarning reports errors after which the in-memory state is still valid
func isWarning(err error) bool {
	return errors.Is(err, facedb.ErrIOFailure) || errors.Is(err, attendance.ErrIOFailure)
}
