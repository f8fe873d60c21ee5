// Package cleanup prunes old rows from the attendance history database.
package cleanup

import (
	"context"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/util/timezone"

	log "github.com/sirupsen/logrus"
)

// Pruner deletes history older than a cutoff.
type Pruner interface {
	DeleteEventsBefore(cutoff time.Time) (int64, error)
}

// Service handles the periodic cleanup of the history database.
type Service struct {
	pruner        Pruner
	retentionDays int
	checkInterval time.Duration
	now           func() time.Time
}

// NewService creates a cleanup service. It returns nil when retention is
// disabled, and all methods accept a nil receiver.
func NewService(pruner Pruner, retentionDays int, checkInterval time.Duration) *Service {
	if retentionDays <= 0 {
		log.Info("Automatic history cleanup disabled (retention_days <= 0).")
		return nil
	}
	if pruner == nil {
		log.Error("Cannot initialize cleanup service: history database is not available")
		return nil
	}
	if checkInterval <= 0 {
		checkInterval = 24 * time.Hour
	}
	log.Infof("Initializing cleanup service: RetentionDays=%d, CheckInterval=%s", retentionDays, checkInterval)
	return &Service{
		pruner:        pruner,
		retentionDays: retentionDays,
		checkInterval: checkInterval,
		now:           timezone.Now,
	}
}

// Run performs one cycle immediately and then one per interval until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	if s == nil {
		return
	}
	log.Info("Starting background cleanup routine...")
	s.RunCleanupCycle()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RunCleanupCycle()
		case <-ctx.Done():
			log.Info("Stopping background cleanup routine.")
			return
		}
	}
}

// RunCleanupCycle deletes history rows older than the retention period and
// returns how many were removed.
func (s *Service) RunCleanupCycle() int64 {
	if s == nil {
		return 0
	}
	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	log.Debugf("Cleanup: deleting history older than %s", cutoff.Format(time.RFC3339))

	n, err := s.pruner.DeleteEventsBefore(cutoff)
	if err != nil {
		log.Errorf("Cleanup: failed to delete old history: %v", err)
		return 0
	}
	if n > 0 {
		log.Infof("Cleanup cycle finished. Deleted %d history row(s).", n)
	}
	return n
}
