package repository

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/core/models"
	"github.com/denis-savelyev/FaceAttend/internal/recognition"
	"github.com/denis-savelyev/FaceAttend/internal/util/timezone"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repository defines the attendance history operations
type Repository interface {
	SaveEvent(ev *models.AttendanceEvent) error
	GetEvents(filter EventFilter) ([]models.AttendanceEvent, int64, error)
	GetEventByEventID(eventID string) (*models.AttendanceEvent, error)
	GetStatistics(since time.Time) (models.Statistics, error)
	DeleteEventsBefore(cutoff time.Time) (int64, error)
}

// EventFilter narrows GetEvents. Zero values do not filter.
type EventFilter struct {
	Name   string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// SQLiteRepository implements Repository on top of GORM
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository creates a repository for db
func NewSQLiteRepository(db *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveEvent stores an event
func (r *SQLiteRepository) SaveEvent(ev *models.AttendanceEvent) error {
	return r.db.Create(ev).Error
}

// GetEvents returns matching events, newest first, and the total count
func (r *SQLiteRepository) GetEvents(filter EventFilter) ([]models.AttendanceEvent, int64, error) {
	q := r.db.Model(&models.AttendanceEvent{})
	if filter.Name != "" {
		q = q.Where("name = ?", filter.Name)
	}
	if !filter.From.IsZero() {
		q = q.Where("timestamp >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		q = q.Where("timestamp < ?", filter.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var events []models.AttendanceEvent
	if err := q.Order("timestamp DESC, id DESC").Limit(limit).Offset(filter.Offset).Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// GetEventByEventID returns the event with the given UUID or nil
func (r *SQLiteRepository) GetEventByEventID(eventID string) (*models.AttendanceEvent, error) {
	var ev models.AttendanceEvent
	result := r.db.Where("event_id = ?", eventID).First(&ev)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &ev, nil
}

// GetStatistics summarizes the history; EventsSince counts events at or
// after since.
func (r *SQLiteRepository) GetStatistics(since time.Time) (models.Statistics, error) {
	var stats models.Statistics

	var rows []models.AttendanceEvent
	if err := r.db.Select("name", "timestamp").Order("timestamp ASC, id ASC").Find(&rows).Error; err != nil {
		return stats, err
	}

	index := make(map[string]int)
	for _, row := range rows {
		stats.TotalEvents++
		if !row.Timestamp.Before(since) {
			stats.EventsSince++
		}
		if row.Timestamp.After(stats.LatestEvent) {
			stats.LatestEvent = row.Timestamp
		}
		i, ok := index[row.Name]
		if !ok {
			i = len(stats.PerIdentity)
			index[row.Name] = i
			stats.PerIdentity = append(stats.PerIdentity, models.IdentitySummary{Name: row.Name, First: row.Timestamp})
		}
		stats.PerIdentity[i].Count++
		stats.PerIdentity[i].Last = row.Timestamp
	}
	stats.IdentityCount = int64(len(stats.PerIdentity))
	return stats, nil
}

// DeleteEventsBefore permanently removes events older than cutoff
func (r *SQLiteRepository) DeleteEventsBefore(cutoff time.Time) (int64, error) {
	result := r.db.Unscoped().Where("timestamp < ?", cutoff).Delete(&models.AttendanceEvent{})
	return result.RowsAffected, result.Error
}

// OnAttendance mirrors a confirmed attendance into the database. Failures
// are logged; the CSV ledger stays authoritative.
func (r *SQLiteRepository) OnAttendance(ev recognition.Event) {
	ts, err := ev.Record.Time()
	if err != nil {
		ts = timezone.Now()
	}
	box, err := json.Marshal(ev.Box)
	if err != nil {
		box = nil
	}
	row := &models.AttendanceEvent{
		EventID:   ev.ID,
		Name:      ev.Name,
		Score:     ev.Score,
		Box:       datatypes.JSON(box),
		Timestamp: ts,
	}
	if err := r.SaveEvent(row); err != nil {
		log.WithError(err).Warnf("Failed to store attendance event %s in history", ev.ID)
	}
}
