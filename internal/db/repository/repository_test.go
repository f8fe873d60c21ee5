package repository

import (
	"encoding/json"
	"image"
	"testing"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/attendance"
	"github.com/denis-savelyev/FaceAttend/internal/core/models"
	"github.com/denis-savelyev/FaceAttend/internal/db"
	"github.com/denis-savelyev/FaceAttend/internal/recognition"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	gdb, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	return NewSQLiteRepository(gdb)
}

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, r *SQLiteRepository) {
	t.Helper()
	events := []models.AttendanceEvent{
		{EventID: "e1", Name: "Ana", Score: 0.91, Timestamp: day.Add(8 * time.Hour)},
		{EventID: "e2", Name: "Bob", Score: 0.75, Timestamp: day.Add(9 * time.Hour)},
		{EventID: "e3", Name: "Ana", Score: 0.88, Timestamp: day.Add(24 * time.Hour)},
	}
	for i := range events {
		require.NoError(t, r.SaveEvent(&events[i]))
	}
}

func TestGetEventsFilters(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)

	all, total, err := r.GetEvents(EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, all, 3)
	assert.Equal(t, "e3", all[0].EventID)

	ana, total, err := r.GetEvents(EventFilter{Name: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, ana, 2)

	firstDay, total, err := r.GetEvents(EventFilter{From: day, To: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, firstDay, 2)

	page, total, err := r.GetEvents(EventFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 1)
	assert.Equal(t, "e2", page[0].EventID)
}

func TestGetEventByEventID(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)

	ev, err := r.GetEventByEventID("e2")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "Bob", ev.Name)

	missing, err := r.GetEventByEventID("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetStatistics(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)

	stats, err := r.GetStatistics(day.Add(12 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.EventsSince)
	assert.Equal(t, int64(2), stats.IdentityCount)
	assert.True(t, stats.LatestEvent.Equal(day.Add(24*time.Hour)))
	require.Len(t, stats.PerIdentity, 2)
	assert.Equal(t, "Ana", stats.PerIdentity[0].Name)
	assert.Equal(t, int64(2), stats.PerIdentity[0].Count)
	assert.True(t, stats.PerIdentity[0].First.Equal(day.Add(8*time.Hour)))
	assert.True(t, stats.PerIdentity[0].Last.Equal(day.Add(24*time.Hour)))
}

func TestDeleteEventsBefore(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)

	n, err := r.DeleteEventsBefore(day.Add(12 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, total, err := r.GetEvents(EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestOnAttendanceMirrorsEvent(t *testing.T) {
	r := newTestRepo(t)
	r.OnAttendance(recognition.Event{
		ID:        "0b8c6c2e-1111-4a4a-9999-000000000001",
		Name:      "Ana",
		Score:     0.93,
		Box:       image.Rect(10, 20, 110, 120),
		Timestamp: "2024-03-04 08:15:00",
		Record:    attendance.Record{Name: "Ana", Timestamp: "2024-03-04 08:15:00"},
	})

	ev, err := r.GetEventByEventID("0b8c6c2e-1111-4a4a-9999-000000000001")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "Ana", ev.Name)
	assert.InDelta(t, 0.93, ev.Score, 1e-9)
	assert.Equal(t, "2024-03-04 08:15:00", ev.Timestamp.Format(attendance.TimestampLayout))

	var box image.Rectangle
	require.NoError(t, json.Unmarshal(ev.Box, &box))
	assert.Equal(t, image.Rect(10, 20, 110, 120), box)
}
