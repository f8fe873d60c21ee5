package attendance

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
}

func TestAppendPersistsAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attendance_log.csv")
	l := NewLedger(path)
	l.Load()

	first, err := l.Append("Bob")
	require.NoError(t, err)
	second, err := l.Append("Bob")
	require.NoError(t, err)

	t1, err := first.Time()
	require.NoError(t, err)
	t2, err := second.Time()
	require.NoError(t, err)
	assert.False(t, t2.Before(t1))

	fresh := NewLedger(path)
	fresh.Load()
	assert.Equal(t, []Record{first, second}, fresh.Records())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "name,timestamp", lines[0])
}

func TestAppendUsesFixedLayout(t *testing.T) {
	l := NewLedger(filepath.Join(t.TempDir(), "log.csv"))
	l.now = fixedClock(time.Date(2024, 5, 6, 7, 8, 9, 500, time.Local))

	rec, err := l.Append("Ana")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-06 07:08:09", rec.Timestamp)
}

func TestAppendWriteFailureKeepsRecord(t *testing.T) {
	l := NewLedger(filepath.Join(t.TempDir(), "missing", "log.csv"))

	rec, err := l.Append("Ana")
	require.ErrorIs(t, err, ErrIOFailure)
	assert.Equal(t, "Ana", rec.Name)
	assert.Equal(t, []Record{rec}, l.Records())
}

func TestExportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewLedger(filepath.Join(dir, "log.csv"))
	l.now = fixedClock(
		time.Date(2024, 1, 1, 9, 0, 0, 0, time.Local),
		time.Date(2024, 1, 1, 9, 0, 5, 0, time.Local),
		time.Date(2024, 1, 2, 10, 30, 0, 0, time.Local),
	)
	for _, name := range []string{"Ana", "Bob, Jr.", "Ana"} {
		_, err := l.Append(name)
		require.NoError(t, err)
	}

	dest := filepath.Join(dir, "export.csv")
	require.NoError(t, os.WriteFile(dest, []byte("old content that must disappear\n"), 0644))
	require.NoError(t, l.Export(dest))

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	want := [][]string{Header}
	for _, rec := range l.Records() {
		want = append(want, []string{rec.Name, rec.Timestamp})
	}
	assert.Equal(t, want, rows)
}

func TestExportEmptyLedgerWritesHeader(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "export.csv")
	l := NewLedger(filepath.Join(t.TempDir(), "log.csv"))
	require.NoError(t, l.Export(dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "name,timestamp\n", string(data))
}

func TestExportUnwritableDestination(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "log.csv")
	l := NewLedger(logPath)
	_, err := l.Append("Ana")
	require.NoError(t, err)
	before, err := os.ReadFile(logPath)
	require.NoError(t, err)

	err = l.Export(filepath.Join(t.TempDir(), "no", "such", "dir", "out.csv"))
	require.ErrorIs(t, err, ErrIOFailure)

	after, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadSkipsMalformedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	content := "timestamp,name\n" +
		"2024-01-01 08:00:00,Ana\n" +
		"only-one-field\n" +
		",\n" +
		"yesterday,Bob\n" +
		"2024-01-01 08:05:00,Bob\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	l := NewLedger(path)
	l.Load()
	assert.Equal(t, []Record{
		{Name: "Ana", Timestamp: "2024-01-01 08:00:00"},
		{Name: "Bob", Timestamp: "2024-01-01 08:05:00"},
	}, l.Records())
}

func TestLoadCorruptHeaderIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	require.NoError(t, os.WriteFile(path, []byte("who,when\nAna,now\n"), 0644))

	l := NewLedger(path)
	l.Load()
	assert.Zero(t, l.Len())
}
