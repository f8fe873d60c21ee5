// Package attendance implements the append-only attendance ledger backed by
// a CSV log.
package attendance

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/denis-savelyev/FaceAttend/internal/util/timezone"

	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"
)

// TimestampLayout is the fixed textual format of record timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

// Header is the first row of the log and of every export.
var Header = []string{"name", "timestamp"}

// ErrIOFailure marks durable write failures. For Append the record is still
// kept in memory.
var ErrIOFailure = errors.New("attendance io failure")

// Record is one confirmed sighting.
type Record struct {
	Name      string `json:"name"`
	Timestamp string `json:"timestamp"`
}

// Time parses the record timestamp in the configured zone.
func (r Record) Time() (time.Time, error) {
	return timezone.Parse(TimestampLayout, r.Timestamp)
}

// Ledger holds the in-memory record sequence and its backing log file.
// Append and Export are serialized by mu.
type Ledger struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	records []Record
}

// NewLedger creates a ledger for the log at path. Call Load to read existing rows.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path, now: timezone.Now}
}

// Load replaces the in-memory sequence with the rows of the log. Malformed
// rows are skipped; an unreadable file leaves the ledger empty.
func (l *Ledger) Load() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = nil
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		log.WithError(err).Warnf("Failed to open attendance log %s", l.path)
		return
	}
	defer f.Close()

	records, err := readRecords(f)
	if err != nil {
		log.WithError(err).Warnf("Failed to read attendance log %s", l.path)
	}
	l.records = records
	log.Infof("Loaded %d attendance records from %s", len(records), l.path)
}

// readRecords parses CSV rows located by the header columns. It returns the
// rows read before a fatal parse error together with that error.
func readRecords(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	nameCol, tsCol := -1, -1
	for i, col := range header {
		switch strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")) {
		case "name":
			nameCol = i
		case "timestamp":
			tsCol = i
		}
	}
	if nameCol < 0 || tsCol < 0 {
		return nil, fmt.Errorf("missing name/timestamp header, got %v", header)
	}

	var records []Record
	line := 1
	for {
		row, err := reader.Read()
		line++
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				log.Debugf("Skipping malformed attendance row %d: %v", parseErr.StartLine, parseErr.Err)
				continue
			}
			return records, err
		}
		if nameCol >= len(row) || tsCol >= len(row) {
			log.Debugf("Skipping short attendance row %d", line)
			continue
		}
		rec := Record{Name: row[nameCol], Timestamp: row[tsCol]}
		if rec.Name == "" {
			log.Debugf("Skipping attendance row %d without name", line)
			continue
		}
		if _, err := rec.Time(); err != nil {
			log.Debugf("Skipping attendance row %d with bad timestamp %q", line, rec.Timestamp)
			continue
		}
		records = append(records, rec)
	}
}

// Append records name at the current time. The record is kept in memory even
// if the durable write fails; in that case an ErrIOFailure is returned too.
func (l *Ledger) Append(name string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{Name: name, Timestamp: l.now().Format(TimestampLayout)}
	l.records = append(l.records, rec)

	if err := l.appendRow(rec); err != nil {
		log.WithError(err).Warnf("Failed to write attendance log %s", l.path)
		return rec, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return rec, nil
}

func (l *Ledger) appendRow(rec Record) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Write([]string{rec.Name, rec.Timestamp}); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Export writes the header and every in-memory record to dest, replacing
// its content. The primary log is not touched.
func (l *Ledger) Export(dest string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(Header)
	for _, rec := range l.records {
		_ = w.Write([]string{rec.Name, rec.Timestamp})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("%w: encoding export: %v", ErrIOFailure, err)
	}

	if err := renameio.WriteFile(dest, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("%w: exporting to %s: %v", ErrIOFailure, dest, err)
	}
	log.Infof("Exported %d attendance records to %s", len(l.records), dest)
	return nil
}

// Records returns a copy of the in-memory sequence.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...)
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
