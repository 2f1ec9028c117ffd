// Package calibstore implements the content-addressed, tag-indexed
// calibration artifact store: one timestamped CSV per saved calibration,
// indexed by a single append-only log with a single-default-per-tag
// invariant.
package calibstore

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/samber/lo"

	"github.com/stubbslab/pandora/internal/fsutil"
	"github.com/stubbslab/pandora/internal/logging"
	"github.com/stubbslab/pandora/internal/pandoraerr"
	"github.com/stubbslab/pandora/internal/security"
	"github.com/stubbslab/pandora/internal/timeutil"
)

// Table is a generic named-float-column tabular artifact, the stand-in for
// the original's DataFrame.
type Table struct {
	Columns []string
	Data    map[string][]float64
}

// Len returns the row count, taken from the first column.
func (t Table) Len() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return len(t.Data[t.Columns[0]])
}

// LogEntry is one row of calibration_log.csv.
type LogEntry struct {
	Tag          string
	Filename     string
	Timestamp    string
	Lambda0      float64
	LambdaEnd    float64
	LambdaWidth  float64
	RMS          float64
	IsDefault    bool
}

var logColumns = []string{"tag", "filename", "timestamp", "lambda0", "lambdaEnd", "lambdaWidth", "rms", "is_default"}

// Store is the calibration artifact store rooted at <root>/calib.
type Store struct {
	fs        fsutil.FileSystem
	clock     timeutil.Clock
	root      string
	calibPath string
	logPath   string
	log       *logging.Logger
	entries   []LogEntry
}

// Open loads (or initializes) the calibration log at <root>/calib/calibration_log.csv.
func Open(filesystem fsutil.FileSystem, clock timeutil.Clock, root string) (*Store, error) {
	calibPath := filepath.Join(root, "calib")
	if err := filesystem.MkdirAll(calibPath, 0o755); err != nil {
		return nil, pandoraerr.New("calibstore", "open", pandoraerr.StateInvariant, err)
	}
	s := &Store{
		fs:        filesystem,
		clock:     clock,
		root:      root,
		calibPath: calibPath,
		logPath:   filepath.Join(calibPath, "calibration_log.csv"),
		log:       logging.New("calibstore"),
	}
	if filesystem.Exists(s.logPath) {
		entries, err := s.readLog()
		if err != nil {
			return nil, err
		}
		s.entries = entries
	}
	return s, nil
}

func (s *Store) readLog() ([]LogEntry, error) {
	data, err := s.fs.ReadFile(s.logPath)
	if err != nil {
		return nil, pandoraerr.New("calibstore", "read_log", pandoraerr.StateInvariant, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, pandoraerr.New("calibstore", "read_log", pandoraerr.ProtocolError, err)
	}
	if len(records) <= 1 {
		return nil, nil
	}
	entries := make([]LogEntry, 0, len(records)-1)
	for _, row := range records[1:] {
		if len(row) < len(logColumns) {
			continue
		}
		lambda0, _ := strconv.ParseFloat(row[3], 64)
		lambdaEnd, _ := strconv.ParseFloat(row[4], 64)
		lambdaWidth, _ := strconv.ParseFloat(row[5], 64)
		rms, _ := strconv.ParseFloat(row[6], 64)
		isDefault, _ := strconv.ParseBool(row[7])
		entries = append(entries, LogEntry{
			Tag: row[0], Filename: row[1], Timestamp: row[2],
			Lambda0: lambda0, LambdaEnd: lambdaEnd, LambdaWidth: lambdaWidth,
			RMS: rms, IsDefault: isDefault,
		})
	}
	return entries, nil
}

func (s *Store) saveLog() error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(logColumns); err != nil {
		return pandoraerr.New("calibstore", "save_log", pandoraerr.StateInvariant, err)
	}
	for _, e := range s.entries {
		row := []string{
			e.Tag, e.Filename, e.Timestamp,
			strconv.FormatFloat(e.Lambda0, 'g', -1, 64),
			strconv.FormatFloat(e.LambdaEnd, 'g', -1, 64),
			strconv.FormatFloat(e.LambdaWidth, 'g', -1, 64),
			strconv.FormatFloat(e.RMS, 'g', -1, 64),
			strconv.FormatBool(e.IsDefault),
		}
		if err := w.Write(row); err != nil {
			return pandoraerr.New("calibstore", "save_log", pandoraerr.StateInvariant, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return pandoraerr.New("calibstore", "save_log", pandoraerr.StateInvariant, err)
	}
	return s.fs.WriteFile(s.logPath, buf.Bytes(), 0o644)
}

func writeTable(filesystem fsutil.FileSystem, path string, t Table) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Columns); err != nil {
		return pandoraerr.New("calibstore", "write_table", pandoraerr.StateInvariant, err)
	}
	for i := 0; i < t.Len(); i++ {
		row := make([]string, len(t.Columns))
		for j, col := range t.Columns {
			row[j] = strconv.FormatFloat(t.Data[col][i], 'g', -1, 64)
		}
		if err := w.Write(row); err != nil {
			return pandoraerr.New("calibstore", "write_table", pandoraerr.StateInvariant, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return pandoraerr.New("calibstore", "write_table", pandoraerr.StateInvariant, err)
	}
	return filesystem.WriteFile(path, buf.Bytes(), 0o644)
}

func readTable(filesystem fsutil.FileSystem, path string) (Table, error) {
	data, err := filesystem.ReadFile(path)
	if err != nil {
		return Table{}, pandoraerr.New("calibstore", "read_table", pandoraerr.StateInvariant, err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return Table{}, pandoraerr.New("calibstore", "read_table", pandoraerr.ProtocolError, err)
	}
	if len(records) == 0 {
		return Table{}, nil
	}
	cols := records[0]
	t := Table{Columns: cols, Data: make(map[string][]float64, len(cols))}
	for _, col := range cols {
		t.Data[col] = make([]float64, 0, len(records)-1)
	}
	for _, row := range records[1:] {
		for j, col := range cols {
			if j >= len(row) {
				continue
			}
			v, _ := strconv.ParseFloat(row[j], 64)
			t.Data[col] = append(t.Data[col], v)
		}
	}
	return t, nil
}

func minMax(values []float64) (min, max float64) {
	if len(values) == 0 {
		return 0, 0
	}
	min, max = values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// AddCalibration saves data under <root>/calib/<tag>/<timestamp>.csv and
// appends an index row. The first artifact saved for a tag becomes its
// default.
func (s *Store) AddCalibration(tag string, data Table) (string, error) {
	tagDir := filepath.Join(s.calibPath, tag)
	if err := s.fs.MkdirAll(tagDir, 0o755); err != nil {
		return "", pandoraerr.New("calibstore", "add_calibration", pandoraerr.StateInvariant, err)
	}
	now := s.clock.Now()
	filename := now.Format("20060102_150405") + ".csv"
	filepath_ := filepath.Join(tagDir, filename)
	if err := security.ValidatePathWithinDirectory(filepath_, s.root); err != nil {
		return "", pandoraerr.New("calibstore", "add_calibration", pandoraerr.StateInvariant, err)
	}
	if err := writeTable(s.fs, filepath_, data); err != nil {
		return "", err
	}

	isDefault := !lo.ContainsBy(s.entries, func(e LogEntry) bool { return e.Tag == tag })

	entry := LogEntry{Tag: tag, Filename: filename, Timestamp: now.Format("2006-01-02T15:04:05Z07:00"), IsDefault: isDefault}
	if wl, ok := data.Data["wavelength"]; ok {
		lo0, loEnd := minMax(wl)
		entry.Lambda0 = lo0
		entry.LambdaEnd = loEnd
		if len(wl) > 0 {
			entry.LambdaWidth = (loEnd - lo0) / float64(len(wl))
		}
	}
	if errCol, ok := data.Data["transmission_err"]; ok {
		entry.RMS = mean(errCol)
	}

	s.entries = append(s.entries, entry)
	if err := s.saveLog(); err != nil {
		return "", err
	}
	return filename, nil
}

// SetDefault marks filename (or, if empty, the most recently added
// artifact) as the default for tag, clearing every other entry for that
// tag.
func (s *Store) SetDefault(tag, filename string) error {
	tagEntries := lo.Filter(s.entries, func(e LogEntry, _ int) bool { return e.Tag == tag })
	if len(tagEntries) == 0 {
		return pandoraerr.New("calibstore", "set_default", pandoraerr.DeviceRejected, fmt.Errorf("no calibrations found for tag %q", tag))
	}
	if filename == "" {
		filename = mostRecent(tagEntries).Filename
	}
	if !lo.ContainsBy(tagEntries, func(e LogEntry) bool { return e.Filename == filename }) {
		return pandoraerr.New("calibstore", "set_default", pandoraerr.DeviceRejected, fmt.Errorf("filename %q not found for tag %q", filename, tag))
	}
	for i := range s.entries {
		if s.entries[i].Tag != tag {
			continue
		}
		s.entries[i].IsDefault = s.entries[i].Filename == filename
	}
	return s.saveLog()
}

func mostRecent(entries []LogEntry) LogEntry {
	best := entries[0]
	for _, e := range entries[1:] {
		if e.Timestamp > best.Timestamp {
			best = e
		}
	}
	return best
}

// GetLatestCalibration loads the most recently added artifact for tag.
func (s *Store) GetLatestCalibration(tag string) (Table, error) {
	tagEntries := lo.Filter(s.entries, func(e LogEntry, _ int) bool { return e.Tag == tag })
	if len(tagEntries) == 0 {
		return Table{}, pandoraerr.New("calibstore", "get_latest_calibration", pandoraerr.DeviceRejected, fmt.Errorf("no calibrations found for tag %q", tag))
	}
	entry := mostRecent(tagEntries)
	return readTable(s.fs, filepath.Join(s.calibPath, tag, entry.Filename))
}

// GetDefaultCalibration loads the tag's default artifact, falling back to
// the latest if no default is set.
func (s *Store) GetDefaultCalibration(tag string) (Table, error) {
	for _, e := range s.entries {
		if e.Tag == tag && e.IsDefault {
			return readTable(s.fs, filepath.Join(s.calibPath, tag, e.Filename))
		}
	}
	return s.GetLatestCalibration(tag)
}

// GetCalibrationFile loads an artifact by its bare filename, resolving the
// owning tag from the log.
func (s *Store) GetCalibrationFile(filename string) (Table, error) {
	for _, e := range s.entries {
		if e.Filename == filename {
			return readTable(s.fs, filepath.Join(s.calibPath, e.Tag, filename))
		}
	}
	return Table{}, pandoraerr.New("calibstore", "get_calibration_file", pandoraerr.DeviceRejected, fmt.Errorf("filename %q not found", filename))
}

// ListCalibrations lists every logged calibration, optionally filtered to
// one tag.
func (s *Store) ListCalibrations(tag string) []LogEntry {
	if tag == "" {
		return append([]LogEntry(nil), s.entries...)
	}
	return lo.Filter(s.entries, func(e LogEntry, _ int) bool { return e.Tag == tag })
}
