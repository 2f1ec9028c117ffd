// Package rundb implements the append-only, run-scoped measurement
// database: RunID allocation, monotonic ExposureID assignment, and a typed
// staging buffer committed one row at a time.
package rundb

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/stubbslab/pandora/internal/fsutil"
	"github.com/stubbslab/pandora/internal/logging"
	"github.com/stubbslab/pandora/internal/pandoraerr"
	"github.com/stubbslab/pandora/internal/security"
	"github.com/stubbslab/pandora/internal/timeutil"
)

// ColumnType is the typed schema's value kind, checked on every Add call.
type ColumnType int

const (
	ColInt ColumnType = iota
	ColFloat
	ColString
	ColBool
)

// Column is one named, typed field of the run schema.
type Column struct {
	Name string
	Type ColumnType
}

func defaultFor(t ColumnType) string {
	switch t {
	case ColInt, ColFloat:
		return "0"
	case ColBool:
		return "false"
	default:
		return ""
	}
}

// BuildSchema assembles the fixed-order run-row schema: the baseline
// measurement columns, one boolean column per configured flip mount, the
// stage/shutter/pointing columns, and (when includeCharge is set) the
// charge-mode sample columns.
func BuildSchema(flipMountNames []string, includeCharge bool) []Column {
	cols := []Column{
		{"expid", ColInt},
		{"exptime", ColFloat},
		{"effective_exptime", ColFloat},
		{"timestamp", ColString},
		{"wavelength", ColFloat},
		{"currentInput", ColFloat},
		{"currentInputErr", ColFloat},
		{"currentOutput", ColFloat},
		{"currentOutputErr", ColFloat},
	}
	for _, name := range flipMountNames {
		cols = append(cols, Column{name, ColBool})
	}
	cols = append(cols,
		Column{"ndFilter", ColString},
		Column{"pinholeMask", ColString},
		Column{"focusPosition", ColString},
		Column{"shutter", ColBool},
		Column{"alt", ColFloat},
		Column{"az", ColFloat},
		Column{"Description", ColString},
	)
	if includeCharge {
		cols = append(cols,
			Column{"sampleTime", ColFloat},
			Column{"chargeInput", ColFloat},
			Column{"chargeOutput", ColFloat},
			Column{"measurementMode", ColString},
		)
	}
	return cols
}

// RunDB is one run's CSV-backed measurement table plus the staging buffer
// for the exposure currently being assembled.
type RunDB struct {
	fs      fsutil.FileSystem
	root    string
	runID   string
	path    string
	schema  []Column
	colIdx  map[string]int
	rows    [][]string
	nextID  int
	pending map[string]string
	log     *logging.Logger
}

// Open binds to (or creates) the run CSV for runID under root/data, seeding
// the next ExposureID from any rows already present.
func Open(filesystem fsutil.FileSystem, root, runID string, schema []Column) (*RunDB, error) {
	dataDir := filepath.Join(root, "data")
	if err := filesystem.MkdirAll(dataDir, 0o755); err != nil {
		return nil, pandoraerr.New("rundb", "open", pandoraerr.StateInvariant, err)
	}
	path := filepath.Join(dataDir, runID+".csv")
	if err := security.ValidatePathWithinDirectory(path, root); err != nil {
		return nil, pandoraerr.New("rundb", "open", pandoraerr.StateInvariant, err)
	}

	colIdx := make(map[string]int, len(schema))
	for i, c := range schema {
		colIdx[c.Name] = i
	}

	db := &RunDB{
		fs:     filesystem,
		root:   root,
		runID:  runID,
		path:   path,
		schema: schema,
		colIdx: colIdx,
		log:    logging.New("rundb").Named(runID),
	}

	if filesystem.Exists(path) {
		rows, nextID, err := loadExisting(filesystem, path, colIdx)
		if err != nil {
			return nil, err
		}
		db.rows = rows
		db.nextID = nextID
	}
	db.resetPending()
	return db, nil
}

func loadExisting(filesystem fsutil.FileSystem, path string, colIdx map[string]int) ([][]string, int, error) {
	data, err := filesystem.ReadFile(path)
	if err != nil {
		return nil, 0, pandoraerr.New("rundb", "open", pandoraerr.StateInvariant, err)
	}
	if len(data) == 0 {
		return nil, 0, nil
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, 0, pandoraerr.New("rundb", "open", pandoraerr.ProtocolError, err)
	}
	if len(records) <= 1 {
		return nil, 0, nil
	}
	rows := records[1:]
	next := 0
	expIdx, ok := colIdx["expid"]
	if ok {
		for _, row := range rows {
			if expIdx >= len(row) {
				continue
			}
			if n, err := strconv.Atoi(row[expIdx]); err == nil && n+1 > next {
				next = n + 1
			}
		}
	}
	return rows, next, nil
}

func (db *RunDB) resetPending() {
	db.pending = make(map[string]string, len(db.schema))
}

// RunID returns the bound RunID.
func (db *RunDB) RunID() string { return db.runID }

// NextExposureID returns the ExposureID the next WriteExposure call will
// assign.
func (db *RunDB) NextExposureID() int { return db.nextID }

// Add stages a typed value into the current exposure buffer, type-checked
// against the schema.
func (db *RunDB) Add(key string, value any) error {
	idx, ok := db.colIdx[key]
	if !ok {
		return pandoraerr.New("rundb", "add", pandoraerr.StateInvariant, fmt.Errorf("unknown column %q", key))
	}
	col := db.schema[idx]
	serialized, err := serialize(col.Type, value)
	if err != nil {
		return pandoraerr.New("rundb", "add", pandoraerr.StateInvariant, fmt.Errorf("column %q: %w", key, err))
	}
	db.pending[key] = serialized
	return nil
}

func serialize(t ColumnType, value any) (string, error) {
	switch t {
	case ColInt:
		switch v := value.(type) {
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		}
		return "", fmt.Errorf("expected int, got %T", value)
	case ColFloat:
		switch v := value.(type) {
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), nil
		case float32:
			return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
		case int:
			return strconv.Itoa(v), nil
		}
		return "", fmt.Errorf("expected float, got %T", value)
	case ColBool:
		v, ok := value.(bool)
		if !ok {
			return "", fmt.Errorf("expected bool, got %T", value)
		}
		return strconv.FormatBool(v), nil
	case ColString:
		v, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("expected string, got %T", value)
		}
		return v, nil
	default:
		return "", fmt.Errorf("unknown column type %v", t)
	}
}

// WriteExposure commits the staged buffer as a new row: unset columns fill
// with their schema default, the ExposureID column is assigned from the
// in-memory next-ID counter, the counter advances, and the full frame is
// flushed to disk before this call returns. This is the atomic unit of
// durability the sequencer relies on.
func (db *RunDB) WriteExposure() (int, error) {
	expID := db.nextID
	db.pending["expid"] = strconv.Itoa(expID)

	row := make([]string, len(db.schema))
	for i, col := range db.schema {
		if v, ok := db.pending[col.Name]; ok {
			row[i] = v
		} else {
			row[i] = defaultFor(col.Type)
		}
	}
	db.rows = append(db.rows, row)
	db.nextID++
	db.resetPending()

	if err := db.flush(); err != nil {
		return 0, err
	}
	return expID, nil
}

func (db *RunDB) flush() error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := make([]string, len(db.schema))
	for i, c := range db.schema {
		header[i] = c.Name
	}
	if err := w.Write(header); err != nil {
		return pandoraerr.New("rundb", "flush", pandoraerr.StateInvariant, err)
	}
	for _, row := range db.rows {
		if err := w.Write(row); err != nil {
			return pandoraerr.New("rundb", "flush", pandoraerr.StateInvariant, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return pandoraerr.New("rundb", "flush", pandoraerr.StateInvariant, err)
	}
	if err := db.fs.WriteFile(db.path, buf.Bytes(), 0o644); err != nil {
		return pandoraerr.New("rundb", "flush", pandoraerr.StateInvariant, err)
	}
	return nil
}

// AllocateRunID implements the RunID allocation policy: an explicit RunID
// is trusted as-is; otherwise the cache is consulted for the highest
// existing suffix on today's date, incremented by one (or set to one), and
// in writing mode the new RunID is appended back to the cache.
func AllocateRunID(filesystem fsutil.FileSystem, root string, clock timeutil.Clock, explicit string, writing bool) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	cachePath := filepath.Join(root, ".run_cache.csv")
	ids, err := readCache(filesystem, cachePath)
	if err != nil {
		return "", err
	}

	today := clock.Now().Format("20060102")
	maxSuffix := 0
	for _, id := range ids {
		if len(id) != 11 || !strings.HasPrefix(id, today) {
			continue
		}
		if n, err := strconv.Atoi(id[8:11]); err == nil && n > maxSuffix {
			maxSuffix = n
		}
	}
	newSuffix := maxSuffix + 1
	if newSuffix > 999 {
		return "", pandoraerr.New("rundb", "allocate_run_id", pandoraerr.StateInvariant, fmt.Errorf("run suffix exhausted for %s", today))
	}
	newID := fmt.Sprintf("%s%03d", today, newSuffix)

	if writing {
		ids = append(ids, newID)
		if err := filesystem.MkdirAll(root, 0o755); err != nil {
			return "", pandoraerr.New("rundb", "allocate_run_id", pandoraerr.StateInvariant, err)
		}
		if err := writeCache(filesystem, cachePath, ids); err != nil {
			return "", err
		}
	}
	return newID, nil
}

func readCache(filesystem fsutil.FileSystem, path string) ([]string, error) {
	if !filesystem.Exists(path) {
		return nil, nil
	}
	data, err := filesystem.ReadFile(path)
	if err != nil {
		return nil, pandoraerr.New("rundb", "read_cache", pandoraerr.StateInvariant, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, pandoraerr.New("rundb", "read_cache", pandoraerr.ProtocolError, err)
	}
	ids := make([]string, 0, len(records))
	for _, row := range records {
		if len(row) > 0 && row[0] != "" {
			ids = append(ids, row[0])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func writeCache(filesystem fsutil.FileSystem, path string, ids []string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, id := range ids {
		if err := w.Write([]string{id}); err != nil {
			return pandoraerr.New("rundb", "write_cache", pandoraerr.StateInvariant, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return pandoraerr.New("rundb", "write_cache", pandoraerr.StateInvariant, err)
	}
	return filesystem.WriteFile(path, buf.Bytes(), 0o644)
}
