package calibstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stubbslab/pandora/internal/fsutil"
	"github.com/stubbslab/pandora/internal/timeutil"
)

func sampleTable() Table {
	return Table{
		Columns: []string{"wavelength", "transmission", "transmission_err"},
		Data: map[string][]float64{
			"wavelength":       {400, 500, 600},
			"transmission":     {0.8, 0.85, 0.9},
			"transmission_err": {0.01, 0.015, 0.02},
		},
	}
}

func TestAddCalibrationFirstArtifactBecomesDefault(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(fs, clock, "/root")
	require.NoError(t, err)

	filename, err := s.AddCalibration("throughput", sampleTable())
	require.NoError(t, err)

	entries := s.ListCalibrations("throughput")
	require.Len(t, entries, 1)
	require.True(t, entries[0].IsDefault)
	require.Equal(t, filename, entries[0].Filename)
	require.InDelta(t, 400, entries[0].Lambda0, 1e-9)
	require.InDelta(t, 600, entries[0].LambdaEnd, 1e-9)
}

func TestAtMostOneDefaultPerTag(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(fs, clock, "/root")
	require.NoError(t, err)

	_, err = s.AddCalibration("throughput", sampleTable())
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := s.AddCalibration("throughput", sampleTable())
	require.NoError(t, err)

	defaults := 0
	for _, e := range s.ListCalibrations("throughput") {
		if e.IsDefault {
			defaults++
		}
	}
	require.Equal(t, 1, defaults)

	require.NoError(t, s.SetDefault("throughput", second))
	defaults = 0
	var defaultFilename string
	for _, e := range s.ListCalibrations("throughput") {
		if e.IsDefault {
			defaults++
			defaultFilename = e.Filename
		}
	}
	require.Equal(t, 1, defaults)
	require.Equal(t, second, defaultFilename)
}

func TestGetDefaultCalibrationFallsBackToLatest(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(fs, clock, "/root")
	require.NoError(t, err)

	_, err = s.AddCalibration("throughput", sampleTable())
	require.NoError(t, err)
	// The first artifact is made the default; clear it so the lookup has to
	// fall back to the latest entry.
	s.entries[0].IsDefault = false

	got, err := s.GetDefaultCalibration("throughput")
	require.NoError(t, err)
	require.Equal(t, 3, got.Len())
}

func TestGetCalibrationFileResolvesTagFromLog(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(fs, clock, "/root")
	require.NoError(t, err)

	filename, err := s.AddCalibration("transmission_ND01", sampleTable())
	require.NoError(t, err)

	got, err := s.GetCalibrationFile(filename)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"wavelength", "transmission", "transmission_err"}, got.Columns)
}

func TestSetDefaultRejectsUnknownFilename(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(fs, clock, "/root")
	require.NoError(t, err)

	_, err = s.AddCalibration("throughput", sampleTable())
	require.NoError(t, err)

	err = s.SetDefault("throughput", "bogus.csv")
	require.Error(t, err)
}
