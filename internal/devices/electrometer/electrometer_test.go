package electrometer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stubbslab/pandora/internal/timeutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeSCPI implements transport.SCPI as a scripted reply map: WriteLine is
// recorded, QueryLine/QueryASCIIVector return the next queued response for
// the matching prefix.
type fakeSCPI struct {
	sent          []string
	lineReplies   map[string][]string
	vectorReplies map[string][][]float64
}

func newFakeSCPI() *fakeSCPI {
	return &fakeSCPI{
		lineReplies:   map[string][]string{},
		vectorReplies: map[string][][]float64{},
	}
}

func (f *fakeSCPI) WriteLine(ctx context.Context, line string) error {
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeSCPI) QueryLine(ctx context.Context, line string) (string, error) {
	f.sent = append(f.sent, line)
	replies := f.lineReplies[line]
	if len(replies) == 0 {
		return "1", nil
	}
	next := replies[0]
	f.lineReplies[line] = replies[1:]
	return next, nil
}

func (f *fakeSCPI) QueryASCIIVector(ctx context.Context, line string) ([]float64, error) {
	f.sent = append(f.sent, line)
	for prefix, queue := range f.vectorReplies {
		if prefix == line && len(queue) > 0 {
			next := queue[0]
			f.vectorReplies[prefix] = queue[1:]
			return next, nil
		}
	}
	return nil, nil
}

func (f *fakeSCPI) Close() error { return nil }

func TestSetRangeCurrentModeSleepsSettlingTime(t *testing.T) {
	scpi := newFakeSCPI()
	clock := timeutil.NewMockClock(epoch)
	e := New("KEI1", scpi, clock, 60)

	require.NoError(t, e.SetRange(context.Background(), CurrentRanges[0]))
	require.NotEmpty(t, clock.Sleeps())
}

func TestSetNPLCRaisesIntervalFloor(t *testing.T) {
	scpi := newFakeSCPI()
	clock := timeutil.NewMockClock(epoch)
	e := New("KEI1", scpi, clock, 60)

	require.NoError(t, e.SetNPLC(context.Background(), 10))
	require.GreaterOrEqual(t, e.intervalSeconds, 10.0/60.0)
}

func TestReadDataComputesMeanAndStdDev(t *testing.T) {
	scpi := newFakeSCPI()
	scpi.vectorReplies[":FETC:ARR:TIME?"] = [][]float64{{0, 1, 2}}
	scpi.vectorReplies[":FETC:ARR:CURR?"] = [][]float64{{1e-9, 2e-9, 3e-9}}
	clock := timeutil.NewMockClock(epoch)
	e := New("KEI1", scpi, clock, 60)

	result, err := e.ReadData(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, result.Samples, 3)
	require.InDelta(t, 2e-9, result.Mean, 1e-12)
	require.Greater(t, result.StdDev, 0.0)
}

func TestIsOverflowDetectsSentinel(t *testing.T) {
	require.True(t, IsOverflow(1e37))
	require.False(t, IsOverflow(2e-9))
}

func TestAutoScaleStepsUpWhenSignalNearFullScale(t *testing.T) {
	scpi := newFakeSCPI()
	scpi.vectorReplies[":FETC:ARR:TIME?"] = [][]float64{{0}, {0}}
	// First trial at the bottom rung reads near full scale -> step up once,
	// second trial reads comfortably inside range -> accept.
	scpi.vectorReplies[":FETC:ARR:CURR?"] = [][]float64{{1.9e-12}, {1.5e-11}}
	clock := timeutil.NewMockClock(epoch)
	e := New("KEI1", scpi, clock, 60)

	got, err := e.AutoScale(context.Background(), CurrentRanges[0])
	require.NoError(t, err)
	require.Equal(t, CurrentRanges[1], got)
}

func TestAutoScaleChargeDischargesBeforeEachTrial(t *testing.T) {
	scpi := newFakeSCPI()
	scpi.vectorReplies[":FETC:ARR:TIME?"] = [][]float64{{0}}
	scpi.vectorReplies[":FETC:ARR:CHAR?"] = [][]float64{{1e-9}}
	clock := timeutil.NewMockClock(epoch)
	e := New("KEI1", scpi, clock, 60)
	require.NoError(t, e.SetMode(context.Background(), ModeCharge))

	_, err := e.AutoScaleCharge(context.Background(), ChargeRanges[1])
	require.NoError(t, err)

	found := false
	for _, line := range scpi.sent {
		if line == "SENS:CHAR:DISCharge" {
			found = true
		}
	}
	require.True(t, found)
}

func TestIdentifyParsesIDNResponse(t *testing.T) {
	scpi := newFakeSCPI()
	scpi.lineReplies["*IDN?"] = []string{"Keysight Technologies,B2987A,MY12345678,1.2.3"}
	clock := timeutil.NewMockClock(epoch)
	e := New("KEI1", scpi, clock, 60)

	info, err := e.Identify(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Keysight Technologies", info.Vendor)
	require.Equal(t, "B2987A", info.Model)
	require.Equal(t, "MY12345678", info.Serial)
	require.Equal(t, "1.2.3", info.Firmware)
}
