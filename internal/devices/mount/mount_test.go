package mount

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stubbslab/pandora/internal/pandoraerr"
	"github.com/stubbslab/pandora/internal/timeutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakePort implements transport.ByteSerial: ReadUntil drains a scripted
// hash-terminated reply queue, ReadExact(1) drains a scripted single-byte
// acknowledgement queue, Write records every command sent.
type fakePort struct {
	sent        []string
	hashReplies [][]byte
	ackReplies  []byte
}

func (p *fakePort) Write(ctx context.Context, data []byte) error {
	p.sent = append(p.sent, string(data))
	return nil
}

func (p *fakePort) ReadUntil(ctx context.Context, delim byte) ([]byte, error) {
	if len(p.hashReplies) == 0 {
		panic("fakePort: no more scripted hash replies")
	}
	next := p.hashReplies[0]
	p.hashReplies = p.hashReplies[1:]
	return next, nil
}

func (p *fakePort) ReadExact(ctx context.Context, n int) ([]byte, error) {
	if n != 1 {
		panic("fakePort: mount protocol only reads single ack bytes")
	}
	if len(p.ackReplies) == 0 {
		panic("fakePort: no more scripted ack replies")
	}
	b := p.ackReplies[0]
	p.ackReplies = p.ackReplies[1:]
	return []byte{b}, nil
}

func (p *fakePort) Close() error { return nil }

func gacResponse(negative bool, altUnits, azUnits int) []byte {
	sign := byte('+')
	if negative {
		sign = '-'
	}
	s := string(sign) + padDigits(altUnits, 8) + padDigits(azUnits, 9) + "#"
	return []byte(s)
}

func glsResponse(code byte) []byte {
	s := "000000000000000000" + string(code) + "#"
	return []byte(s)
}

func galResponse(limit int) []byte {
	sign := "+"
	if limit < 0 {
		sign = "-"
		limit = -limit
	}
	return []byte(sign + padDigits(limit, 2) + "#")
}

func padDigits(v, width int) string {
	s := ""
	for i := 0; i < width; i++ {
		s = "0" + s
	}
	digits := []byte(s)
	vs := []byte(itoa(v))
	copy(digits[len(digits)-len(vs):], vs)
	return string(digits)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf []byte
	for v > 0 {
		buf = append([]byte{byte('0' + v%10)}, buf...)
		v /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func newMount(t *testing.T, port *fakePort, azLower, azUpper, altLim float64) *Mount {
	t.Helper()
	port.hashReplies = append(port.hashReplies, []byte("1#")) // EnableTracking(false) on Open
	clock := timeutil.NewMockClock(epoch)
	m, err := Open(context.Background(), port, clock, azLower, azUpper, altLim)
	require.NoError(t, err)
	return m
}

func TestOpenDisablesTrackingByDefault(t *testing.T) {
	port := &fakePort{}
	newMount(t, port, 0, 360, -10)
	require.Equal(t, ":ST0#", port.sent[0])
}

func TestGotoAltAzRejectsAzimuthOutsideRange(t *testing.T) {
	port := &fakePort{}
	m := newMount(t, port, 0, 180, -10)

	err := m.GotoAltAz(context.Background(), 45, 270, false)
	require.Error(t, err)
	require.Equal(t, pandoraerr.SafetyViolation, pandoraerr.As(err))
}

func TestGotoAltAzRejectsWhenParked(t *testing.T) {
	port := &fakePort{}
	m := newMount(t, port, 0, 360, -10)
	port.hashReplies = append(port.hashReplies, gacResponse(false, 45*360000, 180*360000), glsResponse('6'))

	err := m.GotoAltAz(context.Background(), 45, 180, false)
	require.Error(t, err)
	require.Equal(t, pandoraerr.SafetyViolation, pandoraerr.As(err))
}

func TestGotoAltAzRejectsBelowAltitudeLimit(t *testing.T) {
	port := &fakePort{}
	m := newMount(t, port, 0, 360, -10)
	port.hashReplies = append(port.hashReplies,
		gacResponse(false, 45*360000, 180*360000), glsResponse('1'), // not parked
		galResponse(30),
	)

	err := m.GotoAltAz(context.Background(), 10, 180, false)
	require.Error(t, err)
	require.Equal(t, pandoraerr.SafetyViolation, pandoraerr.As(err))
}

func TestGotoAltAzSucceedsAndDisablesTrackingAfterMove(t *testing.T) {
	port := &fakePort{}
	m := newMount(t, port, 0, 360, -10)
	port.hashReplies = append(port.hashReplies,
		gacResponse(false, 45*360000, 180*360000), glsResponse('1'), // not parked
		galResponse(0),
		gacResponse(false, 50*360000, 200*360000), glsResponse('0'), // slew-complete poll: stopped
		[]byte("1#"), // final EnableTracking(false)
	)
	port.ackReplies = append(port.ackReplies, '1', '1', '1')

	err := m.GotoAltAz(context.Background(), 50, 200, false)
	require.NoError(t, err)
	require.Contains(t, port.sent, ":MSS#")
	require.Contains(t, port.sent, ":Sa+18000000#")
}

func TestSetParkRejectsOutOfRangeAltitude(t *testing.T) {
	port := &fakePort{}
	m := newMount(t, port, 0, 360, -10)

	err := m.SetPark(context.Background(), 120, 180)
	require.Error(t, err)
	require.Equal(t, pandoraerr.SafetyViolation, pandoraerr.As(err))
}

func TestGetAltAzDecodesNegativeAltitude(t *testing.T) {
	port := &fakePort{}
	m := newMount(t, port, 0, 360, -10)
	port.hashReplies = append(port.hashReplies, gacResponse(true, 5*360000, 90*360000))

	alt, az, err := m.GetAltAz(context.Background())
	require.NoError(t, err)
	require.InDelta(t, -5.0, alt, 1e-6)
	require.InDelta(t, 90.0, az, 1e-6)
}
