package digitalactuator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stubbslab/pandora/internal/pandoraerr"
	"github.com/stubbslab/pandora/internal/timeutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeBus is a named digital line simulator implementing transport.DigitalIO.
type fakeBus struct {
	lines      map[string]bool
	writeCount int
	stuck      bool // readback never reflects writes, simulating an unpowered line
}

func newFakeBus() *fakeBus {
	return &fakeBus{lines: make(map[string]bool)}
}

func (b *fakeBus) WriteBit(ctx context.Context, port string, high bool) error {
	b.writeCount++
	if !b.stuck {
		b.lines[port] = high
	}
	return nil
}

func (b *fakeBus) ReadBit(ctx context.Context, port string) (bool, error) {
	return b.lines[port], nil
}

func (b *fakeBus) ReadRegister(ctx context.Context, name string) (int, error) {
	if b.lines[name] {
		return 1, nil
	}
	return 0, nil
}

func (b *fakeBus) Close() error { return nil }

func TestNewFailsSelfTestOnUnpoweredLine(t *testing.T) {
	bus := newFakeBus()
	bus.stuck = true
	clock := timeutil.NewMockClock(epoch)

	_, err := New("F01", "FIO0", false, bus, clock, 500*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, pandoraerr.NotPoweredOn, pandoraerr.As(err))
}

func TestActivateThenDeactivateRoundTrips(t *testing.T) {
	bus := newFakeBus()
	clock := timeutil.NewMockClock(epoch)

	a, err := New("F01", "FIO0", false, bus, clock, 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, Off, a.State())

	clock.Advance(time.Second)
	require.NoError(t, a.Activate(context.Background()))
	require.Equal(t, On, a.State())

	clock.Advance(time.Second)
	require.NoError(t, a.Deactivate(context.Background()))
	require.Equal(t, Off, a.State())
}

func TestActivateIsIdempotentAndSkipsHardwareCommand(t *testing.T) {
	bus := newFakeBus()
	clock := timeutil.NewMockClock(epoch)

	a, err := New("F01", "FIO0", false, bus, clock, 500*time.Millisecond)
	require.NoError(t, err)

	clock.Advance(time.Second)
	require.NoError(t, a.Activate(context.Background()))
	writesAfterFirstActivate := bus.writeCount

	require.NoError(t, a.Activate(context.Background()))
	require.Equal(t, writesAfterFirstActivate, bus.writeCount, "already-ON activate must not issue a hardware write")
	require.Equal(t, On, a.State())
}

func TestActivateSleepsThroughRateLimitWindow(t *testing.T) {
	bus := newFakeBus()
	clock := timeutil.NewMockClock(epoch)

	a, err := New("F01", "FIO0", false, bus, clock, 500*time.Millisecond)
	require.NoError(t, err)

	// Immediately after construction the limiter's last-op time is now; a
	// call within the window must record a Sleep via the mock clock, on top
	// of the one the construction self-test already recorded.
	sleepsBefore := len(clock.Sleeps())
	require.NoError(t, a.Activate(context.Background()))
	require.Greater(t, len(clock.Sleeps()), sleepsBefore)
}

func TestInvertedLogicFlipsLineLevel(t *testing.T) {
	bus := newFakeBus()
	clock := timeutil.NewMockClock(epoch)

	a, err := New("shutter", "FIO1", true, bus, clock, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, Off, a.State())

	clock.Advance(time.Second)
	require.NoError(t, a.Activate(context.Background()))
	require.False(t, bus.lines["FIO1"], "inverted logic: ON should drive the line low")
}
