package flipmount

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stubbslab/pandora/internal/devices/digitalactuator"
	"github.com/stubbslab/pandora/internal/timeutil"
	"github.com/stubbslab/pandora/internal/transport"
)

type fakeBus struct{ lines map[string]bool }

func newFakeBus() *fakeBus { return &fakeBus{lines: make(map[string]bool)} }

func (b *fakeBus) WriteBit(ctx context.Context, port string, high bool) error {
	b.lines[port] = high
	return nil
}
func (b *fakeBus) ReadBit(ctx context.Context, port string) (bool, error) { return b.lines[port], nil }
func (b *fakeBus) ReadRegister(ctx context.Context, name string) (int, error) {
	if b.lines[name] {
		return 1, nil
	}
	return 0, nil
}
func (b *fakeBus) Close() error { return nil }

var _ transport.DigitalIO = (*fakeBus)(nil)

func TestFlipMountStartsOff(t *testing.T) {
	bus := newFakeBus()
	clock := timeutil.NewMockClock(time.Now())
	fm, err := New("orderblock", "FIO1", false, bus, clock)
	require.NoError(t, err)
	require.False(t, fm.IsOn())
	require.Equal(t, "orderblock", fm.Name())
}

func TestActivateThenDeactivate(t *testing.T) {
	bus := newFakeBus()
	clock := timeutil.NewMockClock(time.Now())
	fm, err := New("orderblock", "FIO1", false, bus, clock)
	require.NoError(t, err)

	clock.Advance(time.Second)
	require.NoError(t, fm.Activate(context.Background()))
	require.True(t, fm.IsOn())

	clock.Advance(time.Second)
	require.NoError(t, fm.Deactivate(context.Background()))
	require.False(t, fm.IsOn())
}

func TestSwitchTogglesFromCurrentState(t *testing.T) {
	bus := newFakeBus()
	clock := timeutil.NewMockClock(time.Now())
	fm, err := New("orderblock", "FIO1", false, bus, clock)
	require.NoError(t, err)

	clock.Advance(time.Second)
	require.NoError(t, fm.Switch(context.Background()))
	require.True(t, fm.IsOn())
	require.Equal(t, digitalactuator.On, fm.State())

	clock.Advance(time.Second)
	require.NoError(t, fm.Switch(context.Background()))
	require.False(t, fm.IsOn())
}

func TestShutdownDeactivates(t *testing.T) {
	bus := newFakeBus()
	clock := timeutil.NewMockClock(time.Now())
	fm, err := New("orderblock", "FIO1", false, bus, clock)
	require.NoError(t, err)

	clock.Advance(time.Second)
	require.NoError(t, fm.Activate(context.Background()))
	clock.Advance(time.Second)
	require.NoError(t, fm.Shutdown(context.Background()))
	require.False(t, fm.IsOn())
}
