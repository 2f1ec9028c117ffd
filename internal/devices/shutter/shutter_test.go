package shutter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

func TestShutterStartsOpen(t *testing.T) {
	bus := newFakeBus()
	clock := timeutil.NewMockClock(time.Now())
	s, err := New("FIO0", false, bus, clock)
	require.NoError(t, err)
	require.True(t, s.IsOpen())
}

func TestCloseThenOpen(t *testing.T) {
	bus := newFakeBus()
	clock := timeutil.NewMockClock(time.Now())
	s, err := New("FIO0", false, bus, clock)
	require.NoError(t, err)

	clock.Advance(time.Second)
	require.NoError(t, s.Close(context.Background()))
	require.False(t, s.IsOpen())

	clock.Advance(time.Second)
	require.NoError(t, s.Open(context.Background()))
	require.True(t, s.IsOpen())
}
