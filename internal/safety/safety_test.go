package safety

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stubbslab/pandora/internal/devices/flipmount"
	"github.com/stubbslab/pandora/internal/timeutil"
	"github.com/stubbslab/pandora/internal/transport"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeBus struct{ high map[string]bool }

func newFakeBus() *fakeBus { return &fakeBus{high: map[string]bool{}} }

func (b *fakeBus) WriteBit(ctx context.Context, port string, high bool) error {
	b.high[port] = high
	return nil
}
func (b *fakeBus) ReadBit(ctx context.Context, port string) (bool, error) { return b.high[port], nil }
func (b *fakeBus) ReadRegister(ctx context.Context, name string) (int, error) {
	if b.high[name] {
		return 1, nil
	}
	return 0, nil
}
func (b *fakeBus) Close() error { return nil }

var _ transport.DigitalIO = (*fakeBus)(nil)

func TestOrderBlockCouplingActivatesAboveCrossover(t *testing.T) {
	bus := newFakeBus()
	clock := timeutil.NewMockClock(epoch)
	fm, err := flipmount.New("OrderBlock", "FIO4", false, bus, clock)
	require.NoError(t, err)
	coupling := NewOrderBlockCoupling(fm, 700)

	require.NoError(t, coupling.Apply(context.Background(), 750))
	require.True(t, fm.IsOn())
}

func TestOrderBlockCouplingDeactivatesBelowCrossover(t *testing.T) {
	bus := newFakeBus()
	clock := timeutil.NewMockClock(epoch)
	fm, err := flipmount.New("OrderBlock", "FIO4", false, bus, clock)
	require.NoError(t, err)
	coupling := NewOrderBlockCoupling(fm, 700)

	require.NoError(t, coupling.Apply(context.Background(), 502))
	require.False(t, fm.IsOn())
}

func TestExpectedStateMatchesCrossoverRule(t *testing.T) {
	require.True(t, ExpectedState(701, 700))
	require.False(t, ExpectedState(700, 700))
	require.False(t, ExpectedState(502, 700))
}

func TestOverflowPolicyAllowsExactlyOneRetry(t *testing.T) {
	p := NewOverflowPolicy()
	require.True(t, p.AllowRetry())
	require.False(t, p.AllowRetry())
	require.True(t, p.Exhausted())
}
