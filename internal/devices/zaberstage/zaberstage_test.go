package zaberstage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	position  float64
	devices   []int
	lastVel   float64
	lastMove  float64
	homeCalls int
}

func (c *fakeChain) DetectDevices(ctx context.Context) ([]int, error) { return c.devices, nil }
func (c *fakeChain) MoveAbsoluteMM(ctx context.Context, device, axis int, mm float64) error {
	c.position = mm
	c.lastMove = mm
	return nil
}
func (c *fakeChain) MoveRelativeMM(ctx context.Context, device, axis int, deltaMM float64) error {
	c.position += deltaMM
	return nil
}
func (c *fakeChain) GetPositionMM(ctx context.Context, device, axis int) (float64, error) {
	return c.position, nil
}
func (c *fakeChain) Home(ctx context.Context, device, axis int) error {
	c.homeCalls++
	c.position = 0
	return nil
}
func (c *fakeChain) SetVelocityMMPerS(ctx context.Context, device, axis int, mmPerS float64) error {
	c.lastVel = mmPerS
	return nil
}
func (c *fakeChain) Close() error { return nil }

func TestOpenResolvesSlotWithinTolerance(t *testing.T) {
	chain := &fakeChain{devices: []int{0}, position: 7.03}
	s, err := Open(context.Background(), "ND", chain, 0, 1, map[string]float64{"ND05": 7.0}, 8.0)
	require.NoError(t, err)
	require.Equal(t, "ND05", s.CurrentSlot())
}

func TestOpenResolvesUnknownOutsideTolerance(t *testing.T) {
	chain := &fakeChain{devices: []int{0}, position: 15.0}
	s, err := Open(context.Background(), "ND", chain, 0, 1, map[string]float64{"ND05": 7.0}, 8.0)
	require.NoError(t, err)
	require.Equal(t, "UNKNOWN", s.CurrentSlot())
}

func TestMoveToSlotUpdatesCachedSlot(t *testing.T) {
	chain := &fakeChain{devices: []int{0}}
	s, err := Open(context.Background(), "ND", chain, 0, 1, map[string]float64{"ND05": 7.0, "ND10": 46.37}, 8.0)
	require.NoError(t, err)

	require.NoError(t, s.MoveToSlot(context.Background(), "ND10"))
	require.Equal(t, "ND10", s.CurrentSlot())
	require.InDelta(t, 46.37, chain.lastMove, 1e-9)
}

func TestMoveToUnknownSlotFails(t *testing.T) {
	chain := &fakeChain{devices: []int{0}}
	s, err := Open(context.Background(), "ND", chain, 0, 1, map[string]float64{"ND05": 7.0}, 8.0)
	require.NoError(t, err)

	err = s.MoveToSlot(context.Background(), "BOGUS")
	require.Error(t, err)
}

func TestGoHomeSetsHomeSlot(t *testing.T) {
	chain := &fakeChain{devices: []int{0}, position: 7.0}
	s, err := Open(context.Background(), "ND", chain, 0, 1, map[string]float64{"ND05": 7.0}, 8.0)
	require.NoError(t, err)

	require.NoError(t, s.GoHome(context.Background()))
	require.Equal(t, Home, s.CurrentSlot())
	require.Equal(t, 1, chain.homeCalls)
}
