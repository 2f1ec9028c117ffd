package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stubbslab/pandora/internal/devices/electrometer"
	"github.com/stubbslab/pandora/internal/devices/flipmount"
	"github.com/stubbslab/pandora/internal/devices/monochromator"
	"github.com/stubbslab/pandora/internal/devices/mount"
	"github.com/stubbslab/pandora/internal/devices/shutter"
	"github.com/stubbslab/pandora/internal/timeutil"
	"github.com/stubbslab/pandora/internal/transport"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// orderedPort is a transport.ByteSerial whose Close records name into a
// shared, ordered log - used to assert the shutdown sequence without
// caring about each device's internal wire traffic.
type orderedPort struct {
	name          string
	order         *[]string
	hashReplies   [][]byte
	exactReplies  [][]byte
}

func (p *orderedPort) Write(ctx context.Context, data []byte) error { return nil }
func (p *orderedPort) ReadExact(ctx context.Context, n int) ([]byte, error) {
	if len(p.exactReplies) == 0 {
		return make([]byte, n), nil
	}
	next := p.exactReplies[0]
	p.exactReplies = p.exactReplies[1:]
	return next, nil
}
func (p *orderedPort) ReadUntil(ctx context.Context, delim byte) ([]byte, error) {
	if len(p.hashReplies) == 0 {
		return []byte{delim}, nil
	}
	next := p.hashReplies[0]
	p.hashReplies = p.hashReplies[1:]
	return next, nil
}
func (p *orderedPort) Close() error {
	*p.order = append(*p.order, p.name)
	return nil
}

var _ transport.ByteSerial = (*orderedPort)(nil)

type orderedBus struct {
	order *[]string
	high  map[string]bool
}

func (b *orderedBus) WriteBit(ctx context.Context, port string, high bool) error {
	b.high[port] = high
	return nil
}
func (b *orderedBus) ReadBit(ctx context.Context, port string) (bool, error) { return b.high[port], nil }
func (b *orderedBus) ReadRegister(ctx context.Context, name string) (int, error) {
	if b.high[name] {
		return 1, nil
	}
	return 0, nil
}
func (b *orderedBus) Close() error {
	*b.order = append(*b.order, "bus")
	return nil
}

var _ transport.DigitalIO = (*orderedBus)(nil)

type orderedSCPI struct {
	name  string
	order *[]string
}

func (s *orderedSCPI) WriteLine(ctx context.Context, line string) error {
	if line == ":INP OFF" {
		*s.order = append(*s.order, s.name)
	}
	return nil
}
func (s *orderedSCPI) QueryLine(ctx context.Context, line string) (string, error) { return "1", nil }
func (s *orderedSCPI) QueryASCIIVector(ctx context.Context, line string) ([]float64, error) {
	return []float64{0}, nil
}
func (s *orderedSCPI) Close() error { return nil }

var _ transport.SCPI = (*orderedSCPI)(nil)

type orderedChain struct{ order *[]string }

func (c *orderedChain) DetectDevices(ctx context.Context) ([]int, error) { return []int{1}, nil }
func (c *orderedChain) MoveAbsoluteMM(ctx context.Context, device, axis int, mm float64) error {
	return nil
}
func (c *orderedChain) MoveRelativeMM(ctx context.Context, device, axis int, deltaMM float64) error {
	return nil
}
func (c *orderedChain) GetPositionMM(ctx context.Context, device, axis int) (float64, error) {
	return 0, nil
}
func (c *orderedChain) Home(ctx context.Context, device, axis int) error { return nil }
func (c *orderedChain) SetVelocityMMPerS(ctx context.Context, device, axis int, mmPerS float64) error {
	return nil
}
func (c *orderedChain) Close() error {
	*c.order = append(*c.order, "chain")
	return nil
}

var _ transport.MotionController = (*orderedChain)(nil)

func TestCloseAllConnectionsFollowsDocumentedOrder(t *testing.T) {
	var order []string
	clock := timeutil.NewMockClock(epoch)

	monoPort := &orderedPort{name: "mono", order: &order}
	mono := monochromator.Open(monoPort, 700)

	bus := &orderedBus{order: &order, high: map[string]bool{}}
	shut, err := shutter.New("FIO0", false, bus, clock)
	require.NoError(t, err)
	fm, err := flipmount.New("orderblock", "FIO1", false, bus, clock)
	require.NoError(t, err)

	elecSCPI := &orderedSCPI{name: "K1", order: &order}
	elec := electrometer.New("K1", elecSCPI, clock, 60)

	chain := &orderedChain{order: &order}

	mountPort := &orderedPort{name: "mount", order: &order, hashReplies: [][]byte{[]byte("1#")}}
	mnt, err := mount.Open(context.Background(), mountPort, clock, 60, 300, 15)
	require.NoError(t, err)

	c := &Controller{
		mono:  mono,
		shut:  shut,
		flips: map[string]*flipmount.FlipMount{"orderblock": fm},
		elecs: map[string]*electrometer.Electrometer{"K1": elec},
		chain: chain,
		mnt:   mnt,
		bus:   bus,
	}

	require.NoError(t, c.CloseAllConnections())

	require.Equal(t, []string{"mono", "K1", "chain", "mount", "bus"}, order)
}
