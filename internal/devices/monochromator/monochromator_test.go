package monochromator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stubbslab/pandora/internal/pandoraerr"
)

// fakePort implements transport.ByteSerial as a fixed reply script: Write
// appends to sent, ReadExact/ReadUntil drain from a pre-seeded reply queue.
type fakePort struct {
	sent    [][]byte
	replies [][]byte
}

func (p *fakePort) Write(ctx context.Context, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	p.sent = append(p.sent, cp)
	return nil
}

func (p *fakePort) ReadExact(ctx context.Context, n int) ([]byte, error) {
	if len(p.replies) == 0 {
		panic("fakePort: no more scripted replies")
	}
	next := p.replies[0]
	p.replies = p.replies[1:]
	if len(next) != n {
		panic("fakePort: scripted reply length mismatch")
	}
	return next, nil
}

func (p *fakePort) ReadUntil(ctx context.Context, delim byte) ([]byte, error) { return nil, nil }
func (p *fakePort) Close() error                                             { return nil }

func TestEncodeDecodeWavelengthRoundTrips(t *testing.T) {
	for _, nm := range []float64{500.0, 501.3, 199.9, 1000.0} {
		hi, lo := encodeWavelength(nm)
		got := decodeWavelength(hi, lo)
		want := float64(int(nm*10+0.5)) / 10.0
		require.InDelta(t, want, got, 1e-9)
	}
}

func TestMoveToWavelengthSendsEncodedCommand(t *testing.T) {
	port := &fakePort{replies: [][]byte{{0x00}, {0x18}}}
	m := Open(port, 700)

	require.NoError(t, m.MoveToWavelength(context.Background(), 500.0))
	require.Len(t, port.sent, 1)
	require.Equal(t, byte(cmdMoveWavelength), port.sent[0][0])
	// 500.0 nm -> 5000 Angstrom -> hi=19, lo=136
	require.Equal(t, byte(19), port.sent[0][1])
	require.Equal(t, byte(136), port.sent[0][2])
}

func TestStatusByte7SetIsDeviceRejected(t *testing.T) {
	port := &fakePort{replies: [][]byte{{0x80}}}
	m := Open(port, 700)

	err := m.MoveToWavelength(context.Background(), 500.0)
	require.Error(t, err)
	require.Equal(t, pandoraerr.DeviceRejected, pandoraerr.As(err))
}

func TestGetWavelengthDecodesReply(t *testing.T) {
	port := &fakePort{replies: [][]byte{{19, 136}, {0x18}}}
	m := Open(port, 700)

	nm, err := m.GetWavelength(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 500.0, nm, 1e-9)
}

func TestGoHomeTolerateInProgressByte(t *testing.T) {
	port := &fakePort{replies: [][]byte{{0x00}, {homeInProgressByte}, {homeInProgressByte}, {homeCompletionByte}}}
	m := Open(port, 700)

	require.NoError(t, m.GoHome(context.Background()))
}
