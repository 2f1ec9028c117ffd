// Package byteserial implements the byte-serial transport adapter used by
// the monochromator and the telescope mount, over go.bug.st/serial.
package byteserial

import (
	"bufio"
	"context"
	"fmt"
	"sync"

	"go.bug.st/serial"

	"github.com/stubbslab/pandora/internal/logging"
	"github.com/stubbslab/pandora/internal/pandoraerr"
)

// Port is a reconnecting byte-serial adapter. A single transport-error
// triggers one reconnect attempt before the failure is propagated, per the
// transport adapter contract.
type Port struct {
	name     string
	portName string
	mode     *serial.Mode
	log      *logging.Logger

	mu   sync.Mutex
	port serial.Port
	r    *bufio.Reader
}

// Open opens portName at baud with 8-N-1 framing, the configuration every
// serial device in this system uses.
func Open(name, portName string, baud int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p := &Port{name: name, portName: portName, mode: mode, log: logging.New("transport.byteserial").Named(name)}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Port) connect() error {
	sp, err := serial.Open(p.portName, p.mode)
	if err != nil {
		return pandoraerr.New(p.name, "open", pandoraerr.TransportError, err)
	}
	p.port = sp
	p.r = bufio.NewReader(sp)
	return nil
}

func (p *Port) reconnect() error {
	p.log.Warnf("reconnecting after transport error on %s", p.portName)
	if p.port != nil {
		_ = p.port.Close()
	}
	return p.connect()
}

// Write writes p's bytes in full, reconnecting once on a transport-level
// failure.
func (p *Port) Write(ctx context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.port.Write(data); err != nil {
		if rerr := p.reconnect(); rerr != nil {
			return rerr
		}
		if _, err2 := p.port.Write(data); err2 != nil {
			return pandoraerr.New(p.name, "write", pandoraerr.TransportError, err2)
		}
	}
	return nil
}

// ReadExact reads exactly n bytes, reconnecting once on a transport-level
// failure.
func (p *Port) ReadExact(ctx context.Context, n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := make([]byte, n)
	if _, err := readFull(p.r, buf); err != nil {
		if rerr := p.reconnect(); rerr != nil {
			return nil, rerr
		}
		if _, err2 := readFull(p.r, buf); err2 != nil {
			return nil, pandoraerr.New(p.name, "read_exact", pandoraerr.TransportError, err2)
		}
	}
	return buf, nil
}

// ReadUntil reads bytes up to and including the first occurrence of delim.
func (p *Port) ReadUntil(ctx context.Context, delim byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line, err := p.r.ReadBytes(delim)
	if err != nil {
		if rerr := p.reconnect(); rerr != nil {
			return nil, rerr
		}
		line, err = p.r.ReadBytes(delim)
		if err != nil {
			return nil, pandoraerr.New(p.name, "read_until", pandoraerr.TransportError, err)
		}
	}
	return line, nil
}

// Close closes the underlying serial port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil
	}
	return p.port.Close()
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

var _ fmt.Stringer = (*Port)(nil)

// String identifies the port for log lines.
func (p *Port) String() string { return fmt.Sprintf("byteserial(%s@%s)", p.name, p.portName) }
