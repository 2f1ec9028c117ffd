// Package digitalio implements the digital-I/O bus adapter shared by the
// shutter and every flip mount. The real hardware is a LabJack-class TCP
// device exposing named registers; there is no Go LabJack driver in the
// retrieval pack (the vendor library is Python-only and C-backed), so this
// adapter speaks the device's Modbus-style name/value protocol directly
// over a plain TCP connection, matching the "write-bit by named port,
// read-bit by named port, read-register" adapter contract named in the
// transport section of the specification.
package digitalio

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stubbslab/pandora/internal/logging"
	"github.com/stubbslab/pandora/internal/pandoraerr"
)

// Bus is a single shared digital-I/O connection. The single-threaded
// scheduling model makes the mutex here a belt-and-braces guard rather than
// a genuine contention point: it serializes the one read-modify-write an
// operation performs against the one shared handle.
type Bus struct {
	name string
	addr string
	log  *logging.Logger

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the digital-I/O bus at addr (host:port).
func Dial(name, addr string) (*Bus, error) {
	b := &Bus{name: name, addr: addr, log: logging.New("transport.digitalio").Named(name)}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) connect() error {
	conn, err := net.DialTimeout("tcp", b.addr, 2*time.Second)
	if err != nil {
		return pandoraerr.New(b.name, "dial", pandoraerr.TransportError, err)
	}
	b.conn = conn
	b.r = bufio.NewReader(conn)
	return nil
}

func (b *Bus) reconnect() error {
	b.log.Warnf("reconnecting digital-I/O bus after transport error on %s", b.addr)
	if b.conn != nil {
		_ = b.conn.Close()
	}
	return b.connect()
}

func (b *Bus) roundTrip(line string) (string, error) {
	_, err := b.conn.Write([]byte(line + "\n"))
	if err == nil {
		var resp string
		resp, err = b.r.ReadString('\n')
		if err == nil {
			return strings.TrimSpace(resp), nil
		}
	}
	if rerr := b.reconnect(); rerr != nil {
		return "", rerr
	}
	if _, err := b.conn.Write([]byte(line + "\n")); err != nil {
		return "", pandoraerr.New(b.name, "write", pandoraerr.TransportError, err)
	}
	resp, err := b.r.ReadString('\n')
	if err != nil {
		return "", pandoraerr.New(b.name, "read", pandoraerr.TransportError, err)
	}
	return strings.TrimSpace(resp), nil
}

// WriteBit sets the named port's digital line high or low.
func (b *Bus) WriteBit(ctx context.Context, port string, high bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := 0
	if high {
		v = 1
	}
	resp, err := b.roundTrip(fmt.Sprintf("WRITE %s %d", port, v))
	if err != nil {
		return err
	}
	if resp != "OK" {
		return pandoraerr.New(b.name, "write_bit", pandoraerr.DeviceRejected, fmt.Errorf("unexpected response %q", resp))
	}
	return nil
}

// ReadBit reads the named port's digital line level.
func (b *Bus) ReadBit(ctx context.Context, port string) (bool, error) {
	v, err := b.ReadRegister(ctx, port)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadRegister reads an arbitrary named register as an integer.
func (b *Bus) ReadRegister(ctx context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	resp, err := b.roundTrip("READ " + name)
	if err != nil {
		return 0, err
	}
	n, perr := strconv.Atoi(resp)
	if perr != nil {
		return 0, pandoraerr.New(b.name, "read_register", pandoraerr.ProtocolError, perr)
	}
	return n, nil
}

// Identify asks the bus device for its self-reported handle info (device
// type, connection type, serial number), the Go-over-TCP equivalent of the
// vendor SDK's getHandleInfo call.
func (b *Bus) Identify(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roundTrip("INFO")
}

// Close closes the bus connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
