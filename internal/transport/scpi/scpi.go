// Package scpi implements the SCPI transport adapter used by the
// electrometers: line-oriented ASCII command/query over a TCP socket
// (the instrument's LAN/VXI-11 raw socket interface).
package scpi

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stubbslab/pandora/internal/logging"
	"github.com/stubbslab/pandora/internal/pandoraerr"
)

// Instrument is a reconnecting SCPI-over-TCP connection.
type Instrument struct {
	name string
	addr string
	log  *logging.Logger

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// Dial opens a SCPI session to addr (host:port).
func Dial(name, addr string, timeout time.Duration) (*Instrument, error) {
	in := &Instrument{name: name, addr: addr, log: logging.New("transport.scpi").Named(name)}
	if err := in.connect(timeout); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *Instrument) connect(timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", in.addr, timeout)
	if err != nil {
		return pandoraerr.New(in.name, "dial", pandoraerr.TransportError, err)
	}
	in.conn = conn
	in.r = bufio.NewReader(conn)
	return nil
}

func (in *Instrument) reconnect() error {
	in.log.Warnf("reconnecting SCPI session after transport error on %s", in.addr)
	if in.conn != nil {
		_ = in.conn.Close()
	}
	return in.connect(2 * time.Second)
}

// WriteLine sends a command with no reply expected.
func (in *Instrument) WriteLine(ctx context.Context, line string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if _, err := in.conn.Write([]byte(line + "\n")); err != nil {
		if rerr := in.reconnect(); rerr != nil {
			return rerr
		}
		if _, err2 := in.conn.Write([]byte(line + "\n")); err2 != nil {
			return pandoraerr.New(in.name, "write_line", pandoraerr.TransportError, err2)
		}
	}
	return nil
}

// QueryLine sends a command ending in '?' and returns the single-line reply.
func (in *Instrument) QueryLine(ctx context.Context, line string) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	resp, err := in.roundTrip(line)
	if err != nil {
		return "", err
	}
	return resp, nil
}

// QueryASCIIVector sends a command and parses a comma-separated ASCII reply
// into a float64 slice, the wire shape of :FETC:ARR:TIME? and
// :FETC:ARR:<mode>?.
func (in *Instrument) QueryASCIIVector(ctx context.Context, line string) ([]float64, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	resp, err := in.roundTrip(line)
	if err != nil {
		return nil, err
	}
	fields := strings.Split(resp, ",")
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, perr := strconv.ParseFloat(f, 64)
		if perr != nil {
			return nil, pandoraerr.New(in.name, "query_ascii_vector", pandoraerr.ProtocolError, perr)
		}
		out = append(out, v)
	}
	return out, nil
}

func (in *Instrument) roundTrip(line string) (string, error) {
	if _, err := in.conn.Write([]byte(line + "\n")); err == nil {
		resp, rerr := in.r.ReadString('\n')
		if rerr == nil {
			return strings.TrimSpace(resp), nil
		}
	}
	if rerr := in.reconnect(); rerr != nil {
		return "", rerr
	}
	if _, err := in.conn.Write([]byte(line + "\n")); err != nil {
		return "", pandoraerr.New(in.name, "write", pandoraerr.TransportError, err)
	}
	resp, err := in.r.ReadString('\n')
	if err != nil {
		return "", pandoraerr.New(in.name, "read", pandoraerr.TransportError, err)
	}
	return strings.TrimSpace(resp), nil
}

// Close closes the underlying TCP connection.
func (in *Instrument) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.conn == nil {
		return nil
	}
	return in.conn.Close()
}
