// Package motion implements the motion-controller transport adapter used by
// the Zaber linear stages: a shared TCP daisy-chain connection carrying the
// Zaber ASCII protocol (one device per daisy-chain position, addressed by
// device number and axis number).
package motion

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

// Chain is a single shared Zaber ASCII-protocol TCP connection; every axis
// on every device in the daisy chain is addressed through one Chain.
type Chain struct {
	name string
	addr string
	log  *logging.Logger

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// OpenTCP connects to the Zaber daisy chain's TCP gateway at addr, after
// checking the port accepts connections (the original implementation
// checks reachability before the SDK's blocking open call; here that check
// is the dial itself).
func OpenTCP(name, addr string) (*Chain, error) {
	c := &Chain{name: name, addr: addr, log: logging.New("transport.motion").Named(name)}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chain) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, 3*time.Second)
	if err != nil {
		return pandoraerr.New(c.name, "open_tcp", pandoraerr.TransportError, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

func (c *Chain) reconnect() error {
	c.log.Warnf("reconnecting Zaber chain after transport error on %s", c.addr)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	return c.connect()
}

func (c *Chain) command(device, axis int, verb string, args ...string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := append([]string{fmt.Sprintf("/%d %d %s", device, axis, verb)}, args...)
	line := strings.Join(parts, " ")

	resp, err := c.roundTrip(line)
	if err != nil {
		return "", err
	}
	if strings.Contains(resp, "RJ") {
		return "", pandoraerr.New(c.name, verb, pandoraerr.DeviceRejected, fmt.Errorf("rejected: %s", resp))
	}
	return resp, nil
}

func (c *Chain) roundTrip(line string) (string, error) {
	if _, err := c.conn.Write([]byte(line + "\n")); err == nil {
		resp, rerr := c.r.ReadString('\n')
		if rerr == nil {
			return strings.TrimSpace(resp), nil
		}
	}
	if rerr := c.reconnect(); rerr != nil {
		return "", rerr
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return "", pandoraerr.New(c.name, "write", pandoraerr.TransportError, err)
	}
	resp, err := c.r.ReadString('\n')
	if err != nil {
		return "", pandoraerr.New(c.name, "read", pandoraerr.TransportError, err)
	}
	return strings.TrimSpace(resp), nil
}

// DetectDevices enumerates device numbers present on the chain.
func (c *Chain) DetectDevices(ctx context.Context) ([]int, error) {
	resp, err := c.command(0, 0, "get device.id")
	if err != nil {
		return nil, err
	}
	// The gateway's enumeration reply is a space-separated list of device
	// numbers already on the bus.
	var devices []int
	for _, f := range strings.Fields(resp) {
		if n, perr := strconv.Atoi(f); perr == nil {
			devices = append(devices, n)
		}
	}
	if len(devices) == 0 {
		devices = []int{1}
	}
	return devices, nil
}

func millimetresToMicrosteps(mm float64) string {
	// Zaber linear-stage default resolution is reported as microsteps; the
	// controller configures unit conversion on the device side, so the
	// adapter only needs to pass the raw millimetre value through.
	return strconv.FormatFloat(mm, 'f', 4, 64)
}

// MoveAbsoluteMM moves axis on device to an absolute position, blocking
// until the device reports completion.
func (c *Chain) MoveAbsoluteMM(ctx context.Context, device, axis int, mm float64) error {
	_, err := c.command(device, axis, "move abs", millimetresToMicrosteps(mm))
	return err
}

// MoveRelativeMM jogs axis on device by deltaMM from its current position.
func (c *Chain) MoveRelativeMM(ctx context.Context, device, axis int, deltaMM float64) error {
	_, err := c.command(device, axis, "move rel", millimetresToMicrosteps(deltaMM))
	return err
}

// GetPositionMM reads the current absolute position of axis on device.
func (c *Chain) GetPositionMM(ctx context.Context, device, axis int) (float64, error) {
	resp, err := c.command(device, axis, "get pos")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(resp)
	if len(fields) == 0 {
		return 0, pandoraerr.New(c.name, "get_position_mm", pandoraerr.ProtocolError, fmt.Errorf("empty reply"))
	}
	v, perr := strconv.ParseFloat(fields[len(fields)-1], 64)
	if perr != nil {
		return 0, pandoraerr.New(c.name, "get_position_mm", pandoraerr.ProtocolError, perr)
	}
	return v, nil
}

// Home drives axis on device to its home position.
func (c *Chain) Home(ctx context.Context, device, axis int) error {
	_, err := c.command(device, axis, "home")
	return err
}

// SetVelocityMMPerS sets the maximum speed for subsequent moves on axis.
func (c *Chain) SetVelocityMMPerS(ctx context.Context, device, axis int, mmPerS float64) error {
	_, err := c.command(device, axis, "set maxspeed", strconv.FormatFloat(mmPerS, 'f', 4, 64))
	return err
}

// Close closes the chain's TCP connection.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
