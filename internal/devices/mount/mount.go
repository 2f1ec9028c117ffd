// Package mount implements the Alt-Az telescope mount device object: an
// ASCII command-set serial instrument with hash-terminated replies and a
// handful of single-byte acknowledgements.
package mount

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/stubbslab/pandora/internal/logging"
	"github.com/stubbslab/pandora/internal/pandoraerr"
	"github.com/stubbslab/pandora/internal/timeutil"
	"github.com/stubbslab/pandora/internal/transport"
)

// PollInterval is the cadence at which slew-completion and park-completion
// polling samples the mount.
const PollInterval = 200 * time.Millisecond

// StopThresholdDeg is the maximum per-sample Alt/Az delta, in degrees, still
// considered "stopped" when polling for motion completion.
const StopThresholdDeg = 0.0005

// Status is the mount's reported system state.
type Status string

const (
	StatusStoppedNonZero Status = "stopped_non_zero"
	StatusTracking       Status = "tracking"
	StatusSlewing        Status = "slewing"
	StatusAutoGuiding    Status = "auto_guiding"
	StatusParked         Status = "parked"
	StatusStoppedHome    Status = "stopped_home"
	StatusUnknown        Status = "unknown"
)

var statusCodes = map[byte]Status{
	'0': StatusStoppedNonZero,
	'1': StatusTracking,
	'2': StatusSlewing,
	'3': StatusAutoGuiding,
	'6': StatusParked,
	'7': StatusStoppedHome,
}

// Mount is the Alt-Az telescope mount state object.
type Mount struct {
	port    transport.ByteSerial
	clock   timeutil.Clock
	log     *logging.Logger
	azLower float64
	azUpper float64
	altLim  float64
}

// Open constructs a Mount over an already-open serial port and disables
// tracking, the instrument's documented safe default.
func Open(ctx context.Context, port transport.ByteSerial, clock timeutil.Clock, azLower, azUpper, defaultAltLimit float64) (*Mount, error) {
	m := &Mount{port: port, clock: clock, log: logging.New("devices.mount"), azLower: azLower, azUpper: azUpper, altLim: defaultAltLimit}
	if err := m.EnableTracking(ctx, false); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mount) sendHash(ctx context.Context, payload string) (string, error) {
	if err := m.port.Write(ctx, []byte(payload)); err != nil {
		return "", err
	}
	b, err := m.port.ReadUntil(ctx, '#')
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (m *Mount) sendSingleAck(ctx context.Context, payload string) (byte, error) {
	if err := m.port.Write(ctx, []byte(payload)); err != nil {
		return 0, err
	}
	b, err := m.port.ReadExact(ctx, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Mount) requireAck(ctx context.Context, op, payload string) error {
	ack, err := m.sendSingleAck(ctx, payload)
	if err != nil {
		return err
	}
	if ack != '1' {
		return pandoraerr.New("mount", op, pandoraerr.DeviceRejected, fmt.Errorf("command %q not acknowledged (got %q)", payload, ack))
	}
	return nil
}

func formatAltitude(deg float64) (string, error) {
	if deg < -90 || deg > 90 {
		return "", fmt.Errorf("altitude %.4f out of range [-90, 90]", deg)
	}
	units := int(math.Round(deg * 360000))
	sign := "+"
	if units < 0 {
		sign = "-"
		units = -units
	}
	return fmt.Sprintf("%s%08d", sign, units), nil
}

func formatAzimuth(deg float64) string {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	units := int(math.Round(deg * 360000))
	return fmt.Sprintf("%09d", units)
}

// GetAltAz queries the mount's current Alt/Az position in degrees.
func (m *Mount) GetAltAz(ctx context.Context) (alt, az float64, err error) {
	rsp, err := m.sendHash(ctx, ":GAC#")
	if err != nil {
		return 0, 0, err
	}
	if len(rsp) != 19 || !strings.HasSuffix(rsp, "#") {
		return 0, 0, pandoraerr.New("mount", "get_altaz", pandoraerr.ProtocolError, fmt.Errorf("unexpected :GAC# response %q", rsp))
	}
	sign := 1.0
	if rsp[0] == '-' {
		sign = -1.0
	}
	altUnits, perr := strconv.Atoi(rsp[1:9])
	if perr != nil {
		return 0, 0, pandoraerr.New("mount", "get_altaz", pandoraerr.ProtocolError, perr)
	}
	azUnits, perr := strconv.Atoi(rsp[9:18])
	if perr != nil {
		return 0, 0, pandoraerr.New("mount", "get_altaz", pandoraerr.ProtocolError, perr)
	}
	return sign * float64(altUnits) / 360000.0, float64(azUnits) / 360000.0, nil
}

// GetStatus returns current Alt/Az plus the decoded system state.
func (m *Mount) GetStatus(ctx context.Context) (alt, az float64, status Status, err error) {
	alt, az, err = m.GetAltAz(ctx)
	if err != nil {
		return 0, 0, "", err
	}
	rsp, err := m.sendHash(ctx, ":GLS#")
	if err != nil {
		return 0, 0, "", err
	}
	if len(rsp) < 19 {
		return 0, 0, "", pandoraerr.New("mount", "get_status", pandoraerr.ProtocolError, fmt.Errorf("unexpected :GLS# response %q", rsp))
	}
	st, ok := statusCodes[rsp[18]]
	if !ok {
		st = StatusUnknown
	}
	return alt, az, st, nil
}

// IsParked reports whether the mount is currently parked.
func (m *Mount) IsParked(ctx context.Context) (bool, error) {
	_, _, status, err := m.GetStatus(ctx)
	if err != nil {
		return false, err
	}
	return status == StatusParked, nil
}

// GetAltLimit queries the configured minimum altitude limit, in degrees.
func (m *Mount) GetAltLimit(ctx context.Context) (int, error) {
	rsp, err := m.sendHash(ctx, ":GAL#")
	if err != nil {
		return 0, err
	}
	if !strings.HasSuffix(rsp, "#") || len(rsp) < 3 {
		return 0, pandoraerr.New("mount", "get_alt_limit", pandoraerr.ProtocolError, fmt.Errorf("unexpected :GAL# response %q", rsp))
	}
	nn, perr := strconv.Atoi(rsp[1:3])
	if perr != nil {
		return 0, pandoraerr.New("mount", "get_alt_limit", pandoraerr.ProtocolError, perr)
	}
	if rsp[0] == '-' {
		nn = -nn
	}
	m.altLim = float64(nn)
	return nn, nil
}

// SetAltLimit sets the minimum altitude limit, in whole degrees.
func (m *Mount) SetAltLimit(ctx context.Context, limitDeg int) error {
	if limitDeg < -89 || limitDeg > 89 {
		return pandoraerr.New("mount", "set_alt_limit", pandoraerr.SafetyViolation, fmt.Errorf("altitude limit %d out of range [-89, 89]", limitDeg))
	}
	sign := "+"
	nn := limitDeg
	if nn < 0 {
		sign = "-"
		nn = -nn
	}
	if err := m.requireAck(ctx, "set_alt_limit", fmt.Sprintf(":SAL%s%02d#", sign, nn)); err != nil {
		return err
	}
	m.altLim = float64(limitDeg)
	return nil
}

// GetPark returns the stored park position in degrees.
func (m *Mount) GetPark(ctx context.Context) (alt, az float64, err error) {
	rsp, err := m.sendHash(ctx, ":GPC#")
	if err != nil {
		return 0, 0, err
	}
	if !strings.HasSuffix(rsp, "#") || len(rsp) < 18 {
		return 0, 0, pandoraerr.New("mount", "get_park", pandoraerr.ProtocolError, fmt.Errorf("unexpected :GPC# response %q", rsp))
	}
	data := strings.TrimSuffix(rsp, "#")
	altUnits, perr := strconv.Atoi(data[0:8])
	if perr != nil {
		return 0, 0, pandoraerr.New("mount", "get_park", pandoraerr.ProtocolError, perr)
	}
	azUnits, perr := strconv.Atoi(data[8:17])
	if perr != nil {
		return 0, 0, pandoraerr.New("mount", "get_park", pandoraerr.ProtocolError, perr)
	}
	return float64(altUnits) / 360000.0, float64(azUnits) / 360000.0, nil
}

// SetPark records a new parking position.
func (m *Mount) SetPark(ctx context.Context, altDeg, azDeg float64) error {
	altStr, err := formatAltitude(altDeg)
	if err != nil {
		return pandoraerr.New("mount", "set_park", pandoraerr.SafetyViolation, err)
	}
	if err := m.requireAck(ctx, "set_park", fmt.Sprintf(":SPH%s#", altStr)); err != nil {
		return err
	}
	return m.requireAck(ctx, "set_park", fmt.Sprintf(":SPA%s#", formatAzimuth(azDeg)))
}

// Park slews to the stored park position and blocks until motion stops,
// confirmed by position-delta polling rather than a status code (the
// instrument's park-complete status lags the actual stop).
func (m *Mount) Park(ctx context.Context) error {
	if err := m.requireAck(ctx, "park", ":MP1#"); err != nil {
		return err
	}
	return m.waitForStop(ctx)
}

// Unpark releases the park state, allowing movement commands again.
func (m *Mount) Unpark(ctx context.Context) error {
	return m.requireAck(ctx, "unpark", ":MP0#")
}

// Stop halts any motion in progress.
func (m *Mount) Stop(ctx context.Context) error {
	return m.requireAck(ctx, "stop", ":Q#")
}

// EnableTracking turns sidereal tracking on or off.
func (m *Mount) EnableTracking(ctx context.Context, on bool) error {
	cmd := ":ST0#"
	if on {
		cmd = ":ST1#"
	}
	_, err := m.sendHash(ctx, cmd)
	return err
}

// GotoHome slews to the mount's mechanical zero position and blocks until
// the slew completes.
func (m *Mount) GotoHome(ctx context.Context) error {
	if err := m.requireAck(ctx, "goto_home", ":MH#"); err != nil {
		return err
	}
	return m.waitForSlewComplete(ctx)
}

// GotoAltAz slews to the requested Alt/Az. It enforces every
// precondition before issuing hardware commands: the mount must not be
// parked, the target altitude must be at or above the configured limit,
// and the target azimuth must fall within the configured software range.
// Any violation returns a SafetyViolation error with no side effect.
func (m *Mount) GotoAltAz(ctx context.Context, altDeg, azDeg float64, trackAfter bool) error {
	if azDeg < m.azLower || azDeg > m.azUpper {
		return pandoraerr.New("mount", "goto_altaz", pandoraerr.SafetyViolation, fmt.Errorf("azimuth %.4f outside configured range [%.4f, %.4f]", azDeg, m.azLower, m.azUpper))
	}
	parked, err := m.IsParked(ctx)
	if err != nil {
		return err
	}
	if parked {
		return pandoraerr.New("mount", "goto_altaz", pandoraerr.SafetyViolation, fmt.Errorf("mount is parked"))
	}
	limit, err := m.GetAltLimit(ctx)
	if err != nil {
		return err
	}
	if altDeg < float64(limit) {
		return pandoraerr.New("mount", "goto_altaz", pandoraerr.SafetyViolation, fmt.Errorf("altitude %.4f below configured limit %d", altDeg, limit))
	}

	altStr, err := formatAltitude(altDeg)
	if err != nil {
		return pandoraerr.New("mount", "goto_altaz", pandoraerr.SafetyViolation, err)
	}
	if err := m.requireAck(ctx, "goto_altaz", fmt.Sprintf(":Sa%s#", altStr)); err != nil {
		return err
	}
	if err := m.requireAck(ctx, "goto_altaz", fmt.Sprintf(":Sz%s#", formatAzimuth(azDeg))); err != nil {
		return err
	}
	m.clock.Sleep(100 * time.Millisecond)
	if err := m.requireAck(ctx, "goto_altaz", ":MSS#"); err != nil {
		return err
	}
	if trackAfter {
		if err := m.EnableTracking(ctx, true); err != nil {
			return err
		}
	}
	if err := m.waitForSlewComplete(ctx); err != nil {
		return err
	}
	if !trackAfter {
		return m.EnableTracking(ctx, false)
	}
	return nil
}

func (m *Mount) waitForSlewComplete(ctx context.Context) error {
	m.clock.Sleep(PollInterval)
	for {
		_, _, status, err := m.GetStatus(ctx)
		if err != nil {
			return err
		}
		if status != StatusSlewing {
			return nil
		}
		m.clock.Sleep(PollInterval)
	}
}

func (m *Mount) waitForStop(ctx context.Context) error {
	m.clock.Sleep(PollInterval)
	prevAlt, prevAz, err := m.GetAltAz(ctx)
	if err != nil {
		return err
	}
	for {
		m.clock.Sleep(PollInterval)
		alt, az, err := m.GetAltAz(ctx)
		if err != nil {
			return err
		}
		if math.Abs(alt-prevAlt) < StopThresholdDeg && math.Abs(az-prevAz) < StopThresholdDeg {
			return nil
		}
		prevAlt, prevAz = alt, az
	}
}

// Close closes the underlying serial port.
func (m *Mount) Close() error {
	return m.port.Close()
}
