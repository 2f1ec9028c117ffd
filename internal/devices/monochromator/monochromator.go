// Package monochromator implements the grating monochromator device
// object: a serial instrument that accepts three-byte binary commands and
// replies with a status byte, followed on long operations by a distinct
// completion byte.
package monochromator

import (
	"context"
	"fmt"
	"math"

	"github.com/stubbslab/pandora/internal/logging"
	"github.com/stubbslab/pandora/internal/pandoraerr"
	"github.com/stubbslab/pandora/internal/transport"
)

const (
	cmdHome           byte = 0xFF
	cmdMoveWavelength byte = 0x10
	cmdQueryWaveHi    byte = 0x38
	cmdScan           byte = 0x0C
	cmdSetUnits       byte = 0x32
	cmdSetOrder       byte = 0x33

	orderCW  byte = 0x01
	orderCCW byte = 0xFE

	homeCompletionByte byte = 0x18
	homeInProgressByte byte = 0x22
)

// Units is the wavelength unit the device reports measurements in.
type Units byte

const (
	UnitsMicrons    Units = 0
	UnitsNanometers Units = 1
	UnitsAngstroms  Units = 2
)

// Monochromator is the grating monochromator state object.
type Monochromator struct {
	port      transport.ByteSerial
	log       *logging.Logger
	crossover float64 // second-order filter crossover wavelength, nm
}

// Open constructs a Monochromator over an already-open serial port,
// recording the second-order filter crossover wavelength read once from
// configuration, the canonical source per the controller's wiring policy.
func Open(port transport.ByteSerial, crossoverNM float64) *Monochromator {
	return &Monochromator{port: port, log: logging.New("devices.monochromator"), crossover: crossoverNM}
}

// CrossoverNM returns the configured second-order filter crossover
// wavelength.
func (m *Monochromator) CrossoverNM() float64 { return m.crossover }

// encodeWavelength splits λ (nm) into the big-endian high/low byte pair of
// λ·10 in Ångströms, the wire's native resolution.
func encodeWavelength(nm float64) (hi, lo byte) {
	angstroms := int(math.Round(nm * 10))
	return byte(angstroms / 256), byte(angstroms % 256)
}

// decodeWavelength reverses encodeWavelength, returning nm at 0.1 nm
// resolution.
func decodeWavelength(hi, lo byte) float64 {
	angstroms := int(hi)*256 + int(lo)
	return float64(angstroms) / 10.0
}

func (m *Monochromator) handleStatus(ctx context.Context, status byte) error {
	if status&0x80 != 0 {
		return pandoraerr.New("monochromator", "status", pandoraerr.DeviceRejected, fmt.Errorf("command not accepted (status=0x%02x)", status))
	}
	if status&0x20 != 0 {
		m.log.Warnf("specifier too small (status=0x%02x)", status)
	}
	if status&0x10 != 0 {
		m.log.Debugf("negative-going scan (status=0x%02x)", status)
	}
	if status&0x08 != 0 {
		return pandoraerr.New("monochromator", "status", pandoraerr.DeviceRejected, fmt.Errorf("wavelength out of range (status=0x%02x)", status))
	}
	return nil
}

func (m *Monochromator) readCompletionByte(ctx context.Context) (byte, error) {
	b, err := m.port.ReadExact(ctx, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GoHome sends the three-byte home command and polls for completion,
// tolerating the interim "still moving" byte.
func (m *Monochromator) GoHome(ctx context.Context) error {
	if err := m.port.Write(ctx, []byte{cmdHome, cmdHome, cmdHome}); err != nil {
		return err
	}
	status, err := m.readCompletionByte(ctx)
	if err != nil {
		return err
	}
	if status < 0x80 {
		for {
			b, err := m.readCompletionByte(ctx)
			if err != nil {
				return err
			}
			if b == homeCompletionByte {
				return nil
			}
			if b != homeInProgressByte {
				return pandoraerr.New("monochromator", "go_home", pandoraerr.ProtocolError, fmt.Errorf("unexpected completion byte 0x%02x", b))
			}
		}
	}
	return m.handleStatus(ctx, status)
}

// MoveToWavelength commands the monochromator to λ nm.
func (m *Monochromator) MoveToWavelength(ctx context.Context, nm float64) error {
	hi, lo := encodeWavelength(nm)
	if err := m.port.Write(ctx, []byte{cmdMoveWavelength, hi, lo}); err != nil {
		return err
	}
	status, err := m.readCompletionByte(ctx)
	if err != nil {
		return err
	}
	if err := m.handleStatus(ctx, status); err != nil {
		return err
	}
	_, err = m.readCompletionByte(ctx)
	return err
}

// GetWavelength queries the current wavelength, decoded to 0.1 nm
// resolution.
func (m *Monochromator) GetWavelength(ctx context.Context) (float64, error) {
	if err := m.port.Write(ctx, []byte{cmdQueryWaveHi, 0x00}); err != nil {
		return 0, err
	}
	b, err := m.port.ReadExact(ctx, 2)
	if err != nil {
		return 0, err
	}
	nm := decodeWavelength(b[0], b[1])
	if _, err := m.readCompletionByte(ctx); err != nil {
		return 0, err
	}
	return nm, nil
}

// ScanWavelength commands a λ1 -> λ2 sweep.
func (m *Monochromator) ScanWavelength(ctx context.Context, startNM, endNM float64) error {
	sHi, sLo := encodeWavelength(startNM)
	eHi, eLo := encodeWavelength(endNM)
	if err := m.port.Write(ctx, []byte{cmdScan, sHi, sLo, eHi, eLo}); err != nil {
		return err
	}
	status, err := m.readCompletionByte(ctx)
	if err != nil {
		return err
	}
	if err := m.handleStatus(ctx, status); err != nil {
		return err
	}
	_, err = m.readCompletionByte(ctx)
	return err
}

// SetUnits sets the device's reporting units.
func (m *Monochromator) SetUnits(ctx context.Context, u Units) error {
	if err := m.port.Write(ctx, []byte{cmdSetUnits, byte(u)}); err != nil {
		return err
	}
	_, err := m.readCompletionByte(ctx)
	return err
}

// SetGratingOrder changes the grating order in the clockwise (cw) or
// counter-clockwise direction.
func (m *Monochromator) SetGratingOrder(ctx context.Context, cw bool) error {
	dir := orderCCW
	if cw {
		dir = orderCW
	}
	if err := m.port.Write(ctx, []byte{cmdSetOrder, dir}); err != nil {
		return err
	}
	_, err := m.readCompletionByte(ctx)
	return err
}

// Close closes the underlying serial port. The controller opens the port
// once for the session and calls Close from CloseAllConnections.
func (m *Monochromator) Close() error {
	return m.port.Close()
}
