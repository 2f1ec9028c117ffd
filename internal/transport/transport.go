// Package transport defines the narrow adapter interfaces device state
// objects are built on: byte-serial, SCPI, digital-I/O, motion-controller,
// and spectrometer. Device objects never talk to go.bug.st/serial or a raw
// net.Conn directly; they hold one of these interfaces, which keeps every
// transport swappable for a fake in unit tests.
package transport

import (
	"context"
	"time"
)

// ByteSerial is the adapter used by the monochromator and the telescope
// mount: open, write raw bytes, read an exact count or until a delimiter,
// close.
type ByteSerial interface {
	Write(ctx context.Context, p []byte) error
	ReadExact(ctx context.Context, n int) ([]byte, error)
	ReadUntil(ctx context.Context, delim byte) ([]byte, error)
	Close() error
}

// DigitalIO is the adapter shared by the shutter and every flip mount: a
// single LabJack-style bus exposing named-port bit I/O and register reads.
type DigitalIO interface {
	WriteBit(ctx context.Context, port string, high bool) error
	ReadBit(ctx context.Context, port string) (bool, error)
	ReadRegister(ctx context.Context, name string) (int, error)
	Close() error
}

// SCPI is the adapter used by the electrometers: line-oriented ASCII
// command/query over TCP.
type SCPI interface {
	WriteLine(ctx context.Context, line string) error
	QueryLine(ctx context.Context, line string) (string, error)
	QueryASCIIVector(ctx context.Context, line string) ([]float64, error)
	Close() error
}

// MotionController is the adapter used by Zaber linear stages: a shared TCP
// daisy-chain connection with per-axis absolute/relative motion.
type MotionController interface {
	DetectDevices(ctx context.Context) ([]int, error)
	MoveAbsoluteMM(ctx context.Context, device, axis int, mm float64) error
	MoveRelativeMM(ctx context.Context, device, axis int, deltaMM float64) error
	GetPositionMM(ctx context.Context, device, axis int) (float64, error)
	Home(ctx context.Context, device, axis int) error
	SetVelocityMMPerS(ctx context.Context, device, axis int, mmPerS float64) error
	Close() error
}

// Spectrometer is the adapter used by the fiber spectrometer's vendor SDK
// session.
type Spectrometer interface {
	SetIntegrationMS(ctx context.Context, ms int) error
	SetScansToAverage(ctx context.Context, n int) error
	SetSmoothing(ctx context.Context, n int) error
	SetXTiming(ctx context.Context, n int) error
	SetTempCompensation(ctx context.Context, on bool) error
	AcquireSpectrum(ctx context.Context) (wavelengthsNM, counts []float64, err error)
	Reset(ctx context.Context) error
}

// DefaultCallTimeout is the per-call timeout enforced when a caller does not
// supply its own context deadline.
const DefaultCallTimeout = 5 * time.Second

// WithDefaultTimeout returns ctx unchanged if it already carries a deadline,
// otherwise a child context bounded by DefaultCallTimeout.
func WithDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultCallTimeout)
}
