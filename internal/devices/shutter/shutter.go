// Package shutter implements the two-blade optical shutter device object.
// Open/Closed is semantically distinct from a flip mount's ON/OFF even
// though both share the digitalactuator substrate and the same LabJack bus.
package shutter

import (
	"context"
	"time"

	"github.com/stubbslab/pandora/internal/devices/digitalactuator"
	"github.com/stubbslab/pandora/internal/timeutil"
	"github.com/stubbslab/pandora/internal/transport"
)

// Interval is the shutter's minimum inter-operation period: 100 ms, the
// 10 Hz ceiling imposed by the physical solenoid.
const Interval = 100 * time.Millisecond

// Shutter is the two-blade optical shutter. Activating the underlying line
// closes the shutter (blocks the beam); deactivating opens it.
type Shutter struct {
	actuator *digitalactuator.Actuator
}

// New constructs a Shutter on the given digital-I/O bus port.
func New(port string, invertLogic bool, bus transport.DigitalIO, clock timeutil.Clock) (*Shutter, error) {
	a, err := digitalactuator.New("shutter", port, invertLogic, bus, clock, Interval)
	if err != nil {
		return nil, err
	}
	return &Shutter{actuator: a}, nil
}

// Open opens the shutter (deactivates the line).
func (s *Shutter) Open(ctx context.Context) error {
	return s.actuator.Deactivate(ctx)
}

// Close closes the shutter (activates the line), blocking the beam.
func (s *Shutter) Close(ctx context.Context) error {
	return s.actuator.Activate(ctx)
}

// IsOpen reports the cached shutter state.
func (s *Shutter) IsOpen() bool {
	return s.actuator.State() == digitalactuator.Off
}

// Shutdown drives the shutter closed, its safe resting state, leaving the
// line activated so the beam stays blocked.
func (s *Shutter) Shutdown(ctx context.Context) error {
	return s.actuator.Activate(ctx)
}
