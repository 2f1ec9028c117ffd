// Package flipmount implements a motorized flip mount: a single digital
// line that inserts (ON) or removes (OFF) a filter from the beam path.
package flipmount

import (
	"context"
	"time"

	"github.com/stubbslab/pandora/internal/devices/digitalactuator"
	"github.com/stubbslab/pandora/internal/timeutil"
	"github.com/stubbslab/pandora/internal/transport"
)

// Interval is a flip mount's minimum inter-operation period: 500 ms, the
// 2 Hz ceiling imposed by the physical flip-mount actuator.
const Interval = 500 * time.Millisecond

// FlipMount is one motorized flip mount.
type FlipMount struct {
	name     string
	actuator *digitalactuator.Actuator
}

// New constructs a FlipMount named name on the given digital-I/O bus port.
func New(name, port string, invertLogic bool, bus transport.DigitalIO, clock timeutil.Clock) (*FlipMount, error) {
	a, err := digitalactuator.New(name, port, invertLogic, bus, clock, Interval)
	if err != nil {
		return nil, err
	}
	return &FlipMount{name: name, actuator: a}, nil
}

// Name returns the flip mount's configured name, used by the controller's
// name-keyed dispatch map.
func (f *FlipMount) Name() string { return f.name }

// Activate inserts the filter into the beam path (ON).
func (f *FlipMount) Activate(ctx context.Context) error {
	return f.actuator.Activate(ctx)
}

// Deactivate removes the filter from the beam path (OFF).
func (f *FlipMount) Deactivate(ctx context.Context) error {
	return f.actuator.Deactivate(ctx)
}

// Switch toggles the mount based on its current cached state.
func (f *FlipMount) Switch(ctx context.Context) error {
	switch f.actuator.State() {
	case digitalactuator.On:
		return f.Deactivate(ctx)
	case digitalactuator.Off:
		return f.Activate(ctx)
	default:
		return f.Activate(ctx)
	}
}

// IsOn reports the cached ON/OFF state.
func (f *FlipMount) IsOn() bool { return f.actuator.State() == digitalactuator.On }

// State returns the cached digitalactuator state for diagnostics.
func (f *FlipMount) State() digitalactuator.State { return f.actuator.State() }

// Shutdown deactivates the flip mount and releases its line.
func (f *FlipMount) Shutdown(ctx context.Context) error {
	return f.actuator.Close(ctx)
}
