// Package digitalactuator implements the shared state machine behind the
// shutter and every flip mount: a single digital line, a rate-limited
// Activate/Deactivate pair, and a construction-time self-test. The shutter
// and flip-mount packages each wrap this type with their own vocabulary
// (open/closed vs ON/OFF) because the specification treats them as
// semantically distinct device classes sharing one substrate.
package digitalactuator

import (
	"context"
	"time"

	"github.com/stubbslab/pandora/internal/logging"
	"github.com/stubbslab/pandora/internal/pandoraerr"
	"github.com/stubbslab/pandora/internal/ratelimit"
	"github.com/stubbslab/pandora/internal/timeutil"
	"github.com/stubbslab/pandora/internal/transport"
)

// State is the four-value state machine shared by shutter and flip mount:
// UNINITIALIZED, IDLE, ON, OFF, plus FAULT for a failed self-test or read.
type State int

const (
	Uninitialized State = iota
	Idle
	On
	Off
	Fault
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Idle:
		return "IDLE"
	case On:
		return "ON"
	case Off:
		return "OFF"
	case Fault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[State][]State{
	Uninitialized: {Idle},
	Idle:          {On, Off, Fault, Uninitialized, Idle},
	On:            {Off, Fault, On, Uninitialized},
	Off:           {On, Fault, Off, Uninitialized},
	Fault:         {Idle},
}

// Actuator drives one named digital line through a rate limiter.
// "Activate" always means commanding the line to its ON level, regardless
// of what open/closed or ON/OFF means to the caller.
type Actuator struct {
	name        string
	port        string
	invertLogic bool
	bus         transport.DigitalIO
	limiter     *ratelimit.Limiter
	clock       timeutil.Clock
	interval    time.Duration
	log         *logging.Logger

	state State
}

// New constructs an Actuator bound to port on bus, enforcing minInterval
// between operations, then runs the construction self-test: drive the line
// low, wait one rate-limit period, read back; drive high, read back. A
// mismatch at either step fails construction with NotPoweredOn, per the
// "power-on is verified at construction by a toggle-and-read self-test"
// invariant.
func New(name, port string, invertLogic bool, bus transport.DigitalIO, clock timeutil.Clock, minInterval time.Duration) (*Actuator, error) {
	a := &Actuator{
		name:        name,
		port:        port,
		invertLogic: invertLogic,
		bus:         bus,
		limiter:     ratelimit.New(clock, minInterval, name),
		clock:       clock,
		interval:    minInterval,
		log:         logging.New("devices.digitalactuator").Named(name),
		state:       Uninitialized,
	}
	if err := a.selfTest(); err != nil {
		return nil, err
	}
	a.setState(Idle)
	if err := a.refreshState(context.Background()); err != nil {
		return nil, err
	}
	a.limiter.UpdateLastOperationTime()
	return a, nil
}

func (a *Actuator) lineLevel(logicalOn bool) bool {
	if a.invertLogic {
		return !logicalOn
	}
	return logicalOn
}

func (a *Actuator) selfTest() error {
	ctx := context.Background()
	if err := a.bus.WriteBit(ctx, a.port, a.lineLevel(false)); err != nil {
		return pandoraerr.New(a.name, "self_test", pandoraerr.NotPoweredOn, err)
	}
	a.clock.Sleep(a.interval)
	low, err := a.bus.ReadBit(ctx, a.port)
	if err != nil || low != a.lineLevel(false) {
		return pandoraerr.New(a.name, "self_test", pandoraerr.NotPoweredOn, err)
	}

	if err := a.bus.WriteBit(ctx, a.port, a.lineLevel(true)); err != nil {
		return pandoraerr.New(a.name, "self_test", pandoraerr.NotPoweredOn, err)
	}
	high, err := a.bus.ReadBit(ctx, a.port)
	if err != nil || high != a.lineLevel(true) {
		return pandoraerr.New(a.name, "self_test", pandoraerr.NotPoweredOn, err)
	}

	// Leave the line at its OFF level after the self-test so construction
	// does not leave an actuator silently energized.
	if err := a.bus.WriteBit(ctx, a.port, a.lineLevel(false)); err != nil {
		return pandoraerr.New(a.name, "self_test", pandoraerr.NotPoweredOn, err)
	}
	return nil
}

func (a *Actuator) refreshState(ctx context.Context) error {
	if a.state == Uninitialized {
		return nil
	}
	v, err := a.bus.ReadRegister(ctx, a.port)
	if err != nil {
		a.setState(Fault)
		return nil
	}
	logicalOn := (v != 0) != a.invertLogic
	if logicalOn {
		a.setState(On)
	} else {
		a.setState(Off)
	}
	return nil
}

func (a *Actuator) setState(next State) {
	allowed := validTransitions[a.state]
	for _, s := range allowed {
		if s == next {
			a.state = next
			a.log.Debugf("state -> %s", next)
			return
		}
	}
	a.log.Errorf("invalid state transition from %s to %s", a.state, next)
}

// State returns the cached state without touching hardware.
func (a *Actuator) State() State { return a.state }

// Activate drives the line to its ON level. If the line is already ON,
// this is a no-op: no hardware command is issued and the rate limiter is
// not advanced, per the idempotence invariant.
func (a *Actuator) Activate(ctx context.Context) error {
	a.log.Infof("activating")
	if !a.limiter.CanOperate() {
		a.log.Warnf("operation too fast, sleeping through remaining interval")
		a.limiter.SleepThroughRemaining()
	}

	switch a.state {
	case Off:
		if err := a.bus.WriteBit(ctx, a.port, a.lineLevel(true)); err != nil {
			a.setState(Fault)
			return pandoraerr.New(a.name, "activate", pandoraerr.TransportError, err)
		}
		a.setState(On)
		a.limiter.UpdateLastOperationTime()
		return nil
	case On:
		a.log.Infof("already activated")
		return nil
	case Idle:
		if err := a.refreshState(ctx); err != nil {
			return err
		}
		return a.Activate(ctx)
	case Fault:
		return pandoraerr.New(a.name, "activate", pandoraerr.StateInvariant, nil)
	default:
		return pandoraerr.New(a.name, "activate", pandoraerr.StateInvariant, nil)
	}
}

// Deactivate drives the line to its OFF level, with the same idempotence
// and rate-limiting behavior as Activate.
func (a *Actuator) Deactivate(ctx context.Context) error {
	a.log.Infof("deactivating")
	if !a.limiter.CanOperate() {
		a.log.Warnf("operation too fast, sleeping through remaining interval")
		a.limiter.SleepThroughRemaining()
	}

	switch a.state {
	case On:
		if err := a.bus.WriteBit(ctx, a.port, a.lineLevel(false)); err != nil {
			a.setState(Fault)
			return pandoraerr.New(a.name, "deactivate", pandoraerr.TransportError, err)
		}
		a.setState(Off)
		a.limiter.UpdateLastOperationTime()
		return nil
	case Off:
		a.log.Infof("already deactivated")
		return nil
	case Idle:
		if err := a.refreshState(ctx); err != nil {
			return err
		}
		return a.Deactivate(ctx)
	case Fault:
		return pandoraerr.New(a.name, "deactivate", pandoraerr.StateInvariant, nil)
	default:
		return pandoraerr.New(a.name, "deactivate", pandoraerr.StateInvariant, nil)
	}
}

// Reset clears a FAULT back to IDLE.
func (a *Actuator) Reset() {
	if a.state == Fault {
		a.setState(Idle)
	}
}

// Close deactivates the line and marks the actuator uninitialized.
func (a *Actuator) Close(ctx context.Context) error {
	if err := a.Deactivate(ctx); err != nil {
		a.log.Warnf("deactivate during close: %v", err)
	}
	a.setState(Uninitialized)
	return nil
}
