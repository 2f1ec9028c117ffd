// Package zaberstage implements a single Zaber linear-stage axis with a
// named slot map, used for ND-filter wheels and pinhole masks.
package zaberstage

import (
	"context"
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/stubbslab/pandora/internal/logging"
	"github.com/stubbslab/pandora/internal/pandoraerr"
	"github.com/stubbslab/pandora/internal/transport"
)

// SlotTolerance is the maximum distance from a named slot's millimetre
// offset for the stage to report that slot as its current position.
const SlotTolerance = 0.1 // mm

// Home is the distinguished zero-offset slot name every stage carries.
const Home = "HOME"

// Stage is one axis of a Zaber linear stage, addressed by device index and
// axis ID on a shared motion-controller chain.
type Stage struct {
	name    string
	chain   transport.MotionController
	device  int
	axis    int
	slots   map[string]float64
	speed   float64
	log     *logging.Logger
	current string // cached slot name, possibly UNKNOWN
}

// Open binds to device/axis on chain and resolves the stage's current
// position to a slot name.
func Open(ctx context.Context, name string, chain transport.MotionController, device, axis int, slots map[string]float64, speedMMPerS float64) (*Stage, error) {
	if _, ok := slots[Home]; !ok {
		slots = mergeHome(slots)
	}
	devices, err := chain.DetectDevices(ctx)
	if err != nil {
		return nil, err
	}
	if !lo.Contains(devices, device) {
		return nil, pandoraerr.New(name, "open", pandoraerr.TransportError, fmt.Errorf("device %d not found on chain", device))
	}
	s := &Stage{
		name:   name,
		chain:  chain,
		device: device,
		axis:   axis,
		slots:  slots,
		speed:  speedMMPerS,
		log:    logging.New("devices.zaberstage").Named(name),
	}
	if err := s.chain.SetVelocityMMPerS(ctx, device, axis, speedMMPerS); err != nil {
		return nil, err
	}
	pos, err := s.chain.GetPositionMM(ctx, device, axis)
	if err != nil {
		return nil, err
	}
	s.current = s.resolveSlot(pos)
	return s, nil
}

func mergeHome(slots map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(slots)+1)
	for k, v := range slots {
		out[k] = v
	}
	out[Home] = 0
	return out
}

func (s *Stage) resolveSlot(posMM float64) string {
	best := "UNKNOWN"
	bestDelta := math.Inf(1)
	for name, mm := range s.slots {
		delta := math.Abs(posMM - mm)
		if delta <= SlotTolerance && delta < bestDelta {
			best = name
			bestDelta = delta
		}
	}
	return best
}

// MoveToSlot moves the axis to the named slot's millimetre offset,
// blocking until motion completes.
func (s *Stage) MoveToSlot(ctx context.Context, slotName string) error {
	mm, ok := s.slots[slotName]
	if !ok {
		names := lo.Keys(s.slots)
		return pandoraerr.New(s.name, "move_to_slot", pandoraerr.DeviceRejected, fmt.Errorf("unknown slot %q, have %v", slotName, names))
	}
	if err := s.chain.MoveAbsoluteMM(ctx, s.device, s.axis, mm); err != nil {
		return err
	}
	s.current = slotName
	return nil
}

// MoveToAbsoluteMM moves the axis to an arbitrary absolute position.
func (s *Stage) MoveToAbsoluteMM(ctx context.Context, mm float64) error {
	if err := s.chain.MoveAbsoluteMM(ctx, s.device, s.axis, mm); err != nil {
		return err
	}
	s.current = s.resolveSlot(mm)
	return nil
}

// MoveRelativeMM jogs the axis by deltaMM from its current position,
// retained for interactive calibration tooling that jogs in small steps.
func (s *Stage) MoveRelativeMM(ctx context.Context, deltaMM float64) error {
	if err := s.chain.MoveRelativeMM(ctx, s.device, s.axis, deltaMM); err != nil {
		return err
	}
	pos, err := s.chain.GetPositionMM(ctx, s.device, s.axis)
	if err != nil {
		return err
	}
	s.current = s.resolveSlot(pos)
	return nil
}

// GoHome drives the axis to its home position.
func (s *Stage) GoHome(ctx context.Context) error {
	if err := s.chain.Home(ctx, s.device, s.axis); err != nil {
		return err
	}
	s.current = Home
	return nil
}

// GetPositionMM returns the axis's current absolute position.
func (s *Stage) GetPositionMM(ctx context.Context) (float64, error) {
	return s.chain.GetPositionMM(ctx, s.device, s.axis)
}

// CurrentSlot returns the cached slot name, resolved on every successful
// move without re-querying hardware.
func (s *Stage) CurrentSlot() string { return s.current }

// SlotNames lists every configured slot, including HOME.
func (s *Stage) SlotNames() []string {
	names := lo.Keys(s.slots)
	return names
}
