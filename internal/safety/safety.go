// Package safety implements the interlock layer: pre-condition checks
// applied before actuation that the controller consults ahead of driving
// any device. Telescope pre-conditions are enforced inside the mount
// device object itself (see internal/devices/mount); this package owns
// the policy that spans multiple devices, namely the monochromator's
// wavelength / order-block-filter coupling and the sequencer's overflow
// retry accounting.
package safety

import (
	"context"

	"github.com/stubbslab/pandora/internal/devices/flipmount"
)

// OrderBlockCoupling evaluates and enforces the wavelength / order-block
// filter interlock: the order-block flip mount must be ON whenever the
// requested wavelength exceeds the monochromator's configured crossover,
// and OFF otherwise.
type OrderBlockCoupling struct {
	mount     *flipmount.FlipMount
	crossover float64
}

// NewOrderBlockCoupling binds the coupling to the order-block flip mount
// and the monochromator's configured crossover wavelength.
func NewOrderBlockCoupling(mount *flipmount.FlipMount, crossoverNM float64) *OrderBlockCoupling {
	return &OrderBlockCoupling{mount: mount, crossover: crossoverNM}
}

// Apply drives the order-block flip mount to the state required for the
// given target wavelength, before the caller commands the monochromator.
func (c *OrderBlockCoupling) Apply(ctx context.Context, targetNM float64) error {
	if targetNM > c.crossover {
		return c.mount.Activate(ctx)
	}
	return c.mount.Deactivate(ctx)
}

// ExpectedState reports whether the order-block flip mount should be ON
// for the given wavelength, used by callers validating the coupling
// invariant after a successful set_wavelength.
func ExpectedState(targetNM, crossoverNM float64) bool {
	return targetNM > crossoverNM
}

// OverflowPolicy centralizes the overflow-retry accounting shared by every
// exposure primitive in the sequencer: on the first overflow for a given
// sample, one re-range-and-retry is permitted; a second overflow on the
// same sample is surfaced unchanged.
type OverflowPolicy struct {
	retried bool
}

// NewOverflowPolicy returns a fresh policy for one sample.
func NewOverflowPolicy() *OverflowPolicy {
	return &OverflowPolicy{}
}

// AllowRetry reports whether an overflow observed right now may trigger a
// re-range-and-retry, consuming the single permitted retry if so.
func (p *OverflowPolicy) AllowRetry() bool {
	if p.retried {
		return false
	}
	p.retried = true
	return true
}

// Exhausted reports whether this sample has already used its one retry.
func (p *OverflowPolicy) Exhausted() bool {
	return p.retried
}
