// Package sequencer implements the four exposure primitives that drive the
// shutter/electrometer pair through a timed acquisition and commit the
// result to the run database: a plain current-mode exposure, a
// sample-resolved charge-mode exposure, a dark convenience wrapper, and a
// wavelength scan that composes the light and dark exposures across a
// swept range.
package sequencer

import (
	"context"
	"math"
	"time"

	"github.com/stubbslab/pandora/internal/devices/electrometer"
	"github.com/stubbslab/pandora/internal/devices/flipmount"
	"github.com/stubbslab/pandora/internal/devices/monochromator"
	"github.com/stubbslab/pandora/internal/devices/mount"
	"github.com/stubbslab/pandora/internal/devices/shutter"
	"github.com/stubbslab/pandora/internal/devices/zaberstage"
	"github.com/stubbslab/pandora/internal/logging"
	"github.com/stubbslab/pandora/internal/rundb"
	"github.com/stubbslab/pandora/internal/safety"
	"github.com/stubbslab/pandora/internal/timeutil"
)

// ExposureSummary is the per-row outcome returned by every primitive, the
// minimum a caller needs to decide whether to retry or re-range.
type ExposureSummary struct {
	ExpID      int
	Overflowed bool
}

// Sequencer owns the device handles and run database needed to drive an
// exposure end to end. FlipMounts, NDStage, PinholeStage and Mount are
// optional: a nil field is simply skipped when populating a row.
type Sequencer struct {
	Mono        *monochromator.Monochromator
	Shutter     *shutter.Shutter
	Input       *electrometer.Electrometer
	Output      *electrometer.Electrometer
	OrderBlock  *safety.OrderBlockCoupling
	FlipMounts  map[string]*flipmount.FlipMount
	NDStage     *zaberstage.Stage
	PinholeStage *zaberstage.Stage
	Mount       *mount.Mount
	DB          *rundb.RunDB
	Clock       timeutil.Clock

	log              *logging.Logger
	currentWavelength float64
}

// New constructs a Sequencer over already-open device handles.
func New(s Sequencer) *Sequencer {
	s.log = logging.New("sequencer")
	return &s
}

// SetWavelength couples the order-block filter to the target wavelength
// before commanding the monochromator, the same ordering the controller
// uses for a bare set_wavelength call.
func (s *Sequencer) SetWavelength(ctx context.Context, nm float64) error {
	if s.OrderBlock != nil {
		if err := s.OrderBlock.Apply(ctx, nm); err != nil {
			return err
		}
	}
	if err := s.Mono.MoveToWavelength(ctx, nm); err != nil {
		return err
	}
	s.currentWavelength = nm
	return nil
}

func toDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

type exposureCycle struct {
	startWall        time.Time
	effectiveExptime float64
	in               electrometer.ReadResult
	out              electrometer.ReadResult
}

// runCycle arms both channels, holds the shutter in the requested state for
// exptime seconds, and reads both channels back. It performs no overflow
// handling; callers decide whether to re-range and retry.
func (s *Sequencer) runCycle(ctx context.Context, exptime float64, isDark bool) (exposureCycle, error) {
	if err := s.Input.On(ctx); err != nil {
		return exposureCycle{}, err
	}
	if err := s.Output.On(ctx); err != nil {
		return exposureCycle{}, err
	}
	if err := s.Input.SetAcquisitionTime(ctx, exptime); err != nil {
		return exposureCycle{}, err
	}
	if err := s.Output.SetAcquisitionTime(ctx, exptime); err != nil {
		return exposureCycle{}, err
	}

	startWall := s.Clock.Now()
	if isDark {
		if err := s.Shutter.Close(ctx); err != nil {
			return exposureCycle{}, err
		}
	} else {
		if err := s.Shutter.Open(ctx); err != nil {
			return exposureCycle{}, err
		}
	}
	mark := s.Clock.Now()

	if err := s.Input.Acquire(ctx); err != nil {
		return exposureCycle{}, err
	}
	if err := s.Output.Acquire(ctx); err != nil {
		return exposureCycle{}, err
	}
	s.Clock.Sleep(toDuration(exptime))

	if err := s.Shutter.Close(ctx); err != nil {
		return exposureCycle{}, err
	}
	effective := s.Clock.Since(mark).Seconds()

	in, err := s.Input.ReadData(ctx, true)
	if err != nil {
		return exposureCycle{}, err
	}
	out, err := s.Output.ReadData(ctx, true)
	if err != nil {
		return exposureCycle{}, err
	}
	return exposureCycle{startWall: startWall, effectiveExptime: effective, in: in, out: out}, nil
}

// populateContext stages every row field that is independent of the
// measurement itself: wavelength, flip-mount states, stage positions,
// pointing, and the caller-supplied description.
func (s *Sequencer) populateContext(ctx context.Context, exptime, effectiveExptime float64, timestamp time.Time, shutterOpen bool, description string) error {
	if err := s.DB.Add("exptime", exptime); err != nil {
		return err
	}
	if err := s.DB.Add("effective_exptime", effectiveExptime); err != nil {
		return err
	}
	if err := s.DB.Add("timestamp", timestamp.Format(time.RFC3339)); err != nil {
		return err
	}
	if err := s.DB.Add("wavelength", s.currentWavelength); err != nil {
		return err
	}
	for name, fm := range s.FlipMounts {
		if err := s.DB.Add(name, fm.IsOn()); err != nil {
			return err
		}
	}
	if s.NDStage != nil {
		if err := s.DB.Add("ndFilter", s.NDStage.CurrentSlot()); err != nil {
			return err
		}
	}
	if s.PinholeStage != nil {
		if err := s.DB.Add("pinholeMask", s.PinholeStage.CurrentSlot()); err != nil {
			return err
		}
	}
	if err := s.DB.Add("shutter", shutterOpen); err != nil {
		return err
	}
	if s.Mount != nil {
		alt, az, err := s.Mount.GetAltAz(ctx)
		if err != nil {
			return err
		}
		if err := s.DB.Add("alt", alt); err != nil {
			return err
		}
		if err := s.DB.Add("az", az); err != nil {
			return err
		}
	}
	return s.DB.Add("Description", description)
}

// TakeExposure runs one current-mode exposure (light unless isDark is set),
// re-ranging and retrying exactly once if either channel overflows, and
// commits a single summarized row.
func (s *Sequencer) TakeExposure(ctx context.Context, exptime float64, observationType string, isDark bool) (ExposureSummary, error) {
	policy := safety.NewOverflowPolicy()
	var cycle exposureCycle
	var err error
	for {
		cycle, err = s.runCycle(ctx, exptime, isDark)
		if err != nil {
			return ExposureSummary{}, err
		}
		overflowIn := electrometer.IsOverflow(cycle.in.Mean)
		overflowOut := electrometer.IsOverflow(cycle.out.Mean)
		if !overflowIn && !overflowOut {
			break
		}
		if !policy.AllowRetry() {
			break
		}
		if overflowIn {
			if _, err := s.Input.AutoScale(ctx, s.Input.CurrentRange()); err != nil {
				return ExposureSummary{}, err
			}
		}
		if overflowOut {
			if _, err := s.Output.AutoScale(ctx, s.Output.CurrentRange()); err != nil {
				return ExposureSummary{}, err
			}
		}
	}

	if err := s.populateContext(ctx, exptime, cycle.effectiveExptime, cycle.startWall, !isDark, observationType); err != nil {
		return ExposureSummary{}, err
	}
	if err := s.DB.Add("currentInput", cycle.in.Mean); err != nil {
		return ExposureSummary{}, err
	}
	if err := s.DB.Add("currentInputErr", cycle.in.StdDev); err != nil {
		return ExposureSummary{}, err
	}
	if err := s.DB.Add("currentOutput", cycle.out.Mean); err != nil {
		return ExposureSummary{}, err
	}
	if err := s.DB.Add("currentOutputErr", cycle.out.StdDev); err != nil {
		return ExposureSummary{}, err
	}
	expID, err := s.DB.WriteExposure()
	if err != nil {
		return ExposureSummary{}, err
	}
	return ExposureSummary{ExpID: expID, Overflowed: electrometer.IsOverflow(cycle.in.Mean) || electrometer.IsOverflow(cycle.out.Mean)}, nil
}

// TakeDark is TakeExposure with the shutter held closed throughout.
func (s *Sequencer) TakeDark(ctx context.Context, exptime float64) (ExposureSummary, error) {
	return s.TakeExposure(ctx, exptime, "dark", true)
}

// TakeChargeExposure runs one charge-mode exposure and persists every
// sample of the acquired array as its own row, tagged with its relative
// sample time, rather than collapsing the acquisition to a single mean.
func (s *Sequencer) TakeChargeExposure(ctx context.Context, exptime float64, isDark, dischargeFirst bool) ([]ExposureSummary, error) {
	if dischargeFirst {
		if err := s.Input.Discharge(ctx); err != nil {
			return nil, err
		}
		if err := s.Output.Discharge(ctx); err != nil {
			return nil, err
		}
	}

	cycle, err := s.runCycle(ctx, exptime, isDark)
	if err != nil {
		return nil, err
	}

	n := len(cycle.in.Samples)
	if len(cycle.out.Samples) < n {
		n = len(cycle.out.Samples)
	}
	summaries := make([]ExposureSummary, 0, n)
	for i := 0; i < n; i++ {
		inSample := cycle.in.Samples[i]
		outSample := cycle.out.Samples[i]
		overflowed := electrometer.IsOverflow(inSample.SignalValue) || electrometer.IsOverflow(outSample.SignalValue)

		if err := s.populateContext(ctx, exptime, cycle.effectiveExptime, cycle.startWall, !isDark, "charge"); err != nil {
			return summaries, err
		}
		if err := s.DB.Add("sampleTime", inSample.TimeSeconds); err != nil {
			return summaries, err
		}
		if err := s.DB.Add("chargeInput", inSample.SignalValue); err != nil {
			return summaries, err
		}
		if err := s.DB.Add("chargeOutput", outSample.SignalValue); err != nil {
			return summaries, err
		}
		if err := s.DB.Add("measurementMode", string(electrometer.ModeCharge)); err != nil {
			return summaries, err
		}
		// these columns don't apply to a per-sample charge row
		if err := s.DB.Add("currentInput", 0.0); err != nil {
			return summaries, err
		}
		if err := s.DB.Add("currentInputErr", 0.0); err != nil {
			return summaries, err
		}
		if err := s.DB.Add("currentOutput", 0.0); err != nil {
			return summaries, err
		}
		if err := s.DB.Add("currentOutputErr", 0.0); err != nil {
			return summaries, err
		}
		expID, err := s.DB.WriteExposure()
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, ExposureSummary{ExpID: expID, Overflowed: overflowed})
	}
	return summaries, nil
}

// buildWavelengthSequence returns the inclusive start..end sequence at
// step resolution, rounded to 0.1 nm.
func buildWavelengthSequence(start, end, step float64) []float64 {
	if step == 0 {
		return []float64{math.Round(start*10) / 10}
	}
	n := int(math.Round((end - start) / step))
	seq := make([]float64, 0, n+1)
	for i := 0; i <= n; i++ {
		v := start + float64(i)*step
		seq = append(seq, math.Round(v*10)/10)
	}
	return seq
}

// WavelengthScan sweeps start..end in step increments. At each wavelength
// it takes one baseline dark followed by nrepeats [light, closing dark]
// pairs. Before the sweep starts it autoscales both channels ten nm below
// the first wavelength with the shutter cycled open then closed. When
// overflowRetry is set, a light exposure that overflows is retaken once
// more at the same wavelength without consuming an extra nrepeats slot.
func (s *Sequencer) WavelengthScan(ctx context.Context, start, end, step, exptime, darkTime float64, nrepeats int, observationType string, overflowRetry bool) ([]ExposureSummary, error) {
	if darkTime <= 0 {
		darkTime = exptime
	}
	sequence := buildWavelengthSequence(start, end, step)

	if err := s.SetWavelength(ctx, start-10); err != nil {
		return nil, err
	}
	if err := s.Shutter.Open(ctx); err != nil {
		return nil, err
	}
	if _, err := s.Input.AutoScale(ctx, s.Input.CurrentRange()); err != nil {
		return nil, err
	}
	if _, err := s.Output.AutoScale(ctx, s.Output.CurrentRange()); err != nil {
		return nil, err
	}
	if err := s.Shutter.Close(ctx); err != nil {
		return nil, err
	}

	var summaries []ExposureSummary
	for _, lambda := range sequence {
		if err := s.SetWavelength(ctx, lambda); err != nil {
			return summaries, err
		}

		baseline, err := s.TakeDark(ctx, darkTime)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, baseline)

		for r := 0; r < nrepeats; r++ {
			light, err := s.TakeExposure(ctx, exptime, observationType, false)
			if err != nil {
				return summaries, err
			}
			if overflowRetry && light.Overflowed {
				retaken, err := s.TakeExposure(ctx, exptime, observationType, false)
				if err != nil {
					return summaries, err
				}
				light = retaken
			}
			summaries = append(summaries, light)

			closingDark, err := s.TakeDark(ctx, darkTime)
			if err != nil {
				return summaries, err
			}
			summaries = append(summaries, closingDark)
		}
	}
	return summaries, nil
}
