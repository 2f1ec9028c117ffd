// Package electrometer implements the picoammeter/electrometer device
// object shared by the current- and charge-integrating channels: mode and
// range control, autoscale, NPLC-derived timing, and sample read-back.
package electrometer

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/stubbslab/pandora/internal/logging"
	"github.com/stubbslab/pandora/internal/pandoraerr"
	"github.com/stubbslab/pandora/internal/timeutil"
	"github.com/stubbslab/pandora/internal/transport"
)

// Mode selects what quantity the electrometer measures.
type Mode string

const (
	ModeCurrent Mode = "CURR"
	ModeCharge  Mode = "CHAR"
	ModeVoltage Mode = "VOLT"
	ModeResist  Mode = "RES"
)

// OverflowSentinel is the hardware convention for a saturated reading: any
// sample whose magnitude exceeds this value is overflow, never a genuine
// measurement.
const OverflowSentinel = 1e36

// CurrentRanges is the ten-step current-mode decade ladder, 2 pA to 2 mA.
var CurrentRanges = buildCurrentRanges()

func buildCurrentRanges() []float64 {
	ranges := make([]float64, 0, 10)
	for k := -12; k <= -3; k++ {
		ranges = append(ranges, 2*math.Pow(10, float64(k)))
	}
	return ranges
}

// ChargeRanges is the four-step charge-mode ladder, 2 nC to 2 µC.
var ChargeRanges = []float64{2e-9, 2e-8, 2e-7, 2e-6}

// settlingSeconds maps a range's decade exponent (int(log10(range))-1) to
// its settling time, the time a current-mode range change must be allowed
// to stabilize before a sample is trustworthy.
var settlingSeconds = map[int]float64{
	-12: 16.0,
	-11: 1.4,
	-10: 1.4,
	-9:  0.013,
	-8:  0.013,
	-7:  0.0012,
	-6:  0.00055,
	-5:  0.00060,
	-4:  0.00060,
	-3:  0.00010,
}

const overheadTimeSeconds = 0.002

// Sample is one (relative-time, signal) pair, the per-sample unit the
// charge-mode sequencer persists individually.
type Sample struct {
	TimeSeconds  float64
	SignalValue  float64 // amperes (current mode) or coulombs (charge mode)
}

// ReadResult is the named record returned by ReadData: the full time and
// signal arrays plus their reduced mean/stddev, used by take_exposure for
// the summarised row and by take_charge_exposure for per-sample rows.
type ReadResult struct {
	Samples []Sample
	Mean    float64
	StdDev  float64
}

// Electrometer is one current- or charge-integrating channel.
type Electrometer struct {
	name  string
	scpi  transport.SCPI
	clock timeutil.Clock
	log   *logging.Logger

	mode            Mode
	rangeValue      float64
	rangeAuto       bool
	nplc            float64
	nplcAuto        bool
	fLineHz         float64
	nSamples        int
	delaySeconds    float64
	intervalSeconds float64
}

// New constructs an Electrometer over an already-connected SCPI session.
func New(name string, scpi transport.SCPI, clock timeutil.Clock, fLineHz float64) *Electrometer {
	return &Electrometer{
		name:            name,
		scpi:            scpi,
		clock:           clock,
		log:             logging.New("devices.electrometer").Named(name),
		mode:            ModeCurrent,
		rangeValue:      CurrentRanges[len(CurrentRanges)-1],
		nplc:            1,
		fLineHz:         fLineHz,
		nSamples:        10,
		intervalSeconds: 0.002,
	}
}

// Name returns the electrometer's configured name.
func (e *Electrometer) Name() string { return e.name }

// SetMode constrains subsequent reads to the given mode.
func (e *Electrometer) SetMode(ctx context.Context, mode Mode) error {
	if err := e.scpi.WriteLine(ctx, fmt.Sprintf(":SENS:FUNC %q", mode)); err != nil {
		return err
	}
	e.mode = mode
	return nil
}

func (e *Electrometer) rangeLadder() []float64 {
	if e.mode == ModeCharge {
		return ChargeRanges
	}
	return CurrentRanges
}

// SetRange sets an explicit full-scale range. In current mode, the core
// sleeps the published settling time for the target decade before
// returning.
func (e *Electrometer) SetRange(ctx context.Context, r float64) error {
	if err := e.scpi.WriteLine(ctx, fmt.Sprintf(":SENS:%s:RANG %g", e.mode, r)); err != nil {
		return err
	}
	e.rangeValue = r
	e.rangeAuto = false
	if e.mode == ModeCurrent {
		e.clock.Sleep(toDuration(settlingTime(r)))
	}
	return nil
}

// CurrentRange returns the last range applied, the seed value callers pass
// back into AutoScale/AutoScaleCharge for a subsequent re-range.
func (e *Electrometer) CurrentRange() float64 { return e.rangeValue }

// SetRangeAuto switches the instrument's own auto-ranging on.
func (e *Electrometer) SetRangeAuto(ctx context.Context) error {
	if err := e.scpi.WriteLine(ctx, fmt.Sprintf(":SENS:%s:RANG:AUTO ON", e.mode)); err != nil {
		return err
	}
	e.rangeAuto = true
	return nil
}

func settlingTime(r float64) float64 {
	rangPower := int(math.Log10(r)) - 1
	if t, ok := settlingSeconds[rangPower]; ok {
		return t
	}
	return 0
}

// SetNPLC sets the number of power-line cycles per sample. Setting a finite
// NPLC updates the sample interval to at least n/f_line + overhead.
func (e *Electrometer) SetNPLC(ctx context.Context, n float64) error {
	if err := e.scpi.WriteLine(ctx, fmt.Sprintf(":SENS:%s:NPLC %g", e.mode, n)); err != nil {
		return err
	}
	e.nplc = n
	e.nplcAuto = false
	minInterval := n/e.fLineHz + overheadTimeSeconds
	if e.intervalSeconds < minInterval {
		e.intervalSeconds = minInterval
	}
	return nil
}

// SetNPLCAuto switches the instrument's own NPLC-auto mode on.
func (e *Electrometer) SetNPLCAuto(ctx context.Context) error {
	if err := e.scpi.WriteLine(ctx, fmt.Sprintf(":SENS:%s:NPLC:AUTO ON", e.mode)); err != nil {
		return err
	}
	e.nplcAuto = true
	return nil
}

// SetNSamples sets the trigger count for the next acquisition.
func (e *Electrometer) SetNSamples(ctx context.Context, n int) error {
	if err := e.scpi.WriteLine(ctx, fmt.Sprintf(":TRIG:ACQ:COUN %d", n)); err != nil {
		return err
	}
	e.nSamples = n
	return nil
}

// SetDelay sets the trigger delay.
func (e *Electrometer) SetDelay(ctx context.Context, seconds float64) error {
	if err := e.scpi.WriteLine(ctx, fmt.Sprintf(":TRIG:ACQ:DEL %g", seconds)); err != nil {
		return err
	}
	e.delaySeconds = seconds
	return nil
}

// SetInterval sets the trigger timer interval.
func (e *Electrometer) SetInterval(ctx context.Context, seconds float64) error {
	if err := e.scpi.WriteLine(ctx, fmt.Sprintf(":TRIG:ACQ:TIM %g", seconds)); err != nil {
		return err
	}
	e.intervalSeconds = seconds
	return nil
}

// SetAcquisitionTime derives n_samples = floor(t/interval) + 1 and applies
// it via SetNSamples.
func (e *Electrometer) SetAcquisitionTime(ctx context.Context, seconds float64) error {
	n := int(seconds/e.intervalSeconds) + 1
	return e.SetNSamples(ctx, n)
}

// On enables the input relay.
func (e *Electrometer) On(ctx context.Context) error {
	return e.scpi.WriteLine(ctx, ":INP ON")
}

// Off disables the input relay.
func (e *Electrometer) Off(ctx context.Context) error {
	return e.scpi.WriteLine(ctx, ":INP OFF")
}

// Acquire arms the next trigger sequence without blocking.
func (e *Electrometer) Acquire(ctx context.Context) error {
	return e.scpi.WriteLine(ctx, ":INIT:ACQ")
}

// Discharge zeroes the feedback capacitor; charge mode only.
func (e *Electrometer) Discharge(ctx context.Context) error {
	return e.scpi.WriteLine(ctx, "SENS:CHAR:DISCharge")
}

// SetAutoDischarge configures the instrument's own threshold-triggered
// discharge, distinct from the manual Discharge primitive.
func (e *Electrometer) SetAutoDischarge(ctx context.Context, enabled bool, level float64) error {
	onoff := "OFF"
	if enabled {
		onoff = "ON"
	}
	if err := e.scpi.WriteLine(ctx, fmt.Sprintf(":SENS:CHAR:DISC:AUTO %s", onoff)); err != nil {
		return err
	}
	if enabled {
		return e.scpi.WriteLine(ctx, fmt.Sprintf(":SENS:CHAR:DISC:LEV %g", level))
	}
	return nil
}

// SetTriggerOut wires the hardware trigger-out line, used to synchronize a
// pair of electrometers.
func (e *Electrometer) SetTriggerOut(ctx context.Context) error {
	return e.scpi.WriteLine(ctx, ":OUTP:TRIG ON")
}

// PowerlineFrequencyHz queries the instrument's own notion of mains
// frequency, used to cross-check the configured value at construction.
func (e *Electrometer) PowerlineFrequencyHz(ctx context.Context) (float64, error) {
	resp, err := e.scpi.QueryLine(ctx, ":SYST:LFR?")
	if err != nil {
		return 0, err
	}
	v, perr := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if perr != nil {
		return 0, pandoraerr.New(e.name, "powerline_frequency", pandoraerr.ProtocolError, perr)
	}
	return v, nil
}

// DeviceInfo is the self-reported instrument identity returned by *IDN?.
type DeviceInfo struct {
	Vendor   string
	Model    string
	Serial   string
	Firmware string
}

// Identify queries the instrument's *IDN? response and parses the
// standard SCPI comma-separated vendor,model,serial,firmware fields.
func (e *Electrometer) Identify(ctx context.Context) (DeviceInfo, error) {
	resp, err := e.scpi.QueryLine(ctx, "*IDN?")
	if err != nil {
		return DeviceInfo{}, err
	}
	fields := strings.SplitN(strings.TrimSpace(resp), ",", 4)
	info := DeviceInfo{}
	if len(fields) > 0 {
		info.Vendor = strings.TrimSpace(fields[0])
	}
	if len(fields) > 1 {
		info.Model = strings.TrimSpace(fields[1])
	}
	if len(fields) > 2 {
		info.Serial = strings.TrimSpace(fields[2])
	}
	if len(fields) > 3 {
		info.Firmware = strings.TrimSpace(fields[3])
	}
	return info, nil
}

// AutoScale runs the bounded current-mode autoscale algorithm, starting
// from rang0: take one short acquisition, observe |mean|; step up one rung
// if it exceeds 80% of range, step down if below 5%, else accept. Bounded
// to 15 iterations. Returns the final range.
func (e *Electrometer) AutoScale(ctx context.Context, rang0 float64) (float64, error) {
	return e.autoScaleLadder(ctx, CurrentRanges, rang0, 15, false)
}

// AutoScaleCharge runs the bounded charge-mode autoscale algorithm,
// discharging before each trial read. Bounded to 10 iterations.
func (e *Electrometer) AutoScaleCharge(ctx context.Context, rang0 float64) (float64, error) {
	return e.autoScaleLadder(ctx, ChargeRanges, rang0, 10, true)
}

func (e *Electrometer) autoScaleLadder(ctx context.Context, ladder []float64, rang0 float64, maxIter int, dischargeFirst bool) (float64, error) {
	idx := closestRungIndex(ladder, rang0)
	for iter := 0; iter < maxIter; iter++ {
		if err := e.SetRange(ctx, ladder[idx]); err != nil {
			return 0, err
		}
		if dischargeFirst {
			if err := e.Discharge(ctx); err != nil {
				return 0, err
			}
		}
		if err := e.Acquire(ctx); err != nil {
			return 0, err
		}
		result, err := e.ReadData(ctx, true)
		if err != nil {
			return 0, err
		}
		mag := math.Abs(result.Mean)

		switch {
		case mag > 0.80*ladder[idx] && idx < len(ladder)-1:
			idx++
		case mag < 0.05*ladder[idx] && idx > 0:
			idx--
		default:
			return ladder[idx], nil
		}
	}
	return ladder[idx], nil
}

func closestRungIndex(ladder []float64, value float64) int {
	best := 0
	bestDelta := math.Inf(1)
	for i, r := range ladder {
		d := math.Abs(math.Log10(r) - math.Log10(value))
		if d < bestDelta {
			bestDelta = d
			best = i
		}
	}
	return best
}

// ReadData blocks for operation-complete if wait is set, then fetches the
// parallel time/signal ASCII arrays and returns them as a ReadResult.
func (e *Electrometer) ReadData(ctx context.Context, wait bool) (ReadResult, error) {
	if wait {
		if _, err := e.scpi.QueryLine(ctx, "*OPC?"); err != nil {
			return ReadResult{}, err
		}
	}
	times, err := e.scpi.QueryASCIIVector(ctx, ":FETC:ARR:TIME?")
	if err != nil {
		return ReadResult{}, err
	}
	values, err := e.scpi.QueryASCIIVector(ctx, fmt.Sprintf(":FETC:ARR:%s?", e.mode))
	if err != nil {
		return ReadResult{}, err
	}
	if len(times) != len(values) {
		return ReadResult{}, pandoraerr.New(e.name, "read_data", pandoraerr.ProtocolError, fmt.Errorf("time/value array length mismatch: %d vs %d", len(times), len(values)))
	}
	samples := make([]Sample, len(values))
	for i := range values {
		samples[i] = Sample{TimeSeconds: times[i], SignalValue: values[i]}
	}
	mean, stddev := meanStdDev(values)
	return ReadResult{Samples: samples, Mean: mean, StdDev: stddev}, nil
}

func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := stat.Mean(values, nil)
	if len(values) == 1 {
		return mean, 0
	}
	return mean, stat.StdDev(values, nil)
}

// IsOverflow reports whether a mean magnitude is the hardware's overflow
// sentinel.
func IsOverflow(mean float64) bool {
	return math.Abs(mean) > OverflowSentinel
}

func toDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
