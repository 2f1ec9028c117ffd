// Package controller assembles every device object, the safety layer, the
// sequencer, the run database and the calibration store into the single
// façade the CLI drives: one call per operation, devices named exactly as
// configured, and a documented shutdown order.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stubbslab/pandora/internal/calibstore"
	"github.com/stubbslab/pandora/internal/config"
	"github.com/stubbslab/pandora/internal/devices/electrometer"
	"github.com/stubbslab/pandora/internal/devices/flipmount"
	"github.com/stubbslab/pandora/internal/devices/monochromator"
	"github.com/stubbslab/pandora/internal/devices/mount"
	"github.com/stubbslab/pandora/internal/devices/shutter"
	"github.com/stubbslab/pandora/internal/devices/spectrometer"
	"github.com/stubbslab/pandora/internal/devices/zaberstage"
	"github.com/stubbslab/pandora/internal/fsutil"
	"github.com/stubbslab/pandora/internal/logging"
	"github.com/stubbslab/pandora/internal/pandoraerr"
	"github.com/stubbslab/pandora/internal/rundb"
	"github.com/stubbslab/pandora/internal/safety"
	"github.com/stubbslab/pandora/internal/sequencer"
	"github.com/stubbslab/pandora/internal/timeutil"
	"github.com/stubbslab/pandora/internal/transport"
	"github.com/stubbslab/pandora/internal/transport/byteserial"
	"github.com/stubbslab/pandora/internal/transport/digitalio"
	"github.com/stubbslab/pandora/internal/transport/motion"
	"github.com/stubbslab/pandora/internal/transport/scpi"
)

// Controller is the session façade: every operation the CLI exposes is a
// thin method on this type.
type Controller struct {
	SessionID string

	cfg   *config.Config
	clock timeutil.Clock
	log   *logging.Logger

	bus   transport.DigitalIO
	mono  *monochromator.Monochromator
	shut  *shutter.Shutter
	flips map[string]*flipmount.FlipMount
	elecs map[string]*electrometer.Electrometer
	zabrs map[string]*zaberstage.Stage
	spec  *spectrometer.Spectrometer
	mnt   *mount.Mount
	chain transport.MotionController

	orderBlock *safety.OrderBlockCoupling
	seq        *sequencer.Sequencer

	db    *rundb.RunDB
	calib *calibstore.Store
}

// Open wires every device named in cfg against live transports, allocates
// (or resumes) a RunID, and returns a ready-to-drive Controller. A
// non-empty explicitRunID is trusted as-is; an empty one allocates the
// next RunID for today.
func Open(ctx context.Context, cfg *config.Config, explicitRunID string) (*Controller, error) {
	clock := timeutil.RealClock{}
	c := &Controller{
		SessionID: uuid.NewString(),
		cfg:       cfg,
		clock:     clock,
		log:       logging.New("controller"),
		flips:     map[string]*flipmount.FlipMount{},
		elecs:     map[string]*electrometer.Electrometer{},
		zabrs:     map[string]*zaberstage.Stage{},
	}

	bus, err := digitalio.Dial("labjack", cfg.LabJack.IPAddress)
	if err != nil {
		return nil, err
	}
	c.bus = bus

	shut, err := shutter.New(cfg.LabJack.Shutter.Port, cfg.LabJack.Shutter.InvertLogic, bus, clock)
	if err != nil {
		return nil, err
	}
	c.shut = shut

	for name, fmCfg := range cfg.LabJack.FlipMounts {
		fm, err := flipmount.New(name, fmCfg.Port, fmCfg.InvertLogic, bus, clock)
		if err != nil {
			return nil, err
		}
		c.flips[name] = fm
	}

	orderBlockMount, ok := c.flips[cfg.Monochromator.OrderBlockFlipMount]
	if !ok {
		return nil, pandoraerr.New("controller", "open", pandoraerr.StateInvariant, fmt.Errorf("order-block flip mount %q not configured", cfg.Monochromator.OrderBlockFlipMount))
	}

	monoPort, err := byteserial.Open("monochromator", cfg.Monochromator.SerialPort, cfg.Monochromator.BaudRate)
	if err != nil {
		return nil, err
	}
	c.mono = monochromator.Open(monoPort, cfg.Monochromator.SecondOrderCrossoverNM)
	c.orderBlock = safety.NewOrderBlockCoupling(orderBlockMount, cfg.Monochromator.SecondOrderCrossoverNM)

	for name, eCfg := range cfg.Electrometers {
		timeout := time.Duration(eCfg.TimeoutSeconds * float64(time.Second))
		inst, err := scpi.Dial(name, eCfg.IPAddress, timeout)
		if err != nil {
			return nil, err
		}
		e := electrometer.New(name, inst, clock, eCfg.PowerLineHz)
		if err := applyElectrometerConfig(ctx, e, eCfg); err != nil {
			return nil, err
		}
		if hz, err := e.PowerlineFrequencyHz(ctx); err == nil && hz != eCfg.PowerLineHz {
			c.log.Warnf("electrometer %s reports %g Hz mains, configured %g Hz", name, hz, eCfg.PowerLineHz)
		}
		c.elecs[name] = e
	}

	if len(cfg.Zabers) > 0 {
		var chainAddr string
		for _, zCfg := range cfg.Zabers {
			chainAddr = zCfg.IPAddress
			break
		}
		chain, err := motion.OpenTCP("zaber", chainAddr)
		if err != nil {
			return nil, err
		}
		c.chain = chain
		for name, zCfg := range cfg.Zabers {
			stage, err := zaberstage.Open(ctx, name, chain, zCfg.DeviceIndex, zCfg.AxisID, zCfg.SlotsMM, zCfg.SpeedMMPerS)
			if err != nil {
				return nil, err
			}
			c.zabrs[name] = stage
		}
	}

	mountPort, err := byteserial.Open("mount", cfg.Mount.SerialPort, cfg.Mount.BaudRate)
	if err != nil {
		return nil, err
	}
	mnt, err := mount.Open(ctx, mountPort, clock, cfg.Mount.AzLower, cfg.Mount.AzUpper, cfg.Mount.AltLimitDefault)
	if err != nil {
		return nil, err
	}
	c.mnt = mnt

	flipNames := make([]string, 0, len(c.flips))
	for name := range c.flips {
		flipNames = append(flipNames, name)
	}

	fs := fsutil.OSFileSystem{}
	runID, err := rundb.AllocateRunID(fs, cfg.Database.Root, clock, explicitRunID, true)
	if err != nil {
		return nil, err
	}
	db, err := rundb.Open(fs, cfg.Database.Root, runID, rundb.BuildSchema(flipNames, true))
	if err != nil {
		return nil, err
	}
	c.db = db

	calib, err := calibstore.Open(fs, clock, cfg.Database.Root)
	if err != nil {
		return nil, err
	}
	c.calib = calib

	c.seq = sequencer.New(sequencer.Sequencer{
		Mono:         c.mono,
		Shutter:      c.shut,
		Input:        c.firstElectrometer("input"),
		Output:       c.firstElectrometer("output"),
		OrderBlock:   c.orderBlock,
		FlipMounts:   c.flips,
		NDStage:      c.zabrs["ND"],
		PinholeStage: c.zabrs["pinhole"],
		Mount:        c.mnt,
		DB:           c.db,
		Clock:        clock,
	})

	return c, nil
}

// firstElectrometer resolves a configured channel by name. Without a
// conventionally named channel it falls back, among the electrometers not
// named "input" or "output", to the lowest name for input and the highest
// for output, so a two-channel config keyed e.g. K1/K2 still wires a
// usable pair (K1 input, K2 output).
func (c *Controller) firstElectrometer(preferred string) *electrometer.Electrometer {
	if e, ok := c.elecs[preferred]; ok {
		return e
	}
	var lowest, highest string
	for name := range c.elecs {
		if name == "input" || name == "output" {
			continue
		}
		if lowest == "" || name < lowest {
			lowest = name
		}
		if name > highest {
			highest = name
		}
	}
	pick := lowest
	if preferred == "output" {
		pick = highest
	}
	if e, ok := c.elecs[pick]; ok {
		return e
	}
	for _, e := range c.elecs {
		return e
	}
	return nil
}

func applyElectrometerConfig(ctx context.Context, e *electrometer.Electrometer, cfg config.ElectrometerConfig) error {
	if cfg.Mode != "" {
		if err := e.SetMode(ctx, electrometer.Mode(cfg.Mode)); err != nil {
			return err
		}
	}
	if cfg.Range == "AUTO" {
		if err := e.SetRangeAuto(ctx); err != nil {
			return err
		}
	} else if cfg.Range != "" {
		var r float64
		if _, err := fmt.Sscanf(cfg.Range, "%g", &r); err != nil {
			return pandoraerr.New(e.Name(), "configure", pandoraerr.StateInvariant, err)
		}
		if err := e.SetRange(ctx, r); err != nil {
			return err
		}
	}
	if cfg.NPLC == "AUTO" {
		if err := e.SetNPLCAuto(ctx); err != nil {
			return err
		}
	} else if cfg.NPLC != "" {
		var n float64
		if _, err := fmt.Sscanf(cfg.NPLC, "%g", &n); err != nil {
			return pandoraerr.New(e.Name(), "configure", pandoraerr.StateInvariant, err)
		}
		if err := e.SetNPLC(ctx, n); err != nil {
			return err
		}
	}
	if cfg.NSamples > 0 {
		if err := e.SetNSamples(ctx, cfg.NSamples); err != nil {
			return err
		}
	}
	if cfg.DelaySeconds > 0 {
		if err := e.SetDelay(ctx, cfg.DelaySeconds); err != nil {
			return err
		}
	}
	if cfg.IntervalSeconds > 0 {
		if err := e.SetInterval(ctx, cfg.IntervalSeconds); err != nil {
			return err
		}
	}
	return nil
}

// SetWavelength moves the monochromator to nm, toggling the order-block
// filter first.
func (c *Controller) SetWavelength(ctx context.Context, nm float64) error {
	return c.seq.SetWavelength(ctx, nm)
}

// GetWavelength reads the monochromator's current wavelength.
func (c *Controller) GetWavelength(ctx context.Context) (float64, error) {
	return c.mono.GetWavelength(ctx)
}

// OpenShutter opens the optical shutter.
func (c *Controller) OpenShutter(ctx context.Context) error { return c.shut.Open(ctx) }

// CloseShutter closes the optical shutter.
func (c *Controller) CloseShutter(ctx context.Context) error { return c.shut.Close(ctx) }

// FlipMount resolves a flip mount by its configured name.
func (c *Controller) FlipMount(name string) (*flipmount.FlipMount, error) {
	fm, ok := c.flips[name]
	if !ok {
		return nil, pandoraerr.New("controller", "flip_mount", pandoraerr.StateInvariant, fmt.Errorf("unknown flip mount %q", name))
	}
	return fm, nil
}

// FlipMountNames lists every configured flip mount, for CLI discovery.
func (c *Controller) FlipMountNames() []string {
	names := make([]string, 0, len(c.flips))
	for name := range c.flips {
		names = append(names, name)
	}
	return names
}

// SetNDFilter drives the ND-filter stage to the named slot.
func (c *Controller) SetNDFilter(ctx context.Context, slot string) error {
	stage, ok := c.zabrs["ND"]
	if !ok {
		return pandoraerr.New("controller", "set_nd_filter", pandoraerr.StateInvariant, fmt.Errorf("no ND stage configured"))
	}
	return stage.MoveToSlot(ctx, slot)
}

// SetPinholeMask drives the pinhole-mask stage to the named slot.
func (c *Controller) SetPinholeMask(ctx context.Context, slot string) error {
	stage, ok := c.zabrs["pinhole"]
	if !ok {
		return pandoraerr.New("controller", "set_pinhole_mask", pandoraerr.StateInvariant, fmt.Errorf("no pinhole stage configured"))
	}
	return stage.MoveToSlot(ctx, slot)
}

// SetPhotodiodeScale sets the named electrometer channel's full-scale
// range, one channel at a time rather than as a coupled pair, since the
// two channels frequently need independent ranges during a throughput
// scan.
func (c *Controller) SetPhotodiodeScale(ctx context.Context, channel string, r float64) error {
	e, ok := c.elecs[channel]
	if !ok {
		return pandoraerr.New("controller", "set_photodiode_scale", pandoraerr.StateInvariant, fmt.Errorf("unknown electrometer channel %q", channel))
	}
	return e.SetRange(ctx, r)
}

// TakeExposure runs one current-mode exposure and commits its row.
func (c *Controller) TakeExposure(ctx context.Context, exptime float64, observationType string) (sequencer.ExposureSummary, error) {
	return c.seq.TakeExposure(ctx, exptime, observationType, false)
}

// TakeDark runs one dark exposure and commits its row.
func (c *Controller) TakeDark(ctx context.Context, exptime float64) (sequencer.ExposureSummary, error) {
	return c.seq.TakeDark(ctx, exptime)
}

// WavelengthScan sweeps start..end, committing one row per primitive along
// the way.
func (c *Controller) WavelengthScan(ctx context.Context, start, end, step, exptime, darkTime float64, nrepeats int, observationType string, overflowRetry bool) ([]sequencer.ExposureSummary, error) {
	return c.seq.WavelengthScan(ctx, start, end, step, exptime, darkTime, nrepeats, observationType, overflowRetry)
}

// ChargeWavelengthScan sweeps start..end in charge mode, persisting one row
// per acquired sample at every wavelength.
func (c *Controller) ChargeWavelengthScan(ctx context.Context, start, end, step, exptime float64, nrepeats int, dischargeFirst bool) ([]sequencer.ExposureSummary, error) {
	sequence := buildWavelengthSequence(start, end, step)
	var all []sequencer.ExposureSummary
	for _, lambda := range sequence {
		if err := c.seq.SetWavelength(ctx, lambda); err != nil {
			return all, err
		}
		for r := 0; r < nrepeats; r++ {
			summaries, err := c.seq.TakeChargeExposure(ctx, exptime, false, dischargeFirst)
			if err != nil {
				return all, err
			}
			all = append(all, summaries...)
		}
	}
	return all, nil
}

func buildWavelengthSequence(start, end, step float64) []float64 {
	if step == 0 {
		return []float64{start}
	}
	n := int((end-start)/step + 0.5)
	seq := make([]float64, 0, n+1)
	for i := 0; i <= n; i++ {
		seq = append(seq, start+float64(i)*step)
	}
	return seq
}

// AttachSpectrometer binds an already-open spectrometer session. The
// vendor SDK session itself is opened by the caller (it is not named in
// the YAML config, since its connection details are vendor-specific), so
// Open leaves this device unwired until a caller supplies one.
func (c *Controller) AttachSpectrometer(s *spectrometer.Spectrometer) { c.spec = s }

// AcquireSpectrum reads one spectrum from the attached spectrometer.
func (c *Controller) AcquireSpectrum(ctx context.Context) (spectrometer.Spectrum, error) {
	if c.spec == nil {
		return spectrometer.Spectrum{}, pandoraerr.New("controller", "acquire_spectrum", pandoraerr.StateInvariant, fmt.Errorf("no spectrometer attached"))
	}
	return c.spec.AcquireSpectrum(ctx)
}

// AddCalibration saves a calibration artifact under tag.
func (c *Controller) AddCalibration(tag string, data calibstore.Table) (string, error) {
	return c.calib.AddCalibration(tag, data)
}

// SetDefaultCalibration marks filename as tag's default artifact.
func (c *Controller) SetDefaultCalibration(tag, filename string) error {
	return c.calib.SetDefault(tag, filename)
}

// GetDefaultCalibration loads tag's default artifact.
func (c *Controller) GetDefaultCalibration(tag string) (calibstore.Table, error) {
	return c.calib.GetDefaultCalibration(tag)
}

// MountStatus reports the telescope mount's current pointing and motion
// status.
func (c *Controller) MountStatus(ctx context.Context) (alt, az float64, status mount.Status, err error) {
	return c.mnt.GetStatus(ctx)
}

// MountGoto slews the mount to (alt, az), honoring the mount's own
// pre-motion safety checks.
func (c *Controller) MountGoto(ctx context.Context, alt, az float64, trackAfter bool) error {
	return c.mnt.GotoAltAz(ctx, alt, az, trackAfter)
}

// MountHome sends the mount to its home position.
func (c *Controller) MountHome(ctx context.Context) error { return c.mnt.GotoHome(ctx) }

// MountPark parks the mount.
func (c *Controller) MountPark(ctx context.Context) error { return c.mnt.Park(ctx) }

// MountUnpark releases the mount from its parked position.
func (c *Controller) MountUnpark(ctx context.Context) error { return c.mnt.Unpark(ctx) }

// MountStop halts all mount motion immediately.
func (c *Controller) MountStop(ctx context.Context) error { return c.mnt.Stop(ctx) }

// MountSetPark records the current pointing as the mount's park position.
func (c *Controller) MountSetPark(ctx context.Context, alt, az float64) error {
	return c.mnt.SetPark(ctx, alt, az)
}

// MountSetAltLimit sets the mount's software altitude safety limit.
func (c *Controller) MountSetAltLimit(ctx context.Context, limitDeg int) error {
	return c.mnt.SetAltLimit(ctx, limitDeg)
}

// MountGetAltLimit reads the mount's configured altitude safety limit.
func (c *Controller) MountGetAltLimit(ctx context.Context) (int, error) {
	return c.mnt.GetAltLimit(ctx)
}

// IdentifyDevices queries the self-reported identity of every device that
// exposes one: the digital-I/O bus's handle info and each electrometer's
// *IDN? response. The monochromator, Zaber stages, and mount speak
// protocols with no self-identification query, so they're omitted rather
// than faked.
func (c *Controller) IdentifyDevices(ctx context.Context) map[string]string {
	out := make(map[string]string, len(c.elecs)+1)
	if bus, ok := c.bus.(*digitalio.Bus); ok {
		if info, err := bus.Identify(ctx); err == nil {
			out["bus"] = info
		} else {
			out["bus"] = fmt.Sprintf("error: %v", err)
		}
	}
	for name, e := range c.elecs {
		info, err := e.Identify(ctx)
		if err != nil {
			out[name] = fmt.Sprintf("error: %v", err)
			continue
		}
		out[name] = fmt.Sprintf("%s %s serial=%s fw=%s", info.Vendor, info.Model, info.Serial, info.Firmware)
	}
	return out
}

// CloseAllConnections releases every device in the order devices must be
// quiesced: the monochromator first (so a later flip/shutter command can't
// race a moving grating), then the shutter, then every flip mount, then
// the electrometers, then the Zaber stages, then the spectrometer, then
// the mount, and finally the shared digital-I/O bus they all depend on.
func (c *Controller) CloseAllConnections() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.mono != nil {
		record(c.mono.Close())
	}
	if c.shut != nil {
		record(c.shut.Shutdown(context.Background()))
	}
	for _, fm := range c.flips {
		record(fm.Shutdown(context.Background()))
	}
	for _, e := range c.elecs {
		record(e.Off(context.Background()))
	}
	if c.chain != nil {
		record(c.chain.Close())
	}
	if c.spec != nil {
		record(c.spec.Reset(context.Background()))
	}
	if c.mnt != nil {
		record(c.mnt.Close())
	}
	if c.bus != nil {
		record(c.bus.Close())
	}
	return firstErr
}
