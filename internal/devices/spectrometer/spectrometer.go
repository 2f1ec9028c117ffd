// Package spectrometer implements the fiber spectrometer device object, a
// thin configuration-and-acquisition wrapper over the vendor SDK worker
// pool adapter.
package spectrometer

import (
	"context"

	"github.com/stubbslab/pandora/internal/logging"
	"github.com/stubbslab/pandora/internal/transport"
)

// Config is the spectrometer's acquisition configuration, applied once at
// construction and on any later reconfiguration call.
type Config struct {
	IntegrationMS    int
	ScansToAverage   int
	Smoothing        int
	XTiming          int
	TempCompensation bool
}

// Spectrum is one captured reading: paired wavelength (nm) and intensity
// (counts) arrays.
type Spectrum struct {
	WavelengthsNM []float64
	Counts        []float64
}

// Spectrometer is the fiber spectrometer state object.
type Spectrometer struct {
	name string
	sdk  transport.Spectrometer
	log  *logging.Logger
	cfg  Config
}

// Open applies cfg to the SDK session and returns the bound device object.
func Open(ctx context.Context, name string, sdk transport.Spectrometer, cfg Config) (*Spectrometer, error) {
	s := &Spectrometer{name: name, sdk: sdk, log: logging.New("devices.spectrometer").Named(name)}
	if err := s.Configure(ctx, cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Configure pushes every configuration field to the instrument and caches
// it for later inspection.
func (s *Spectrometer) Configure(ctx context.Context, cfg Config) error {
	if err := s.sdk.SetIntegrationMS(ctx, cfg.IntegrationMS); err != nil {
		return err
	}
	if err := s.sdk.SetScansToAverage(ctx, cfg.ScansToAverage); err != nil {
		return err
	}
	if err := s.sdk.SetSmoothing(ctx, cfg.Smoothing); err != nil {
		return err
	}
	if err := s.sdk.SetXTiming(ctx, cfg.XTiming); err != nil {
		return err
	}
	if err := s.sdk.SetTempCompensation(ctx, cfg.TempCompensation); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// Config returns the last successfully applied configuration.
func (s *Spectrometer) Config() Config { return s.cfg }

// AcquireSpectrum captures one spectrum, submitting the blocking SDK call to
// the adapter's worker pool so the caller's context governs how long it is
// willing to wait.
func (s *Spectrometer) AcquireSpectrum(ctx context.Context) (Spectrum, error) {
	wavelengths, counts, err := s.sdk.AcquireSpectrum(ctx)
	if err != nil {
		return Spectrum{}, err
	}
	return Spectrum{WavelengthsNM: wavelengths, Counts: counts}, nil
}

// Reset stops the worker pool and closes the SDK session.
func (s *Spectrometer) Reset(ctx context.Context) error {
	return s.sdk.Reset(ctx)
}
