// Package spectro implements the spectrometer transport adapter and the
// small worker pool used for non-blocking capture, per the concurrency
// model: worker threads never share mutable device handles with the
// control thread, and inter-thread communication is by value-typed
// messages only.
package spectro

import (
	"context"

	"github.com/alitto/pond"

	"github.com/stubbslab/pandora/internal/pandoraerr"
)

// SDK is the minimal vendor-SDK session surface the adapter drives. The
// real binding is a cgo wrapper around the spectrometer manufacturer's USB
// SDK; SDK is an interface so tests substitute a fake session.
type SDK interface {
	SetIntegrationMS(ms int) error
	SetScansToAverage(n int) error
	SetSmoothing(n int) error
	SetXTiming(n int) error
	SetTempCompensation(on bool) error
	AcquireSpectrum() (wavelengthsNM, counts []float64, err error)
	Close() error
}

// Adapter implements transport.Spectrometer over an SDK session plus a
// bounded worker pool for non-blocking capture requests.
type Adapter struct {
	name string
	sdk  SDK
	pool *pond.WorkerPool
}

// New wraps sdk with a worker pool sized workers wide. One worker is enough
// for a single physical spectrometer; the pool exists so a capture in
// flight never blocks the control thread issuing the next command.
func New(name string, sdk SDK, workers int) *Adapter {
	if workers < 1 {
		workers = 1
	}
	return &Adapter{name: name, sdk: sdk, pool: pond.New(workers, workers*4)}
}

func (a *Adapter) SetIntegrationMS(ctx context.Context, ms int) error {
	return wrap(a.name, "set_integration_ms", a.sdk.SetIntegrationMS(ms))
}

func (a *Adapter) SetScansToAverage(ctx context.Context, n int) error {
	return wrap(a.name, "set_scans_to_average", a.sdk.SetScansToAverage(n))
}

func (a *Adapter) SetSmoothing(ctx context.Context, n int) error {
	return wrap(a.name, "set_smoothing", a.sdk.SetSmoothing(n))
}

func (a *Adapter) SetXTiming(ctx context.Context, n int) error {
	return wrap(a.name, "set_xtiming", a.sdk.SetXTiming(n))
}

func (a *Adapter) SetTempCompensation(ctx context.Context, on bool) error {
	return wrap(a.name, "set_temp_compensation", a.sdk.SetTempCompensation(on))
}

// AcquireSpectrum blocks the caller but runs the actual SDK call on the
// pool, so a slow USB transfer cannot wedge the control thread's cancel
// path: the caller's ctx can still observe cancellation while the worker
// finishes or abandons the call.
func (a *Adapter) AcquireSpectrum(ctx context.Context) ([]float64, []float64, error) {
	type result struct {
		wl, counts []float64
		err        error
	}
	resultCh := make(chan result, 1)

	a.pool.Submit(func() {
		wl, counts, err := a.sdk.AcquireSpectrum()
		resultCh <- result{wl, counts, err}
	})

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, nil, wrap(a.name, "acquire_spectrum", r.err)
		}
		return r.wl, r.counts, nil
	case <-ctx.Done():
		return nil, nil, pandoraerr.New(a.name, "acquire_spectrum", pandoraerr.Timeout, ctx.Err())
	}
}

// Reset closes and stops accepting new capture submissions.
func (a *Adapter) Reset(ctx context.Context) error {
	a.pool.StopAndWait()
	return wrap(a.name, "reset", a.sdk.Close())
}

func wrap(name, op string, err error) error {
	if err == nil {
		return nil
	}
	return pandoraerr.New(name, op, pandoraerr.TransportError, err)
}
