package spectrometer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSDK struct {
	integrationMS  int
	scansToAverage int
	smoothing      int
	xTiming        int
	tempComp       bool
	resetCalled    bool
}

func (f *fakeSDK) SetIntegrationMS(ctx context.Context, ms int) error   { f.integrationMS = ms; return nil }
func (f *fakeSDK) SetScansToAverage(ctx context.Context, n int) error   { f.scansToAverage = n; return nil }
func (f *fakeSDK) SetSmoothing(ctx context.Context, n int) error        { f.smoothing = n; return nil }
func (f *fakeSDK) SetXTiming(ctx context.Context, n int) error          { f.xTiming = n; return nil }
func (f *fakeSDK) SetTempCompensation(ctx context.Context, on bool) error { f.tempComp = on; return nil }
func (f *fakeSDK) AcquireSpectrum(ctx context.Context) ([]float64, []float64, error) {
	return []float64{400, 500, 600}, []float64{10, 20, 30}, nil
}
func (f *fakeSDK) Reset(ctx context.Context) error { f.resetCalled = true; return nil }

func TestOpenAppliesConfig(t *testing.T) {
	sdk := &fakeSDK{}
	s, err := Open(context.Background(), "OCEAN1", sdk, Config{IntegrationMS: 50, ScansToAverage: 3, Smoothing: 2, XTiming: 1, TempCompensation: true})
	require.NoError(t, err)
	require.Equal(t, 50, sdk.integrationMS)
	require.Equal(t, 3, sdk.scansToAverage)
	require.True(t, sdk.tempComp)
	require.Equal(t, 50, s.Config().IntegrationMS)
}

func TestAcquireSpectrumReturnsPairedArrays(t *testing.T) {
	sdk := &fakeSDK{}
	s, err := Open(context.Background(), "OCEAN1", sdk, Config{})
	require.NoError(t, err)

	spec, err := s.AcquireSpectrum(context.Background())
	require.NoError(t, err)
	require.Len(t, spec.WavelengthsNM, 3)
	require.Len(t, spec.Counts, 3)
}

func TestResetDelegatesToSDK(t *testing.T) {
	sdk := &fakeSDK{}
	s, err := Open(context.Background(), "OCEAN1", sdk, Config{})
	require.NoError(t, err)

	require.NoError(t, s.Reset(context.Background()))
	require.True(t, sdk.resetCalled)
}
