package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stubbslab/pandora/internal/timeutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCanOperateAllowsFirstCallImmediately(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	l := New(clock, 500*time.Millisecond, "FlipMount-F1")
	require.True(t, l.CanOperate())
}

func TestCanOperateBlocksWithinInterval(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	l := New(clock, 500*time.Millisecond, "FlipMount-F1")
	l.UpdateLastOperationTime()

	clock.Advance(100 * time.Millisecond)
	require.False(t, l.CanOperate())
	require.Equal(t, 400*time.Millisecond, l.RemainingTime())
}

func TestCanOperateAllowsAfterIntervalElapses(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	l := New(clock, 500*time.Millisecond, "FlipMount-F1")
	l.UpdateLastOperationTime()

	clock.Advance(600 * time.Millisecond)
	require.True(t, l.CanOperate())
}

func TestMarkAndElapsedSince(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	l := New(clock, time.Second, "Shutter")
	l.Mark("Exposure")

	clock.Advance(250 * time.Millisecond)
	require.Equal(t, 250*time.Millisecond, l.ElapsedSince("Exposure"))
}
