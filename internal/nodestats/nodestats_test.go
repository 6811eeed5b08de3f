package nodestats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestShouldRejectRequestQueueFull(t *testing.T) {
	a := NewAdmission(rate.Inf, rate.Inf, 1, nil)
	a.RecordAccepted(false, false)

	reason, reject := a.ShouldRejectRequest(false, true)
	require.True(t, reject)
	require.Equal(t, ReasonQueueFull, reason)
}

func TestShouldRejectRequestForcesFirstCHKThrough(t *testing.T) {
	a := NewAdmission(0, 0, 10, nil)

	reason, reject := a.ShouldRejectRequest(false, false)
	require.False(t, reject)
	require.Empty(t, reason)
}

func TestShouldRejectRequestBandwidthAfterFirstCHK(t *testing.T) {
	a := NewAdmission(0, 0, 10, nil)
	a.RecordAccepted(false, false)

	reason, reject := a.ShouldRejectRequest(false, false)
	require.True(t, reject)
	require.Equal(t, ReasonBandwidth, reason)
}

func TestShouldRejectRequestSSKRateLimited(t *testing.T) {
	a := NewAdmission(rate.Inf, 0, 10, nil)

	reason, reject := a.ShouldRejectRequest(false, true)
	require.True(t, reject)
	require.Equal(t, ReasonBandwidth, reason)
}

func TestRecordCompletedReleasesSlot(t *testing.T) {
	a := NewAdmission(rate.Inf, rate.Inf, 1, nil)
	a.RecordAccepted(false, false)

	_, reject := a.ShouldRejectRequest(false, true)
	require.True(t, reject)

	a.RecordCompleted()
	_, reject = a.ShouldRejectRequest(false, true)
	require.False(t, reject)
}

func TestReportPingAveragesExponentially(t *testing.T) {
	a := NewAdmission(rate.Inf, rate.Inf, 10, nil)
	require.Zero(t, a.AveragePingMillis())

	a.ReportPing(100 * time.Millisecond)
	require.Equal(t, float64(100), a.AveragePingMillis())

	a.ReportPing(200 * time.Millisecond)
	require.InDelta(t, 120, a.AveragePingMillis(), 0.001)
}

func TestResetWindowAllowsForcedCHKAgain(t *testing.T) {
	a := NewAdmission(0, 0, 10, nil)
	a.RecordAccepted(false, false)

	_, reject := a.ShouldRejectRequest(false, false)
	require.True(t, reject)

	a.ResetWindow()
	_, reject = a.ShouldRejectRequest(false, false)
	require.False(t, reject)
}
