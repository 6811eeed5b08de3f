package uidreg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/007pig/fred-sub003/internal/wire"
)

func TestTryLockRejectsDuplicate(t *testing.T) {
	r := New(10 * time.Minute)
	require.True(t, r.TryLock(1, KindRequest))
	require.False(t, r.TryLock(1, KindRequest), "a second concurrent handler for the same UID must be rejected")
}

func TestUnlockThenRelockSucceeds(t *testing.T) {
	r := New(10 * time.Minute)
	require.True(t, r.TryLock(1, KindRequest))
	r.Unlock(1, KindRequest, false) // non-terminal unlock (shouldn't happen in practice, but shouldn't poison the loop window)
	require.True(t, r.TryLock(1, KindRequest))
}

func TestRecentlyCompletedRejectsLoop(t *testing.T) {
	r := New(10 * time.Minute)
	require.True(t, r.TryLock(5, KindRequest))
	r.Unlock(5, KindRequest, true)
	require.True(t, r.RecentlyCompleted(5))
	require.False(t, r.TryLock(5, KindRequest) == false && !r.RecentlyCompleted(5))
}

func TestRecentlyCompletedExpires(t *testing.T) {
	r := New(1 * time.Millisecond)
	r.TryLock(9, KindRequest)
	r.Unlock(9, KindRequest, true)
	time.Sleep(5 * time.Millisecond)
	require.False(t, r.RecentlyCompleted(9))
}
