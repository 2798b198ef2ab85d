package objectdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchdogFiresOnce(t *testing.T) {
	fired := make(chan struct{}, 2)
	w := newWatchdog(10*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog never fired")
	}
	require.True(t, w.Fired())

	select {
	case <-fired:
		t.Fatal("watchdog fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchdogCancelSuppressesFire(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := newWatchdog(20*time.Millisecond, func() { fired <- struct{}{} })
	w.Cancel()

	select {
	case <-fired:
		t.Fatal("watchdog fired after Cancel")
	case <-time.After(50 * time.Millisecond):
	}
	require.False(t, w.Fired())
}

func TestWatchdogDisabledByNonPositiveDuration(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := newWatchdog(0, func() { fired <- struct{}{} })

	select {
	case <-fired:
		t.Fatal("disabled watchdog fired")
	case <-time.After(50 * time.Millisecond):
	}
	require.False(t, w.Fired())
}
