package ota

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdleWithoutTriggerIsNotSuccess(t *testing.T) {
	tr := Tracker{MaxWait: time.Minute}
	assert.False(t, tr.Observe(time.Now(), StatusIdle, nil))
	assert.Equal(t, Idle, tr.State)
	assert.NotContains(t, tr.Message(), "installed")
}

func TestIdleAfterTriggerIsInstalled(t *testing.T) {
	t0 := time.Unix(0, 0)
	tr := Tracker{MaxWait: time.Minute}
	require.NoError(t, tr.Begin(t0))
	assert.ErrorIs(t, tr.Begin(t0), ErrUpdateInProgress)

	tr.Acknowledge(StatusStarted, nil)
	assert.Equal(t, Polling, tr.State)
	assert.False(t, tr.Observe(t0.Add(2*time.Second), StatusUpdating, nil))
	assert.False(t, tr.Observe(t0.Add(4*time.Second), "", errors.New("connection reset")), "reboot blip is retried")
	assert.True(t, tr.Observe(t0.Add(6*time.Second), StatusIdle, nil))
	assert.Equal(t, Installed, tr.State)
	assert.Contains(t, tr.Message(), "installed")
}

func TestAcknowledge(t *testing.T) {
	cases := []struct {
		status string
		err    error
		want   State
	}{
		{status: StatusStarted, want: Polling},
		{status: StatusUpdating, want: Polling},
		{status: StatusBusy, want: Busy},
		{status: "weird", want: Error},
		{err: errors.New("refused"), want: Error},
	}
	for _, tc := range cases {
		tr := Tracker{MaxWait: time.Minute}
		require.NoError(t, tr.Begin(time.Now()))
		tr.Acknowledge(tc.status, tc.err)
		assert.Equal(t, tc.want, tr.State, "status %q", tc.status)
	}
}

func TestTerminalStatuses(t *testing.T) {
	for status, want := range map[string]State{StatusUpToDate: UpToDate, StatusError: Error} {
		tr := Tracker{MaxWait: time.Minute}
		require.NoError(t, tr.Begin(time.Now()))
		tr.Acknowledge(StatusStarted, nil)
		assert.True(t, tr.Observe(time.Now(), status, nil))
		assert.Equal(t, want, tr.State)
		require.NoError(t, tr.Begin(time.Now()), "terminal state allows a new trigger")
	}
}

func TestTransportErrorsBoundedByMaxWait(t *testing.T) {
	t0 := time.Unix(0, 0)
	tr := Tracker{MaxWait: 10 * time.Second}
	require.NoError(t, tr.Begin(t0))
	tr.Acknowledge(StatusUpdating, nil)

	boom := errors.New("no route to host")
	assert.False(t, tr.Observe(t0.Add(8*time.Second), "", boom))
	assert.True(t, tr.Observe(t0.Add(10*time.Second), "", boom))
	assert.Equal(t, Error, tr.State)
	assert.ErrorIs(t, tr.Err, ErrTimeout)
}

func TestCancel(t *testing.T) {
	tr := Tracker{MaxWait: time.Minute}
	assert.False(t, tr.Cancel())
	require.NoError(t, tr.Begin(time.Now()))
	assert.True(t, tr.Cancel())
	assert.Equal(t, Idle, tr.State)
	assert.Equal(t, time.Minute, tr.MaxWait)
}
