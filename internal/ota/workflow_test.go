package ota

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/recaner35/HorusByWyntro/internal/controllerapi"
	"github.com/recaner35/HorusByWyntro/internal/controllertest"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func newWorkflow(t *testing.T) (*Workflow, *controllertest.Controller, *testclock.FakeClock) {
	t.Helper()
	ctrl := controllertest.New()
	srv := httptest.NewServer(ctrl.Handler())
	t.Cleanup(srv.Close)
	fc := testclock.NewFakeClock(time.Now())
	w := New(&controllerapi.Client{BaseURL: srv.URL}, 2*time.Second, 5*time.Minute, WithClock(fc))
	t.Cleanup(w.Cancel)
	return w, ctrl, fc
}

func TestUpdateInstalled(t *testing.T) {
	w, ctrl, fc := newWorkflow(t)
	ctrl.QueueOTAStatuses(StatusUpdating, StatusUpdating, StatusIdle)

	require.NoError(t, w.Trigger(context.Background()))
	require.Eventually(t, func() bool { return w.State() == Polling }, waitFor, tick)
	assert.ErrorIs(t, w.Trigger(context.Background()), ErrUpdateInProgress)

	for i := 1; i <= 3; i++ {
		require.Eventually(t, fc.HasWaiters, waitFor, tick)
		fc.Step(2 * time.Second)
		want := i
		require.Eventually(t, func() bool { return ctrl.OTAPolls() == want }, waitFor, tick)
	}
	require.Eventually(t, func() bool { return w.State() == Installed }, waitFor, tick)
	assert.Contains(t, w.Message(), "installed")
}

func TestUpdateBusyDoesNotPoll(t *testing.T) {
	w, ctrl, fc := newWorkflow(t)
	ctrl.SetOTATrigger(StatusBusy)

	require.NoError(t, w.Trigger(context.Background()))
	require.Eventually(t, func() bool { return w.State() == Busy }, waitFor, tick)
	fc.Step(10 * time.Second)
	assert.Never(t, func() bool { return ctrl.OTAPolls() > 0 }, 100*time.Millisecond, tick)
}

func TestProbeWithoutTrigger(t *testing.T) {
	w, ctrl, _ := newWorkflow(t)
	ctrl.QueueOTAStatuses(StatusIdle)

	view, err := w.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle, view.State)
	assert.Equal(t, "No update was started.", view.Message)
}

func TestCancelStopsPolling(t *testing.T) {
	w, ctrl, fc := newWorkflow(t)
	ctrl.QueueOTAStatuses(StatusUpdating)

	require.NoError(t, w.Trigger(context.Background()))
	require.Eventually(t, func() bool { return w.State() == Polling && fc.HasWaiters() }, waitFor, tick)
	w.Cancel()
	fc.Step(2 * time.Second)
	assert.Never(t, func() bool { return ctrl.OTAPolls() > 0 }, 100*time.Millisecond, tick)
	assert.Equal(t, Idle, w.State())
}
