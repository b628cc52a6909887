package controllerapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaner35/HorusByWyntro/internal/controllertest"
)

func newClient(t *testing.T) (*Client, *controllertest.Controller) {
	t.Helper()
	ctrl := controllertest.New()
	srv := httptest.NewServer(ctrl.Handler())
	t.Cleanup(srv.Close)
	return &Client{BaseURL: srv.URL + "/"}, ctrl
}

func TestVersionAndDeviceState(t *testing.T) {
	c, ctrl := newClient(t)
	ctx := context.Background()

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.2", v)

	ctrl.SetSetupMode(true)
	ds, err := c.DeviceState(ctx)
	require.NoError(t, err)
	assert.Equal(t, DeviceState{Setup: true, Suffix: "a1b2"}, ds)

	require.NoError(t, c.SkipSetup(ctx))
	ds, err = c.DeviceState(ctx)
	require.NoError(t, err)
	assert.False(t, ds.Setup)
}

func TestTriggerScan(t *testing.T) {
	c, ctrl := newClient(t)
	started, err := c.TriggerScan(context.Background())
	require.NoError(t, err)
	assert.True(t, started)

	ctrl.SetScanAccepted(false)
	started, err = c.TriggerScan(context.Background())
	require.NoError(t, err)
	assert.False(t, started)
}

func TestScanResultsEmptyIsNotNil(t *testing.T) {
	c, ctrl := newClient(t)
	list, err := c.ScanResults(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	ctrl.QueueScanResults([]controllertest.ScanResult{{SSID: "Ev", RSSI: -40, Secure: true}})
	list, err = c.ScanResults(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Network{{SSID: "Ev", RSSI: -40, Secure: true}}, list)
}

func TestConnectWiFi(t *testing.T) {
	c, ctrl := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.ConnectWiFi(ctx, Credentials{SSID: "Ev", Pass: "", Name: " Salon "}))
	assert.Equal(t, []map[string]string{{"ssid": "Ev", "pass": "", "name": "Salon"}}, ctrl.ConnectForms())

	ctrl.SetConnectStatus(http.StatusInternalServerError)
	err := c.ConnectWiFi(ctx, Credentials{SSID: "Ev"})
	require.Error(t, err)
	assert.True(t, IsStatus(err))

	ctrl.DropOnConnect(true)
	err = c.ConnectWiFi(ctx, Credentials{SSID: "Ev"})
	require.Error(t, err)
	assert.False(t, IsStatus(err), "dropped connection is a transport error")
}

func TestUpdateEndpoints(t *testing.T) {
	c, ctrl := newClient(t)
	ctx := context.Background()

	ctrl.SetOTATrigger("busy")
	st, err := c.TriggerUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "busy", st)

	ctrl.QueueOTAStatuses("updating")
	st, err = c.UpdateStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "updating", st)

	require.NoError(t, c.Reboot(ctx))
	assert.Equal(t, 1, ctrl.Reboots())
}

func TestEmptyBaseURL(t *testing.T) {
	_, err := (&Client{}).Version(context.Background())
	assert.Error(t, err)
}
