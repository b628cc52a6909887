package devicestate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaner35/HorusByWyntro/internal/dispatch"
	"github.com/recaner35/HorusByWyntro/internal/protocol"
)

type captureDispatcher struct {
	intents []dispatch.SettingsIntent
	err     error
}

func (c *captureDispatcher) Settings(in dispatch.SettingsIntent) error {
	if c.err != nil {
		return c.err
	}
	c.intents = append(c.intents, in)
	return nil
}

func TestApplyPartialMergesPresentFieldsOnly(t *testing.T) {
	s := New(nil)
	before := s.Snapshot()

	s.ApplyPartial(protocol.SettingsUpdate{TPD: protocol.Ptr(1200)})
	after := s.Snapshot()
	assert.Equal(t, 1200, after.TPD)

	after.TPD = before.TPD
	assert.Equal(t, before, after, "only tpd may change")
	assert.True(t, s.Seen())
}

func TestApplyPartialKeepsZeroValues(t *testing.T) {
	s := New(nil)
	s.ApplyPartial(protocol.SettingsUpdate{Running: protocol.Ptr(true), Dir: protocol.Ptr(protocol.DirCCW)})
	s.ApplyPartial(protocol.SettingsUpdate{Running: protocol.Ptr(false), Dir: protocol.Ptr(protocol.DirCW)})

	got := s.Snapshot()
	assert.False(t, got.Running)
	assert.Equal(t, protocol.DirCW, got.Dir)
}

func TestApplyPartialIgnoresInvalidDir(t *testing.T) {
	s := New(nil)
	s.ApplyPartial(protocol.SettingsUpdate{Dir: protocol.Ptr(protocol.Direction(7)), Dur: protocol.Ptr(20)})
	got := s.Snapshot()
	assert.Equal(t, protocol.DefaultDirection, got.Dir)
	assert.Equal(t, 20, got.Dur)
}

func TestSubscribersNotified(t *testing.T) {
	s := New(nil)
	var got []protocol.DeviceSettings
	unsubscribe := s.Subscribe(func(ds protocol.DeviceSettings) { got = append(got, ds) })

	s.ApplyPartial(protocol.SettingsUpdate{})
	assert.Empty(t, got, "empty update is not a change")

	s.ApplyPartial(protocol.SettingsUpdate{Name: protocol.Ptr("Salon")})
	require.Len(t, got, 1)
	assert.Equal(t, "Salon", got[0].Name)

	unsubscribe()
	s.ApplyPartial(protocol.SettingsUpdate{Name: protocol.Ptr("Mutfak")})
	assert.Len(t, got, 1)
}

func TestDispatchSettingsDoesNotMutate(t *testing.T) {
	d := &captureDispatcher{}
	s := New(d)
	require.NoError(t, s.DispatchSettings(dispatch.SettingsIntent{Dur: 15}))
	assert.Len(t, d.intents, 1)
	assert.Equal(t, protocol.DefaultDur, s.Snapshot().Dur)
}

func TestRestoreBeforeFirstUpdate(t *testing.T) {
	s := New(nil)
	cached := protocol.DeviceSettings{TPD: 600, Dur: 30, Dir: protocol.DirCW, Name: "Salon", Suffix: "ab12"}
	s.Restore(cached)
	assert.Equal(t, cached, s.Snapshot())
	assert.False(t, s.Seen())

	s.ApplyPartial(protocol.SettingsUpdate{TPD: protocol.Ptr(700)})
	s.Restore(protocol.DeviceSettings{TPD: 1})
	assert.Equal(t, 700, s.Snapshot().TPD)
}

func TestRenamePredictsHost(t *testing.T) {
	d := &captureDispatcher{}
	s := New(d)
	s.ApplyPartial(protocol.SettingsUpdate{Suffix: protocol.Ptr("a1b2")})

	host, err := s.Rename("  Oturma Odası  ")
	require.NoError(t, err)
	assert.Equal(t, "oturma-odasi-a1b2.local", host)
	require.Len(t, d.intents, 1)
	assert.Equal(t, "  Oturma Odası  ", *d.intents[0].Name)

	_, err = New(&captureDispatcher{err: dispatch.ErrEmptyName}).Rename(" ")
	assert.ErrorIs(t, err, dispatch.ErrEmptyName)
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Horus":            "horus",
		"Çalışma Odası":    "calisma-odasi",
		"  --Salon #2--  ": "salon-2",
		"Über Öl":          "uber-ol",
		"!!!":              FallbackSlug,
		"":                 FallbackSlug,
		"Şömine_Üstü":      "somine-ustu",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slug(in), "input %q", in)
	}
	assert.Equal(t, "horus.local", PredictHost("", ""))
	assert.Equal(t, "salon-ab12.local", PredictHost("Salon", "AB12"))
}
