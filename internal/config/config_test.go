package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "reject", cfg.Policy)
	assert.Equal(t, "REQUEST", cfg.Invite.Method)
	assert.Equal(t, "publish-state.json", cfg.Publish.StateFile)
	assert.Equal(t, int64(5<<20), cfg.Server.MaxUploadBytes)
	assert.False(t, cfg.CalDAV.Enabled())
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smartsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timezone: Europe/Berlin
default_duration: 30m
policy: first-wins
invite:
  uid_domain: clinic.example
  organizer:
    name: Clinic
    email: reception@clinic.example
bookings:
  csv: existing_bookings.csv
  ics: [holidays.ics]
  cache_ttl: 1m
caldav:
  username: me@example.com
  calendar_name: Appointments
server:
  listen: ":9090"
  read_timeout: 5s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, 30*time.Minute, cfg.DefaultDuration)
	assert.Equal(t, "first-wins", cfg.Policy)
	assert.Equal(t, "clinic.example", cfg.Invite.UIDDomain)
	assert.Equal(t, "reception@clinic.example", cfg.Invite.Organizer.Email)
	assert.Equal(t, []string{"holidays.ics"}, cfg.Bookings.ICS)
	assert.Equal(t, time.Minute, cfg.Bookings.CacheTTL)
	assert.True(t, cfg.CalDAV.Enabled())
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout, "default kept")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "smartsched.local", cfg.Invite.UIDDomain)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PRIMARY_TIMEZONE", "UTC")
	t.Setenv("GOOGLE_CALENDAR_IDS", "primary, team@group.calendar.google.com ,")
	t.Setenv("CALDAV_CALENDAR_NAME", "Clinic")
	t.Setenv("DEFAULT_DURATION_MINUTES", "45")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "team@group.calendar.google.com"}, cfg.Bookings.GoogleCalendarIDs)
	assert.Equal(t, "Clinic", cfg.CalDAV.CalendarName)
	assert.Equal(t, 45*time.Minute, cfg.DefaultDuration)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("PRIMARY_TIMEZONE", "Mars/Olympus")
	_, err := Load("")
	assert.Error(t, err)
}

func TestApplyEnv_BadDuration(t *testing.T) {
	cfg := &Config{}
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "DEFAULT_DURATION_MINUTES" {
			return "half an hour", true
		}
		return "", false
	})
	assert.Error(t, err)
}
