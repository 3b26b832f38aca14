package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// OrganizerConfig is the sender written into every invite.
type OrganizerConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// InviteConfig controls the generated calendar file.
type InviteConfig struct {
	ProductID string          `yaml:"product_id"`
	UIDDomain string          `yaml:"uid_domain"`
	Method    string          `yaml:"method"`
	Organizer OrganizerConfig `yaml:"organizer"`
}

// BookingsConfig lists the sources of existing bookings.
type BookingsConfig struct {
	// CSV is a start,end[,title] file; accepted slots can be appended to it.
	CSV string `yaml:"csv"`
	// ICS files whose events count as busy.
	ICS []string `yaml:"ics"`
	// GoogleCalendarIDs are read through every authenticated Google account.
	GoogleCalendarIDs []string `yaml:"google_calendar_ids"`
	// CacheTTL bounds how long the HTTP server reuses loaded bookings.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// CalDAVConfig configures publishing to a CalDAV calendar.
type CalDAVConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	CalendarName string `yaml:"calendar_name"`
}

// Enabled reports whether enough is configured to publish.
func (c CalDAVConfig) Enabled() bool {
	return c.Username != "" && c.CalendarName != ""
}

// PublishConfig controls the publish command.
type PublishConfig struct {
	StateFile string `yaml:"state_file"`
	Cron      string `yaml:"cron"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA zone used for intake times without an offset.
	Timezone string `yaml:"timezone"`
	// DefaultDuration is the slot length used when a row has no end time.
	DefaultDuration time.Duration `yaml:"default_duration"`
	// Policy is the default conflict policy ("reject" or "first-wins").
	Policy string `yaml:"policy"`

	Invite   InviteConfig   `yaml:"invite"`
	Bookings BookingsConfig `yaml:"bookings"`
	CalDAV   CalDAVConfig   `yaml:"caldav"`
	Publish  PublishConfig  `yaml:"publish"`
	Server   ServerConfig   `yaml:"server"`

	GoogleClientID     string `yaml:"-"`
	GoogleClientSecret string `yaml:"-"`
	LogLevel           string `yaml:"-"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Policy == "" {
		c.Policy = "reject"
	}
	if c.Invite.ProductID == "" {
		c.Invite.ProductID = "-//smartsched//Scheduling Assistant//EN"
	}
	if c.Invite.UIDDomain == "" {
		c.Invite.UIDDomain = "smartsched.local"
	}
	if c.Invite.Method == "" {
		c.Invite.Method = "REQUEST"
	}
	if c.Bookings.CacheTTL <= 0 {
		c.Bookings.CacheTTL = 5 * time.Minute
	}
	if c.Publish.StateFile == "" {
		c.Publish.StateFile = "publish-state.json"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = 5 << 20
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load reads the YAML file at path (if any), applies environment overrides
// and fills in defaults. An empty path or a missing file yields the defaults
// plus environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.Normalize()

	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("PRIMARY_TIMEZONE", &c.Timezone)
	str("LOG_LEVEL", &c.LogLevel)
	str("SMARTSCHED_POLICY", &c.Policy)
	str("SMARTSCHED_LISTEN", &c.Server.Listen)
	str("SMARTSCHED_BOOKINGS_CSV", &c.Bookings.CSV)
	list("SMARTSCHED_BOOKINGS_ICS", &c.Bookings.ICS)
	list("GOOGLE_CALENDAR_IDS", &c.Bookings.GoogleCalendarIDs)
	str("GOOGLE_CLIENT_ID", &c.GoogleClientID)
	str("GOOGLE_CLIENT_SECRET", &c.GoogleClientSecret)
	str("CALDAV_ENDPOINT", &c.CalDAV.Endpoint)
	str("CALDAV_USERNAME", &c.CalDAV.Username)
	str("CALDAV_PASSWORD", &c.CalDAV.Password)
	str("CALDAV_CALENDAR_NAME", &c.CalDAV.CalendarName)
	str("ORGANIZER_NAME", &c.Invite.Organizer.Name)
	str("ORGANIZER_EMAIL", &c.Invite.Organizer.Email)

	if v, ok := lookup("DEFAULT_DURATION_MINUTES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid DEFAULT_DURATION_MINUTES %q", v)
		}
		c.DefaultDuration = time.Duration(n) * time.Minute
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
	}
	return loc, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
