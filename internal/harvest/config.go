package harvest

import (
	"fmt"
	"log/slog"
	"omoharvest-backend/internal/components/configutil"
	"omoharvest-backend/internal/components/telemetry"
	"omoharvest-backend/internal/scrapers/bubble/auth"
	"omoharvest-backend/internal/scrapers/bubble/cipher"
	"omoharvest-backend/internal/scrapers/bubble/search"
	"omoharvest-backend/internal/scrapers/bubble/session"
	"os"
	"time"
)

const DefaultRecordType = "custom.order"

type PacingConfig struct {
	PageDelayMs int `json:"page_delay_ms"`
	DayDelayMs  int `json:"day_delay_ms"`
	// Disabled turns every wait off, only meant for tests and local fakes.
	Disabled bool `json:"disabled"`
}

// JobConfig is one credential set and date range of a batch.
type JobConfig struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	From     string `json:"from"`
	To       string `json:"to"`
	MaxPages int    `json:"max_pages"`
	Output   string `json:"output"`
	Out      string `json:"out"`
}

func (j JobConfig) Options() Options {
	return Options{
		Email:    j.Email,
		Password: j.Password,
		MaxPages: j.MaxPages,
		Output:   j.Output,
		Out:      j.Out,
		From:     j.From,
		To:       j.To,
	}
}

type Config struct {
	BaseURL    string `json:"base_url"`
	AppName    string `json:"app_name"`
	RecordType string `json:"record_type"`
	DateField  string `json:"date_field"`
	// Timezone is the IANA zone calendar days are cut in, defaults to UTC.
	Timezone         string  `json:"timezone"`
	ClientVersion    string  `json:"client_version"`
	BreakingRevision string  `json:"breaking_revision"`
	UserAgent        string  `json:"user_agent"`
	TimeoutSeconds   int     `json:"timeout_seconds"`
	RateLimit        float64 `json:"rate_limit"`
	CloudflareBypass bool    `json:"cloudflare_bypass"`
	// LegacyPadding accepts payloads with invalid padding instead of failing.
	LegacyPadding bool `json:"legacy_padding"`
	// DumpDir receives a file per http exchange when set.
	DumpDir string `json:"dump_dir"`

	Pacing PacingConfig         `json:"pacing"`
	Auth   auth.Options         `json:"auth"`
	Log    telemetry.LogConfig  `json:"log"`
	Otlp   telemetry.OtlpConfig `json:"otlp"`

	Concurrency int         `json:"concurrency"`
	Jobs        []JobConfig `json:"jobs"`
}

// LoadConfig reads a json5 config (and its .local override) and fills in the
// defaults. A relative path is looked up from the working directory upward.
func LoadConfig(path string) (Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}
	return LoadConfigFrom(wd, path)
}

// LoadConfigFrom is LoadConfig with the lookup starting in dir.
func LoadConfigFrom(dir, path string) (Config, error) {
	cfg, found, err := configutil.FindConfig[Config](dir, path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	slog.Debug("config loaded", "path", found)
	return cfg.WithDefaults()
}

func (c Config) WithDefaults() (Config, error) {
	if c.BaseURL == "" {
		return c, fmt.Errorf("base_url is required")
	}
	if c.AppName == "" {
		return c, fmt.Errorf("app_name is required")
	}
	if c.RecordType == "" {
		c.RecordType = DefaultRecordType
	}
	if c.DateField == "" {
		c.DateField = search.DefaultDateField
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Pacing.PageDelayMs == 0 {
		c.Pacing.PageDelayMs = int(search.DefaultPacing.PageDelay / time.Millisecond)
	}
	if c.Pacing.DayDelayMs == 0 {
		c.Pacing.DayDelayMs = int(search.DefaultPacing.DayDelay / time.Millisecond)
	}
	_, err := c.Location()
	if err != nil {
		return c, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return c, nil
}

func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c Config) Mode() cipher.Mode {
	if c.LegacyPadding {
		return cipher.LegacyTolerant
	}
	return cipher.Strict
}

func (c Config) SearchPacing() search.Pacing {
	if c.Pacing.Disabled {
		return search.NoPacing
	}
	return search.Pacing{
		PageDelay: time.Duration(c.Pacing.PageDelayMs) * time.Millisecond,
		DayDelay:  time.Duration(c.Pacing.DayDelayMs) * time.Millisecond,
	}
}

func (c Config) SessionOptions() session.Options {
	return session.Options{
		BaseURL:          c.BaseURL,
		AppName:          c.AppName,
		Timeout:          time.Duration(c.TimeoutSeconds) * time.Second,
		UserAgent:        c.UserAgent,
		ClientVersion:    c.ClientVersion,
		BreakingRevision: c.BreakingRevision,
		RateLimit:        c.RateLimit,
		CloudflareBypass: c.CloudflareBypass,
	}
}
