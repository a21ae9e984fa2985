package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	ServerAddr string `koanf:"SERVER_ADDR"`
	BaseURL    string `koanf:"BASE_URL"`

	StravaClientID     string `koanf:"STRAVA_CLIENT_ID"`
	StravaClientSecret string `koanf:"STRAVA_CLIENT_SECRET"`
	StravaRefreshToken string `koanf:"STRAVA_REFRESH_TOKEN"`
	StravaBaseURL      string `koanf:"STRAVA_BASE_URL"`
	StravaAuthBaseURL  string `koanf:"STRAVA_AUTH_BASE_URL"`
	StravaScopesRaw    string `koanf:"STRAVA_SCOPES"`
	StravaRatePerMin   int    `koanf:"STRAVA_RATE_PER_MINUTE"`

	SessionStore string `koanf:"SESSION_STORE"`
	DatabasePath string `koanf:"DATABASE_PATH"`

	MapsDir      string `koanf:"MAPS_DIR"`
	ExportDir    string `koanf:"EXPORT_DIR"`
	DebugDumpDir string `koanf:"DEBUG_DUMP_DIR"`

	ActivityLimit      int    `koanf:"ACTIVITY_LIMIT"`
	LookbackDays       int    `koanf:"LOOKBACK_DAYS"`
	StreamSeriesRaw    string `koanf:"STREAM_SERIES"`
	HTTPTimeoutSeconds int    `koanf:"HTTP_TIMEOUT_SECONDS"`
	ColorSeed          int    `koanf:"COLOR_SEED"`

	LogLevel  string `koanf:"LOG_LEVEL"`
	LogFormat string `koanf:"LOG_FORMAT"`

	// Derived after loading.
	StravaRedirectURL string   `koanf:"-"`
	StravaScopes      []string `koanf:"-"`
	StreamSeries      []string `koanf:"-"`
}

func defaults() Config {
	return Config{
		ServerAddr:         ":8080",
		BaseURL:            "http://127.0.0.1:8080",
		StravaBaseURL:      "https://www.strava.com/api/v3",
		StravaAuthBaseURL:  "https://www.strava.com",
		StravaScopesRaw:    "read_all,profile:read_all,activity:read_all",
		StravaRatePerMin:   40,
		SessionStore:       "memory",
		DatabasePath:       "stridemap.db",
		MapsDir:            "data/maps",
		ExportDir:          "data/exports",
		ActivityLimit:      30,
		LookbackDays:       30,
		StreamSeriesRaw:    "latlng,distance,altitude,time,heartrate",
		HTTPTimeoutSeconds: 15,
		ColorSeed:          1,
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// aliases maps the short names older setups used to the current keys.
var aliases = map[string]string{
	"CLIENT_ID":     "STRAVA_CLIENT_ID",
	"CLIENT_SECRET": "STRAVA_CLIENT_SECRET",
	"REFRESH_TOKEN": "STRAVA_REFRESH_TOKEN",
}

var intKeys = []string{
	"STRAVA_RATE_PER_MINUTE",
	"ACTIVITY_LIMIT",
	"LOOKBACK_DAYS",
	"HTTP_TIMEOUT_SECONDS",
	"COLOR_SEED",
}

// Load reads defaults, then the optional .env file at path, then the process
// environment. Later sources win.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), dotenv.Parser()); err != nil {
				return Config{}, fmt.Errorf("load %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	known := map[string]bool{}
	for _, key := range k.Keys() {
		known[key] = true
	}
	if err := k.Load(env.Provider("", ".", func(s string) string {
		if known[s] {
			return s
		}
		if _, ok := aliases[s]; ok {
			return s
		}
		return ""
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	for alias, key := range aliases {
		if k.String(key) == "" && k.String(alias) != "" {
			if err := k.Set(key, k.String(alias)); err != nil {
				return Config{}, err
			}
		}
	}

	for _, key := range intKeys {
		if _, err := strconv.Atoi(strings.TrimSpace(k.String(key))); err != nil {
			return Config{}, fmt.Errorf("%s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, err
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.StravaRedirectURL = joinURL(cfg.BaseURL, "/connect/strava/callback")
	cfg.StravaScopes = splitAndTrim(cfg.StravaScopesRaw)
	cfg.StreamSeries = splitAndTrim(cfg.StreamSeriesRaw)
	cfg.SessionStore = strings.ToLower(strings.TrimSpace(cfg.SessionStore))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.SessionStore {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("SESSION_STORE: unknown store %q", c.SessionStore)
	}
	if c.ActivityLimit < 0 {
		return errors.New("ACTIVITY_LIMIT: must not be negative")
	}
	if c.LookbackDays < 0 {
		return errors.New("LOOKBACK_DAYS: must not be negative")
	}
	if c.HTTPTimeoutSeconds <= 0 {
		return errors.New("HTTP_TIMEOUT_SECONDS: must be positive")
	}
	return nil
}

// HasCredentials reports whether the Strava app credentials are set.
func (c Config) HasCredentials() bool {
	return c.StravaClientID != "" && c.StravaClientSecret != ""
}

func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

func (c Config) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func joinURL(base, path string) string {
	if base == "" {
		return ""
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
