package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVER_ADDR", "BASE_URL", "STRAVA_CLIENT_ID", "CLIENT_ID", "STRAVA_CLIENT_SECRET", "CLIENT_SECRET",
		"STRAVA_REFRESH_TOKEN", "REFRESH_TOKEN", "SESSION_STORE", "ACTIVITY_LIMIT", "LOOKBACK_DAYS",
		"STRAVA_SCOPES", "STREAM_SERIES", "HTTP_TIMEOUT_SECONDS", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerAddr != ":8080" || cfg.ActivityLimit != 30 || cfg.LookbackDays != 30 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.StravaRedirectURL != "http://127.0.0.1:8080/connect/strava/callback" {
		t.Fatalf("unexpected redirect %q", cfg.StravaRedirectURL)
	}
	if len(cfg.StravaScopes) != 3 || cfg.StravaScopes[2] != "activity:read_all" {
		t.Fatalf("unexpected scopes %v", cfg.StravaScopes)
	}
	if cfg.HTTPTimeout() != 15*time.Second || cfg.Lookback() != 30*24*time.Hour {
		t.Fatalf("unexpected durations %s %s", cfg.HTTPTimeout(), cfg.Lookback())
	}
	if cfg.SessionStore != "memory" || cfg.HasCredentials() {
		t.Fatalf("unexpected store or credentials %+v", cfg)
	}
}

func TestLoadDotEnvThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	content := strings.Join([]string{
		"# local settings",
		"CLIENT_ID=12345",
		`CLIENT_SECRET="from-file"`,
		"ACTIVITY_LIMIT=10",
		"BASE_URL=http://localhost:9000/",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("STRAVA_CLIENT_SECRET", "from-env")
	t.Setenv("SESSION_STORE", "SQLite")
	t.Setenv("STREAM_SERIES", "latlng, altitude")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StravaClientID != "12345" {
		t.Fatalf("alias CLIENT_ID not applied: %q", cfg.StravaClientID)
	}
	if cfg.StravaClientSecret != "from-env" {
		t.Fatalf("env should win over file: %q", cfg.StravaClientSecret)
	}
	if cfg.ActivityLimit != 10 {
		t.Fatalf("expected limit from file, got %d", cfg.ActivityLimit)
	}
	if cfg.StravaRedirectURL != "http://localhost:9000/connect/strava/callback" {
		t.Fatalf("unexpected redirect %q", cfg.StravaRedirectURL)
	}
	if cfg.SessionStore != "sqlite" {
		t.Fatalf("unexpected store %q", cfg.SessionStore)
	}
	if len(cfg.StreamSeries) != 2 || cfg.StreamSeries[1] != "altitude" {
		t.Fatalf("unexpected series %v", cfg.StreamSeries)
	}
	if !cfg.HasCredentials() {
		t.Fatalf("expected credentials")
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"ACTIVITY_LIMIT":       "many",
		"HTTP_TIMEOUT_SECONDS": "0",
		"SESSION_STORE":        "redis",
		"LOOKBACK_DAYS":        "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := Load("")
			if err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("error should name %s: %v", key, err)
			}
		})
	}
}
