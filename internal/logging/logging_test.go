package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Config{Level: "warn", Format: "json", Output: &buf}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"k":"v"`) || !strings.Contains(out, `"level":"warn"`) {
		t.Fatalf("unexpected json output: %s", out)
	}
}

func TestInitRejectsUnknown(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Config{Format: "xml", Output: &buf}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if err := Init(Config{Level: "loud", Output: &buf}); err == nil || !strings.Contains(err.Error(), "LOG_LEVEL") {
		t.Fatalf("expected LOG_LEVEL error, got %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("unknown level should fall back to info")
	}
}
