package dashboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stridemap/internal/ingest"
	"stridemap/internal/render"
	"stridemap/internal/strava"
)

func fakeStrava(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/athlete/activities":
			if r.URL.Query().Get("page") != "1" {
				_, _ = w.Write([]byte(`[]`))
				return
			}
			_, _ = w.Write([]byte(`[
  {"id":1,"name":"Morning Run","type":"Run","sport_type":"Run","start_date":"2024-03-01T07:00:00Z","distance":5000},
  {"id":2,"name":"Commute","type":"Ride","sport_type":"GravelRide","start_date":"2024-02-29T08:00:00Z","distance":12000},
  {"id":3,"name":"Treadmill","type":"Run","sport_type":"VirtualRun","start_date":"2024-02-28T18:00:00Z","distance":8000},
  {"id":4,"name":"Hills","type":"Run","sport_type":"TrailRun","start_date":"2024-02-27T07:00:00Z","distance":9000},
  {"id":5,"name":"Old run","type":"Run","start_date":"2023-12-01T07:00:00Z","distance":9000}
]`))
		case "/activities/1/streams":
			_, _ = w.Write([]byte(`{"latlng":{"data":[[51.5,-0.12],[51.51,-0.12]]},"distance":{"data":[0,1100]}}`))
		case "/activities/4/streams":
			_, _ = w.Write([]byte(`{"latlng":{"data":[[46.0,7.0],[46.01,7.01]]},"distance":{"data":[0,1300]}}`))
		case "/activities/2/streams":
			_, _ = w.Write([]byte(`{"distance":{"data":[0,100]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newCycle(t *testing.T, baseURL string) *Cycle {
	t.Helper()
	dir := t.TempDir()
	return &Cycle{
		Fetcher:   &ingest.Fetcher{Strava: &strava.Client{BaseURL: baseURL}},
		Renderer:  render.NewRenderer(render.NewRandomColors(7)),
		MapsDir:   filepath.Join(dir, "maps"),
		ExportDir: filepath.Join(dir, "exports"),
		DebugDir:  filepath.Join(dir, "debug"),
		Lookback:  30 * 24 * time.Hour,
		Limit:     30,
		Now:       func() time.Time { return time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC) },
	}
}

func TestCycleRunWritesMap(t *testing.T) {
	server := fakeStrava(t)
	cycle := newCycle(t, server.URL)

	res, err := cycle.Run(context.Background(), strava.Token{AccessToken: "a"}, GroupRun)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Activities) != 3 {
		t.Fatalf("expected 3 runs in window, got %d", len(res.Activities))
	}
	if len(res.Set.Entries) != 2 || len(res.Set.Skipped) != 1 {
		t.Fatalf("unexpected set: %d entries %d skipped", len(res.Set.Entries), len(res.Set.Skipped))
	}
	if res.Empty || res.MapPath == "" {
		t.Fatalf("expected map to be written: %+v", res)
	}
	html, err := os.ReadFile(res.MapPath)
	if err != nil {
		t.Fatalf("read map: %v", err)
	}
	if !strings.Contains(string(html), "Morning Run (2024-03-01)") || !strings.Contains(string(html), "L.control.layers") {
		t.Fatalf("map missing tracks or layer control")
	}
	if filepath.Base(res.MapPath) != "run.html" {
		t.Fatalf("unexpected map name %s", res.MapPath)
	}
	if _, err := os.Stat(res.CSVPath); err != nil {
		t.Fatalf("csv not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cycle.DebugDir, "activity_dict.json")); err != nil {
		t.Fatalf("debug dump not written: %v", err)
	}
	if last, ok := cycle.Last(GroupRun); !ok || last.ID != res.ID {
		t.Fatalf("last result not recorded")
	}
}

func TestCycleRunEmptyGroup(t *testing.T) {
	server := fakeStrava(t)
	cycle := newCycle(t, server.URL)

	res, err := cycle.Run(context.Background(), strava.Token{AccessToken: "a"}, GroupRide)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Empty || res.MapPath != "" {
		t.Fatalf("expected empty result without map, got %+v", res)
	}
	if len(res.Rows) != 1 || res.Rows[0].HasGPS {
		t.Fatalf("expected one row without GPS, got %+v", res.Rows)
	}
	if _, err := os.Stat(filepath.Join(cycle.MapsDir, MapFile(GroupRide))); !os.IsNotExist(err) {
		t.Fatalf("no map file expected, got %v", err)
	}
}

func TestCycleRunUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()
	cycle := newCycle(t, server.URL)

	_, err := cycle.Run(context.Background(), strava.Token{AccessToken: "stale"}, GroupRun)
	if !strava.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		activity strava.ActivitySummary
		want     Group
	}{
		{strava.ActivitySummary{Type: "Run"}, GroupRun},
		{strava.ActivitySummary{Type: "Run", SportType: "TrailRun"}, GroupRun},
		{strava.ActivitySummary{Type: "Ride", SportType: "MountainBikeRide"}, GroupRide},
		{strava.ActivitySummary{Type: "Ride"}, GroupRide},
		{strava.ActivitySummary{SportType: "EBikeRide"}, GroupRide},
		{strava.ActivitySummary{Type: "Swim"}, GroupOther},
		{strava.ActivitySummary{Type: "Hike"}, GroupOther},
		{strava.ActivitySummary{}, GroupOther},
	}
	for _, tc := range cases {
		if got := Classify(tc.activity); got != tc.want {
			t.Fatalf("Classify(%+v) = %s, want %s", tc.activity, got, tc.want)
		}
	}
}

func TestParseGroup(t *testing.T) {
	for in, want := range map[string]Group{"run": GroupRun, "Runs": GroupRun, "rides": GroupRide, "other": GroupOther} {
		got, ok := ParseGroup(in)
		if !ok || got != want {
			t.Fatalf("ParseGroup(%q) = %s %v", in, got, ok)
		}
	}
	if _, ok := ParseGroup("gear"); ok {
		t.Fatalf("gear is not an activity group")
	}
}
