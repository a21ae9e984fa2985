package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb/geojson"
	"github.com/tkrajina/gpxgo/gpx"

	"stridemap/internal/geo"
	"stridemap/internal/ingest"
	"stridemap/internal/strava"
	"stridemap/internal/stream"
)

var start = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

func sampleSet(t *testing.T) ([]strava.ActivitySummary, ingest.PolylineSet, stream.Table) {
	t.Helper()
	var latlng, altitude, offsets []json.RawMessage
	_ = json.Unmarshal([]byte(`[[51.5,-0.12],[51.51,-0.12]]`), &latlng)
	_ = json.Unmarshal([]byte(`[10, 12.5]`), &altitude)
	_ = json.Unmarshal([]byte(`[0, 60]`), &offsets)
	table, err := stream.Normalize(strava.StreamSet{
		"latlng":   {Data: latlng},
		"altitude": {Data: altitude},
		"time":     {Data: offsets},
	}, []string{"latlng", "altitude", "time"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	line, _ := stream.ExtractPolyline(table)

	activities := []strava.ActivitySummary{
		{ID: 1, Name: "Morning Run", Type: "Run", StartDate: start, DistanceKm: 1.2, MovingTime: 400, GearID: "g1"},
		{ID: 2, Name: "Treadmill, easy", Type: "Run", StartDate: start.Add(-24 * time.Hour), DistanceKm: 5},
	}
	set := ingest.PolylineSet{Entries: []ingest.Entry{{Activity: activities[0], Line: line, Table: table}}}
	return activities, set, table
}

func TestRowsAndCSV(t *testing.T) {
	activities, set, _ := sampleSet(t)
	rows := Rows(activities, set)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if !rows[0].HasGPS || rows[0].TrackKm < 1.0 || rows[0].TrackKm > 1.2 {
		t.Fatalf("unexpected track length %+v", rows[0])
	}
	if rows[1].HasGPS || rows[1].TrackKm != 0 {
		t.Fatalf("activity without track got a length: %+v", rows[1])
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 records, got %d", len(records))
	}
	if records[0][0] != "id" || records[0][1] != "name" || records[0][5] != "distance_km" {
		t.Fatalf("unexpected header %v", records[0])
	}
	if records[2][1] != "Treadmill, easy" {
		t.Fatalf("comma in name not quoted: %v", records[2])
	}
	if records[1][4] != "2024-01-02T10:00:00Z" {
		t.Fatalf("unexpected start date %q", records[1][4])
	}
}

func TestWriteCSVEmptyHasHeader(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "id,name,type") {
		t.Fatalf("expected header only, got %q", buf.String())
	}
}

func TestWriteCSVFileAndDump(t *testing.T) {
	dir := t.TempDir()
	activities, set, _ := sampleSet(t)

	path := filepath.Join(dir, "exports", "activities.csv")
	if err := WriteCSVFile(path, Rows(activities, set)); err != nil {
		t.Fatalf("write csv file: %v", err)
	}
	if data, err := os.ReadFile(path); err != nil || !strings.Contains(string(data), "Morning Run") {
		t.Fatalf("csv file missing content: %v", err)
	}

	dump := filepath.Join(dir, "debug", "activity_dict.json")
	if err := DumpJSON(dump, map[string]any{"id": 1, "name": "Morning Run"}); err != nil {
		t.Fatalf("dump: %v", err)
	}
	var decoded map[string]any
	data, _ := os.ReadFile(dump)
	if err := json.Unmarshal(data, &decoded); err != nil || decoded["name"] != "Morning Run" {
		t.Fatalf("dump not readable: %v %v", decoded, err)
	}
}

func TestGPX(t *testing.T) {
	activities, set, table := sampleSet(t)
	data, err := GPX(activities[0], set.Entries[0].Line, table)
	if err != nil {
		t.Fatalf("gpx: %v", err)
	}
	parsed, err := gpx.ParseBytes(data)
	if err != nil {
		t.Fatalf("parse gpx: %v", err)
	}
	if len(parsed.Tracks) != 1 || len(parsed.Tracks[0].Segments) != 1 {
		t.Fatalf("unexpected gpx structure")
	}
	points := parsed.Tracks[0].Segments[0].Points
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if points[1].Elevation.Value() != 12.5 {
		t.Fatalf("unexpected elevation %v", points[1].Elevation.Value())
	}
	if !points[1].Timestamp.Equal(start.Add(time.Minute)) {
		t.Fatalf("unexpected timestamp %v", points[1].Timestamp)
	}
	if parsed.Tracks[0].Name != "Morning Run" {
		t.Fatalf("unexpected track name %q", parsed.Tracks[0].Name)
	}
}

func TestGPXNoTrack(t *testing.T) {
	if _, err := GPX(strava.ActivitySummary{ID: 1}, geo.Polyline{}, stream.Table{}); !errors.Is(err, ErrNoTrack) {
		t.Fatalf("expected ErrNoTrack, got %v", err)
	}
}

func TestGeoJSON(t *testing.T) {
	_, set, _ := sampleSet(t)
	data, err := GeoJSON(set)
	if err != nil {
		t.Fatalf("geojson: %v", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("parse geojson: %v", err)
	}
	if len(fc.Features) != 1 {
		t.Fatalf("expected 1 feature, got %d", len(fc.Features))
	}
	if fc.Features[0].Geometry.GeoJSONType() != "LineString" {
		t.Fatalf("unexpected geometry %s", fc.Features[0].Geometry.GeoJSONType())
	}
	if fc.Features[0].Properties["name"] != "Morning Run" {
		t.Fatalf("unexpected properties %v", fc.Features[0].Properties)
	}
}
