package stream

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"

	"stridemap/internal/strava"
)

func series(t *testing.T, raw string) strava.Series {
	t.Helper()
	var data []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		t.Fatalf("bad fixture %s: %v", raw, err)
	}
	return strava.Series{Data: data, SeriesType: "distance", Resolution: "medium"}
}

func TestNormalizeEmpty(t *testing.T) {
	for _, raw := range []strava.StreamSet{nil, {}} {
		table, err := Normalize(raw, DefaultSeries)
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if !table.Empty() || table.Rows() != 0 || len(table.Columns()) != 0 {
			t.Fatalf("expected empty table, got %+v", table)
		}
	}
}

func TestNormalizeKeepsRequestedOrder(t *testing.T) {
	raw := strava.StreamSet{
		"altitude": series(t, `[10, 11, 12]`),
		"latlng":   series(t, `[[1,2],[3,4],[5,6]]`),
		"watts":    series(t, `[100, 200, 300]`),
	}
	table, err := Normalize(raw, []string{"latlng", "distance", "altitude"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	cols := table.Columns()
	if len(cols) != 2 || cols[0] != "latlng" || cols[1] != "altitude" {
		t.Fatalf("unexpected columns %v", cols)
	}
	if table.Rows() != 3 {
		t.Fatalf("expected 3 rows, got %d", table.Rows())
	}
	if table.Has("watts") {
		t.Fatalf("unrequested series kept")
	}
}

func TestNormalizeMisaligned(t *testing.T) {
	raw := strava.StreamSet{
		"latlng":   series(t, `[[1,2],[3,4],[5,6]]`),
		"altitude": series(t, `[10, 11]`),
	}
	_, err := Normalize(raw, []string{"latlng", "altitude"})
	var misaligned *MisalignedError
	if !errors.As(err, &misaligned) {
		t.Fatalf("expected MisalignedError, got %v", err)
	}
	if misaligned.Series != "altitude" || misaligned.Length != 2 || misaligned.Expected != 3 {
		t.Fatalf("unexpected error fields %+v", misaligned)
	}
}

func TestExtractPolyline(t *testing.T) {
	raw := strava.StreamSet{"latlng": series(t, `[[51.5,-0.12],[51.51,-0.13]]`)}
	table, err := Normalize(raw, []string{"latlng"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	line, err := ExtractPolyline(table)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(line) != 2 || line[0].Lat != 51.5 || line[1].Lon != -0.13 {
		t.Fatalf("unexpected polyline %+v", line)
	}
}

func TestExtractPolylineMissingSeries(t *testing.T) {
	raw := strava.StreamSet{"altitude": series(t, `[1, 2]`)}
	table, err := Normalize(raw, []string{"latlng", "altitude"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	_, err = ExtractPolyline(table)
	var missing *MissingSeriesError
	if !errors.As(err, &missing) || missing.Series != LatLng {
		t.Fatalf("expected missing latlng, got %v", err)
	}
}

func TestExtractPolylineBadSample(t *testing.T) {
	raw := strava.StreamSet{"latlng": series(t, `[[1,2],[3]]`)}
	table, _ := Normalize(raw, []string{"latlng"})
	if _, err := ExtractPolyline(table); err == nil {
		t.Fatalf("expected error for one-element sample")
	}
}

func TestFloat64s(t *testing.T) {
	raw := strava.StreamSet{
		"latlng":   series(t, `[[1,2],[3,4],[5,6]]`),
		"altitude": series(t, `[10.5, null, 12]`),
	}
	table, err := Normalize(raw, []string{"latlng", "altitude"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	values, err := table.Float64s("altitude")
	if err != nil {
		t.Fatalf("float64s: %v", err)
	}
	want := []float64{10.5, 0, 12}
	for i := range want {
		if values[i] != want[i] {
			t.Fatalf("value %d: got %v want %v", i, values[i], want[i])
		}
	}
	if _, err := table.Float64s("heartrate"); err == nil {
		t.Fatalf("expected error for missing series")
	}
}
