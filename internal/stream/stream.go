package stream

import (
	"fmt"

	"github.com/goccy/go-json"

	"stridemap/internal/geo"
	"stridemap/internal/strava"
)

const LatLng = "latlng"

// DefaultSeries are the series requested when the caller does not choose.
var DefaultSeries = []string{"latlng", "distance", "altitude", "time", "heartrate"}

// MissingSeriesError is returned when a required series is absent.
type MissingSeriesError struct {
	Series string
}

func (e *MissingSeriesError) Error() string {
	return fmt.Sprintf("stream series %q missing", e.Series)
}

// MisalignedError is returned when series in one stream set differ in length.
type MisalignedError struct {
	Series   string
	Length   int
	Expected int
}

func (e *MisalignedError) Error() string {
	return fmt.Sprintf("stream series %q has %d samples, expected %d", e.Series, e.Length, e.Expected)
}

// Table is a normalized stream set: named columns of equal length, one row
// per sample point.
type Table struct {
	columns []string
	data    map[string][]json.RawMessage
	rows    int
}

// Normalize turns a raw stream set into a table holding the requested
// series, in requested order. Series Strava did not return are left out.
func Normalize(raw strava.StreamSet, requested []string) (Table, error) {
	table := Table{data: map[string][]json.RawMessage{}}
	if len(raw) == 0 {
		return table, nil
	}

	expected := -1
	for _, name := range requested {
		series, ok := raw[name]
		if !ok {
			continue
		}
		if _, dup := table.data[name]; dup {
			continue
		}
		if expected < 0 {
			expected = len(series.Data)
		} else if len(series.Data) != expected {
			return Table{}, &MisalignedError{Series: name, Length: len(series.Data), Expected: expected}
		}
		table.columns = append(table.columns, name)
		table.data[name] = series.Data
	}
	if expected > 0 {
		table.rows = expected
	}
	return table, nil
}

func (t Table) Rows() int { return t.rows }

func (t Table) Empty() bool { return t.rows == 0 }

func (t Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

func (t Table) Has(name string) bool {
	_, ok := t.data[name]
	return ok
}

// Float64s decodes a numeric series. Samples that are null or not numbers
// decode as zero.
func (t Table) Float64s(name string) ([]float64, error) {
	col, ok := t.data[name]
	if !ok {
		return nil, &MissingSeriesError{Series: name}
	}
	out := make([]float64, len(col))
	for i, raw := range col {
		var v *float64
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if v != nil {
			out[i] = *v
		}
	}
	return out, nil
}

// ExtractPolyline decodes the latlng series into a polyline.
func ExtractPolyline(t Table) (geo.Polyline, error) {
	col, ok := t.data[LatLng]
	if !ok {
		return nil, &MissingSeriesError{Series: LatLng}
	}
	line := make(geo.Polyline, 0, len(col))
	for i, raw := range col {
		var pair []float64
		if err := json.Unmarshal(raw, &pair); err != nil {
			return nil, fmt.Errorf("latlng sample %d: %w", i, err)
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("latlng sample %d: expected 2 values, got %d", i, len(pair))
		}
		line = append(line, geo.LatLng{Lat: pair[0], Lon: pair[1]})
	}
	return line, nil
}
