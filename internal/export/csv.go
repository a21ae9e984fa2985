package export

import (
	"bytes"
	"encoding/csv"
	"io"
	"time"

	"github.com/jszwec/csvutil"

	"stridemap/internal/fsutil"
	"stridemap/internal/ingest"
	"stridemap/internal/strava"
)

// ActivityRow is one line of the activity table.
type ActivityRow struct {
	ID            int64     `csv:"id"`
	Name          string    `csv:"name"`
	Type          string    `csv:"type"`
	SportType     string    `csv:"sport_type"`
	StartDate     time.Time `csv:"start_date"`
	DistanceKm    float64   `csv:"distance_km"`
	TrackKm       float64   `csv:"track_km,omitempty"`
	MovingTime    int       `csv:"moving_time_s"`
	ElevationGain float64   `csv:"elevation_gain_m"`
	GearID        string    `csv:"gear_id,omitempty"`
	HasGPS        bool      `csv:"has_gps"`
}

// Rows builds table rows for activities. TrackKm is the haversine length of
// the fetched track when set holds one for the activity.
func Rows(activities []strava.ActivitySummary, set ingest.PolylineSet) []ActivityRow {
	tracks := make(map[int64]float64, len(set.Entries))
	for _, e := range set.Entries {
		tracks[e.Activity.ID] = e.Line.LengthKm()
	}

	rows := make([]ActivityRow, 0, len(activities))
	for _, a := range activities {
		trackKm, ok := tracks[a.ID]
		rows = append(rows, ActivityRow{
			ID:            a.ID,
			Name:          a.Name,
			Type:          a.Type,
			SportType:     a.SportType,
			StartDate:     a.StartDate,
			DistanceKm:    a.DistanceKm,
			TrackKm:       trackKm,
			MovingTime:    a.MovingTime,
			ElevationGain: a.ElevationGain,
			GearID:        a.GearID,
			HasGPS:        ok,
		})
	}
	return rows
}

func WriteCSV(w io.Writer, rows []ActivityRow) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	enc.AutoHeader = true
	if len(rows) == 0 {
		if err := enc.EncodeHeader(ActivityRow{}); err != nil {
			return err
		}
	}
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes rows to path, replacing any previous file.
func WriteCSVFile(path string, rows []ActivityRow) error {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}
