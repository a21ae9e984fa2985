package export

import (
	"errors"
	"time"

	"github.com/tkrajina/gpxgo/gpx"

	"stridemap/internal/geo"
	"stridemap/internal/strava"
	"stridemap/internal/stream"
)

const gpxCreator = "stridemap"

var ErrNoTrack = errors.New("activity has no GPS track")

// GPX renders one activity track as GPX 1.1. Elevation and timestamps are
// taken from the altitude and time series when the table has them.
func GPX(activity strava.ActivitySummary, line geo.Polyline, table stream.Table) ([]byte, error) {
	if len(line) == 0 {
		return nil, ErrNoTrack
	}

	altitude, _ := table.Float64s("altitude")
	offsets, _ := table.Float64s("time")

	segment := gpx.GPXTrackSegment{}
	for i, p := range line {
		point := gpx.GPXPoint{
			Point: gpx.Point{Latitude: p.Lat, Longitude: p.Lon},
		}
		if i < len(altitude) {
			point.Elevation = *gpx.NewNullableFloat64(altitude[i])
		}
		if i < len(offsets) && !activity.StartDate.IsZero() {
			point.Timestamp = activity.StartDate.Add(time.Duration(offsets[i] * float64(time.Second)))
		}
		segment.Points = append(segment.Points, point)
	}

	doc := gpx.GPX{
		Version: "1.1",
		Creator: gpxCreator,
		Name:    activity.Name,
		Tracks: []gpx.GPXTrack{{
			Name:     activity.Name,
			Type:     activity.Type,
			Segments: []gpx.GPXTrackSegment{segment},
		}},
	}
	if !activity.StartDate.IsZero() {
		start := activity.StartDate
		doc.Time = &start
	}
	return doc.ToXml(gpx.ToXmlParams{Version: "1.1", Indent: true})
}
