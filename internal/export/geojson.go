package export

import (
	"github.com/paulmach/orb/geojson"

	"stridemap/internal/ingest"
)

// GeoJSON returns every track in set as a LineString feature collection.
func GeoJSON(set ingest.PolylineSet) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, e := range set.Entries {
		fc.Append(e.Line.Feature(map[string]any{
			"id":          e.Activity.ID,
			"name":        e.Activity.Name,
			"type":        e.Activity.Type,
			"start_date":  e.Activity.StartDate,
			"distance_km": e.Activity.DistanceKm,
			"track_km":    e.Line.LengthKm(),
		}))
	}
	return fc.MarshalJSON()
}
