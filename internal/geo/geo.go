package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/twpayne/go-polyline"
)

// EarthRadiusKm is the mean Earth radius used by HaversineKm.
const EarthRadiusKm = 6371.0

// LatLng is a coordinate in decimal degrees.
type LatLng struct {
	Lat float64
	Lon float64
}

// Valid reports whether the coordinate lies within |lat| <= 90 and |lon| <= 180.
func (p LatLng) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Point converts to an orb point, which is ordered lon/lat.
func (p LatLng) Point() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

// Polyline is an ordered path of coordinates.
type Polyline []LatLng

// HaversineKm returns the great-circle distance between a and b in kilometres.
// Inputs are not range checked; out-of-range values are used as given.
func HaversineKm(a, b LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push h just past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// LengthKm sums the haversine distance between consecutive points.
func (p Polyline) LengthKm() float64 {
	var total float64
	for i := 1; i < len(p); i++ {
		total += HaversineKm(p[i-1], p[i])
	}
	return total
}

func (p Polyline) LineString() orb.LineString {
	ls := make(orb.LineString, 0, len(p))
	for _, c := range p {
		ls = append(ls, c.Point())
	}
	return ls
}

func (p Polyline) Bound() orb.Bound {
	return p.LineString().Bound()
}

// Pairs returns the points as [lat, lon] arrays, the order Leaflet expects.
func (p Polyline) Pairs() [][2]float64 {
	out := make([][2]float64, 0, len(p))
	for _, c := range p {
		out = append(out, [2]float64{c.Lat, c.Lon})
	}
	return out
}

// Encode returns the Google encoded-polyline form of p.
func (p Polyline) Encode() string {
	coords := make([][]float64, 0, len(p))
	for _, c := range p {
		coords = append(coords, []float64{c.Lat, c.Lon})
	}
	return string(polyline.EncodeCoords(coords))
}

// DecodePolyline parses an encoded polyline such as Strava's summary_polyline.
func DecodePolyline(encoded string) (Polyline, error) {
	if encoded == "" {
		return nil, nil
	}
	coords, rest, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode polyline: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("decode polyline: %d trailing bytes", len(rest))
	}
	out := make(Polyline, 0, len(coords))
	for _, c := range coords {
		out = append(out, LatLng{Lat: c[0], Lon: c[1]})
	}
	return out, nil
}

// Feature wraps p as a GeoJSON LineString feature.
func (p Polyline) Feature(properties map[string]any) *geojson.Feature {
	f := geojson.NewFeature(p.LineString())
	for k, v := range properties {
		f.Properties[k] = v
	}
	return f
}
