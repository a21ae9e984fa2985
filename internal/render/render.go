package render

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"stridemap/internal/fsutil"
	"stridemap/internal/geo"
)

const DefaultZoom = 14

var ErrEmptyMap = errors.New("no polylines to render")

var (
	//go:embed map.html.tmpl
	mapHTML     string
	mapTemplate = template.Must(template.New("map").Parse(mapHTML))
)

type TileLayer struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Attribution string `json:"attribution"`
}

// DefaultTiles is the base layer set of every map; the first one is shown.
var DefaultTiles = []TileLayer{
	{
		Name:        "OpenStreetMap",
		URL:         "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
		Attribution: "&copy; OpenStreetMap contributors",
	},
	{
		Name:        "CartoDB Positron",
		URL:         "https://{s}.basemaps.cartocdn.com/light_all/{z}/{x}/{y}{r}.png",
		Attribution: "&copy; OpenStreetMap contributors &copy; CARTO",
	},
	{
		Name:        "CartoDB Dark Matter",
		URL:         "https://{s}.basemaps.cartocdn.com/dark_all/{z}/{x}/{y}{r}.png",
		Attribution: "&copy; OpenStreetMap contributors &copy; CARTO",
	},
}

// Track is one activity to draw.
type Track struct {
	Name string
	Line geo.Polyline
}

type Path struct {
	Name   string       `json:"name"`
	Color  string       `json:"color"`
	Points [][2]float64 `json:"points"`
}

// Document is a rendered map. It is rebuilt from scratch on every render.
type Document struct {
	Title        string
	Center       [2]float64
	Zoom         int
	Tiles        []TileLayer
	Paths        []Path
	LayerControl bool
	HTML         []byte
}

type Renderer struct {
	Colors ColorSource
	Tiles  []TileLayer
	Zoom   int
	Title  string
}

func NewRenderer(colors ColorSource) *Renderer {
	return &Renderer{Colors: colors}
}

// Render draws every track with points. Tracks without points are left out;
// if none remain ErrEmptyMap is returned.
func (r *Renderer) Render(tracks []Track) (*Document, error) {
	drawable := make([]Track, 0, len(tracks))
	for _, track := range tracks {
		if len(track.Line) > 0 {
			drawable = append(drawable, track)
		}
	}
	if len(drawable) == 0 {
		return nil, ErrEmptyMap
	}

	colors := r.Colors
	if colors == nil && len(drawable) > 1 {
		colors = NewRandomColors(1)
	}
	palette := pickColors(len(drawable), colors)

	doc := &Document{
		Title:        r.Title,
		Center:       [2]float64{drawable[0].Line[0].Lat, drawable[0].Line[0].Lon},
		Zoom:         r.Zoom,
		Tiles:        r.Tiles,
		LayerControl: len(drawable) > 1,
	}
	if doc.Zoom == 0 {
		doc.Zoom = DefaultZoom
	}
	if len(doc.Tiles) == 0 {
		doc.Tiles = DefaultTiles
	}
	if doc.Title == "" {
		doc.Title = "stridemap"
	}
	names := layerNames(drawable)
	for i, track := range drawable {
		doc.Paths = append(doc.Paths, Path{
			Name:   names[i],
			Color:  palette[i],
			Points: track.Line.Pairs(),
		})
	}

	var buf bytes.Buffer
	if err := mapTemplate.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("render map: %w", err)
	}
	doc.HTML = buf.Bytes()
	return doc, nil
}

// layerNames gives every track its own layer-control label. Unnamed tracks
// become "track N"; a repeated name gets a " (2)", " (3)" ... suffix.
func layerNames(tracks []Track) []string {
	names := make([]string, len(tracks))
	taken := map[string]bool{}
	seen := map[string]int{}
	for i, track := range tracks {
		base := strings.TrimSpace(track.Name)
		if base == "" {
			base = fmt.Sprintf("track %d", i+1)
		}
		name := base
		for taken[name] {
			seen[base]++
			name = fmt.Sprintf("%s (%d)", base, seen[base]+1)
		}
		taken[name] = true
		names[i] = name
	}
	return names
}

// WriteFile replaces path with the document through a temp file and rename,
// so readers never see a partial map.
func (d *Document) WriteFile(path string) error {
	return fsutil.WriteFileAtomic(path, d.HTML, 0o644)
}
