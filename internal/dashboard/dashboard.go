package dashboard

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stridemap/internal/export"
	"stridemap/internal/ingest"
	"stridemap/internal/render"
	"stridemap/internal/strava"
)

type Group string

const (
	GroupRun   Group = "run"
	GroupRide  Group = "ride"
	GroupOther Group = "other"
)

var Groups = []Group{GroupRun, GroupRide, GroupOther}

func ParseGroup(s string) (Group, bool) {
	switch Group(strings.ToLower(strings.TrimSpace(s))) {
	case GroupRun, "runs":
		return GroupRun, true
	case GroupRide, "rides":
		return GroupRide, true
	case GroupOther:
		return GroupOther, true
	}
	return "", false
}

func (g Group) Title() string {
	switch g {
	case GroupRun:
		return "Runs"
	case GroupRide:
		return "Bike rides"
	default:
		return "Other activities"
	}
}

// Classify places an activity in a group by its sport type, falling back to
// the legacy type field.
func Classify(a strava.ActivitySummary) Group {
	kind := a.SportType
	if kind == "" {
		kind = a.Type
	}
	switch kind {
	case "Run", "TrailRun", "VirtualRun":
		return GroupRun
	}
	if strings.HasSuffix(kind, "Ride") || kind == "Velomobile" || kind == "Handcycle" {
		return GroupRide
	}
	return GroupOther
}

// Result is the outcome of one cycle.
type Result struct {
	ID         string
	Group      Group
	Activities []strava.ActivitySummary
	Set        ingest.PolylineSet
	Rows       []export.ActivityRow
	// Empty is set when no activity in the group had a GPS track; no map is
	// written then.
	Empty    bool
	MapPath  string
	CSVPath  string
	Duration time.Duration
}

// Cycle fetches the recent activities of one group, draws them and writes
// the map document and table export.
type Cycle struct {
	Fetcher  *ingest.Fetcher
	Renderer *render.Renderer

	MapsDir   string
	ExportDir string
	// DebugDir enables raw payload dumps when set.
	DebugDir string

	Lookback time.Duration
	Limit    int
	Series   []string

	Now func() time.Time

	mu   sync.Mutex
	last map[Group]Result
}

func MapFile(group Group) string {
	return string(group) + ".html"
}

// Run performs one cycle. Cycles are serialized; a second caller waits.
func (c *Cycle) Run(ctx context.Context, token strava.Token, group Group) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	began := time.Now()
	res := Result{ID: uuid.NewString(), Group: group}
	logger := log.With().Str("cycle", res.ID).Str("group", string(group)).Logger()

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	var since time.Time
	if c.Lookback > 0 {
		since = now().Add(-c.Lookback)
	}

	all, err := c.Fetcher.ListRecentActivities(ctx, token, since, c.Limit)
	if err != nil {
		return res, fmt.Errorf("list activities: %w", err)
	}
	for _, a := range all {
		if Classify(a) == group {
			res.Activities = append(res.Activities, a)
		}
	}
	if c.DebugDir != "" && len(all) > 0 {
		if err := export.DumpJSON(filepath.Join(c.DebugDir, "activity_dict.json"), all[0].Raw); err != nil {
			logger.Warn().Err(err).Msg("debug dump failed")
		}
	}

	res.Set, err = c.Fetcher.BuildPolylineSet(ctx, token, res.Activities, c.Series)
	if err != nil {
		return res, fmt.Errorf("build polylines: %w", err)
	}
	res.Rows = export.Rows(res.Activities, res.Set)

	if c.ExportDir != "" {
		res.CSVPath = filepath.Join(c.ExportDir, "activities_"+string(group)+".csv")
		if err := export.WriteCSVFile(res.CSVPath, res.Rows); err != nil {
			return res, fmt.Errorf("write csv: %w", err)
		}
	}

	tracks := make([]render.Track, 0, len(res.Set.Entries))
	for _, e := range res.Set.Entries {
		tracks = append(tracks, render.Track{Name: trackName(e.Activity), Line: e.Line})
	}
	doc, err := c.Renderer.Render(tracks)
	switch {
	case errors.Is(err, render.ErrEmptyMap):
		res.Empty = true
	case err != nil:
		return res, err
	default:
		res.MapPath = filepath.Join(c.MapsDir, MapFile(group))
		if err := doc.WriteFile(res.MapPath); err != nil {
			return res, fmt.Errorf("write map: %w", err)
		}
	}

	res.Duration = time.Since(began)
	logger.Info().
		Int("activities", len(res.Activities)).
		Int("tracks", len(res.Set.Entries)).
		Int("skipped", len(res.Set.Skipped)).
		Bool("empty", res.Empty).
		Dur("took", res.Duration).
		Msg("dashboard cycle done")

	if c.last == nil {
		c.last = map[Group]Result{}
	}
	c.last[group] = res
	return res, nil
}

// Last returns the most recent successful result for group.
func (c *Cycle) Last(group Group) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.last[group]
	return res, ok
}

// trackName labels a map layer with the activity name and start date.
func trackName(a strava.ActivitySummary) string {
	if a.StartDate.IsZero() {
		return a.Name
	}
	return a.Name + " (" + a.StartDate.Format("2006-01-02") + ")"
}
