package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"stridemap/internal/geo"
	"stridemap/internal/strava"
	"stridemap/internal/stream"
)

// API is the part of the Strava client the fetcher needs.
type API interface {
	ListActivities(ctx context.Context, accessToken string, after, before time.Time, page, perPage int) ([]strava.ActivitySummary, error)
	GetStreams(ctx context.Context, accessToken string, id int64, keys []string) (strava.StreamSet, error)
}

const (
	defaultPerPage     = 100
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
)

type Fetcher struct {
	Strava API

	PerPage     int
	MaxAttempts int
	BackoffBase time.Duration
	// MaxBackoff caps a single wait; a Retry-After beyond it ends the retries.
	MaxBackoff time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// Entry is one activity that produced a drawable track.
type Entry struct {
	Activity strava.ActivitySummary
	Line     geo.Polyline
	Table    stream.Table
}

// Skip records an activity left out of the set and why.
type Skip struct {
	ActivityID int64
	Name       string
	Reason     string
}

type PolylineSet struct {
	Entries []Entry
	Skipped []Skip
}

func (s PolylineSet) Lines() []geo.Polyline {
	out := make([]geo.Polyline, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e.Line)
	}
	return out
}

// ListRecentActivities pages through the athlete's activities, most recent
// first, and returns those started at or after since, at most limit of them.
// A zero since or a limit of zero or less removes that bound.
func (f *Fetcher) ListRecentActivities(ctx context.Context, token strava.Token, since time.Time, limit int) ([]strava.ActivitySummary, error) {
	if f.Strava == nil {
		return nil, fmt.Errorf("strava client not configured")
	}

	perPage := f.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}

	// Without "after" Strava lists newest first, so the first activity older
	// than since ends the walk.
	var all []strava.ActivitySummary
	page := 1
	for {
		var activities []strava.ActivitySummary
		err := f.retry(ctx, "list activities", func() error {
			var err error
			activities, err = f.Strava.ListActivities(ctx, token.AccessToken, time.Time{}, time.Time{}, page, perPage)
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, activity := range activities {
			if !since.IsZero() && activity.StartDate.Before(since) {
				return f.listed(all, page), nil
			}
			all = append(all, activity)
			if limit > 0 && len(all) >= limit {
				return f.listed(all, page), nil
			}
		}
		if len(activities) < perPage {
			return f.listed(all, page), nil
		}
		page++
	}
}

func (f *Fetcher) listed(all []strava.ActivitySummary, pages int) []strava.ActivitySummary {
	log.Debug().Int("count", len(all)).Int("pages", pages).Msg("listed activities")
	return all
}

// FetchActivityStream fetches and normalizes one activity's streams. An
// activity without streams yields an empty table.
func (f *Fetcher) FetchActivityStream(ctx context.Context, token strava.Token, activityID int64, series []string) (stream.Table, error) {
	if f.Strava == nil {
		return stream.Table{}, fmt.Errorf("strava client not configured")
	}
	if len(series) == 0 {
		series = stream.DefaultSeries
	}

	var raw strava.StreamSet
	err := f.retry(ctx, "get streams", func() error {
		var err error
		raw, err = f.Strava.GetStreams(ctx, token.AccessToken, activityID, series)
		return err
	})
	if err != nil {
		return stream.Table{}, err
	}
	return stream.Normalize(raw, series)
}

// BuildPolylineSet fetches a track for every activity, in input order.
// Activities without usable GPS data are skipped; errors that would fail every
// following request (token rejected, rate limited, circuit open) end the batch.
func (f *Fetcher) BuildPolylineSet(ctx context.Context, token strava.Token, activities []strava.ActivitySummary, series []string) (PolylineSet, error) {
	if len(series) == 0 {
		series = stream.DefaultSeries
	}
	if !slices.Contains(series, stream.LatLng) {
		series = append([]string{stream.LatLng}, series...)
	}

	var set PolylineSet
	skip := func(a strava.ActivitySummary, reason string) {
		log.Info().Int64("activity_id", a.ID).Str("name", a.Name).Str("reason", reason).Msg("skipping activity")
		set.Skipped = append(set.Skipped, Skip{ActivityID: a.ID, Name: a.Name, Reason: reason})
	}

	for _, activity := range activities {
		table, err := f.FetchActivityStream(ctx, token, activity.ID, series)
		if err != nil {
			if abortsBatch(ctx, err) {
				return set, fmt.Errorf("activity %d: %w", activity.ID, err)
			}
			skip(activity, err.Error())
			continue
		}
		if table.Empty() {
			skip(activity, "no stream data")
			continue
		}

		line, err := stream.ExtractPolyline(table)
		var missing *stream.MissingSeriesError
		switch {
		case errors.As(err, &missing):
			skip(activity, "no GPS data")
			continue
		case err != nil:
			skip(activity, err.Error())
			continue
		case len(line) == 0:
			skip(activity, "no GPS data")
			continue
		}

		set.Entries = append(set.Entries, Entry{Activity: activity, Line: line, Table: table})
	}
	return set, nil
}

func abortsBatch(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return strava.IsUnauthorized(err) || strava.IsRateLimited(err) || errors.Is(err, strava.ErrCircuitOpen)
}

func (f *Fetcher) retry(ctx context.Context, op string, fn func() error) error {
	maxAttempts := f.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseSleep := f.BackoffBase
	if baseSleep <= 0 {
		baseSleep = defaultBackoffBase
	}
	maxSleep := f.MaxBackoff
	if maxSleep <= 0 {
		maxSleep = defaultMaxBackoff
	}
	sleep := f.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(err) || attempt == maxAttempts-1 {
			break
		}

		wait := baseSleep << attempt
		if after, ok := strava.RateLimitBackoff(err); ok {
			if after > maxSleep {
				break
			}
			wait = after
		}
		if wait > maxSleep {
			wait = maxSleep
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("wait", wait).Msg("retrying strava request")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	var apiErr *strava.ProviderError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
