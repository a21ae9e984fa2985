package strava

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://www.strava.com/api/v3"

// Client calls the Strava REST API. The access token is passed per call so
// the session layer stays the only owner of token state.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Limiter paces requests; nil means unlimited.
	Limiter *rate.Limiter
	// Breaker short-circuits calls after repeated server failures; nil disables it.
	Breaker *gobreaker.CircuitBreaker[[]byte]
}

type ActivitySummary struct {
	ID              int64
	Name            string
	Type            string
	SportType       string
	StartDate       time.Time
	DistanceKm      float64
	MovingTime      int
	ElapsedTime     int
	ElevationGain   float64
	GearID          string
	SummaryPolyline string
	Raw             map[string]any
}

// Series is one telemetry stream as Strava returns it.
type Series struct {
	Data         []json.RawMessage `json:"data"`
	SeriesType   string            `json:"series_type"`
	OriginalSize int               `json:"original_size"`
	Resolution   string            `json:"resolution"`
}

// StreamSet maps series type (latlng, altitude, ...) to its samples.
// A nil StreamSet means Strava has no stream data for the activity.
type StreamSet map[string]Series

type Gear struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Primary     bool    `json:"primary"`
	Distance    float64 `json:"distance"`
	Retired     bool    `json:"retired"`
	BrandName   string  `json:"brand_name"`
	ModelName   string  `json:"model_name"`
	Description string  `json:"description"`
}

func (g Gear) DistanceKm() float64 {
	return g.Distance / 1000
}

type AthleteProfile struct {
	Athlete
	City  string `json:"city"`
	Shoes []Gear `json:"shoes"`
	Bikes []Gear `json:"bikes"`
}

// NewBreaker returns a breaker that opens after five consecutive failures
// and counts only server-side failures against the API.
func NewBreaker(name string) *gobreaker.CircuitBreaker[[]byte] {
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var apiErr *ProviderError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode != 0 && apiErr.StatusCode < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

func (c *Client) ListActivities(ctx context.Context, accessToken string, after, before time.Time, page, perPage int) ([]ActivitySummary, error) {
	params := url.Values{}
	if !after.IsZero() {
		params.Set("after", fmt.Sprintf("%d", after.Unix()))
	}
	if !before.IsZero() {
		params.Set("before", fmt.Sprintf("%d", before.Unix()))
	}
	if page > 0 {
		params.Set("page", fmt.Sprintf("%d", page))
	}
	if perPage > 0 {
		params.Set("per_page", fmt.Sprintf("%d", perPage))
	}

	var raw []json.RawMessage
	if err := c.getJSON(ctx, accessToken, "/athlete/activities", params, &raw); err != nil {
		return nil, err
	}

	activities := make([]ActivitySummary, 0, len(raw))
	for _, entry := range raw {
		activity, err := decodeSummary(entry)
		if err != nil {
			return nil, err
		}
		activities = append(activities, activity)
	}
	return activities, nil
}

func decodeSummary(entry json.RawMessage) (ActivitySummary, error) {
	var payload struct {
		ID                 int64   `json:"id"`
		Name               string  `json:"name"`
		Type               string  `json:"type"`
		SportType          string  `json:"sport_type"`
		StartDate          string  `json:"start_date"`
		Distance           float64 `json:"distance"`
		MovingTime         int     `json:"moving_time"`
		ElapsedTime        int     `json:"elapsed_time"`
		TotalElevationGain float64 `json:"total_elevation_gain"`
		GearID             string  `json:"gear_id"`
		Map                struct {
			SummaryPolyline string `json:"summary_polyline"`
		} `json:"map"`
	}
	if err := json.Unmarshal(entry, &payload); err != nil {
		return ActivitySummary{}, fmt.Errorf("parse activity: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(entry, &fields); err != nil {
		return ActivitySummary{}, fmt.Errorf("parse activity fields: %w", err)
	}

	var start time.Time
	if payload.StartDate != "" {
		parsed, err := time.Parse(time.RFC3339, payload.StartDate)
		if err != nil {
			return ActivitySummary{}, fmt.Errorf("parse start_date: %w", err)
		}
		start = parsed
	}

	return ActivitySummary{
		ID:              payload.ID,
		Name:            payload.Name,
		Type:            payload.Type,
		SportType:       payload.SportType,
		StartDate:       start,
		DistanceKm:      payload.Distance / 1000,
		MovingTime:      payload.MovingTime,
		ElapsedTime:     payload.ElapsedTime,
		ElevationGain:   payload.TotalElevationGain,
		GearID:          payload.GearID,
		SummaryPolyline: payload.Map.SummaryPolyline,
		Raw:             fields,
	}, nil
}

// GetStreams requests the given series at medium resolution indexed by
// distance. A 404 (no stream recorded, e.g. a manual entry) yields a nil set.
func (c *Client) GetStreams(ctx context.Context, accessToken string, id int64, keys []string) (StreamSet, error) {
	params := url.Values{}
	params.Set("keys", strings.Join(keys, ","))
	params.Set("key_by_type", "true")
	params.Set("resolution", "medium")
	params.Set("series_type", "distance")

	var payload StreamSet
	err := c.getJSON(ctx, accessToken, fmt.Sprintf("/activities/%d/streams", id), params, &payload)
	if err != nil {
		var apiErr *ProviderError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	return payload, nil
}

// GetAthlete returns the authenticated athlete including shoes and bikes.
func (c *Client) GetAthlete(ctx context.Context, accessToken string) (AthleteProfile, error) {
	var profile AthleteProfile
	if err := c.getJSON(ctx, accessToken, "/athlete", nil, &profile); err != nil {
		return AthleteProfile{}, err
	}
	return profile, nil
}

func (c *Client) getJSON(ctx context.Context, accessToken, path string, params url.Values, target interface{}) error {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	joined, err := url.JoinPath(u.Path, path)
	if err != nil {
		return err
	}
	u.Path = joined
	if params != nil {
		u.RawQuery = params.Encode()
	}

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return &ProviderError{Err: err}
		}
	}

	fetch := func() ([]byte, error) {
		return c.fetch(ctx, accessToken, u.String())
	}
	var body []byte
	if c.Breaker != nil {
		body, err = c.Breaker.Execute(fetch)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &ProviderError{Err: fmt.Errorf("%w: %v", ErrCircuitOpen, err)}
		}
	} else {
		body, err = fetch()
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, target); err != nil {
		return &ProviderError{Err: fmt.Errorf("decode %s: %w", path, err)}
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, accessToken, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	req.Header.Set("Accept", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	logRequest(http.MethodGet, endpoint)
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ProviderError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Err: err}
	}
	return body, nil
}
