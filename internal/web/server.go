package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog/log"

	"stridemap/internal/dashboard"
	"stridemap/internal/export"
	"stridemap/internal/session"
	"stridemap/internal/strava"
)

//go:embed templates/*.html
var templatesFS embed.FS

// AthleteAPI loads the athlete profile for the gear page.
type AthleteAPI interface {
	GetAthlete(ctx context.Context, accessToken string) (strava.AthleteProfile, error)
}

type Server struct {
	sessions  *session.Manager
	cycle     *dashboard.Cycle
	athletes  AthleteAPI
	templates map[string]*template.Template
	opts      Options
}

type Options struct {
	MapsDir  string
	DebugDir string
	// LookbackDays is shown on empty pages.
	LookbackDays int
	// CycleRatePerMinute limits map and export requests per client IP.
	CycleRatePerMinute int
}

type PageData struct {
	Title       string
	Page        string
	Message     string
	Connected   bool
	AthleteName string
}

type LandingPageData struct {
	PageData
	AuthURL string
}

type GroupPageData struct {
	PageData
	Group        dashboard.Group
	Heading      string
	Empty        bool
	MapURL       string
	Rows         []export.ActivityRow
	Skipped      []string
	LookbackDays int
}

type GearPageData struct {
	PageData
	Shoes []strava.Gear
	Bikes []strava.Gear
}

func NewServer(sessions *session.Manager, cycle *dashboard.Cycle, athletes AthleteAPI, opts Options) (*Server, error) {
	funcs := template.FuncMap{
		"km": func(v float64) string {
			return strconv.FormatFloat(v, 'f', 2, 64)
		},
		"date": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("2006-01-02")
		},
		"duration": formatDuration,
	}

	templates := map[string]*template.Template{}
	for _, page := range []string{"landing", "group", "gear"} {
		tmpl, err := template.New("base").Funcs(funcs).ParseFS(
			templatesFS,
			"templates/base.html",
			"templates/"+page+".html",
		)
		if err != nil {
			return nil, err
		}
		templates[page] = tmpl
	}

	if opts.CycleRatePerMinute <= 0 {
		opts.CycleRatePerMinute = 20
	}
	return &Server{
		sessions:  sessions,
		cycle:     cycle,
		athletes:  athletes,
		templates: templates,
		opts:      opts,
	}, nil
}

// Routes returns the HTTP handler for the whole UI.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/", s.Landing)
	r.Get("/connect/strava", s.ConnectStrava)
	r.Get("/connect/strava/callback", s.StravaCallback)
	r.Post("/sign-out", s.SignOut)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.opts.CycleRatePerMinute, time.Minute))
		r.Get("/runs", s.groupPage(dashboard.GroupRun))
		r.Get("/rides", s.groupPage(dashboard.GroupRide))
		r.Get("/other", s.groupPage(dashboard.GroupOther))
		r.Get("/gear", s.Gear)
		r.Get("/export/{file}", s.ExportGroup)
		r.Get("/export/activity/{file}", s.ExportActivity)
	})

	if s.opts.MapsDir != "" {
		maps := http.StripPrefix("/maps/", http.FileServer(http.Dir(s.opts.MapsDir)))
		r.Get("/maps/*", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-cache")
			maps.ServeHTTP(w, r)
		})
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Info().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) pageData(title, page, msg string, res session.Result) PageData {
	data := PageData{
		Title:     title,
		Page:      page,
		Message:   msg,
		Connected: res.Authorized(),
	}
	if res.Authorized() {
		data.AthleteName = res.Token.Athlete.Name()
	}
	return data
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates[name].ExecuteTemplate(w, "base", data); err != nil {
		log.Error().Err(err).Str("template", name).Msg("template render failed")
		http.Error(w, "template render failed", http.StatusInternalServerError)
	}
}

// Landing doubles as the OAuth redirect target: a request carrying a code is
// exchanged before the page renders.
func (s *Server) Landing(w http.ResponseWriter, r *http.Request) {
	s.handleAuthRedirect(w, r)
}

func (s *Server) StravaCallback(w http.ResponseWriter, r *http.Request) {
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		log.Warn().Str("error", errParam).Msg("strava authorization denied")
		http.Redirect(w, r, "/?msg=strava+authorization+denied", http.StatusFound)
		return
	}
	s.handleAuthRedirect(w, r)
}

func (s *Server) handleAuthRedirect(w http.ResponseWriter, r *http.Request) {
	hasCode := session.ExtractCode(r.URL.String()) != ""
	res, err := s.sessions.EnsureValidToken(r.Context(), r.URL.String())
	if hasCode && res.Authorized() {
		// drop the code from the address bar
		http.Redirect(w, r, "/runs?msg=strava+connected", http.StatusFound)
		return
	}

	msg := r.URL.Query().Get("msg")
	if err != nil {
		msg = errorMessage(err)
	}
	s.render(w, "landing", LandingPageData{
		PageData: s.pageData("stridemap", "home", msg, res),
		AuthURL:  res.AuthURL,
	})
}

func (s *Server) ConnectStrava(w http.ResponseWriter, r *http.Request) {
	authURL, err := s.sessions.BeginAuthorization()
	if err != nil {
		log.Error().Err(err).Msg("build strava authorization url")
		http.Error(w, "strava client not configured", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.SignOut(r.Context()); err != nil {
		log.Error().Err(err).Msg("sign out failed")
		http.Redirect(w, r, "/?msg=sign+out+failed", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/?msg=signed+out", http.StatusFound)
}

// authorized returns a usable session or redirects to the landing page.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) (session.Result, bool) {
	res, err := s.sessions.EnsureValidToken(r.Context(), "")
	if res.Authorized() {
		return res, true
	}
	msg := "connect strava first"
	if err != nil {
		msg = errorMessage(err)
	}
	http.Redirect(w, r, "/?msg="+url.QueryEscape(msg), http.StatusFound)
	return res, false
}

// withToken runs fn with the session token. If Strava answers 401 the token
// is invalidated and fn runs once more with a refreshed one.
func (s *Server) withToken(w http.ResponseWriter, r *http.Request, fn func(session.Result) error) (session.Result, bool, error) {
	res, ok := s.authorized(w, r)
	if !ok {
		return res, false, nil
	}
	err := fn(res)
	if !strava.IsUnauthorized(err) {
		return res, true, err
	}

	log.Warn().Msg("strava rejected access token; refreshing")
	if invErr := s.sessions.Invalidate(r.Context()); invErr != nil {
		return res, true, invErr
	}
	res, ok = s.authorized(w, r)
	if !ok {
		return res, false, nil
	}
	return res, true, fn(res)
}

func (s *Server) runCycle(w http.ResponseWriter, r *http.Request, group dashboard.Group) (session.Result, dashboard.Result, bool, error) {
	var result dashboard.Result
	res, ok, err := s.withToken(w, r, func(res session.Result) error {
		var err error
		result, err = s.cycle.Run(r.Context(), res.Token, group)
		return err
	})
	return res, result, ok, err
}

func (s *Server) groupPage(group dashboard.Group) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, result, ok, err := s.runCycle(w, r, group)
		if !ok {
			return
		}

		msg := r.URL.Query().Get("msg")
		if err != nil {
			log.Error().Err(err).Str("group", string(group)).Msg("dashboard cycle failed")
			msg = errorMessage(err)
		}

		data := GroupPageData{
			PageData:     s.pageData(group.Title(), string(group), msg, res),
			Group:        group,
			Heading:      group.Title(),
			Empty:        err == nil && result.Empty,
			Rows:         result.Rows,
			LookbackDays: s.opts.LookbackDays,
		}
		if err == nil && !result.Empty {
			data.MapURL = "/maps/" + dashboard.MapFile(group) + "?v=" + url.QueryEscape(result.ID)
		}
		for _, skip := range result.Set.Skipped {
			data.Skipped = append(data.Skipped, skip.Name+": "+skip.Reason)
		}
		s.render(w, "group", data)
	}
}

func (s *Server) Gear(w http.ResponseWriter, r *http.Request) {
	var profile strava.AthleteProfile
	res, ok, err := s.withToken(w, r, func(res session.Result) error {
		var err error
		profile, err = s.athletes.GetAthlete(r.Context(), res.Token.AccessToken)
		return err
	})
	if !ok {
		return
	}

	msg := r.URL.Query().Get("msg")
	if err != nil {
		log.Error().Err(err).Msg("load athlete gear failed")
		msg = errorMessage(err)
	} else if s.opts.DebugDir != "" {
		gear := append(append([]strava.Gear{}, profile.Shoes...), profile.Bikes...)
		if err := export.DumpJSON(filepath.Join(s.opts.DebugDir, "shoe_data.json"), gear); err != nil {
			log.Warn().Err(err).Msg("gear dump failed")
		}
	}

	s.render(w, "gear", GearPageData{
		PageData: s.pageData("Gear", "gear", msg, res),
		Shoes:    profile.Shoes,
		Bikes:    profile.Bikes,
	})
}

// ExportGroup serves /export/{group}.csv and /export/{group}.geojson from the
// group's latest cycle, running one if there is none yet.
func (s *Server) ExportGroup(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	ext := filepath.Ext(file)
	group, ok := dashboard.ParseGroup(strings.TrimSuffix(file, ext))
	if !ok || (ext != ".csv" && ext != ".geojson") {
		http.NotFound(w, r)
		return
	}

	result, found := s.cycle.Last(group)
	if !found {
		var err error
		_, result, ok, err = s.runCycle(w, r, group)
		if !ok {
			return
		}
		if err != nil {
			http.Error(w, errorMessage(err), http.StatusBadGateway)
			return
		}
	}

	switch ext {
	case ".csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="activities_%s.csv"`, group))
		if err := export.WriteCSV(w, result.Rows); err != nil {
			log.Error().Err(err).Msg("csv export failed")
		}
	case ".geojson":
		data, err := export.GeoJSON(result.Set)
		if err != nil {
			http.Error(w, "geojson export failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write(data)
	}
}

// ExportActivity serves /export/activity/{id}.gpx for a track fetched by an
// earlier cycle.
func (s *Server) ExportActivity(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	if filepath.Ext(file) != ".gpx" {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(file, ".gpx"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid activity id", http.StatusBadRequest)
		return
	}

	for _, group := range dashboard.Groups {
		result, ok := s.cycle.Last(group)
		if !ok {
			continue
		}
		for _, e := range result.Set.Entries {
			if e.Activity.ID != id {
				continue
			}
			data, err := export.GPX(e.Activity, e.Line, e.Table)
			if err != nil {
				http.Error(w, "gpx export failed", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/gpx+xml")
			w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="activity_%d.gpx"`, id))
			_, _ = w.Write(data)
			return
		}
	}
	http.NotFound(w, r)
}

func errorMessage(err error) string {
	var exchangeErr *strava.AuthExchangeError
	var refreshErr *strava.RefreshError
	switch {
	case errors.Is(err, session.ErrStateMismatch):
		return "authorization could not be verified, please connect again"
	case errors.As(err, &exchangeErr):
		return "strava rejected the authorization, please connect again"
	case errors.As(err, &refreshErr):
		return "strava session ended, please connect again"
	case strava.IsUnauthorized(err):
		return "strava rejected the access token, please connect again"
	case strava.IsRateLimited(err):
		if wait, ok := strava.RateLimitBackoff(err); ok {
			return fmt.Sprintf("strava rate limit reached, retry in %s", wait.Round(time.Second))
		}
		return "strava rate limit reached, retry later"
	case errors.Is(err, strava.ErrCircuitOpen):
		return "strava is unavailable right now, retry shortly"
	}
	var providerErr *strava.ProviderError
	if errors.As(err, &providerErr) {
		return "strava request failed, reload to retry"
	}
	return "something went wrong, reload to retry"
}

func formatDuration(totalSeconds int) string {
	if totalSeconds <= 0 {
		return "0m"
	}
	duration := time.Duration(totalSeconds) * time.Second
	hours := int(duration.Hours())
	minutes := int(duration.Minutes()) % 60
	seconds := int(duration.Seconds()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
