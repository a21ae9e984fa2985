package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"stridemap/internal/strava"
)

type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StatePending         State = "code_exchange_pending"
	StateAuthorized      State = "authorized"
	StateExpired         State = "expired"
)

// pendingTTL bounds how long an issued OAuth state value is accepted.
const pendingTTL = 15 * time.Minute

var ErrStateMismatch = errors.New("oauth state does not match a pending authorization")

// Authorizer performs the OAuth grants against the provider.
type Authorizer interface {
	AuthorizationURL(state string) (string, error)
	ExchangeCode(ctx context.Context, code string) (strava.Token, error)
	Refresh(ctx context.Context, current strava.Token) (strava.Token, error)
}

// Result is the outcome of EnsureValidToken. Token is set only when State is
// StateAuthorized; AuthURL is set whenever the user has to (re)authorize.
type Result struct {
	State   State
	Token   strava.Token
	AuthURL string
}

func (r Result) Authorized() bool { return r.State == StateAuthorized }

// Manager owns the session token lifecycle.
type Manager struct {
	auth  Authorizer
	store Store
	now   func() time.Time

	refreshes singleflight.Group
	exchanges singleflight.Group

	mu       sync.Mutex
	state    State
	pending  map[string]time.Time
	consumed map[string]bool
}

func NewManager(auth Authorizer, store Store) *Manager {
	return &Manager{
		auth:     auth,
		store:    store,
		now:      time.Now,
		state:    StateUnauthenticated,
		pending:  map[string]time.Time{},
		consumed: map[string]bool{},
	}
}

// SetClock replaces the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// State returns the state recorded by the last transition.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// BeginAuthorization issues a fresh state value and returns the consent URL.
func (m *Manager) BeginAuthorization() (string, error) {
	nonce := uuid.NewString()
	authURL, err := m.auth.AuthorizationURL(nonce)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	now := m.now()
	for s, issued := range m.pending {
		if now.Sub(issued) > pendingTTL {
			delete(m.pending, s)
		}
	}
	m.pending[nonce] = now
	m.state = StatePending
	m.mu.Unlock()
	return authURL, nil
}

// EnsureValidToken returns a usable token or tells the caller what the user
// has to do next. callbackURL is the full request URL; it only matters when no
// token is stored and it carries an authorization code.
func (m *Manager) EnsureValidToken(ctx context.Context, callbackURL string) (Result, error) {
	token, err := m.store.Load(ctx)
	switch {
	case err == nil:
		if !token.Expired(m.now()) {
			m.setState(StateAuthorized)
			return Result{State: StateAuthorized, Token: token}, nil
		}
		return m.refresh(ctx)
	case !errors.Is(err, ErrNotFound):
		return Result{State: m.State()}, fmt.Errorf("load session token: %w", err)
	}

	code := ExtractCode(callbackURL)
	if code == "" {
		return m.unauthenticated(nil)
	}
	return m.exchange(ctx, code, extractParam(callbackURL, "state"))
}

type outcome struct {
	res Result
	err error
}

// exchange trades code for a token. Callbacks carrying the same code while
// its exchange is running wait for that exchange instead of being re-prompted.
func (m *Manager) exchange(ctx context.Context, code, state string) (Result, error) {
	if state != "" {
		m.mu.Lock()
		_, ok := m.pending[state]
		m.mu.Unlock()
		if !ok {
			log.Warn().Msg("oauth callback with unknown state")
			return m.unauthenticated(ErrStateMismatch)
		}
	}

	v, _, _ := m.exchanges.Do(code, func() (interface{}, error) {
		res, err := m.exchangeOnce(context.WithoutCancel(ctx), code, state)
		return outcome{res: res, err: err}, nil
	})
	out := v.(outcome)
	return out.res, out.err
}

func (m *Manager) exchangeOnce(ctx context.Context, code, state string) (Result, error) {
	m.mu.Lock()
	if m.consumed[code] {
		m.mu.Unlock()
		log.Warn().Msg("authorization code already used; asking for consent again")
		return m.unauthenticated(nil)
	}
	m.consumed[code] = true
	m.state = StatePending
	m.mu.Unlock()

	token, err := m.auth.ExchangeCode(ctx, code)
	if err != nil {
		var providerErr *strava.ProviderError
		if errors.As(err, &providerErr) {
			// The provider never accepted the code, so a reload may try again.
			m.mu.Lock()
			delete(m.consumed, code)
			m.mu.Unlock()
			log.Error().Err(err).Msg("authorization code exchange failed")
			return Result{State: StatePending}, err
		}
		log.Warn().Err(err).Msg("authorization code rejected")
		return m.unauthenticated(err)
	}

	if err := m.store.Save(ctx, token); err != nil {
		return Result{State: StatePending}, fmt.Errorf("save session token: %w", err)
	}

	m.mu.Lock()
	delete(m.pending, state)
	m.state = StateAuthorized
	m.mu.Unlock()
	log.Info().Int64("athlete_id", token.Athlete.ID).Msg("strava authorized")
	return Result{State: StateAuthorized, Token: token}, nil
}

func (m *Manager) refresh(ctx context.Context) (Result, error) {
	v, err, _ := m.refreshes.Do("refresh", func() (interface{}, error) {
		// The caller's cancellation must not fail the other waiters.
		ctx := context.WithoutCancel(ctx)
		current, err := m.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		if !current.Expired(m.now()) {
			return current, nil
		}
		updated, err := m.auth.Refresh(ctx, current)
		if err != nil {
			return nil, err
		}
		if err := m.store.Save(ctx, updated); err != nil {
			return nil, fmt.Errorf("save session token: %w", err)
		}
		log.Info().Time("expires_at", updated.ExpiresAt).Msg("strava token refreshed")
		return updated, nil
	})
	if err == nil {
		m.setState(StateAuthorized)
		return Result{State: StateAuthorized, Token: v.(strava.Token)}, nil
	}

	var refreshErr *strava.RefreshError
	switch {
	case errors.As(err, &refreshErr):
		log.Warn().Err(err).Msg("refresh token rejected; clearing session")
		if delErr := m.store.Delete(ctx); delErr != nil {
			log.Error().Err(delErr).Msg("delete session token")
		}
		return m.unauthenticated(err)
	case errors.Is(err, ErrNotFound):
		return m.unauthenticated(nil)
	default:
		log.Error().Err(err).Msg("strava token refresh failed")
		m.setState(StateExpired)
		return Result{State: StateExpired}, err
	}
}

func (m *Manager) unauthenticated(cause error) (Result, error) {
	authURL, err := m.BeginAuthorization()
	m.setState(StateUnauthenticated)
	if err != nil {
		if cause == nil {
			cause = err
		}
		return Result{State: StateUnauthenticated}, cause
	}
	return Result{State: StateUnauthenticated, AuthURL: authURL}, cause
}

// Invalidate marks the stored token expired, e.g. after the API answered 401,
// so the next EnsureValidToken refreshes it.
func (m *Manager) Invalidate(ctx context.Context) error {
	token, err := m.store.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := m.now()
	token.UpdatedAt = now
	token.ExpiresIn = 0
	token.ExpiresAt = now
	if err := m.store.Save(ctx, token); err != nil {
		return err
	}
	m.setState(StateExpired)
	return nil
}

// SignOut forgets the session token.
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.store.Delete(ctx); err != nil {
		return err
	}
	m.setState(StateUnauthenticated)
	return nil
}

// Seed stores a refresh token from configuration as an already expired
// token, so the first request refreshes it. An existing token wins.
func (m *Manager) Seed(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	_, err := m.store.Load(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	now := m.now()
	if err := m.store.Save(ctx, strava.Token{
		RefreshToken: refreshToken,
		ExpiresAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return err
	}
	m.setState(StateExpired)
	return nil
}

// ExtractCode returns the authorization code carried by a redirect URL, or ""
// when there is none. Codes in the fragment are accepted too.
func ExtractCode(rawURL string) string {
	return extractParam(rawURL, "code")
}

func extractParam(rawURL, name string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if v := u.Query().Get(name); v != "" {
		return v
	}
	if u.Fragment != "" {
		if values, err := url.ParseQuery(u.Fragment); err == nil {
			return values.Get(name)
		}
	}
	return ""
}
