package strava

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const DefaultAuthBaseURL = "https://www.strava.com"

// DefaultScopes are the scopes the dashboard asks for on the consent page.
var DefaultScopes = []string{"read_all", "profile:read_all", "activity:read_all"}

type Athlete struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
}

func (a Athlete) Name() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// Token is the credential set for one authorized session.
// ExpiresAt always equals UpdatedAt + ExpiresIn as of the last grant.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ExpiresIn    time.Duration
	UpdatedAt    time.Time
	Athlete      Athlete
}

// Expired reports whether now is at or past the expiry instant.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Remaining is the time left before expiry as of now.
func (t Token) Remaining(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// AuthorizationURL builds the Strava consent URL. Scopes are joined with
// commas, which is the format Strava expects.
func AuthorizationURL(baseURL, clientID, redirectURI string, scopes []string, state string) (string, error) {
	if strings.TrimSpace(clientID) == "" {
		return "", errors.New("missing strava client id")
	}
	if strings.TrimSpace(redirectURI) == "" {
		return "", errors.New("missing redirect uri")
	}

	endpoint, err := url.JoinPath(authBase(baseURL), "/oauth/authorize")
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("client_id", clientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("approval_prompt", "auto")
	if len(scopes) > 0 {
		params.Set("scope", strings.Join(scopes, ","))
	}
	if state != "" {
		params.Set("state", state)
	}

	return endpoint + "?" + params.Encode(), nil
}

// ExchangeAuthorizationCode performs the authorization-code grant.
func ExchangeAuthorizationCode(ctx context.Context, baseURL, clientID, clientSecret, code string, httpClient *http.Client) (Token, error) {
	if clientID == "" || clientSecret == "" {
		return Token{}, fmt.Errorf("missing strava client credentials")
	}
	if code == "" {
		return Token{}, &AuthExchangeError{Err: errors.New("missing authorization code")}
	}

	conf, err := oauthConfig(baseURL, clientID, clientSecret)
	if err != nil {
		return Token{}, err
	}

	logRequest(http.MethodPost, conf.Endpoint.TokenURL)
	tok, err := conf.Exchange(withHTTPClient(ctx, httpClient), code)
	if err != nil {
		return Token{}, classifyGrantError(err, func(status int, body string, cause error) error {
			return &AuthExchangeError{StatusCode: status, Body: body, Err: cause}
		})
	}
	if tok.RefreshToken == "" {
		return Token{}, &ProviderError{Err: errors.New("exchange response missing refresh_token")}
	}

	return tokenFromOAuth(tok, "", time.Now()), nil
}

// RefreshToken performs the refresh-token grant. Strava may rotate the refresh
// token; callers must keep the returned one.
func RefreshToken(ctx context.Context, baseURL, clientID, clientSecret string, current Token, httpClient *http.Client) (Token, error) {
	if clientID == "" || clientSecret == "" {
		return Token{}, fmt.Errorf("missing strava client credentials")
	}
	if current.RefreshToken == "" {
		return Token{}, &RefreshError{Err: errors.New("missing refresh token")}
	}

	conf, err := oauthConfig(baseURL, clientID, clientSecret)
	if err != nil {
		return Token{}, err
	}

	logRequest(http.MethodPost, conf.Endpoint.TokenURL)
	// An empty access token forces the token source to refresh.
	src := conf.TokenSource(withHTTPClient(ctx, httpClient), &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return Token{}, classifyGrantError(err, func(status int, body string, cause error) error {
			return &RefreshError{StatusCode: status, Body: body, Err: cause}
		})
	}

	updated := tokenFromOAuth(tok, current.RefreshToken, time.Now())
	if updated.Athlete.ID == 0 {
		updated.Athlete = current.Athlete
	}
	return updated, nil
}

// OAuthClient carries the app credentials for the grant calls.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	RedirectURI  string
	Scopes       []string
	HTTPClient   *http.Client
}

func (c *OAuthClient) AuthorizationURL(state string) (string, error) {
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return AuthorizationURL(c.BaseURL, c.ClientID, c.RedirectURI, scopes, state)
}

func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (Token, error) {
	return ExchangeAuthorizationCode(ctx, c.BaseURL, c.ClientID, c.ClientSecret, code, c.HTTPClient)
}

func (c *OAuthClient) Refresh(ctx context.Context, current Token) (Token, error) {
	return RefreshToken(ctx, c.BaseURL, c.ClientID, c.ClientSecret, current, c.HTTPClient)
}

func oauthConfig(baseURL, clientID, clientSecret string) (*oauth2.Config, error) {
	base := authBase(baseURL)
	authURL, err := url.JoinPath(base, "/oauth/authorize")
	if err != nil {
		return nil, err
	}
	tokenURL, err := url.JoinPath(base, "/oauth/token")
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, nil
}

func authBase(baseURL string) string {
	if baseURL == "" {
		return DefaultAuthBaseURL
	}
	return baseURL
}

func withHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// classifyGrantError maps 4xx grant rejections through reject and anything
// else (transport, 5xx, malformed responses) to a ProviderError.
func classifyGrantError(err error, reject func(status int, body string, cause error) error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		body := truncate(string(retrieveErr.Body), 2048)
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return reject(status, body, err)
		}
		return &ProviderError{
			StatusCode: status,
			Body:       body,
			RetryAfter: parseRetryAfter(retrieveErr.Response.Header.Get("Retry-After")),
			Err:        err,
		}
	}
	return &ProviderError{Err: err}
}

func tokenFromOAuth(tok *oauth2.Token, previousRefresh string, now time.Time) Token {
	out := Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		UpdatedAt:    now,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = previousRefresh
	}

	// Strava sends both expires_at and expires_in; expires_at is authoritative.
	if at, ok := extraInt(tok, "expires_at"); ok && at > 0 {
		out.ExpiresAt = time.Unix(at, 0)
	} else if !tok.Expiry.IsZero() {
		out.ExpiresAt = tok.Expiry
	} else if in, ok := extraInt(tok, "expires_in"); ok {
		out.ExpiresAt = now.Add(time.Duration(in) * time.Second)
	} else {
		out.ExpiresAt = now
	}
	out.ExpiresIn = out.ExpiresAt.Sub(now)

	if raw, ok := tok.Extra("athlete").(map[string]interface{}); ok {
		if id, ok := raw["id"].(float64); ok {
			out.Athlete.ID = int64(id)
		}
		out.Athlete.FirstName, _ = raw["firstname"].(string)
		out.Athlete.LastName, _ = raw["lastname"].(string)
	}
	return out
}

func extraInt(tok *oauth2.Token, key string) (int64, bool) {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case string:
		var parsed int64
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
