// Package auth maintains the OAuth2 token for the configured installation.
// Access tokens are short-lived and refreshed on demand; refresh tokens
// rotate, so every successful refresh is persisted before the new token is
// handed out.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tedwatch/tedwatch/pkg/log"
	"github.com/tedwatch/tedwatch/pkg/storage"
	"github.com/tedwatch/tedwatch/pkg/types"
	"golang.org/x/sync/singleflight"
)

// defaultRefreshTokenLifetime is assumed when the token response omits
// refresh_token_expires_in.
const defaultRefreshTokenLifetime = 86400 * time.Second

// unitClaims are the ID token claims that may carry the residential unit,
// in order of preference.
var unitClaims = []string{
	"extension_ResidentialUnits",
	"https://ted-prod-function-app.azurewebsites.net/residential_units",
}

// Config holds the immutable identity of one installation.
type Config struct {
	ClientID string
	TokenURL string
	// RefreshToken is the initially provisioned refresh token. Only used
	// until the first rotation is persisted; afterwards the stored token
	// wins, since the provisioned one has been consumed.
	RefreshToken string
}

// Manager owns the token lifecycle. All methods are safe for concurrent use;
// concurrent refreshes collapse into a single upstream request.
type Manager struct {
	cfg    Config
	client *http.Client
	store  storage.Store

	sf singleflight.Group

	mu     sync.Mutex
	token  types.Token
	loaded bool

	now func() time.Time
}

// New returns a Manager backed by the given store.
func New(cfg Config, client *http.Client, store storage.Store) *Manager {
	return &Manager{
		cfg:    cfg,
		client: client,
		store:  store,
		now:    time.Now,
	}
}

// Token returns a currently valid access token, refreshing first if the held
// one is missing or within the expiry margin.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if err := m.loadLocked(ctx); err != nil {
		m.mu.Unlock()
		return "", err
	}
	if m.token.Valid(m.now()) {
		tok := m.token.AccessToken
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	return m.refresh(ctx)
}

// ForceRefresh discards the held access token and obtains a fresh one. Used
// after the resource server rejects a token that still looked valid locally.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.token.AccessToken = ""
	m.token.ExpiresAt = time.Time{}
	m.mu.Unlock()

	return m.refresh(ctx)
}

// loadLocked seeds the in-memory token from storage once. The stored token
// wins over the configured one because its refresh token is the latest
// rotation. Must be called with mu held.
func (m *Manager) loadLocked(ctx context.Context) error {
	if m.loaded {
		return nil
	}
	tok, err := m.store.LoadToken(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load stored token: %w", err)
	}
	if err == nil && tok.RefreshToken != "" {
		m.token = tok
	} else {
		m.token = types.Token{RefreshToken: m.cfg.RefreshToken}
	}
	m.loaded = true
	return nil
}

// refresh serializes concurrent refresh attempts so the rotating refresh
// token is only spent once.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	v, err, _ := m.sf.Do("refresh", func() (interface{}, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// tokenResponse is the wire shape of a successful token endpoint response.
type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	IDToken               string `json:"id_token"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}

// tokenError is the wire shape of a token endpoint error response.
type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	if err := m.loadLocked(ctx); err != nil {
		m.mu.Unlock()
		return "", err
	}
	// another caller may have refreshed while we waited on singleflight
	if m.token.Valid(m.now()) {
		tok := m.token.AccessToken
		m.mu.Unlock()
		return tok, nil
	}
	refreshToken := m.token.RefreshToken
	m.mu.Unlock()

	if refreshToken == "" {
		return "", &types.AuthExpiredError{Message: "no refresh token available"}
	}

	form := url.Values{
		"client_id":     {m.cfg.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"scope":         {m.cfg.ClientID + " openid profile offline_access"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := m.now()
	resp, err := m.client.Do(req)
	if err != nil {
		return "", &types.TransientError{Endpoint: "token", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &types.TransientError{Endpoint: "token", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// handled below
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		var te tokenError
		// the body is best-effort; a non-JSON error page still expires us
		_ = json.Unmarshal(body, &te)
		return "", &types.AuthExpiredError{
			Code:    te.Error,
			Message: firstNonEmpty(te.ErrorDescription, strings.TrimSpace(string(body)), resp.Status),
		}
	case types.IsTransientStatus(resp.StatusCode):
		return "", &types.TransientError{
			Endpoint: "token",
			Err:      fmt.Errorf("token endpoint returned %s", resp.Status),
		}
	default:
		return "", &types.APIError{StatusCode: resp.StatusCode, Endpoint: "token", Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}

	// some tenants only return an id_token; it works as a bearer token there
	accessToken := tr.AccessToken
	if accessToken == "" {
		accessToken = tr.IDToken
	}
	if accessToken == "" {
		return "", fmt.Errorf("token response contained neither access_token nor id_token")
	}

	refreshLifetime := defaultRefreshTokenLifetime
	if tr.RefreshTokenExpiresIn > 0 {
		refreshLifetime = time.Duration(tr.RefreshTokenExpiresIn) * time.Second
	}

	newToken := types.Token{
		AccessToken:      accessToken,
		IDToken:          tr.IDToken,
		RefreshToken:     refreshToken,
		ExpiresAt:        start.Add(time.Duration(tr.ExpiresIn) * time.Second),
		RefreshExpiresAt: start.Add(refreshLifetime),
	}
	// the server may rotate the refresh token; keep the old one when absent
	if tr.RefreshToken != "" {
		newToken.RefreshToken = tr.RefreshToken
	}

	// persist before anything can observe the new token, otherwise a crash
	// here strands us with a spent refresh token
	if err := m.store.SaveToken(ctx, newToken); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	m.mu.Lock()
	m.token = newToken
	m.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "refreshed access token",
		slog.Time("expires_at", newToken.ExpiresAt),
		slog.Bool("refresh_token_rotated", tr.RefreshToken != ""))

	return accessToken, nil
}

// ResidentialUnit extracts the residential unit identifier from the ID
// token's claims. The signature is not verified; the claim is advisory
// routing data, not an authorization decision.
func (m *Manager) ResidentialUnit(ctx context.Context) (string, error) {
	if _, err := m.Token(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	raw := m.token.IDToken
	if raw == "" {
		raw = m.token.AccessToken
	}
	m.mu.Unlock()

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", fmt.Errorf("failed to parse id token: %w", err)
	}

	for _, name := range unitClaims {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case []interface{}:
			// multi-unit accounts list them all; the first is the active one
			if len(v) > 0 {
				if s, ok := v[0].(string); ok && s != "" {
					return s, nil
				}
			}
		}
	}
	return "", fmt.Errorf("id token carries no residential unit claim")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
