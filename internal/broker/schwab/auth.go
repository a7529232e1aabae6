package schwab

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "brokersync/internal/errors"
)

const (
	// OAuth2 endpoints
	authBaseProduction = "https://api.schwabapi.com/v1/oauth"
	authBaseSandbox    = "https://api-sandbox.schwabapi.com/v1/oauth"
	authorizePath      = "/authorize"
	tokenPath          = "/token"
	revokePath         = "/revoke"

	// refreshBuffer is the safety margin before token expiry. A session is
	// only considered authenticated while expiry is further away than this.
	refreshBuffer = 120 * time.Second

	httpClientTimeout = 30 * time.Second
)

// Config is the immutable OAuth client configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       string
	Environment  string // "sandbox" or "production"

	// AuthBaseURL and APIBaseURL override the environment-derived endpoints.
	// Used by tests to point at a local server.
	AuthBaseURL string
	APIBaseURL  string
}

// authBase returns the OAuth endpoint base for the configured environment.
func (c *Config) authBase() string {
	if c.AuthBaseURL != "" {
		return c.AuthBaseURL
	}
	if c.Environment == "sandbox" {
		return authBaseSandbox
	}
	return authBaseProduction
}

// apiBase returns the resource endpoint base for the configured environment.
func (c *Config) apiBase() string {
	if c.APIBaseURL != "" {
		return c.APIBaseURL
	}
	if c.Environment == "sandbox" {
		return apiBaseSandbox
	}
	return apiBaseProduction
}

// Session holds OAuth tokens and session state. It is owned exclusively by
// the AuthManager; everything else reads copies.
type Session struct {
	Authenticated   bool
	AccessToken     string
	RefreshToken    string
	TokenType       string // "Bearer"
	ExpiresAt       time.Time
	GrantedScopes   []string
	LastRefreshedAt time.Time
}

// IsExpired returns true if the access token has expired.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// NeedsRefresh returns true if the token is within the safety buffer of
// expiry and should be refreshed before the next protected call.
func (s *Session) NeedsRefresh(now time.Time) bool {
	return now.Add(refreshBuffer).After(s.ExpiresAt)
}

// AuthManager owns the OAuth2/PKCE session lifecycle: authorize-URL
// construction, code exchange, refresh, and revocation. Safe for concurrent
// use.
type AuthManager struct {
	cfg        Config
	httpClient *http.Client
	clock      Clock

	mu      sync.Mutex
	session Session

	// Transient authorization state, set by BuildAuthorizationURL and
	// cleared by CompleteAuthorization.
	pendingState    string
	pendingVerifier string
}

// AuthOption configures an AuthManager.
type AuthOption func(*AuthManager)

// WithAuthHTTPClient sets a custom HTTP client.
func WithAuthHTTPClient(hc *http.Client) AuthOption {
	return func(m *AuthManager) { m.httpClient = hc }
}

// WithAuthClock sets a custom clock.
func WithAuthClock(c Clock) AuthOption {
	return func(m *AuthManager) { m.clock = c }
}

// NewAuthManager creates an AuthManager for the given OAuth configuration.
func NewAuthManager(cfg Config, opts ...AuthOption) *AuthManager {
	m := &AuthManager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: httpClientTimeout},
		clock:      realClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// generatePKCE creates PKCE code verifier and challenge.
// Returns verifier (43+ chars) and challenge (base64url SHA256 of verifier).
func generatePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}

	// RawURLEncoding: no padding, URL-safe
	verifier = base64.RawURLEncoding.EncodeToString(b)

	h := sha256.New()
	h.Write([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	return verifier, challenge, nil
}

// generateState creates a random state parameter for CSRF protection.
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// BuildAuthorizationURL generates fresh state and PKCE parameters, stores
// them for the pending authorization, and returns the URL the user must
// visit to grant access.
func (m *AuthManager) BuildAuthorizationURL() (string, error) {
	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", fmt.Errorf("generating PKCE: %w", err)
	}

	m.mu.Lock()
	m.pendingState = state
	m.pendingVerifier = verifier
	m.mu.Unlock()

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", m.cfg.ClientID)
	q.Set("redirect_uri", m.cfg.RedirectURI)
	q.Set("scope", m.cfg.Scopes)
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	return m.cfg.authBase() + authorizePath + "?" + q.Encode(), nil
}

// CompleteAuthorization verifies the returned state against the pending one
// and exchanges the authorization code for tokens. The state check happens
// before any network call; a mismatch is an authentication failure.
func (m *AuthManager) CompleteAuthorization(ctx context.Context, code, returnedState string) error {
	m.mu.Lock()
	state := m.pendingState
	verifier := m.pendingVerifier
	m.mu.Unlock()

	if state == "" {
		return ErrNoPendingAuthorization
	}
	if returnedState != state {
		log.Printf("[Schwab OAuth] State mismatch on callback")
		return ErrInvalidState
	}
	if code == "" {
		return ErrNoAuthCode
	}

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", m.cfg.RedirectURI)
	data.Set("client_id", m.cfg.ClientID)
	data.Set("code_verifier", verifier)
	if m.cfg.ClientSecret != "" {
		data.Set("client_secret", m.cfg.ClientSecret)
	}

	tokenResp, err := m.tokenRequest(ctx, data)
	if err != nil {
		return fmt.Errorf("exchanging code for tokens: %w", err)
	}

	now := m.clock.Now()
	m.mu.Lock()
	m.session = Session{
		Authenticated:   true,
		AccessToken:     tokenResp.AccessToken,
		RefreshToken:    tokenResp.RefreshToken,
		TokenType:       tokenResp.TokenType,
		ExpiresAt:       now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		GrantedScopes:   splitScopes(tokenResp.Scope),
		LastRefreshedAt: now,
	}
	m.pendingState = ""
	m.pendingVerifier = ""
	expiresAt := m.session.ExpiresAt
	m.mu.Unlock()

	log.Printf("[Schwab OAuth] Authenticated, token expires at %v", expiresAt)
	return nil
}

// Refresh exchanges the held refresh token for fresh tokens and updates the
// session in place. The refresh token rotates only if the server returns a
// new one.
func (m *AuthManager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	refreshToken := m.session.RefreshToken
	m.mu.Unlock()

	if refreshToken == "" {
		return apperrors.Authentication("no refresh token held", ErrNoRefreshToken)
	}

	log.Printf("[Schwab OAuth] Refreshing access token")

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", m.cfg.ClientID)
	if m.cfg.ClientSecret != "" {
		data.Set("client_secret", m.cfg.ClientSecret)
	}

	tokenResp, err := m.tokenRequest(ctx, data)
	if err != nil {
		m.mu.Lock()
		m.session.Authenticated = false
		m.mu.Unlock()
		return apperrors.Authentication("refresh token rejected",
			fmt.Errorf("%w: %v", ErrRefreshTokenExpired, err))
	}

	now := m.clock.Now()
	m.mu.Lock()
	m.session.Authenticated = true
	m.session.AccessToken = tokenResp.AccessToken
	m.session.ExpiresAt = now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	m.session.LastRefreshedAt = now
	if tokenResp.TokenType != "" {
		m.session.TokenType = tokenResp.TokenType
	}
	if tokenResp.RefreshToken != "" {
		m.session.RefreshToken = tokenResp.RefreshToken
	}
	if tokenResp.Scope != "" {
		m.session.GrantedScopes = splitScopes(tokenResp.Scope)
	}
	expiresAt := m.session.ExpiresAt
	m.mu.Unlock()

	log.Printf("[Schwab OAuth] Token refreshed, expires at %v", expiresAt)
	return nil
}

// EnsureValid guarantees the session is usable for a protected call. It is a
// no-op while the token is outside the refresh buffer; otherwise it refreshes
// synchronously before returning control.
func (m *AuthManager) EnsureValid(ctx context.Context) error {
	m.mu.Lock()
	if !m.session.Authenticated && m.session.RefreshToken == "" {
		m.mu.Unlock()
		return apperrors.Authentication("no session held", ErrSessionExpired)
	}
	needs := m.session.NeedsRefresh(m.clock.Now()) || !m.session.Authenticated
	m.mu.Unlock()

	if !needs {
		return nil
	}
	return m.Refresh(ctx)
}

// Disconnect revokes the tokens (best effort, failures ignored) and clears
// the session entirely.
func (m *AuthManager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	accessToken := m.session.AccessToken
	m.mu.Unlock()

	if accessToken != "" {
		data := url.Values{}
		data.Set("token", accessToken)
		data.Set("client_id", m.cfg.ClientID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			m.cfg.authBase()+revokePath, strings.NewReader(data.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if resp, err := m.httpClient.Do(req); err != nil {
				log.Printf("[Schwab OAuth] Revoke failed (ignored): %v", err)
			} else {
				resp.Body.Close()
			}
		}
	}

	m.mu.Lock()
	m.session = Session{}
	m.pendingState = ""
	m.pendingVerifier = ""
	m.mu.Unlock()

	log.Printf("[Schwab OAuth] Disconnected, session cleared")
}

// Session returns a copy of the current session. Callers may serialize it;
// only the AuthManager mutates the original.
func (m *AuthManager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	s.GrantedScopes = append([]string(nil), m.session.GrantedScopes...)
	return s
}

// Restore seeds the manager with a previously serialized session, e.g. one
// loaded from the session store at startup.
func (m *AuthManager) Restore(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	m.session.Authenticated = s.AccessToken != "" && !s.NeedsRefresh(m.clock.Now())
}

// AccessToken returns the current bearer token ("" if unauthenticated).
func (m *AuthManager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.AccessToken
}

// IsAuthenticated reports whether the session holds a token valid beyond the
// refresh buffer.
func (m *AuthManager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Authenticated && !m.session.NeedsRefresh(m.clock.Now())
}

// Invalidate marks the session unauthenticated. Called by the transport on a
// 401 response.
func (m *AuthManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Authenticated = false
}

// tokenRequest posts form-encoded data to the token endpoint and decodes the
// response.
func (m *AuthManager) tokenRequest(ctx context.Context, data url.Values) (*OAuthTokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.authBase()+tokenPath, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp OAuthTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}

	if tokenResp.Error != "" {
		return nil, fmt.Errorf("token error: %s - %s", tokenResp.Error, tokenResp.ErrorDescription)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("no access token in response")
	}

	return &tokenResp, nil
}

func splitScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
