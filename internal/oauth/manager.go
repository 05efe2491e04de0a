// Package oauth drives every platform's authorization-code flow and keeps
// per-(platform, role) tokens fresh. One shared local listener receives the
// provider redirects; refreshes are single-flighted so concurrent callers
// observe one network request.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	mrand "math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/omnichat/internal/config"
	"github.com/you/omnichat/internal/core"
)

// FailureKind classifies a token-lifecycle failure.
type FailureKind string

const (
	FailureExpired      FailureKind = "expired"
	FailureNetwork      FailureKind = "network"
	FailureScopeMissing FailureKind = "scope"
)

// Error is a typed token-lifecycle failure.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("oauth: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Phase is the lifecycle state of one (platform, role) token.
type Phase string

const (
	PhaseAbsent     Phase = "absent"
	PhaseObtaining  Phase = "obtaining"
	PhaseValid      Phase = "valid"
	PhaseStale      Phase = "stale"
	PhaseRefreshing Phase = "refreshing"
	PhaseInvalid    Phase = "invalid"
)

// staleAfter mirrors the proactive-refresh threshold used by ValidToken.
const staleAfter = 3000 * time.Second

const maxNetworkAttempts = 3

// Manager owns the token lifecycle for every (platform, role) pair.
type Manager struct {
	store    *config.Store
	listener *CallbackListener
	port     int
	http     *http.Client

	// OpenBrowser launches the authorize URL; replaced in tests.
	OpenBrowser func(url string) error

	mu       sync.Mutex
	phases   map[string]Phase
	flights  map[string]*refreshCall
	warnings map[string]string
}

type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// NewManager wires the manager to the shared store and callback listener.
func NewManager(store *config.Store, listener *CallbackListener, callbackPort int) *Manager {
	return &Manager{
		store:    store,
		listener: listener,
		port:     callbackPort,
		http:     &http.Client{Timeout: 10 * time.Second},
		OpenBrowser: func(u string) error {
			log.Printf("oauth: open %s in a browser to continue", u)
			return nil
		},
		phases:   make(map[string]Phase),
		flights:  make(map[string]*refreshCall),
		warnings: make(map[string]string),
	}
}

func key(platform string, role core.Role) string { return platform + "/" + string(role) }

// Phase reports the lifecycle state of a token.
func (m *Manager) Phase(platform string, role core.Role) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.phases[key(platform, role)]; ok {
		return p
	}
	return PhaseAbsent
}

func (m *Manager) setPhase(platform string, role core.Role, p Phase) {
	m.mu.Lock()
	m.phases[key(platform, role)] = p
	m.mu.Unlock()
}

// Authenticate runs the full authorization-code (+PKCE) flow for the
// platform and persists the resulting account.
func (m *Manager) Authenticate(ctx context.Context, platform string, role core.Role) (core.Account, error) {
	desc, ok := Descriptors[platform]
	if !ok {
		return core.Account{}, fmt.Errorf("oauth: unknown platform %q", platform)
	}

	clientID := m.store.GetString("platforms."+platform+".client_id", "")
	if clientID == "" {
		return core.Account{}, fmt.Errorf("oauth: %s client_id not configured", platform)
	}

	state := uuid.NewString()
	verifier := ""
	redirect := fmt.Sprintf("http://127.0.0.1:%d/oauth/%s/%s", m.port, platform, state)

	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", clientID)
	v.Set("redirect_uri", redirect)
	v.Set("state", state)
	if len(desc.Scopes) > 0 {
		v.Set("scope", strings.Join(desc.Scopes, " "))
	}
	if desc.UsePKCE {
		verifier = randomVerifier()
		v.Set("code_challenge", challengeS256(verifier))
		v.Set("code_challenge_method", "S256")
	}

	resultCh, cleanup := m.listener.Register(platform, state)
	defer cleanup()

	m.setPhase(platform, role, PhaseObtaining)

	if err := m.OpenBrowser(desc.AuthURL + "?" + v.Encode()); err != nil {
		m.setPhase(platform, role, PhaseAbsent)
		return core.Account{}, fmt.Errorf("oauth: open browser: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, config.OAuthTimeout)
	defer cancel()

	var res callbackResult
	select {
	case <-waitCtx.Done():
		m.setPhase(platform, role, PhaseAbsent)
		return core.Account{}, fmt.Errorf("oauth: %s authentication timed out", platform)
	case res = <-resultCh:
	}

	if res.Err != "" {
		m.setPhase(platform, role, PhaseAbsent)
		return core.Account{}, fmt.Errorf("oauth: provider error: %s", res.Err)
	}
	if res.State != "" && res.State != state {
		m.setPhase(platform, role, PhaseAbsent)
		return core.Account{}, errors.New("oauth: state mismatch")
	}
	if res.Code == "" {
		m.setPhase(platform, role, PhaseAbsent)
		return core.Account{}, errors.New("oauth: redirect carried no code")
	}

	tokens, err := m.exchangeCode(ctx, desc, platform, res.Code, redirect, verifier)
	if err != nil {
		m.setPhase(platform, role, PhaseAbsent)
		return core.Account{}, err
	}

	acct := core.Account{
		Platform:     platform,
		Role:         role,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Scopes:       tokens.scopes(),
		IssuedAt:     time.Now().UTC(),
	}
	if prev, ok := m.store.LoadAccount(platform, role); ok {
		acct.Username = prev.Username
		acct.DisplayName = prev.DisplayName
		acct.UserID = prev.UserID
	}
	if err := m.store.SaveAccount(acct); err != nil {
		return core.Account{}, err
	}

	m.setPhase(platform, role, PhaseValid)
	m.clearWarning(platform, role)
	return acct, nil
}

// Refresh exchanges the stored refresh token for a new access token.
// Concurrent callers for the same (platform, role) share one request.
func (m *Manager) Refresh(ctx context.Context, platform string, role core.Role) (string, error) {
	k := key(platform, role)

	m.mu.Lock()
	if call, ok := m.flights[k]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	m.flights[k] = call
	m.phases[k] = PhaseRefreshing
	m.mu.Unlock()

	call.token, call.err = m.refreshOnce(ctx, platform, role)
	close(call.done)

	m.mu.Lock()
	delete(m.flights, k)
	if call.err == nil {
		m.phases[k] = PhaseValid
	} else {
		var oe *Error
		if errors.As(call.err, &oe) && oe.Kind == FailureExpired {
			m.phases[k] = PhaseInvalid
		}
	}
	m.mu.Unlock()

	return call.token, call.err
}

func (m *Manager) refreshOnce(ctx context.Context, platform string, role core.Role) (string, error) {
	desc, ok := Descriptors[platform]
	if !ok {
		return "", fmt.Errorf("oauth: unknown platform %q", platform)
	}
	acct, ok := m.store.LoadAccount(platform, role)
	if !ok || acct.RefreshToken == "" {
		return "", &Error{Kind: FailureExpired, Err: errors.New("no refresh token on record")}
	}

	clientID := m.store.GetString("platforms."+platform+".client_id", "")
	clientSecret := m.store.GetString("platforms."+platform+".client_secret", "")

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", acct.RefreshToken)
	form.Set("client_id", clientID)
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < maxNetworkAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(mrand.Int64N(int64(backoff / 2)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
		}

		tokens, retryable, err := m.postTokenForm(ctx, desc.TokenURL, form)
		if err == nil {
			acct.AccessToken = tokens.AccessToken
			if tokens.RefreshToken != "" {
				acct.RefreshToken = tokens.RefreshToken
			}
			acct.IssuedAt = time.Now().UTC()
			if err := m.store.SaveAccount(acct); err != nil {
				return "", err
			}
			log.Printf("oauth: refreshed %s %s token", platform, role)
			return tokens.AccessToken, nil
		}
		if !retryable {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// ValidToken returns the current access token, refreshing first when the
// token is stale. A failed refresh falls back to the existing token so the
// outbound path can still detect expiry and re-refresh once.
func (m *Manager) ValidToken(ctx context.Context, platform string, role core.Role) (string, error) {
	acct, ok := m.store.LoadAccount(platform, role)
	if !ok {
		return "", &Error{Kind: FailureExpired, Err: fmt.Errorf("%s %s not logged in", platform, role)}
	}
	if acct.AccessToken != "" && time.Since(acct.IssuedAt) <= staleAfter {
		m.setPhase(platform, role, PhaseValid)
		return acct.AccessToken, nil
	}

	m.setPhase(platform, role, PhaseStale)
	token, err := m.Refresh(ctx, platform, role)
	if err != nil {
		log.Printf("oauth: %s %s stale refresh failed: %v", platform, role, err)
		if acct.AccessToken != "" {
			return acct.AccessToken, nil
		}
		return "", err
	}
	return token, nil
}

// MarkScopeMissing records a persistent scope warning for the account.
// Scope failures are never retried automatically.
func (m *Manager) MarkScopeMissing(platform string, role core.Role, reason string) {
	m.mu.Lock()
	m.warnings[key(platform, role)] = reason
	m.mu.Unlock()
	log.Printf("oauth: %s %s missing scope: %s", platform, role, reason)
}

func (m *Manager) clearWarning(platform string, role core.Role) {
	m.mu.Lock()
	delete(m.warnings, key(platform, role))
	m.mu.Unlock()
}

// Warnings returns the active scope warnings keyed by "platform/role".
func (m *Manager) Warnings() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.warnings))
	for k, v := range m.warnings {
		out[k] = v
	}
	return out
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        any    `json:"scope"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
	Message      string `json:"message"`
}

// scopes tolerates both the array form (Twitch) and the space-joined string
// form (everyone else).
func (t tokenResponse) scopes() []string {
	switch v := t.Scope.(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func (m *Manager) exchangeCode(ctx context.Context, desc Descriptor, platform, code, redirect, verifier string) (tokenResponse, error) {
	clientID := m.store.GetString("platforms."+platform+".client_id", "")
	clientSecret := m.store.GetString("platforms."+platform+".client_secret", "")
	if desc.ClientSecretRequired && clientSecret == "" {
		return tokenResponse{}, fmt.Errorf("oauth: %s client_secret not configured", platform)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", clientID)
	form.Set("redirect_uri", redirect)
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}

	tokens, _, err := m.postTokenForm(ctx, desc.TokenURL, form)
	return tokens, err
}

// postTokenForm posts to a token endpoint and classifies the outcome. The
// second return reports whether the failure is worth retrying.
func (m *Manager) postTokenForm(ctx context.Context, endpoint string, form url.Values) (tokenResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, false, fmt.Errorf("oauth: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.http.Do(req)
	if err != nil {
		return tokenResponse{}, true, &Error{Kind: FailureNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return tokenResponse{}, true, &Error{Kind: FailureNetwork, Err: err}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil && resp.StatusCode == http.StatusOK {
		return tokenResponse{}, false, fmt.Errorf("oauth: decode token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(parsed.Message)
		if msg == "" {
			msg = strings.TrimSpace(parsed.ErrorDesc)
		}
		if msg == "" {
			msg = strings.TrimSpace(parsed.Error)
		}
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return tokenResponse{}, false, &Error{Kind: FailureExpired, Err: errors.New(msg)}
		}
		return tokenResponse{}, true, &Error{Kind: FailureNetwork, Err: errors.New(msg)}
	}

	if strings.TrimSpace(parsed.AccessToken) == "" {
		return tokenResponse{}, false, errors.New("oauth: token response missing access_token")
	}
	return parsed, false, nil
}

func randomVerifier() string {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString() + uuid.NewString()
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func challengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
