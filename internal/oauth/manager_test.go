package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you/omnichat/internal/config"
	"github.com/you/omnichat/internal/core"
)

func openTestStore(t *testing.T) *config.Store {
	t.Helper()
	store, err := config.Open(filepath.Join(t.TempDir(), "config.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func registerFakePlatform(t *testing.T, tokenURL string) string {
	t.Helper()
	const platform = "fakeplat"
	Descriptors[platform] = Descriptor{
		AuthURL:  "http://unused.invalid/authorize",
		TokenURL: tokenURL,
	}
	t.Cleanup(func() { delete(Descriptors, platform) })
	return platform
}

func seedAccount(t *testing.T, store *config.Store, platform string, role core.Role, issuedAt time.Time) {
	t.Helper()
	err := store.SaveAccount(core.Account{
		Platform:     platform,
		Role:         role,
		Username:     "someone",
		AccessToken:  "old-access",
		RefreshToken: "refresh-1",
		IssuedAt:     issuedAt,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestRefreshUpdatesStoredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type: %q", got)
		}
		if got := r.Form.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"refresh-2","expires_in":3600}`))
	}))
	defer srv.Close()

	store := openTestStore(t)
	platform := registerFakePlatform(t, srv.URL)
	seedAccount(t, store, platform, core.RoleStreamer, time.Now().Add(-2*time.Hour))

	m := NewManager(store, nil, 18273)
	token, err := m.Refresh(context.Background(), platform, core.RoleStreamer)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if token != "new-access" {
		t.Fatalf("token: %q", token)
	}
	if got := m.Phase(platform, core.RoleStreamer); got != PhaseValid {
		t.Fatalf("phase: %q", got)
	}

	acct, ok := store.LoadAccount(platform, core.RoleStreamer)
	if !ok {
		t.Fatal("account missing after refresh")
	}
	if acct.AccessToken != "new-access" || acct.RefreshToken != "refresh-2" {
		t.Fatalf("stored tokens: %q %q", acct.AccessToken, acct.RefreshToken)
	}
}

func TestRefreshRejectedTokenMarksInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
	}))
	defer srv.Close()

	store := openTestStore(t)
	platform := registerFakePlatform(t, srv.URL)
	seedAccount(t, store, platform, core.RoleBot, time.Now().Add(-2*time.Hour))

	m := NewManager(store, nil, 18273)
	_, err := m.Refresh(context.Background(), platform, core.RoleBot)
	if err == nil {
		t.Fatal("expected refresh to fail")
	}
	var oe *Error
	if !errors.As(err, &oe) || oe.Kind != FailureExpired {
		t.Fatalf("expected expired classification, got %v", err)
	}
	if got := m.Phase(platform, core.RoleBot); got != PhaseInvalid {
		t.Fatalf("phase: %q", got)
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	store := openTestStore(t)
	platform := registerFakePlatform(t, "http://unused.invalid/token")

	m := NewManager(store, nil, 18273)
	_, err := m.Refresh(context.Background(), platform, core.RoleStreamer)
	var oe *Error
	if !errors.As(err, &oe) || oe.Kind != FailureExpired {
		t.Fatalf("expected expired classification for missing account, got %v", err)
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	var requests atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"shared-access"}`))
	}))
	defer srv.Close()

	store := openTestStore(t)
	platform := registerFakePlatform(t, srv.URL)
	seedAccount(t, store, platform, core.RoleStreamer, time.Now().Add(-2*time.Hour))

	m := NewManager(store, nil, 18273)

	var wg sync.WaitGroup
	tokens := make([]string, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.Refresh(context.Background(), platform, core.RoleStreamer)
		}(i)
	}

	// let every goroutine reach the flight before the endpoint answers
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range tokens {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "shared-access" {
			t.Fatalf("caller %d token: %q", i, tokens[i])
		}
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected one network request, got %d", got)
	}
}

func TestValidTokenFreshSkipsRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("token endpoint should not be hit for a fresh token")
	}))
	defer srv.Close()

	store := openTestStore(t)
	platform := registerFakePlatform(t, srv.URL)
	seedAccount(t, store, platform, core.RoleStreamer, time.Now())

	m := NewManager(store, nil, 18273)
	token, err := m.ValidToken(context.Background(), platform, core.RoleStreamer)
	if err != nil {
		t.Fatalf("valid token: %v", err)
	}
	if token != "old-access" {
		t.Fatalf("token: %q", token)
	}
}

func TestValidTokenStaleFallsBackOnFailedRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	store := openTestStore(t)
	platform := registerFakePlatform(t, srv.URL)
	seedAccount(t, store, platform, core.RoleStreamer, time.Now().Add(-2*time.Hour))

	m := NewManager(store, nil, 18273)
	token, err := m.ValidToken(context.Background(), platform, core.RoleStreamer)
	if err != nil {
		t.Fatalf("expected fallback to the stored token, got error: %v", err)
	}
	if token != "old-access" {
		t.Fatalf("token: %q", token)
	}
}

func TestValidTokenNotLoggedIn(t *testing.T) {
	store := openTestStore(t)
	platform := registerFakePlatform(t, "http://unused.invalid/token")

	m := NewManager(store, nil, 18273)
	if _, err := m.ValidToken(context.Background(), platform, core.RoleStreamer); err == nil {
		t.Fatal("expected error for logged-out account")
	}
}

func TestScopeWarnings(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store, nil, 18273)

	m.MarkScopeMissing("twitch", core.RoleStreamer, "moderator:manage:chat_messages")
	warnings := m.Warnings()
	if warnings["twitch/streamer"] != "moderator:manage:chat_messages" {
		t.Fatalf("warnings: %#v", warnings)
	}

	// the returned map is a copy
	warnings["twitch/streamer"] = "tampered"
	if m.Warnings()["twitch/streamer"] == "tampered" {
		t.Fatal("Warnings must return a copy")
	}
}

func TestTokenResponseScopes(t *testing.T) {
	tests := []struct {
		scope any
		want  []string
	}{
		{"chat:read chat:edit", []string{"chat:read", "chat:edit"}},
		{[]any{"a", "b"}, []string{"a", "b"}},
		{nil, nil},
	}
	for _, tt := range tests {
		got := tokenResponse{Scope: tt.scope}.scopes()
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("scopes(%v) = %v, want %v", tt.scope, got, tt.want)
		}
	}
}

func TestChallengeS256(t *testing.T) {
	// RFC 7636 appendix B reference vector
	got := challengeS256("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	if got != "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM" {
		t.Fatalf("challenge: %q", got)
	}
}
