package xchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/connector"
	"github.com/you/omnichat/internal/core"
)

func overrideAPI(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	old := apiBaseURL
	apiBaseURL = srv.URL
	t.Cleanup(func() {
		apiBaseURL = old
		srv.Close()
	})
	return srv
}

func tokenProvider(token string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return token, nil }
}

func TestPollOnceDeliversOldestFirst(t *testing.T) {
	var gotSince atomic.Value
	overrideAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tweets/search/recent" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header: %q", got)
		}
		gotSince.Store(r.URL.Query().Get("since_id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": [
				{"id": "202", "text": "second", "author_id": "u1", "created_at": "2026-03-01T18:00:05Z"},
				{"id": "201", "text": "first", "author_id": "u2", "created_at": "2026-03-01T18:00:00Z"}
			],
			"includes": {"users": [
				{"id": "u1", "username": "alice"},
				{"id": "u2", "username": "bob"}
			]},
			"meta": {"newest_id": "202"}
		}`))
	}))

	signals := bus.New()
	var got []core.Message
	signals.SubscribeMessages(func(m core.Message) { got = append(got, m) })

	c := New(Config{ConversationID: "100", TokenProvider: tokenProvider("tok")}, signals)
	if err := c.pollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("messages: %d", len(got))
	}
	if got[0].PlatformMsgID != "201" || got[0].Username != "bob" || got[0].Text != "first" {
		t.Fatalf("first delivered: %#v", got[0])
	}
	if got[1].PlatformMsgID != "202" || got[1].Username != "alice" {
		t.Fatalf("second delivered: %#v", got[1])
	}
	if got[0].Platform != "x" || got[0].RoomID != "100" {
		t.Fatalf("routing: %#v", got[0])
	}

	// the next poll carries the cursor forward
	if err := c.pollOnce(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if since, _ := gotSince.Load().(string); since != "202" {
		t.Fatalf("since_id: %q", since)
	}
}

func TestPollOnceUnauthorizedTriggersRefresh(t *testing.T) {
	overrideAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	var refreshed atomic.Bool
	c := New(Config{
		ConversationID: "100",
		TokenProvider:  tokenProvider("stale"),
		RefreshNow: func(context.Context) (string, error) {
			refreshed.Store(true)
			return "fresh", nil
		},
	}, nil)

	if err := c.pollOnce(context.Background()); err == nil {
		t.Fatal("unauthorized poll must error")
	}
	if !refreshed.Load() {
		t.Fatal("refresh not attempted")
	}
}

func TestSendMessageRepliesToConversation(t *testing.T) {
	var sawReply atomic.Bool
	overrideAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tweets" || r.Method != http.MethodPost {
			t.Errorf("request: %s %s", r.Method, r.URL.Path)
		}
		var payload struct {
			Text  string `json:"text"`
			Reply *struct {
				InReplyTo string `json:"in_reply_to_tweet_id"`
			} `json:"reply"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		if payload.Reply != nil && payload.Reply.InReplyTo == "100" {
			sawReply.Store(true)
		}
		w.WriteHeader(http.StatusCreated)
	}))

	c := New(Config{ConversationID: "100", TokenProvider: tokenProvider("tok")}, nil)
	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !sawReply.Load() {
		t.Fatal("post did not reply to the conversation")
	}
}

func TestSendMessageRefreshesOnceOn401(t *testing.T) {
	var calls atomic.Int32
	overrideAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	var refreshed atomic.Bool
	c := New(Config{
		TokenProvider: tokenProvider("tok"),
		RefreshNow: func(context.Context) (string, error) {
			refreshed.Store(true)
			return "fresh", nil
		},
	}, nil)
	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !refreshed.Load() || calls.Load() != 2 {
		t.Fatalf("refresh path: refreshed=%v calls=%d", refreshed.Load(), calls.Load())
	}
}

func TestDeleteMessageForbiddenIsUnsupported(t *testing.T) {
	overrideAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	c := New(Config{TokenProvider: tokenProvider("tok")}, nil)
	if err := c.DeleteMessage(context.Background(), "555"); !errors.Is(err, connector.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestBanUserUnsupported(t *testing.T) {
	c := New(Config{}, nil)
	if err := c.BanUser(context.Background(), "troll", "1"); !errors.Is(err, connector.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestConnectReportsConnectedWithoutTransport(t *testing.T) {
	signals := bus.New()
	events := make(chan bus.ConnectionEvent, 2)
	signals.SubscribeStreamerConnections(func(ev bus.ConnectionEvent) { events <- ev })

	c := New(Config{Role: core.RoleStreamer}, signals)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case ev := <-events:
		if !ev.Connected || ev.Platform != "x" {
			t.Fatalf("event: %#v", ev)
		}
	default:
		t.Fatal("no connection event")
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if c.Connected() {
		t.Fatal("still connected after disconnect")
	}
}
