// Package xchat implements the X connector. X has no chat socket, so the
// client polls the recent-search endpoint for replies to the configured
// post and sends by creating reply posts. Bans are not exposed by the API.
package xchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/connector"
	"github.com/you/omnichat/internal/core"
)

var apiBaseURL = "https://api.twitter.com/2"

// pollInterval stays coarse; the recent-search quota is tight.
const pollInterval = 30 * time.Second

// Config wires one X client to a conversation.
type Config struct {
	// ConversationID is the post id whose replies form the "chat".
	ConversationID string
	Role           core.Role
	Username       string
	TokenProvider  func(ctx context.Context) (string, error)
	RefreshNow     func(ctx context.Context) (string, error)
}

type Client struct {
	cfg  Config
	bus  *bus.Bus
	http *http.Client

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	sinceID   string
}

func New(cfg Config, b *bus.Bus) *Client {
	return &Client{cfg: cfg, bus: b, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) Platform() string { return "x" }
func (c *Client) Role() core.Role  { return c.cfg.Role }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return errors.New("xchat: already connected")
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	// there is no transport to establish; the session is the poll loop
	c.setConnected(true)

	go func() {
		defer close(done)
		if c.cfg.ConversationID != "" {
			c.pollLoop(runCtx)
		} else {
			<-runCtx.Done()
		}
		c.setConnected(false)
	}()
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	changed := c.connected != connected
	c.connected = connected
	c.mu.Unlock()
	if changed && c.bus != nil {
		c.bus.PublishConnection(bus.ConnectionEvent{
			Platform:  "x",
			Role:      c.cfg.Role,
			Connected: connected,
			Username:  c.cfg.Username,
		})
	}
}

func (c *Client) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil && ctx.Err() == nil {
				log.Printf("xchat: poll error: %v", err)
			}
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("query", "conversation_id:"+c.cfg.ConversationID)
	q.Set("tweet.fields", "author_id,created_at")
	q.Set("expansions", "author_id")
	q.Set("user.fields", "username")
	c.mu.Lock()
	since := c.sinceID
	c.mu.Unlock()
	if since != "" {
		q.Set("since_id", since)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		apiBaseURL+"/tweets/search/recent?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		if c.cfg.RefreshNow != nil {
			_, _ = c.cfg.RefreshNow(ctx)
		}
		return errors.New("unauthorized")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("search status %d", resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			ID        string `json:"id"`
			Text      string `json:"text"`
			AuthorID  string `json:"author_id"`
			CreatedAt string `json:"created_at"`
		} `json:"data"`
		Includes struct {
			Users []struct {
				ID       string `json:"id"`
				Username string `json:"username"`
			} `json:"users"`
		} `json:"includes"`
		Meta struct {
			NewestID string `json:"newest_id"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return err
	}
	if parsed.Meta.NewestID != "" {
		c.mu.Lock()
		c.sinceID = parsed.Meta.NewestID
		c.mu.Unlock()
	}
	if c.bus == nil {
		return nil
	}

	usernames := make(map[string]string, len(parsed.Includes.Users))
	for _, u := range parsed.Includes.Users {
		usernames[u.ID] = u.Username
	}

	// results arrive newest first; deliver oldest first
	for i := len(parsed.Data) - 1; i >= 0; i-- {
		tw := parsed.Data[i]
		ts := time.Now().UTC()
		if t, err := time.Parse(time.RFC3339, tw.CreatedAt); err == nil {
			ts = t.UTC()
		}
		c.bus.PublishMessage(core.Message{
			Platform:      "x",
			PlatformMsgID: tw.ID,
			Ts:            ts,
			Username:      usernames[tw.AuthorID],
			UserID:        tw.AuthorID,
			Text:          tw.Text,
			ChannelID:     c.cfg.ConversationID,
			RoomID:        c.cfg.ConversationID,
			Event:         core.EventChat,
		})
	}
	return nil
}

// SendMessage creates a post, replying to the conversation when one is
// configured. Refreshes once on a 401.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	status, err := c.createPost(ctx, text)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized && c.cfg.RefreshNow != nil {
		if _, err := c.cfg.RefreshNow(ctx); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		status, err = c.createPost(ctx, text)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("xchat: send status %d", status)
	}
	return nil
}

func (c *Client) createPost(ctx context.Context, text string) (int, error) {
	token, err := c.token(ctx)
	if err != nil {
		return 0, err
	}
	payload := map[string]any{"text": text}
	if c.cfg.ConversationID != "" {
		payload["reply"] = map[string]string{"in_reply_to_tweet_id": c.cfg.ConversationID}
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBaseURL+"/tweets", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<14))
	return resp.StatusCode, nil
}

// DeleteMessage removes the client's own post. Only authored posts can be
// deleted; the API has no moderator delete.
func (c *Client) DeleteMessage(ctx context.Context, platformMsgID string) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, apiBaseURL+"/tweets/"+platformMsgID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		return connector.ErrUnsupported
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("xchat: delete status %d", resp.StatusCode)
	}
	return nil
}

// BanUser is not exposed by the API surface.
func (c *Client) BanUser(ctx context.Context, username, userID string) error {
	return connector.ErrUnsupported
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.cfg.TokenProvider == nil {
		return "", errors.New("xchat: no token provider")
	}
	return c.cfg.TokenProvider(ctx)
}
