// Package dlive implements the DLive connector: inbound chat over the
// graphql-ws subscription endpoint, outbound sends and moderation through
// GraphQL mutations on the HTTP endpoint.
package dlive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/connector"
	"github.com/you/omnichat/internal/core"
)

var (
	wsURL  = "wss://graphigostream.prd.dlive.tv"
	gqlURL = "https://graphigo.prd.dlive.tv/"
)

const streamMessageSubscription = `subscription($streamer: String!) {
  streamMessageReceived(streamer: $streamer) {
    __typename
    ... on ChatText { id content createdAt sender { username displayname avatar } }
    ... on ChatGift { id gift amount sender { username displayname } }
    ... on ChatFollow { sender { username displayname } }
    ... on ChatDelete { ids }
  }
}`

// Config wires one DLive client to a streamer's chat.
type Config struct {
	// Streamer is the blockchain username of the channel being watched.
	Streamer      string
	Role          core.Role
	Username      string
	TokenProvider func(ctx context.Context) (string, error)
	RefreshNow    func(ctx context.Context) (string, error)
}

type Client struct {
	cfg  Config
	bus  *bus.Bus
	http *http.Client

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(cfg Config, b *bus.Bus) *Client {
	return &Client{cfg: cfg, bus: b, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) Platform() string { return "dlive" }
func (c *Client) Role() core.Role  { return c.cfg.Role }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Streamer == "" {
		return errors.New("dlive: streamer is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return errors.New("dlive: already connected")
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	runner := &connector.Runner{
		Name:          "dlive",
		Session:       c.session,
		RefreshNow:    c.cfg.RefreshNow,
		OnStateChange: func(connected bool) { c.setConnected(connected) },
	}

	go func() {
		defer close(done)
		if err := runner.Loop(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("dlive: loop exited: %v", err)
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
			Platform:  "dlive",
			Role:      c.cfg.Role,
			Connected: connected,
			Username:  c.cfg.Username,
		})
	}
}

type gqlWSFrame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *Client) session(ctx context.Context) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{"graphql-ws"},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	initPayload, _ := json.Marshal(map[string]string{"authorization": token})
	init, _ := json.Marshal(gqlWSFrame{Type: "connection_init", Payload: initPayload})
	if err := conn.Write(ctx, websocket.MessageText, init); err != nil {
		return fmt.Errorf("connection_init: %w", err)
	}

	startPayload, _ := json.Marshal(map[string]any{
		"query":     streamMessageSubscription,
		"variables": map[string]string{"streamer": c.cfg.Streamer},
	})
	start, _ := json.Marshal(gqlWSFrame{ID: "1", Type: "start", Payload: startPayload})
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	for {
		readCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		var frame gqlWSFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "connection_ack":
			log.Printf("dlive: subscribed to %s", c.cfg.Streamer)
			c.setConnected(true)
			defer c.setConnected(false)
		case "connection_error":
			lower := strings.ToLower(string(frame.Payload))
			if strings.Contains(lower, "auth") || strings.Contains(lower, "token") {
				return connector.ErrAuthFailed
			}
			return fmt.Errorf("connection error: %s", frame.Payload)
		case "ka":
			// server keepalive
		case "complete":
			return errors.New("subscription completed by server")
		case "data":
			c.handleData(frame.Payload)
		}
	}
}

type streamMessage struct {
	Typename  string   `json:"__typename"`
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	CreatedAt string   `json:"createdAt"`
	Gift      string   `json:"gift"`
	Amount    string   `json:"amount"`
	IDs       []string `json:"ids"`
	Sender    struct {
		Username    string `json:"username"`
		Displayname string `json:"displayname"`
	} `json:"sender"`
}

func (c *Client) handleData(payload json.RawMessage) {
	if c.bus == nil {
		return
	}
	var parsed struct {
		Data struct {
			StreamMessageReceived []streamMessage `json:"streamMessageReceived"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return
	}

	for _, m := range parsed.Data.StreamMessageReceived {
		switch m.Typename {
		case "ChatText":
			c.bus.PublishMessage(core.Message{
				Platform:      "dlive",
				PlatformMsgID: m.ID,
				Ts:            parseNanoTimestamp(m.CreatedAt),
				Username:      displayName(m),
				UserID:        m.Sender.Username,
				Text:          m.Content,
				ChannelID:     c.cfg.Streamer,
				RoomID:        c.cfg.Streamer,
				Event:         core.EventChat,
			})
		case "ChatGift":
			c.bus.PublishMessage(core.Message{
				Platform:      "dlive",
				PlatformMsgID: m.ID,
				Ts:            time.Now().UTC(),
				Username:      displayName(m),
				UserID:        m.Sender.Username,
				Text:          fmt.Sprintf("gifted %s x%s", m.Gift, m.Amount),
				ChannelID:     c.cfg.Streamer,
				RoomID:        c.cfg.Streamer,
				Event:         core.EventBits,
			})
		case "ChatFollow":
			c.bus.PublishMessage(core.Message{
				Platform:  "dlive",
				Ts:        time.Now().UTC(),
				Username:  displayName(m),
				UserID:    m.Sender.Username,
				ChannelID: c.cfg.Streamer,
				RoomID:    c.cfg.Streamer,
				Event:     core.EventFollow,
			})
		case "ChatDelete":
			for _, id := range m.IDs {
				c.bus.PublishDeletion(bus.Deletion{Platform: "dlive", PlatformMsgID: id})
			}
		}
	}
}

func displayName(m streamMessage) string {
	if m.Sender.Displayname != "" {
		return m.Sender.Displayname
	}
	return m.Sender.Username
}

// parseNanoTimestamp decodes DLive's string nanosecond timestamps, falling
// back to now on junk input.
func parseNanoTimestamp(s string) time.Time {
	var nanos int64
	if _, err := fmt.Sscanf(s, "%d", &nanos); err != nil || nanos <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(0, nanos).UTC()
}

// SendMessage issues the sendStreamchatMessage mutation.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	if !c.Connected() {
		return connector.ErrNotConnected
	}
	const mutation = `mutation($input: SendStreamchatMessageInput!) {
  sendStreamchatMessage(input: $input) { err { code message } }
}`
	variables := map[string]any{
		"input": map[string]any{
			"streamer": c.cfg.Streamer,
			"message":  text,
			"roomRole": "Member",
			"subscribing": false,
		},
	}
	return c.mutate(ctx, mutation, variables)
}

// DeleteMessage issues the deleteChat mutation.
func (c *Client) DeleteMessage(ctx context.Context, platformMsgID string) error {
	const mutation = `mutation($streamer: String!, $id: String!) {
  deleteChat(streamer: $streamer, id: $id) { err { code message } }
}`
	return c.mutate(ctx, mutation, map[string]any{
		"streamer": c.cfg.Streamer,
		"id":       platformMsgID,
	})
}

// BanUser issues the streamer ban mutation against the sender's username.
func (c *Client) BanUser(ctx context.Context, username, userID string) error {
	who := userID
	if who == "" {
		who = username
	}
	if who == "" {
		return connector.ErrUnsupported
	}
	const mutation = `mutation($streamer: String!, $username: String!) {
  streamerBanUserChat(streamer: $streamer, username: $username) { err { code message } }
}`
	return c.mutate(ctx, mutation, map[string]any{
		"streamer": c.cfg.Streamer,
		"username": who,
	})
}

func (c *Client) mutate(ctx context.Context, query string, variables map[string]any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]any{"query": query, "variables": variables})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gqlURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dlive: mutation status %d", resp.StatusCode)
	}

	var parsed struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &parsed); err == nil && len(parsed.Errors) > 0 {
		return fmt.Errorf("dlive: %s", parsed.Errors[0].Message)
	}
	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.cfg.TokenProvider == nil {
		return "", errors.New("dlive: no token provider")
	}
	return c.cfg.TokenProvider(ctx)
}
