// Package kick implements the Kick connector: inbound chat over the
// Pusher-protocol WebSocket, outbound sends and moderation over the REST
// API.
package kick

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

// Endpoint vars exist so tests can substitute local fakes.
var (
	wsURL      = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=7.6.0&flash=false"
	apiBaseURL = "https://kick.com/api/v2"
)

// Config wires one Kick client to a chatroom and an account.
type Config struct {
	Slug          string
	ChatroomID    string
	Role          core.Role
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

func (c *Client) Platform() string { return "kick" }
func (c *Client) Role() core.Role  { return c.cfg.Role }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Connect(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.ChatroomID) == "" {
		return errors.New("kick: chatroom id is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return errors.New("kick: already connected")
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	runner := &connector.Runner{
		Name:          "kick",
		Session:       c.session,
		RefreshNow:    c.cfg.RefreshNow,
		OnStateChange: func(connected bool) { c.setConnected(connected) },
	}

	go func() {
		defer close(done)
		if err := runner.Loop(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("kick: loop exited: %v", err)
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
			Platform:  "kick",
			Role:      c.cfg.Role,
			Connected: connected,
			Username:  c.cfg.Slug,
		})
	}
}

// pusherFrame is the outer envelope of every Pusher protocol message.
type pusherFrame struct {
	Event   string `json:"event"`
	Data    string `json:"data"`
	Channel string `json:"channel,omitempty"`
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	subscribe := pusherFrame{Event: "pusher:subscribe"}
	subData, _ := json.Marshal(map[string]string{"channel": "chatrooms." + c.cfg.ChatroomID + ".v2"})
	subscribe.Data = string(subData)
	raw, _ := json.Marshal(subscribe)
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Printf("kick: subscribed to chatroom %s", c.cfg.ChatroomID)

	c.setConnected(true)
	defer c.setConnected(false)

	// sessionDone stops the keepalive when this session returns; ctx
	// outlives individual sessions across reconnects.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go keepalive(ctx, sessionDone, time.Minute, func() {
		frame, _ := json.Marshal(pusherFrame{Event: "pusher:ping", Data: "{}"})
		_ = conn.Write(ctx, websocket.MessageText, frame)
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var frame pusherFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Event {
		case "pusher:error":
			lower := strings.ToLower(frame.Data)
			if strings.Contains(lower, "auth") {
				return connector.ErrAuthFailed
			}
			return fmt.Errorf("pusher error: %s", frame.Data)
		case "App\\Events\\ChatMessageEvent":
			if msg, ok := parseChatMessage(frame.Data); ok && c.bus != nil {
				c.bus.PublishMessage(msg)
			}
		case "App\\Events\\MessageDeletedEvent":
			if id := parseDeletedID(frame.Data); id != "" && c.bus != nil {
				c.bus.PublishDeletion(bus.Deletion{Platform: "kick", PlatformMsgID: id})
			}
		}
	}
}

// keepalive fires ping on every tick until the session or the connector
// shuts down.
func keepalive(ctx context.Context, sessionDone <-chan struct{}, interval time.Duration, ping func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sessionDone:
			return
		case <-ticker.C:
			ping()
		}
	}
}

type chatMessagePayload struct {
	ID         string      `json:"id"`
	Content    string      `json:"content"`
	Type       string      `json:"type"`
	CreatedAt  string      `json:"created_at"`
	ChatroomID json.Number `json:"chatroom_id"`
	Sender     struct {
		ID       json.Number `json:"id"`
		Username string      `json:"username"`
		Identity struct {
			Color  string `json:"color"`
			Badges []struct {
				Type  string `json:"type"`
				Text  string `json:"text"`
				Count int    `json:"count"`
			} `json:"badges"`
		} `json:"identity"`
	} `json:"sender"`
}

// parseChatMessage normalizes the inner Pusher data payload. Kick wraps
// emotes inline as [emote:37226:EmoteName] markers inside content.
func parseChatMessage(data string) (core.Message, bool) {
	var payload chatMessagePayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return core.Message{}, false
	}
	if payload.ID == "" || payload.Sender.Username == "" {
		return core.Message{}, false
	}

	ts := time.Now().UTC()
	if payload.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, payload.CreatedAt); err == nil {
			ts = t.UTC()
		}
	}

	msg := core.Message{
		Platform:      "kick",
		PlatformMsgID: payload.ID,
		Ts:            ts,
		Username:      payload.Sender.Username,
		UserID:        payload.Sender.ID.String(),
		Colour:        payload.Sender.Identity.Color,
		RoomID:        payload.ChatroomID.String(),
		Event:         core.EventChat,
	}
	for _, b := range payload.Sender.Identity.Badges {
		msg.Badges = append(msg.Badges, core.Badge{Name: b.Type})
	}
	msg.Fragments, msg.Text = parseEmoteMarkers(payload.Content)
	return msg, true
}

// parseEmoteMarkers splits "[emote:12345:Name]" markers out of content into
// fragments, returning the fragments and the plain text with markers
// replaced by the emote names.
func parseEmoteMarkers(content string) ([]core.Fragment, string) {
	var frags []core.Fragment
	var plain strings.Builder
	rest := content
	sawEmote := false

	for {
		start := strings.Index(rest, "[emote:")
		if start == -1 {
			break
		}
		end := strings.Index(rest[start:], "]")
		if end == -1 {
			break
		}
		end += start

		marker := rest[start+len("[emote:") : end]
		id, name, ok := strings.Cut(marker, ":")
		if !ok || id == "" {
			// malformed marker; keep it as text
			if start+1 <= len(rest) {
				if rest[:start+1] != "" {
					plain.WriteString(rest[:start+1])
					frags = append(frags, core.Fragment{Type: core.FragmentText, Text: rest[:start+1]})
				}
				rest = rest[start+1:]
				continue
			}
			break
		}

		if before := rest[:start]; before != "" {
			frags = append(frags, core.Fragment{Type: core.FragmentText, Text: before})
			plain.WriteString(before)
		}
		frags = append(frags, core.Fragment{Type: core.FragmentEmote, Text: name, EmoteID: id})
		plain.WriteString(name)
		sawEmote = true
		rest = rest[end+1:]
	}

	if rest != "" {
		if sawEmote || len(frags) > 0 {
			frags = append(frags, core.Fragment{Type: core.FragmentText, Text: rest})
		}
		plain.WriteString(rest)
	}

	if !sawEmote {
		return nil, content
	}
	return frags, plain.String()
}

func parseDeletedID(data string) string {
	var payload struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return ""
	}
	return payload.Message.ID
}

// SendMessage posts to the chatroom through the REST API, refreshing once
// on a 401.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	if !c.Connected() {
		return connector.ErrNotConnected
	}
	return c.SendOnce(ctx, text)
}

// SendOnce posts through the REST API without requiring a live socket;
// connectionless bot sends come through here.
func (c *Client) SendOnce(ctx context.Context, text string) error {
	status, err := c.postMessage(ctx, text)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized && c.cfg.RefreshNow != nil {
		if _, err := c.cfg.RefreshNow(ctx); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		status, err = c.postMessage(ctx, text)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("kick: send status %d", status)
	}
	return nil
}

func (c *Client) postMessage(ctx context.Context, text string) (int, error) {
	token, err := c.token(ctx)
	if err != nil {
		return 0, err
	}
	body, _ := json.Marshal(map[string]string{"content": text, "type": "message"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		apiBaseURL+"/messages/send/"+c.cfg.ChatroomID, bytes.NewReader(body))
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

// DeleteMessage removes a chatroom message.
func (c *Client) DeleteMessage(ctx context.Context, platformMsgID string) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		apiBaseURL+"/chatrooms/"+c.cfg.ChatroomID+"/messages/"+platformMsgID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("kick: delete status %d", resp.StatusCode)
	}
	return nil
}

// BanUser bans by username on the channel.
func (c *Client) BanUser(ctx context.Context, username, userID string) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]any{"banned_username": username, "permanent": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		apiBaseURL+"/channels/"+c.cfg.Slug+"/bans", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("kick: ban status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.cfg.TokenProvider == nil {
		return "", errors.New("kick: no token provider")
	}
	return c.cfg.TokenProvider(ctx)
}
