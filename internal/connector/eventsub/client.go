// Package eventsub implements the Twitch EventSub WebSocket transport. It
// carries the structured chat surface the IRC transport lacks: fragments
// with cheermotes, message deletions, and follow/sub/raid notifications.
package eventsub

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
	wsURL            = "wss://eventsub.wss.twitch.tv/ws"
	subscriptionsURL = "https://api.twitch.tv/helix/eventsub/subscriptions"
)

// Config wires one EventSub session to a broadcaster.
type Config struct {
	ClientID      string
	BroadcasterID string
	// UserID is the authenticated user the session reads chat as. Usually
	// equal to BroadcasterID for the streamer role.
	UserID        string
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

func (c *Client) Platform() string { return "twitch" }
func (c *Client) Role() core.Role  { return c.cfg.Role }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.BroadcasterID == "" {
		return errors.New("eventsub: broadcaster id is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return errors.New("eventsub: already connected")
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	runner := &connector.Runner{
		Name:          "eventsub",
		Session:       c.session,
		RefreshNow:    c.cfg.RefreshNow,
		OnStateChange: func(connected bool) { c.setConnected(connected) },
	}

	go func() {
		defer close(done)
		if err := runner.Loop(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("eventsub: loop exited: %v", err)
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
			Platform:  "twitch",
			Role:      c.cfg.Role,
			Connected: connected,
			Username:  c.cfg.Username,
		})
	}
}

// envelope is the outer EventSub WebSocket frame.
type envelope struct {
	Metadata struct {
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type welcomePayload struct {
	Session struct {
		ID                      string `json:"id"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	} `json:"session"`
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	// the welcome frame must arrive promptly
	welcomeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	_, data, err := conn.Read(welcomeCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("welcome decode: %w", err)
	}
	if env.Metadata.MessageType != "session_welcome" {
		return fmt.Errorf("expected session_welcome, got %q", env.Metadata.MessageType)
	}
	var welcome welcomePayload
	if err := json.Unmarshal(env.Payload, &welcome); err != nil {
		return fmt.Errorf("welcome payload: %w", err)
	}
	keepalive := time.Duration(welcome.Session.KeepaliveTimeoutSeconds) * time.Second
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}

	if err := c.subscribeAll(ctx, welcome.Session.ID); err != nil {
		return err
	}
	log.Printf("eventsub: session %s established", welcome.Session.ID)

	c.setConnected(true)
	defer c.setConnected(false)

	for {
		// keepalive frames arrive within the negotiated window; a silent
		// socket past twice that window is dead
		readCtx, cancel := context.WithTimeout(ctx, 2*keepalive)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Metadata.MessageType {
		case "session_keepalive":
			// nothing to do
		case "session_reconnect":
			// drop the session; the runner re-dials the primary endpoint
			return errors.New("session reconnect requested")
		case "revocation":
			return connector.ErrAuthFailed
		case "notification":
			c.dispatch(env.Metadata.SubscriptionType, env.Payload)
		}
	}
}

// subscribeAll registers the chat and activity subscriptions against the
// fresh session id.
func (c *Client) subscribeAll(ctx context.Context, sessionID string) error {
	broadcaster := map[string]string{"broadcaster_user_id": c.cfg.BroadcasterID}
	chatCond := map[string]string{
		"broadcaster_user_id": c.cfg.BroadcasterID,
		"user_id":             c.userID(),
	}
	followCond := map[string]string{
		"broadcaster_user_id": c.cfg.BroadcasterID,
		"moderator_user_id":   c.userID(),
	}

	subs := []struct {
		kind      string
		version   string
		condition map[string]string
	}{
		{"channel.chat.message", "1", chatCond},
		{"channel.chat.message_delete", "1", chatCond},
		{"channel.follow", "2", followCond},
		{"channel.subscribe", "1", broadcaster},
		{"channel.raid", "1", map[string]string{"to_broadcaster_user_id": c.cfg.BroadcasterID}},
	}

	for _, sub := range subs {
		if err := c.createSubscription(ctx, sessionID, sub.kind, sub.version, sub.condition); err != nil {
			// chat is mandatory; the activity feeds degrade gracefully
			if sub.kind == "channel.chat.message" || sub.kind == "channel.chat.message_delete" {
				return err
			}
			log.Printf("eventsub: subscription %s unavailable: %v", sub.kind, err)
		}
	}
	return nil
}

func (c *Client) createSubscription(ctx context.Context, sessionID, kind, version string, condition map[string]string) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]any{
		"type":      kind,
		"version":   version,
		"condition": condition,
		"transport": map[string]string{"method": "websocket", "session_id": sessionID},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, subscriptionsURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(token, "oauth:"))
	req.Header.Set("Client-Id", c.cfg.ClientID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return connector.ErrAuthFailed
	default:
		return fmt.Errorf("subscribe %s: status %d: %s", kind, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

func (c *Client) dispatch(kind string, payload json.RawMessage) {
	if c.bus == nil {
		return
	}
	switch kind {
	case "channel.chat.message":
		if msg, ok := parseChatNotification(payload); ok {
			c.bus.PublishMessage(msg)
		}
	case "channel.chat.message_delete":
		var ev struct {
			Event struct {
				MessageID string `json:"message_id"`
			} `json:"event"`
		}
		if err := json.Unmarshal(payload, &ev); err == nil && ev.Event.MessageID != "" {
			c.bus.PublishDeletion(bus.Deletion{Platform: "twitch", PlatformMsgID: ev.Event.MessageID})
		}
	case "channel.follow":
		if msg, ok := parseActivity(payload, core.EventFollow); ok {
			c.bus.PublishMessage(msg)
		}
	case "channel.subscribe":
		if msg, ok := parseActivity(payload, core.EventSubscription); ok {
			c.bus.PublishMessage(msg)
		}
	case "channel.raid":
		if msg, ok := parseRaid(payload); ok {
			c.bus.PublishMessage(msg)
		}
	}
}

type chatNotification struct {
	Event struct {
		MessageID                   string `json:"message_id"`
		BroadcasterUserID           string `json:"broadcaster_user_id"`
		ChatterUserID               string `json:"chatter_user_id"`
		ChatterUserLogin            string `json:"chatter_user_login"`
		Color                       string `json:"color"`
		MessageType                 string `json:"message_type"`
		ChannelPointsCustomRewardID string `json:"channel_points_custom_reward_id"`
		Badges                      []struct {
			SetID string `json:"set_id"`
			ID    string `json:"id"`
		} `json:"badges"`
		Message struct {
			Text      string `json:"text"`
			Fragments []struct {
				Type  string `json:"type"`
				Text  string `json:"text"`
				Emote *struct {
					ID         string `json:"id"`
					EmoteSetID string `json:"emote_set_id"`
				} `json:"emote"`
				Cheermote *struct {
					Prefix string `json:"prefix"`
					Bits   int    `json:"bits"`
					Tier   int    `json:"tier"`
				} `json:"cheermote"`
			} `json:"fragments"`
		} `json:"message"`
		Cheer *struct {
			Bits int `json:"bits"`
		} `json:"cheer"`
	} `json:"event"`
}

func parseChatNotification(payload json.RawMessage) (core.Message, bool) {
	var n chatNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return core.Message{}, false
	}
	ev := n.Event
	if ev.MessageID == "" || ev.ChatterUserLogin == "" {
		return core.Message{}, false
	}

	msg := core.Message{
		Platform:      "twitch",
		PlatformMsgID: ev.MessageID,
		Ts:            time.Now().UTC(),
		Username:      ev.ChatterUserLogin,
		UserID:        ev.ChatterUserID,
		Text:          ev.Message.Text,
		Colour:        ev.Color,
		RoomID:        ev.BroadcasterUserID,
		ChannelID:     ev.BroadcasterUserID,
		Event:         core.EventChat,
	}
	switch {
	case ev.Cheer != nil && ev.Cheer.Bits > 0:
		msg.Event = core.EventBits
	case ev.MessageType == "channel_points_highlighted" || ev.ChannelPointsCustomRewardID != "":
		if ev.ChannelPointsCustomRewardID != "" {
			msg.Event = core.EventRedemption
		} else {
			msg.Event = core.EventHighlight
		}
	}
	for _, b := range ev.Badges {
		msg.Badges = append(msg.Badges, core.Badge{Name: b.SetID, Version: b.ID})
	}
	for _, f := range ev.Message.Fragments {
		switch {
		case f.Emote != nil:
			msg.Fragments = append(msg.Fragments, core.Fragment{
				Type:       core.FragmentEmote,
				Text:       f.Text,
				EmoteID:    f.Emote.ID,
				EmoteSetID: f.Emote.EmoteSetID,
			})
		case f.Cheermote != nil:
			msg.Fragments = append(msg.Fragments, core.Fragment{
				Type:    core.FragmentCheermote,
				Text:    f.Text,
				EmoteID: f.Cheermote.Prefix,
				Bits:    f.Cheermote.Bits,
			})
		default:
			msg.Fragments = append(msg.Fragments, core.Fragment{Type: core.FragmentText, Text: f.Text})
		}
	}
	return msg, true
}

func parseActivity(payload json.RawMessage, event core.EventType) (core.Message, bool) {
	var ev struct {
		Event struct {
			UserID            string `json:"user_id"`
			UserLogin         string `json:"user_login"`
			BroadcasterUserID string `json:"broadcaster_user_id"`
			Tier              string `json:"tier"`
		} `json:"event"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Event.UserLogin == "" {
		return core.Message{}, false
	}
	return core.Message{
		Platform:  "twitch",
		Ts:        time.Now().UTC(),
		Username:  ev.Event.UserLogin,
		UserID:    ev.Event.UserID,
		RoomID:    ev.Event.BroadcasterUserID,
		ChannelID: ev.Event.BroadcasterUserID,
		Event:     event,
	}, true
}

func parseRaid(payload json.RawMessage) (core.Message, bool) {
	var ev struct {
		Event struct {
			FromBroadcasterUserID    string `json:"from_broadcaster_user_id"`
			FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
			ToBroadcasterUserID      string `json:"to_broadcaster_user_id"`
			Viewers                  int    `json:"viewers"`
		} `json:"event"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Event.FromBroadcasterUserLogin == "" {
		return core.Message{}, false
	}
	return core.Message{
		Platform:  "twitch",
		Ts:        time.Now().UTC(),
		Username:  ev.Event.FromBroadcasterUserLogin,
		UserID:    ev.Event.FromBroadcasterUserID,
		RoomID:    ev.Event.ToBroadcasterUserID,
		ChannelID: ev.Event.ToBroadcasterUserID,
		Text:      fmt.Sprintf("raided with %d viewers", ev.Event.Viewers),
		Event:     core.EventRaid,
	}, true
}

// SendMessage, DeleteMessage and BanUser are served by the IRC transport
// and Helix respectively; the EventSub session is read-only.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	return connector.ErrUnsupported
}

func (c *Client) DeleteMessage(ctx context.Context, platformMsgID string) error {
	return connector.ErrUnsupported
}

func (c *Client) BanUser(ctx context.Context, username, userID string) error {
	return connector.ErrUnsupported
}

func (c *Client) userID() string {
	if c.cfg.UserID != "" {
		return c.cfg.UserID
	}
	return c.cfg.BroadcasterID
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.cfg.TokenProvider == nil {
		return "", errors.New("eventsub: no token provider")
	}
	return c.cfg.TokenProvider(ctx)
}
