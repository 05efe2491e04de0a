// Package trovo implements the Trovo connector: inbound chat over the Open
// Platform chat WebSocket (token handshake, PING cadence negotiated by the
// server), outbound sends and moderation over the REST API. Spell casts and
// paid magic-chat variants arrive on the same socket as typed chats.
package trovo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/connector"
	"github.com/you/omnichat/internal/core"
)

var (
	wsURL      = "wss://open-chat.trovo.live/chat"
	apiBaseURL = "https://open-api.trovo.live/openplatform"
)

// Chat message type codes from the Open Platform. Spells and the paid
// magic-chat variants carry their own codes.
const (
	chatTypeNormal      = 0
	chatTypeSpell       = 5
	chatTypeMagicBullet = 6
	chatTypeMagicSuper  = 7
	chatTypeMagicColor  = 8
	chatTypeSub         = 5001
	chatTypeFollow      = 5003
	chatTypeRaid        = 5004
)

// Config wires one Trovo client to a channel and an account.
type Config struct {
	ClientID      string
	ChannelID     string
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

	// seen drops the replayed backlog the socket delivers on (re)connect
	seen   map[string]struct{}
	seenMu sync.Mutex
}

func New(cfg Config, b *bus.Bus) *Client {
	return &Client{
		cfg:  cfg,
		bus:  b,
		http: &http.Client{Timeout: 10 * time.Second},
		seen: make(map[string]struct{}),
	}
}

func (c *Client) Platform() string { return "trovo" }
func (c *Client) Role() core.Role  { return c.cfg.Role }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.ChannelID == "" {
		return errors.New("trovo: channel id is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return errors.New("trovo: already connected")
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	runner := &connector.Runner{
		Name:          "trovo",
		Session:       c.session,
		RefreshNow:    c.cfg.RefreshNow,
		OnStateChange: func(connected bool) { c.setConnected(connected) },
	}

	go func() {
		defer close(done)
		if err := runner.Loop(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("trovo: loop exited: %v", err)
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
			Platform:  "trovo",
			Role:      c.cfg.Role,
			Connected: connected,
			Username:  c.cfg.Username,
		})
	}
}

type wsFrame struct {
	Type  string          `json:"type"`
	Nonce string          `json:"nonce,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// chatToken fetches the per-channel socket token through the REST API.
func (c *Client) chatToken(ctx context.Context) (string, error) {
	token, err := c.token(ctx)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		apiBaseURL+"/chat/channel-token/"+c.cfg.ChannelID, nil)
	if err != nil {
		return "", err
	}
	c.setHeaders(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", connector.ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat token status %d", resp.StatusCode)
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if parsed.Token == "" {
		return "", errors.New("empty chat token")
	}
	return parsed.Token, nil
}

func (c *Client) session(ctx context.Context) error {
	chatToken, err := c.chatToken(ctx)
	if err != nil {
		return fmt.Errorf("chat token: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	auth := map[string]any{
		"type":  "AUTH",
		"nonce": "auth-" + strconv.FormatInt(time.Now().UnixNano(), 10),
		"data":  map[string]string{"token": chatToken},
	}
	raw, _ := json.Marshal(auth)
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// sessionDone stops the pinger when this session returns; ctx outlives
	// individual sessions across reconnects.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	gapCh := make(chan time.Duration, 1)
	go pingLoop(ctx, sessionDone, gapCh, func() {
		frame, _ := json.Marshal(map[string]string{
			"type":  "PING",
			"nonce": "ping-" + strconv.FormatInt(time.Now().UnixNano(), 10),
		})
		_ = conn.Write(ctx, websocket.MessageText, frame)
	})

	authed := false
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

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "RESPONSE":
			if frame.Error != "" {
				return connector.ErrAuthFailed
			}
			if !authed {
				authed = true
				log.Printf("trovo: channel %s chat authorized", c.cfg.ChannelID)
				c.setConnected(true)
				defer c.setConnected(false)
			}
		case "PONG":
			var pong struct {
				Gap int `json:"gap"`
			}
			if err := json.Unmarshal(frame.Data, &pong); err == nil && pong.Gap > 0 {
				select {
				case gapCh <- time.Duration(pong.Gap) * time.Second:
				default:
				}
			}
		case "CHAT":
			c.handleChat(frame.Data, authed)
		}
	}
}

// pingLoop sends PING on the negotiated cadence until the session or the
// connector shuts down. The server renegotiates the gap through PONG
// responses delivered on gapCh.
func pingLoop(ctx context.Context, sessionDone <-chan struct{}, gapCh <-chan time.Duration, ping func()) {
	gap := 25 * time.Second
	timer := time.NewTimer(gap)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sessionDone:
			return
		case g := <-gapCh:
			gap = g
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(gap)
		case <-timer.C:
			ping()
			timer.Reset(gap)
		}
	}
}

type chatPayload struct {
	EID   string `json:"eid"`
	Chats []struct {
		Type        int             `json:"type"`
		Content     string          `json:"content"`
		NickName    string          `json:"nick_name"`
		UID         json.Number     `json:"uid"`
		MessageID   string          `json:"message_id"`
		SendTime    int64           `json:"send_time"`
		Medals      []string        `json:"medals"`
		ContentData json.RawMessage `json:"content_data"`
	} `json:"chats"`
}

func (c *Client) handleChat(data json.RawMessage, deliver bool) {
	var payload chatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	for _, chat := range payload.Chats {
		if chat.MessageID == "" {
			continue
		}
		c.seenMu.Lock()
		_, dup := c.seen[chat.MessageID]
		if !dup {
			c.seen[chat.MessageID] = struct{}{}
			if len(c.seen) > 4096 {
				c.seen = map[string]struct{}{chat.MessageID: {}}
			}
		}
		c.seenMu.Unlock()
		if dup || !deliver || c.bus == nil {
			continue
		}

		msg := core.Message{
			Platform:      "trovo",
			PlatformMsgID: chat.MessageID,
			Ts:            time.Unix(chat.SendTime, 0).UTC(),
			Username:      chat.NickName,
			UserID:        chat.UID.String(),
			Text:          chat.Content,
			RoomID:        c.cfg.ChannelID,
			ChannelID:     c.cfg.ChannelID,
			Event:         eventForType(chat.Type),
		}
		if chat.SendTime == 0 {
			msg.Ts = time.Now().UTC()
		}
		for _, medal := range chat.Medals {
			msg.Badges = append(msg.Badges, core.Badge{Name: medal})
		}
		if msg.Event == core.EventSpell {
			// spell content is a JSON blob naming the gift
			var spell struct {
				Gift string `json:"gift"`
				Num  int    `json:"num"`
			}
			if err := json.Unmarshal([]byte(chat.Content), &spell); err == nil && spell.Gift != "" {
				msg.Text = fmt.Sprintf("cast %s x%d", spell.Gift, spell.Num)
			}
		}
		c.bus.PublishMessage(msg)
	}
}

func eventForType(t int) core.EventType {
	switch t {
	case chatTypeSpell:
		return core.EventSpell
	case chatTypeMagicBullet, chatTypeMagicSuper, chatTypeMagicColor:
		return core.EventMagicChat
	case chatTypeSub:
		return core.EventSubscription
	case chatTypeFollow:
		return core.EventFollow
	case chatTypeRaid:
		return core.EventRaid
	default:
		return core.EventChat
	}
}

// SendMessage posts through the REST API, refreshing once on a 401.
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
		return fmt.Errorf("trovo: send status %d", status)
	}
	return nil
}

func (c *Client) postMessage(ctx context.Context, text string) (int, error) {
	token, err := c.token(ctx)
	if err != nil {
		return 0, err
	}
	body, _ := json.Marshal(map[string]string{
		"content":    text,
		"channel_id": c.cfg.ChannelID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBaseURL+"/chat/send", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	c.setHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<14))
	return resp.StatusCode, nil
}

// DeleteMessage removes one chat message. Trovo's delete endpoint needs the
// sender's uid alongside the message id, which the REST path encodes.
func (c *Client) DeleteMessage(ctx context.Context, platformMsgID string) error {
	// the uid travels with the id as "uid:message_id" when known
	uid, msgID, ok := strings.Cut(platformMsgID, ":")
	if !ok {
		return connector.ErrUnsupported
	}
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		apiBaseURL+"/channels/"+c.cfg.ChannelID+"/messages/"+msgID+"/users/"+uid, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("trovo: delete status %d", resp.StatusCode)
	}
	return nil
}

// BanUser issues the ban chat command through the send endpoint.
func (c *Client) BanUser(ctx context.Context, username, userID string) error {
	if username == "" {
		return connector.ErrUnsupported
	}
	return c.SendMessage(ctx, "/ban "+username)
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Client-ID", c.cfg.ClientID)
	req.Header.Set("Authorization", "OAuth "+token)
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.cfg.TokenProvider == nil {
		return "", errors.New("trovo: no token provider")
	}
	return c.cfg.TokenProvider(ctx)
}
