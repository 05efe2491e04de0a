// Package twitchirc implements the Twitch chat connector over the classic
// IRC transport: PASS/NICK/CAP handshake, tag parsing, PRIVMSG in and out,
// CLEARMSG deletions, with moderation calls going through Helix.
package twitchirc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/connector"
	"github.com/you/omnichat/internal/core"
)

// Config wires one IRC client to a channel and an account.
type Config struct {
	Channel       string
	Nick          string
	Role          core.Role
	UseTLS        bool
	TokenProvider func(ctx context.Context) (string, error)
	RefreshNow    func(ctx context.Context) (string, error)
	// Addr overrides the IRC endpoint; tests point it at a local listener.
	Addr string
}

// Client is the Twitch connector for one role.
type Client struct {
	cfg   Config
	bus   *bus.Bus
	helix *HelixClient

	mu        sync.Mutex
	connected bool
	sendLine  func(string) error
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(cfg Config, b *bus.Bus, helix *HelixClient) *Client {
	return &Client{cfg: cfg, bus: b, helix: helix}
}

func (c *Client) Platform() string { return "twitch" }
func (c *Client) Role() core.Role  { return c.cfg.Role }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect starts the reconnect loop in the background.
func (c *Client) Connect(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.Channel) == "" || strings.TrimSpace(c.cfg.Nick) == "" {
		return errors.New("twitchirc: channel and nick are required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return errors.New("twitchirc: already connected")
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	runner := &connector.Runner{
		Name:          "twitchirc",
		Session:       c.session,
		RefreshNow:    c.cfg.RefreshNow,
		OnStateChange: func(connected bool) { c.setConnected(connected) },
	}

	go func() {
		defer close(done)
		if err := runner.Loop(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("twitchirc: loop exited: %v", err)
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

// SendMessage writes a PRIVMSG on the live transport.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	c.mu.Lock()
	send := c.sendLine
	ok := c.connected
	c.mu.Unlock()
	if !ok || send == nil {
		return connector.ErrNotConnected
	}
	return send("PRIVMSG #" + c.cfg.Channel + " :" + text)
}

// DeleteMessage removes a chat message via Helix.
func (c *Client) DeleteMessage(ctx context.Context, platformMsgID string) error {
	if c.helix == nil {
		return connector.ErrUnsupported
	}
	return c.helix.DeleteMessage(ctx, platformMsgID)
}

// BanUser bans via Helix. The user id is resolved when absent.
func (c *Client) BanUser(ctx context.Context, username, userID string) error {
	if c.helix == nil {
		return connector.ErrUnsupported
	}
	return c.helix.BanUser(ctx, username, userID)
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	changed := c.connected != connected
	c.connected = connected
	if !connected {
		c.sendLine = nil
	}
	c.mu.Unlock()
	if changed && c.bus != nil {
		c.bus.PublishConnection(bus.ConnectionEvent{
			Platform:  "twitch",
			Role:      c.cfg.Role,
			Connected: connected,
			Username:  c.cfg.Nick,
		})
	}
}

// session runs one connection: dial, authenticate, join, read until error.
func (c *Client) session(ctx context.Context) error {
	token := ""
	if c.cfg.TokenProvider != nil {
		provided, err := c.cfg.TokenProvider(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		token = normalizeToken(provided)
	}
	if token == "" {
		return errors.New("twitchirc: token is required")
	}

	host := "irc.chat.twitch.tv"
	addr := host + ":6667"
	if c.cfg.UseTLS {
		addr = host + ":6697"
	}
	if strings.TrimSpace(c.cfg.Addr) != "" {
		addr = strings.TrimSpace(c.cfg.Addr)
	}

	log.Printf("twitchirc: connecting to %s (tls=%v role=%s)", addr, c.cfg.UseTLS, c.cfg.Role)

	d := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	var err error
	if c.cfg.UseTLS {
		conn, err = tls.DialWithDialer(d, "tcp", addr, &tls.Config{ServerName: host})
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	var writeMu sync.Mutex
	send := func(s string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := rw.WriteString(s + "\r\n"); err != nil {
			return err
		}
		return rw.Flush()
	}

	// ensure the closer goroutine exits when this session returns
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close() // unblock reader
		case <-done:
		}
	}()

	if err := send("PASS " + token); err != nil {
		return fmt.Errorf("send PASS: %w", err)
	}
	if err := send("NICK " + c.cfg.Nick); err != nil {
		return fmt.Errorf("send NICK: %w", err)
	}
	if err := send("CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership"); err != nil {
		return fmt.Errorf("send CAP REQ: %w", err)
	}
	if err := send("JOIN #" + c.cfg.Channel); err != nil {
		return fmt.Errorf("send JOIN: %w", err)
	}
	log.Printf("twitchirc: joined #%s as %s", c.cfg.Channel, c.cfg.Nick)

	c.mu.Lock()
	c.sendLine = send
	c.mu.Unlock()
	c.setConnected(true)

	reader := rw.Reader
	readDeadline := 2 * time.Minute
	nextPing := time.Now().Add(4 * time.Minute)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				now := time.Now()
				if !now.Before(nextPing) {
					if err := send("PING :keepalive"); err != nil {
						return fmt.Errorf("send PING: %w", err)
					}
					nextPing = now.Add(4 * time.Minute)
				}
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		nextPing = time.Now().Add(4 * time.Minute)

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if authFailure(line) {
			log.Printf("twitchirc: authentication failed per server NOTICE")
			return connector.ErrAuthFailed
		}

		if strings.HasPrefix(line, "PING ") {
			if err := send("PONG " + strings.TrimPrefix(line, "PING ")); err != nil {
				return fmt.Errorf("send PONG: %w", err)
			}
			continue
		}

		if strings.Contains(line, " RECONNECT") {
			return fmt.Errorf("server requested reconnect")
		}

		c.dispatchLine(line)
	}
}

// dispatchLine routes a raw server line to message or deletion handling.
func (c *Client) dispatchLine(line string) {
	if msg, ok := parsePrivmsg(line, c.cfg.Channel); ok {
		if c.bus != nil {
			c.bus.PublishMessage(msg)
		}
		return
	}
	if msgID, ok := parseClearmsg(line, c.cfg.Channel); ok {
		if c.bus != nil {
			c.bus.PublishDeletion(bus.Deletion{Platform: "twitch", PlatformMsgID: msgID})
		}
	}
}

func parsePrivmsg(line, channel string) (core.Message, bool) {
	tags, rest, prefix, ok := splitIRCLine(line)
	if !ok {
		return core.Message{}, false
	}

	if !strings.HasPrefix(strings.ToUpper(rest), "PRIVMSG #") {
		return core.Message{}, false
	}
	rest = rest[len("PRIVMSG #"):]

	idx := strings.Index(rest, " ")
	if idx == -1 {
		return core.Message{}, false
	}
	chanName := rest[:idx]
	rest = strings.TrimSpace(rest[idx+1:])
	if !strings.EqualFold(chanName, channel) {
		return core.Message{}, false
	}
	if !strings.HasPrefix(rest, ":") {
		return core.Message{}, false
	}
	text := rest[1:]

	user := extractUser(prefix)
	if display := tags["display-name"]; display != "" {
		user = display
	}

	ts := time.Now().UTC()
	if tsStr := tags["tmi-sent-ts"]; tsStr != "" {
		if ms, err := strconv.ParseInt(tsStr, 10, 64); err == nil {
			ts = time.Unix(0, ms*int64(time.Millisecond)).UTC()
		}
	}

	msg := core.Message{
		Platform:      "twitch",
		PlatformMsgID: tags["id"],
		Ts:            ts,
		Username:      user,
		UserID:        tags["user-id"],
		Text:          text,
		Colour:        tags["color"],
		Badges:        ParseBadgeList(tags["badges"]),
		RoomID:        tags["room-id"],
		ChannelID:     tags["room-id"],
		Event:         eventTypeFromTags(tags),
	}
	if tag := tags["emotes"]; tag != "" {
		msg.EmotesTag = tag
		msg.Fragments = FragmentsFromEmoteTag(tag, text)
	}
	return msg, true
}

func parseClearmsg(line, channel string) (string, bool) {
	tags, rest, _, ok := splitIRCLine(line)
	if !ok {
		return "", false
	}
	if !strings.HasPrefix(strings.ToUpper(rest), "CLEARMSG #") {
		return "", false
	}
	rest = rest[len("CLEARMSG #"):]
	chanName, _, _ := strings.Cut(rest, " ")
	if !strings.EqualFold(chanName, channel) {
		return "", false
	}
	id := tags["target-msg-id"]
	return id, id != ""
}

// splitIRCLine peels the tag segment and prefix off a raw server line.
func splitIRCLine(line string) (tags Tags, rest, prefix string, ok bool) {
	tags = Tags{}
	rest = line

	if strings.HasPrefix(rest, "@") {
		idx := strings.Index(rest, " ")
		if idx == -1 {
			return nil, "", "", false
		}
		tags = ParseTags(rest[1:idx])
		rest = strings.TrimSpace(rest[idx+1:])
	}

	if !strings.HasPrefix(rest, ":") {
		return nil, "", "", false
	}
	rest = rest[1:]

	idx := strings.Index(rest, " ")
	if idx == -1 {
		return nil, "", "", false
	}
	prefix = rest[:idx]
	rest = strings.TrimSpace(rest[idx+1:])
	return tags, rest, prefix, true
}

func eventTypeFromTags(tags Tags) core.EventType {
	if tags["bits"] != "" {
		return core.EventBits
	}
	if tags["msg-id"] == "highlighted-message" {
		return core.EventHighlight
	}
	if tags["custom-reward-id"] != "" {
		return core.EventRedemption
	}
	return core.EventChat
}

func authFailure(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "login authentication failed") ||
		strings.Contains(lower, "improperly formatted auth") ||
		strings.Contains(lower, "authentication failed")
}

func extractUser(prefix string) string {
	prefix = strings.TrimPrefix(prefix, ":")
	if idx := strings.Index(prefix, "!"); idx != -1 {
		return prefix[:idx]
	}
	return prefix
}

func normalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	return token
}
