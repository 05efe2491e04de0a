// Package ytlive implements the YouTube connector. Inbound chat is polled
// from the innertube get_live_chat endpoint (bootstrap scrapes the live
// page for the API key and the first continuation token); outbound sends go
// through the Data API liveChatMessages surface.
package ytlive

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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/connector"
	"github.com/you/omnichat/internal/core"
)

var (
	innertubeURL = "https://www.youtube.com/youtubei/v1/live_chat/get_live_chat"
	dataAPIURL   = "https://www.googleapis.com/youtube/v3"
)

const userAgent = "Mozilla/5.0 (compatible; omnichat/1.0)"

// Config wires one YouTube client to a live page and an account.
type Config struct {
	// LiveURL is the watch page of the live stream whose chat is polled.
	LiveURL string
	// LiveChatID is the Data API chat id used for sends and moderation.
	LiveChatID    string
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
	return &Client{cfg: cfg, bus: b, http: &http.Client{Timeout: 15 * time.Second}}
}

func (c *Client) Platform() string { return "youtube" }
func (c *Client) Role() core.Role  { return c.cfg.Role }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Connect(ctx context.Context) error {
	liveURL := strings.TrimSpace(c.cfg.LiveURL)
	if liveURL == "" {
		return errors.New("ytlive: LiveURL is required")
	}
	if _, err := url.ParseRequestURI(liveURL); err != nil {
		return fmt.Errorf("ytlive: invalid LiveURL: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return errors.New("ytlive: already connected")
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		if err := c.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ytlive: poll loop exited: %v", err)
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
			Platform:  "youtube",
			Role:      c.cfg.Role,
			Connected: connected,
			Username:  c.cfg.Username,
		})
	}
}

// run is the poll loop: bootstrap, then chase continuations until the
// stream ends or ctx is cancelled. Poll failures re-bootstrap with backoff.
func (c *Client) run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	var (
		apiKey        string
		clientVersion string
		continuation  string
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if apiKey == "" || clientVersion == "" || continuation == "" {
			var err error
			apiKey, clientVersion, continuation, err = c.bootstrap(ctx, c.cfg.LiveURL)
			if err != nil {
				c.setConnected(false)
				log.Printf("ytlive: bootstrap failed: %v", err)
				if !sleepContext(ctx, backoff) {
					return ctx.Err()
				}
				backoff = growBackoff(backoff, maxBackoff)
				continue
			}
			log.Printf("ytlive: bootstrap succeeded (version=%s)", clientVersion)
			backoff = time.Second
			c.setConnected(true)
		}

		messages, deletions, nextContinuation, timeout, err := c.poll(ctx, apiKey, clientVersion, continuation)
		if err != nil {
			log.Printf("ytlive: poll error: %v", err)
			c.setConnected(false)
			if !sleepContext(ctx, backoff) {
				return ctx.Err()
			}
			backoff = growBackoff(backoff, maxBackoff)
			apiKey, clientVersion, continuation = "", "", ""
			continue
		}

		if c.bus != nil {
			for _, msg := range messages {
				c.bus.PublishMessage(msg)
			}
			for _, id := range deletions {
				c.bus.PublishDeletion(bus.Deletion{Platform: "youtube", PlatformMsgID: id})
			}
		}

		continuation = nextContinuation
		if continuation == "" {
			log.Printf("ytlive: missing continuation, re-bootstrap")
			apiKey, clientVersion = "", ""
		}

		if timeout <= 0 {
			timeout = 1500
		}
		if !sleepContext(ctx, time.Duration(timeout)*time.Millisecond) {
			return ctx.Err()
		}
	}
}

func (c *Client) bootstrap(ctx context.Context, liveURL string) (apiKey, clientVersion, continuation string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, liveURL, nil)
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return "", "", "", err
	}
	text := string(body)

	apiKey = extractString(text, `"INNERTUBE_API_KEY":"`)
	clientVersion = extractString(text, `"INNERTUBE_CLIENT_VERSION":"`)
	if apiKey == "" || clientVersion == "" {
		return "", "", "", errors.New("could not locate api key or client version")
	}

	var initJSON string
	for _, marker := range []string{
		`ytInitialData"] = `,
		`ytInitialData" = `,
		`ytInitialData":`,
		`ytInitialData = `,
		`window["ytInitialData"] = `,
	} {
		if initJSON = extractJSONObject(text, marker); initJSON != "" {
			break
		}
	}
	if initJSON == "" {
		return "", "", "", errors.New("could not locate initial data")
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(initJSON), &data); err != nil {
		return "", "", "", fmt.Errorf("parse initial data: %w", err)
	}

	continuation = findInitialContinuation(data)
	if continuation == "" {
		return "", "", "", errors.New("continuation not found in initial data")
	}
	return apiKey, clientVersion, continuation, nil
}

func (c *Client) poll(ctx context.Context, apiKey, clientVersion, continuation string) ([]core.Message, []string, string, int, error) {
	payload := map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    "WEB",
				"clientVersion": clientVersion,
				"hl":            "en",
			},
		},
		"continuation": continuation,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, continuation, 1500, err
	}

	endpoint := innertubeURL + "?key=" + url.QueryEscape(apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, nil, continuation, 1500, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, continuation, 1500, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, nil, continuation, 1500, fmt.Errorf("poll status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, continuation, 1500, err
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, continuation, 1500, fmt.Errorf("decode poll response: %w", err)
	}

	next, timeout := extractContinuation(parsed)
	messages, deletions := extractActions(parsed)
	return messages, deletions, next, timeout, nil
}

func extractContinuation(payload map[string]any) (string, int) {
	cont := ""
	timeout := 0

	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case map[string]any:
			if cont == "" {
				if s, ok := val["continuation"].(string); ok && s != "" {
					cont = s
				}
				for _, key := range []string{"continuationEndpoint", "liveChatContinuationEndpoint"} {
					if cmd := digMap(val, key, "continuationCommand"); cmd != nil {
						if s, ok := cmd["token"].(string); ok && s != "" {
							cont = s
						}
					}
				}
			}
			if timeout == 0 {
				if tm, ok := val["timeoutMs"].(float64); ok && tm > 0 {
					timeout = int(tm)
				}
			}
			for _, child := range val {
				walk(child)
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		}
	}
	walk(payload)
	return cont, timeout
}

// extractActions walks the response for add-item and delete actions in all
// the shapes the endpoint delivers them.
func extractActions(payload map[string]any) ([]core.Message, []string) {
	var messages []core.Message
	var deletions []string

	handleItem := func(itemMap map[string]any) {
		for _, key := range []string{"liveChatTextMessageRenderer", "liveChatPaidMessageRenderer"} {
			if renderer, ok := itemMap[key].(map[string]any); ok {
				if msg, ok := buildMessage(renderer, key == "liveChatPaidMessageRenderer"); ok {
					messages = append(messages, msg)
				}
			}
		}
	}

	for _, action := range gatherActions(payload) {
		if item := digMap(action, "addChatItemAction", "item"); item != nil {
			handleItem(item)
		}
		if del := digMap(action, "markChatItemAsDeletedAction"); del != nil {
			if id, ok := del["targetItemId"].(string); ok && id != "" {
				deletions = append(deletions, id)
			}
		}
		if appendAction := digMap(action, "appendContinuationItemsAction"); appendAction != nil {
			if items, ok := appendAction["continuationItems"].([]any); ok {
				for _, item := range items {
					itemMap, ok := item.(map[string]any)
					if !ok {
						continue
					}
					handleItem(itemMap)
					if nested := digMap(itemMap, "addChatItemAction", "item"); nested != nil {
						handleItem(nested)
					}
				}
			}
		}
	}
	return messages, deletions
}

func gatherActions(payload map[string]any) []map[string]any {
	var out []map[string]any
	collect := func(arr []any) {
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	if arr, ok := payload["actions"].([]any); ok {
		collect(arr)
	}
	if arr, ok := payload["onResponseReceivedActions"].([]any); ok {
		collect(arr)
	}
	if lc := digMap(payload, "continuationContents", "liveChatContinuation"); lc != nil {
		if arr, ok := lc["actions"].([]any); ok {
			collect(arr)
		}
	}
	return out
}

func buildMessage(renderer map[string]any, paid bool) (core.Message, bool) {
	frags, text := messageRuns(renderer, "message")
	msg := core.Message{
		Platform:      "youtube",
		PlatformMsgID: stringField(renderer, "id"),
		Username:      textField(renderer, "authorName"),
		UserID:        stringField(renderer, "authorExternalChannelId"),
		Text:          text,
		Fragments:     frags,
		Event:         core.EventChat,
	}
	if paid {
		msg.Event = core.EventHighlight
	}
	if msg.Text == "" && len(msg.Fragments) == 0 {
		return core.Message{}, false
	}
	if msg.PlatformMsgID == "" {
		msg.PlatformMsgID = fmt.Sprintf("yt-%d", time.Now().UnixNano())
	}
	msg.Ts = timestampField(renderer, "timestampUsec")

	if badges, ok := renderer["authorBadges"].([]any); ok {
		for _, b := range badges {
			bm, ok := b.(map[string]any)
			if !ok {
				continue
			}
			if r := digMap(bm, "liveChatAuthorBadgeRenderer"); r != nil {
				if tip, ok := r["tooltip"].(string); ok && tip != "" {
					msg.Badges = append(msg.Badges, core.Badge{Name: strings.ToLower(tip)})
				}
			}
		}
	}
	return msg, true
}

// messageRuns converts the runs array into fragments, keeping member emoji
// as emote fragments. The flattened text mirrors what a viewer sees.
func messageRuns(m map[string]any, key string) ([]core.Fragment, string) {
	nested, ok := m[key].(map[string]any)
	if !ok {
		return nil, ""
	}
	if s, ok := nested["simpleText"].(string); ok {
		return nil, s
	}
	runs, ok := nested["runs"].([]any)
	if !ok {
		return nil, ""
	}

	var frags []core.Fragment
	var plain strings.Builder
	sawEmote := false
	for _, run := range runs {
		part, ok := run.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok {
			frags = append(frags, core.Fragment{Type: core.FragmentText, Text: text})
			plain.WriteString(text)
			continue
		}
		if emoji := digMap(part, "emoji"); emoji != nil {
			id, _ := emoji["emojiId"].(string)
			label := ""
			if shortcuts, ok := emoji["shortcuts"].([]any); ok && len(shortcuts) > 0 {
				label, _ = shortcuts[0].(string)
			}
			if label == "" {
				label = id
			}
			frags = append(frags, core.Fragment{Type: core.FragmentEmote, Text: label, EmoteID: id})
			plain.WriteString(label)
			sawEmote = true
		}
	}
	if !sawEmote {
		return nil, plain.String()
	}
	return frags, plain.String()
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func textField(m map[string]any, key string) string {
	nested, ok := m[key].(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := nested["simpleText"].(string); ok {
		return s
	}
	runs, ok := nested["runs"].([]any)
	if !ok {
		return ""
	}
	var builder strings.Builder
	for _, run := range runs {
		if part, ok := run.(map[string]any); ok {
			if text, ok := part["text"].(string); ok {
				builder.WriteString(text)
			}
		}
	}
	return builder.String()
}

func timestampField(m map[string]any, key string) time.Time {
	var ts time.Time
	switch v := m[key].(type) {
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			ts = time.Unix(0, n*1000).UTC()
		}
	case float64:
		ts = time.Unix(0, int64(v)*1000).UTC()
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ts
}

func extractJSONObject(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	for start < len(text) && (text[start] == ' ' || text[start] == '\n' || text[start] == '\r' || text[start] == '\t') {
		start++
	}
	if start >= len(text) || text[start] != '{' {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func extractString(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	end := strings.Index(text[start:], "\"")
	if end == -1 {
		return ""
	}
	return text[start : start+end]
}

func digMap(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func findInitialContinuation(data map[string]any) string {
	type queueItem struct {
		value      any
		inLiveChat bool
	}
	queue := []queueItem{{value: data}}

	for len(queue) > 0 {
		var item queueItem
		item, queue = queue[0], queue[1:]
		switch v := item.value.(type) {
		case map[string]any:
			currentLiveChat := item.inLiveChat || mapHasLiveChatKey(v)
			if currentLiveChat {
				if cont := continuationFromNode(v); cont != "" {
					return cont
				}
			}
			for key, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: currentLiveChat || isLiveChatKey(key)})
			}
		case []any:
			for _, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: item.inLiveChat})
			}
		}
	}
	return ""
}

func isLiveChatKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "livechat")
}

func mapHasLiveChatKey(m map[string]any) bool {
	for key := range m {
		if isLiveChatKey(key) {
			return true
		}
	}
	return false
}

func continuationFromNode(node map[string]any) string {
	if arr, ok := node["continuations"].([]any); ok {
		for _, elem := range arr {
			if m, ok := elem.(map[string]any); ok {
				for _, key := range []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData"} {
					if next := digMap(m, key); next != nil {
						if s, ok := next["continuation"].(string); ok && s != "" {
							return s
						}
					}
				}
			}
		}
	}
	if endpoint := digMap(node, "continuationEndpoint", "continuationCommand"); endpoint != nil {
		if s, ok := endpoint["token"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// SendMessage inserts a text message through the Data API, refreshing once
// on a 401. Requires LiveChatID.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	if c.cfg.LiveChatID == "" {
		return connector.ErrUnsupported
	}
	if !c.Connected() {
		return connector.ErrNotConnected
	}
	status, err := c.insertMessage(ctx, text)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized && c.cfg.RefreshNow != nil {
		if _, err := c.cfg.RefreshNow(ctx); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		status, err = c.insertMessage(ctx, text)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("ytlive: send status %d", status)
	}
	return nil
}

func (c *Client) insertMessage(ctx context.Context, text string) (int, error) {
	token, err := c.token(ctx)
	if err != nil {
		return 0, err
	}
	body, _ := json.Marshal(map[string]any{
		"snippet": map[string]any{
			"liveChatId": c.cfg.LiveChatID,
			"type":       "textMessageEvent",
			"textMessageDetails": map[string]string{
				"messageText": text,
			},
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		dataAPIURL+"/liveChat/messages?part=snippet", bytes.NewReader(body))
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

// DeleteMessage removes a chat message through the Data API.
func (c *Client) DeleteMessage(ctx context.Context, platformMsgID string) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		dataAPIURL+"/liveChat/messages?id="+url.QueryEscape(platformMsgID), nil)
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
		return fmt.Errorf("ytlive: delete status %d", resp.StatusCode)
	}
	return nil
}

// BanUser places a permanent ban through the Data API. Requires the
// author's channel id.
func (c *Client) BanUser(ctx context.Context, username, userID string) error {
	if c.cfg.LiveChatID == "" || userID == "" {
		return connector.ErrUnsupported
	}
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]any{
		"snippet": map[string]any{
			"liveChatId": c.cfg.LiveChatID,
			"type":       "permanent",
			"bannedUserDetails": map[string]string{
				"channelId": userID,
			},
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		dataAPIURL+"/liveChat/bans?part=snippet", bytes.NewReader(body))
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
		return fmt.Errorf("ytlive: ban status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.cfg.TokenProvider == nil {
		return "", errors.New("ytlive: no token provider")
	}
	return c.cfg.TokenProvider(ctx)
}

func growBackoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
