package ytlive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/you/omnichat/internal/connector"
	"github.com/you/omnichat/internal/core"
)

func TestExtractString(t *testing.T) {
	page := `junk "INNERTUBE_API_KEY":"AIzaFakeKey123" more junk`
	if got := extractString(page, `"INNERTUBE_API_KEY":"`); got != "AIzaFakeKey123" {
		t.Fatalf("got %q", got)
	}
	if got := extractString(page, `"MISSING":"`); got != "" {
		t.Fatalf("missing marker: %q", got)
	}
	if got := extractString(`unterminated "KEY":"noclose`, `"KEY":"`); got != "" {
		t.Fatalf("unterminated: %q", got)
	}
}

func TestExtractJSONObject(t *testing.T) {
	page := `var ytInitialData = {"a":{"b":1},"c":[{"d":2}]};</script>`
	got := extractJSONObject(page, `ytInitialData = `)
	if got != `{"a":{"b":1},"c":[{"d":2}]}` {
		t.Fatalf("got %q", got)
	}
	if got := extractJSONObject(page, `missingMarker = `); got != "" {
		t.Fatalf("missing marker: %q", got)
	}
	if got := extractJSONObject(`marker = [1,2]`, `marker = `); got != "" {
		t.Fatalf("non-object: %q", got)
	}
	if got := extractJSONObject(`marker = {"open": true`, `marker = `); got != "" {
		t.Fatalf("unbalanced: %q", got)
	}
}

func TestFindInitialContinuation(t *testing.T) {
	var data map[string]any
	blob := `{
		"contents": {
			"liveChatRenderer": {
				"continuations": [
					{"invalidationContinuationData": {"continuation": "tok-123", "timeoutMs": 5000}}
				]
			}
		}
	}`
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := findInitialContinuation(data); got != "tok-123" {
		t.Fatalf("got %q", got)
	}

	// continuations outside a live-chat subtree are not picked up
	blob = `{"other": {"continuations": [{"timedContinuationData": {"continuation": "wrong"}}]}}`
	data = nil
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := findInitialContinuation(data); got != "" {
		t.Fatalf("picked continuation outside live chat: %q", got)
	}
}

func TestExtractContinuation(t *testing.T) {
	var payload map[string]any
	blob := `{
		"continuationContents": {
			"liveChatContinuation": {
				"continuations": [
					{"invalidationContinuationData": {"continuation": "next-tok", "timeoutMs": 2500}}
				]
			}
		}
	}`
	if err := json.Unmarshal([]byte(blob), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cont, timeout := extractContinuation(payload)
	if cont != "next-tok" {
		t.Fatalf("continuation: %q", cont)
	}
	if timeout != 2500 {
		t.Fatalf("timeout: %d", timeout)
	}
}

func TestExtractActionsTextMessage(t *testing.T) {
	var payload map[string]any
	blob := `{
		"continuationContents": {
			"liveChatContinuation": {
				"actions": [{
					"addChatItemAction": {
						"item": {
							"liveChatTextMessageRenderer": {
								"id": "yt-msg-1",
								"authorExternalChannelId": "UCabc",
								"timestampUsec": "1700000000000000",
								"authorName": {"simpleText": "Viewer"},
								"message": {"runs": [
									{"text": "hello "},
									{"emoji": {"emojiId": "UCemote/abc", "shortcuts": [":wave:"]}}
								]},
								"authorBadges": [
									{"liveChatAuthorBadgeRenderer": {"tooltip": "Moderator"}}
								]
							}
						}
					}
				}]
			}
		}
	}`
	if err := json.Unmarshal([]byte(blob), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	messages, deletions := extractActions(payload)
	if len(messages) != 1 || len(deletions) != 0 {
		t.Fatalf("actions: %d messages %d deletions", len(messages), len(deletions))
	}
	msg := messages[0]
	if msg.Platform != "youtube" || msg.PlatformMsgID != "yt-msg-1" {
		t.Fatalf("ids: %#v", msg)
	}
	if msg.Username != "Viewer" || msg.UserID != "UCabc" {
		t.Fatalf("sender: %q %q", msg.Username, msg.UserID)
	}
	if msg.Text != "hello :wave:" {
		t.Fatalf("text: %q", msg.Text)
	}
	if len(msg.Fragments) != 2 || msg.Fragments[1].Type != core.FragmentEmote || msg.Fragments[1].EmoteID != "UCemote/abc" {
		t.Fatalf("fragments: %#v", msg.Fragments)
	}
	if len(msg.Badges) != 1 || msg.Badges[0].Name != "moderator" {
		t.Fatalf("badges: %#v", msg.Badges)
	}
	if !msg.Ts.Equal(time.Unix(0, 1700000000000000*1000).UTC()) {
		t.Fatalf("timestamp: %s", msg.Ts)
	}
}

func TestExtractActionsPaidAndDelete(t *testing.T) {
	var payload map[string]any
	blob := `{
		"actions": [
			{"addChatItemAction": {"item": {"liveChatPaidMessageRenderer": {
				"id": "paid-1",
				"authorName": {"simpleText": "Supporter"},
				"message": {"simpleText": "take my money"}
			}}}},
			{"markChatItemAsDeletedAction": {"targetItemId": "gone-1"}}
		]
	}`
	if err := json.Unmarshal([]byte(blob), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	messages, deletions := extractActions(payload)
	if len(messages) != 1 {
		t.Fatalf("messages: %d", len(messages))
	}
	if messages[0].Event != core.EventHighlight || messages[0].Text != "take my money" {
		t.Fatalf("paid message: %#v", messages[0])
	}
	if len(deletions) != 1 || deletions[0] != "gone-1" {
		t.Fatalf("deletions: %v", deletions)
	}
}

func TestMessageRunsPlainTextHasNoFragments(t *testing.T) {
	var renderer map[string]any
	blob := `{"message": {"runs": [{"text": "just "}, {"text": "words"}]}}`
	if err := json.Unmarshal([]byte(blob), &renderer); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	frags, text := messageRuns(renderer, "message")
	if frags != nil {
		t.Fatalf("fragments for plain text: %#v", frags)
	}
	if text != "just words" {
		t.Fatalf("text: %q", text)
	}
}

func TestMessageRunsEmojiFallsBackToID(t *testing.T) {
	var renderer map[string]any
	blob := `{"message": {"runs": [{"emoji": {"emojiId": "raw-id"}}]}}`
	if err := json.Unmarshal([]byte(blob), &renderer); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	frags, text := messageRuns(renderer, "message")
	if len(frags) != 1 || frags[0].Text != "raw-id" || frags[0].EmoteID != "raw-id" {
		t.Fatalf("fragments: %#v", frags)
	}
	if text != "raw-id" {
		t.Fatalf("text: %q", text)
	}
}

func TestBuildMessageRejectsEmpty(t *testing.T) {
	if _, ok := buildMessage(map[string]any{"id": "x"}, false); ok {
		t.Fatal("empty renderer accepted")
	}
}

func TestTimestampField(t *testing.T) {
	want := time.Unix(0, 1700000000000000*1000).UTC()
	if got := timestampField(map[string]any{"t": "1700000000000000"}, "t"); !got.Equal(want) {
		t.Fatalf("string form: %s", got)
	}
	if got := timestampField(map[string]any{"t": float64(1700000000000000)}, "t"); !got.Equal(want) {
		t.Fatalf("number form: %s", got)
	}
	if got := timestampField(map[string]any{}, "t"); time.Since(got) > time.Minute {
		t.Fatalf("missing field did not fall back to now: %s", got)
	}
}

func TestConnectValidatesLiveURL(t *testing.T) {
	if err := New(Config{}, nil).Connect(context.Background()); err == nil {
		t.Fatal("missing LiveURL accepted")
	}
	if err := New(Config{LiveURL: "::bad::"}, nil).Connect(context.Background()); err == nil {
		t.Fatal("invalid LiveURL accepted")
	}
}

func TestSendAndBanCapabilities(t *testing.T) {
	c := New(Config{LiveURL: "https://youtube.com/watch?v=x"}, nil)
	if err := c.SendMessage(context.Background(), "hi"); !errors.Is(err, connector.ErrUnsupported) {
		t.Fatalf("send without chat id: %v", err)
	}
	if err := c.BanUser(context.Background(), "name", ""); !errors.Is(err, connector.ErrUnsupported) {
		t.Fatalf("ban without user id: %v", err)
	}

	c = New(Config{LiveURL: "https://youtube.com/watch?v=x", LiveChatID: "chat-1"}, nil)
	if err := c.SendMessage(context.Background(), "hi"); !errors.Is(err, connector.ErrNotConnected) {
		t.Fatalf("send disconnected: %v", err)
	}
}

func TestGrowBackoff(t *testing.T) {
	if got := growBackoff(time.Second, time.Minute); got != 2*time.Second {
		t.Fatalf("got %s", got)
	}
	if got := growBackoff(45*time.Second, time.Minute); got != time.Minute {
		t.Fatalf("cap: %s", got)
	}
}
