package eventsub

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/connector"
	"github.com/you/omnichat/internal/core"
)

func TestParseChatNotification(t *testing.T) {
	payload := []byte(`{
		"event": {
			"message_id": "msg-1",
			"broadcaster_user_id": "100",
			"chatter_user_id": "200",
			"chatter_user_login": "viewer",
			"color": "#00FF7F",
			"message_type": "text",
			"badges": [{"set_id": "subscriber", "id": "12"}],
			"message": {
				"text": "hi Kappa",
				"fragments": [
					{"type": "text", "text": "hi "},
					{"type": "emote", "text": "Kappa", "emote": {"id": "25", "emote_set_id": "0"}}
				]
			}
		}
	}`)

	msg, ok := parseChatNotification(payload)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if msg.PlatformMsgID != "msg-1" || msg.Username != "viewer" || msg.UserID != "200" {
		t.Fatalf("identity: %#v", msg)
	}
	if msg.RoomID != "100" || msg.ChannelID != "100" {
		t.Fatalf("room: %#v", msg)
	}
	if msg.Event != core.EventChat {
		t.Fatalf("event: %q", msg.Event)
	}
	if len(msg.Badges) != 1 || msg.Badges[0].Name != "subscriber" || msg.Badges[0].Version != "12" {
		t.Fatalf("badges: %#v", msg.Badges)
	}
	if len(msg.Fragments) != 2 {
		t.Fatalf("fragments: %#v", msg.Fragments)
	}
	emote := msg.Fragments[1]
	if emote.Type != core.FragmentEmote || emote.EmoteID != "25" || emote.EmoteSetID != "0" {
		t.Fatalf("emote fragment: %#v", emote)
	}
}

func TestParseChatNotificationCheer(t *testing.T) {
	payload := []byte(`{
		"event": {
			"message_id": "msg-2",
			"chatter_user_login": "cheerer",
			"cheer": {"bits": 500},
			"message": {
				"text": "Cheer500 wow",
				"fragments": [
					{"type": "cheermote", "text": "Cheer500", "cheermote": {"prefix": "Cheer", "bits": 500, "tier": 100}},
					{"type": "text", "text": " wow"}
				]
			}
		}
	}`)

	msg, ok := parseChatNotification(payload)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if msg.Event != core.EventBits {
		t.Fatalf("event: %q", msg.Event)
	}
	cheer := msg.Fragments[0]
	if cheer.Type != core.FragmentCheermote || cheer.EmoteID != "Cheer" || cheer.Bits != 500 {
		t.Fatalf("cheermote fragment: %#v", cheer)
	}
}

func TestParseChatNotificationRedemptionAndHighlight(t *testing.T) {
	redeemed, ok := parseChatNotification([]byte(`{
		"event": {"message_id": "m", "chatter_user_login": "u", "channel_points_custom_reward_id": "uuid-1",
			"message": {"text": "x"}}
	}`))
	if !ok || redeemed.Event != core.EventRedemption {
		t.Fatalf("redemption: %#v ok=%v", redeemed, ok)
	}

	highlighted, ok := parseChatNotification([]byte(`{
		"event": {"message_id": "m", "chatter_user_login": "u", "message_type": "channel_points_highlighted",
			"message": {"text": "x"}}
	}`))
	if !ok || highlighted.Event != core.EventHighlight {
		t.Fatalf("highlight: %#v ok=%v", highlighted, ok)
	}
}

func TestParseChatNotificationRejectsIncomplete(t *testing.T) {
	if _, ok := parseChatNotification([]byte(`{"event":{"message_id":"","chatter_user_login":"u"}}`)); ok {
		t.Fatal("missing message id accepted")
	}
	if _, ok := parseChatNotification([]byte(`not json`)); ok {
		t.Fatal("invalid json accepted")
	}
}

func TestParseActivity(t *testing.T) {
	msg, ok := parseActivity([]byte(`{
		"event": {"user_id": "42", "user_login": "newfan", "broadcaster_user_id": "100"}
	}`), core.EventFollow)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if msg.Event != core.EventFollow || msg.Username != "newfan" || msg.RoomID != "100" {
		t.Fatalf("activity: %#v", msg)
	}

	if _, ok := parseActivity([]byte(`{"event":{"user_login":""}}`), core.EventFollow); ok {
		t.Fatal("missing login accepted")
	}
}

func TestParseRaid(t *testing.T) {
	msg, ok := parseRaid([]byte(`{
		"event": {
			"from_broadcaster_user_id": "55",
			"from_broadcaster_user_login": "raider",
			"to_broadcaster_user_id": "100",
			"viewers": 230
		}
	}`))
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if msg.Event != core.EventRaid || msg.Username != "raider" {
		t.Fatalf("raid: %#v", msg)
	}
	if !strings.Contains(msg.Text, "230") {
		t.Fatalf("viewer count missing from text: %q", msg.Text)
	}
}

func TestDispatchDeletion(t *testing.T) {
	signals := bus.New()
	deletions := make(chan bus.Deletion, 1)
	signals.SubscribeDeletions(func(d bus.Deletion) { deletions <- d })

	c := New(Config{BroadcasterID: "100"}, signals)
	c.dispatch("channel.chat.message_delete", []byte(`{"event":{"message_id":"gone-1"}}`))

	select {
	case d := <-deletions:
		if d.Platform != "twitch" || d.PlatformMsgID != "gone-1" {
			t.Fatalf("deletion: %#v", d)
		}
	default:
		t.Fatal("deletion not published")
	}
}

func TestOutboundOperationsUnsupported(t *testing.T) {
	c := New(Config{BroadcasterID: "100"}, nil)
	if err := c.SendMessage(context.Background(), "x"); !errors.Is(err, connector.ErrUnsupported) {
		t.Fatalf("send: %v", err)
	}
	if err := c.DeleteMessage(context.Background(), "m"); !errors.Is(err, connector.ErrUnsupported) {
		t.Fatalf("delete: %v", err)
	}
	if err := c.BanUser(context.Background(), "u", ""); !errors.Is(err, connector.ErrUnsupported) {
		t.Fatalf("ban: %v", err)
	}
}

func TestUserIDFallsBackToBroadcaster(t *testing.T) {
	c := New(Config{BroadcasterID: "100"}, nil)
	if got := c.userID(); got != "100" {
		t.Fatalf("user id: %q", got)
	}
	c = New(Config{BroadcasterID: "100", UserID: "200"}, nil)
	if got := c.userID(); got != "200" {
		t.Fatalf("user id: %q", got)
	}
}
