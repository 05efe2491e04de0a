package trovo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/connector"
	"github.com/you/omnichat/internal/core"
)

func TestEventForType(t *testing.T) {
	tests := []struct {
		code int
		want core.EventType
	}{
		{chatTypeNormal, core.EventChat},
		{chatTypeSpell, core.EventSpell},
		{chatTypeMagicBullet, core.EventMagicChat},
		{chatTypeMagicSuper, core.EventMagicChat},
		{chatTypeMagicColor, core.EventMagicChat},
		{chatTypeSub, core.EventSubscription},
		{chatTypeFollow, core.EventFollow},
		{chatTypeRaid, core.EventRaid},
		{9999, core.EventChat},
	}
	for _, tt := range tests {
		if got := eventForType(tt.code); got != tt.want {
			t.Errorf("eventForType(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func chatFrame(msgID, content string, chatType int, sendTime int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"eid": "e1",
		"chats": [{
			"type": %d,
			"content": %q,
			"nick_name": "viewer",
			"uid": 4242,
			"message_id": %q,
			"send_time": %d,
			"medals": ["sub_badge"]
		}]
	}`, chatType, content, msgID, sendTime))
}

func TestHandleChat(t *testing.T) {
	signals := bus.New()
	var got []core.Message
	signals.SubscribeMessages(func(m core.Message) { got = append(got, m) })

	c := New(Config{ChannelID: "chan-1"}, signals)
	c.handleChat(chatFrame("m-1", "hello trovo", chatTypeNormal, 1700000000), true)

	if len(got) != 1 {
		t.Fatalf("messages: %d", len(got))
	}
	msg := got[0]
	if msg.Platform != "trovo" || msg.PlatformMsgID != "m-1" {
		t.Fatalf("ids: %#v", msg)
	}
	if msg.Username != "viewer" || msg.UserID != "4242" {
		t.Fatalf("sender: %q %q", msg.Username, msg.UserID)
	}
	if msg.Text != "hello trovo" || msg.Event != core.EventChat {
		t.Fatalf("body: %q %q", msg.Text, msg.Event)
	}
	if msg.RoomID != "chan-1" {
		t.Fatalf("room: %q", msg.RoomID)
	}
	if !msg.Ts.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("timestamp: %s", msg.Ts)
	}
	if len(msg.Badges) != 1 || msg.Badges[0].Name != "sub_badge" {
		t.Fatalf("badges: %#v", msg.Badges)
	}
}

func TestHandleChatDropsDuplicatesAndBacklog(t *testing.T) {
	signals := bus.New()
	var got []core.Message
	signals.SubscribeMessages(func(m core.Message) { got = append(got, m) })

	c := New(Config{ChannelID: "chan-1"}, signals)

	// backlog replay before auth completes is remembered but not delivered
	c.handleChat(chatFrame("old-1", "stale", chatTypeNormal, 0), false)
	if len(got) != 0 {
		t.Fatalf("backlog delivered: %#v", got)
	}

	// the same id arriving live is still a duplicate
	c.handleChat(chatFrame("old-1", "stale", chatTypeNormal, 0), true)
	if len(got) != 0 {
		t.Fatalf("duplicate delivered: %#v", got)
	}

	c.handleChat(chatFrame("new-1", "fresh", chatTypeNormal, 0), true)
	if len(got) != 1 || got[0].PlatformMsgID != "new-1" {
		t.Fatalf("live message: %#v", got)
	}
}

func TestHandleChatSpellContent(t *testing.T) {
	signals := bus.New()
	var got []core.Message
	signals.SubscribeMessages(func(m core.Message) { got = append(got, m) })

	c := New(Config{ChannelID: "chan-1"}, signals)
	c.handleChat(chatFrame("s-1", `{"gift":"Stardust","num":3}`, chatTypeSpell, 0), true)

	if len(got) != 1 {
		t.Fatalf("messages: %d", len(got))
	}
	if got[0].Event != core.EventSpell {
		t.Fatalf("event: %q", got[0].Event)
	}
	if got[0].Text != "cast Stardust x3" {
		t.Fatalf("spell text: %q", got[0].Text)
	}
}

func TestDeleteMessageRequiresCompositeID(t *testing.T) {
	c := New(Config{ChannelID: "chan-1"}, nil)
	err := c.DeleteMessage(context.Background(), "bare-message-id")
	if !errors.Is(err, connector.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestBanUserRequiresUsername(t *testing.T) {
	c := New(Config{ChannelID: "chan-1"}, nil)
	if err := c.BanUser(context.Background(), "", "123"); !errors.Is(err, connector.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestConnectRequiresChannelID(t *testing.T) {
	c := New(Config{}, nil)
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error without channel id")
	}
}

func TestSendMessageDisconnected(t *testing.T) {
	c := New(Config{ChannelID: "chan-1"}, nil)
	if err := c.SendMessage(context.Background(), "hi"); !errors.Is(err, connector.ErrNotConnected) {
		t.Fatalf("expected not-connected, got %v", err)
	}
}

func TestPingLoopStopsWithSession(t *testing.T) {
	sessionDone := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		pingLoop(context.Background(), sessionDone, nil, func() {})
		close(exited)
	}()

	close(sessionDone)
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("ping loop kept running after the session ended")
	}
}

func TestPingLoopAdoptsNegotiatedGap(t *testing.T) {
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	gapCh := make(chan time.Duration, 1)
	pings := make(chan struct{}, 1)
	go pingLoop(context.Background(), sessionDone, gapCh, func() {
		select {
		case pings <- struct{}{}:
		default:
		}
	})

	gapCh <- 5 * time.Millisecond
	select {
	case <-pings:
	case <-time.After(time.Second):
		t.Fatal("ping not sent on the negotiated gap")
	}
}
