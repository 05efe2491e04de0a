package render

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/you/omnichat/internal/core"
)

// fakeEmotes is an in-memory EmoteSource with canned data URIs.
type fakeEmotes struct {
	records map[string]core.EmoteRecord
	uris    map[string]string
}

func (f *fakeEmotes) Lookup(platform, emoteID string) (core.EmoteRecord, bool) {
	rec, ok := f.records[platform+"/"+emoteID]
	return rec, ok
}

func (f *fakeEmotes) DataURI(platform, emoteID string) (string, error) {
	if uri, ok := f.uris[platform+"/"+emoteID]; ok {
		return uri, nil
	}
	return "", context.Canceled
}

type recordingPrefetcher struct {
	requests []string
}

func (p *recordingPrefetcher) PrefetchEmoteImage(_ context.Context, platform, emoteID string) error {
	p.requests = append(p.requests, platform+"/"+emoteID)
	return nil
}

func TestRenderPlainText(t *testing.T) {
	r := New(nil, nil, nil)
	out := r.Render(context.Background(), core.Message{
		Platform:      "twitch",
		PlatformMsgID: "m-1",
		Text:          `hello <world> & "friends"`,
	})
	if out.HasImage {
		t.Fatal("plain text must not report an image")
	}
	if strings.Contains(out.HTML, "<world>") {
		t.Fatalf("text not escaped: %q", out.HTML)
	}
	if !strings.Contains(out.HTML, "&lt;world&gt;") {
		t.Fatalf("escaped text missing: %q", out.HTML)
	}
	if out.MessageID != "m-1" {
		t.Fatalf("message id: %q", out.MessageID)
	}
}

func TestRenderCachedEmoteFragment(t *testing.T) {
	emotes := &fakeEmotes{
		records: map[string]core.EmoteRecord{
			"twitch/25": {Platform: "twitch", EmoteID: "25", Name: "Kappa", CachePath: "/cache/k.png"},
		},
		uris: map[string]string{"twitch/25": "data:image/png;base64,AAAA"},
	}
	r := New(emotes, nil, nil)

	out := r.Render(context.Background(), core.Message{
		Platform: "twitch",
		Text:     "wow Kappa",
		Fragments: []core.Fragment{
			{Type: core.FragmentText, Text: "wow "},
			{Type: core.FragmentEmote, Text: "Kappa", EmoteID: "25"},
		},
	})

	if !out.HasImage {
		t.Fatal("emote fragment must report an image")
	}
	if !strings.Contains(out.HTML, `src="data:image/png;base64,AAAA"`) {
		t.Fatalf("cached image missing: %q", out.HTML)
	}
	if strings.Contains(out.HTML, "placeholder") {
		t.Fatalf("cached emote rendered as placeholder: %q", out.HTML)
	}
}

func TestRenderUncachedEmoteSchedulesPrefetch(t *testing.T) {
	emotes := &fakeEmotes{
		records: map[string]core.EmoteRecord{
			"kick/9": {Platform: "kick", EmoteID: "9", Name: "Hype"},
		},
	}
	prefetch := &recordingPrefetcher{}
	r := New(emotes, prefetch, nil)

	out := r.Render(context.Background(), core.Message{
		Platform: "kick",
		Text:     "Hype",
		Fragments: []core.Fragment{
			{Type: core.FragmentEmote, Text: "Hype", EmoteID: "9"},
		},
	})

	if !strings.Contains(out.HTML, `class="emote placeholder"`) {
		t.Fatalf("placeholder missing: %q", out.HTML)
	}
	if !strings.Contains(out.HTML, `data-emote-id="9"`) {
		t.Fatalf("emote id missing for later patch: %q", out.HTML)
	}
	if len(prefetch.requests) != 1 || prefetch.requests[0] != "kick/9" {
		t.Fatalf("prefetch requests: %v", prefetch.requests)
	}
}

func TestRenderLegacyEmoteTagSplice(t *testing.T) {
	prefetch := &recordingPrefetcher{}
	r := New(&fakeEmotes{}, prefetch, nil)
	out := r.Render(context.Background(), core.Message{
		Platform:  "twitch",
		Text:      "wow Kappa",
		EmotesTag: "25:4-8",
	})
	if !out.HasImage {
		t.Fatal("spliced emote must report an image")
	}
	if !strings.Contains(out.HTML, `data-emote-id="25"`) {
		t.Fatalf("spliced emote missing: %q", out.HTML)
	}
	// position-tag emotes render straight off the CDN, not through the cache
	if !strings.Contains(out.HTML, `src="https://static-cdn.jtvnw.net/emoticons/v2/25/default/dark/1.0"`) {
		t.Fatalf("remote image missing: %q", out.HTML)
	}
	if strings.Contains(out.HTML, "placeholder") {
		t.Fatalf("spliced emote rendered as placeholder: %q", out.HTML)
	}
	if len(prefetch.requests) != 0 {
		t.Fatalf("unexpected prefetch for tag emote: %v", prefetch.requests)
	}
}

func TestRenderFragmentsWinOverTag(t *testing.T) {
	r := New(nil, nil, nil)
	out := r.Render(context.Background(), core.Message{
		Platform:  "twitch",
		Text:      "wow Kappa",
		EmotesTag: "25:4-8",
		Fragments: []core.Fragment{{Type: core.FragmentText, Text: "only text"}},
	})
	if out.HasImage {
		t.Fatal("fragments take precedence over the legacy tag")
	}
	if !strings.Contains(out.HTML, "only text") {
		t.Fatalf("fragment text missing: %q", out.HTML)
	}
}

func TestBadgeHTML(t *testing.T) {
	emotes := &fakeEmotes{
		records: map[string]core.EmoteRecord{
			"twitch/badge:moderator/1": {Platform: "twitch", EmoteID: "badge:moderator/1", CachePath: "/c/m.png"},
		},
		uris: map[string]string{"twitch/badge:moderator/1": "data:image/png;base64,BBBB"},
	}
	r := New(emotes, nil, nil)

	out := r.BadgeHTML("twitch", []core.Badge{
		{Name: "moderator", Version: "1"},
		{Name: "subscriber", Version: "6"},
	})
	if !strings.Contains(out, `<img class="badge" src="data:image/png;base64,BBBB"`) {
		t.Fatalf("badge image missing: %q", out)
	}
	if !strings.Contains(out, `<span class="badge chip">subscriber</span>`) {
		t.Fatalf("text chip missing: %q", out)
	}

	if r.BadgeHTML("twitch", nil) != "" {
		t.Fatal("no badges must render nothing")
	}
}

func TestUsernameColor(t *testing.T) {
	if got := UsernameColor("anyone", "#abcdef"); got != "#abcdef" {
		t.Fatalf("platform color must win: %q", got)
	}

	a := UsernameColor("SomeUser", "")
	b := UsernameColor("someuser", "")
	if a != b {
		t.Fatalf("color must be case-insensitive and stable: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "#") {
		t.Fatalf("palette color: %q", a)
	}
}

type deletionRecorder struct {
	calls chan [2]string
}

func (d *deletionRecorder) RequestDeletion(platform, msgID string) {
	d.calls <- [2]string{platform, msgID}
}

func TestBlockedTermsWrap(t *testing.T) {
	mod := &deletionRecorder{calls: make(chan [2]string, 4)}
	b := NewBlockedTerms(mod)
	b.SetTerms([]string{"BadWord", "  ", "wor"})

	out := b.Wrap(core.Message{Platform: "twitch", PlatformMsgID: "m-1"}, "such a badword here")
	if !strings.Contains(out, `<span class="blocked-term">badword</span>`) {
		t.Fatalf("overlapping matches must merge into one span: %q", out)
	}

	select {
	case call := <-mod.calls:
		if call[0] != "twitch" || call[1] != "m-1" {
			t.Fatalf("deletion request: %v", call)
		}
	case <-time.After(time.Second):
		t.Fatal("deletion not requested")
	}
}

func TestBlockedTermsNoMatch(t *testing.T) {
	mod := &deletionRecorder{calls: make(chan [2]string, 1)}
	b := NewBlockedTerms(mod)
	b.SetTerms([]string{"forbidden"})

	out := b.Wrap(core.Message{Platform: "twitch", PlatformMsgID: "m-2"}, "all <clean> text")
	if strings.Contains(out, "blocked-term") {
		t.Fatalf("unexpected highlight: %q", out)
	}
	if !strings.Contains(out, "&lt;clean&gt;") {
		t.Fatalf("text not escaped: %q", out)
	}
	select {
	case call := <-mod.calls:
		t.Fatalf("unexpected deletion request: %v", call)
	default:
	}
}

func TestBlockedTermsNoIDNoDeletion(t *testing.T) {
	mod := &deletionRecorder{calls: make(chan [2]string, 1)}
	b := NewBlockedTerms(mod)
	b.SetTerms([]string{"bad"})

	out := b.Wrap(core.Message{Platform: "youtube"}, "bad thing")
	if !strings.Contains(out, "blocked-term") {
		t.Fatalf("match not highlighted: %q", out)
	}
	select {
	case call := <-mod.calls:
		t.Fatalf("deletion requested without a message id: %v", call)
	default:
	}
}
