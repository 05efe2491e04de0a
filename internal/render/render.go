// Package render turns normalized messages into the HTML the chat view and
// the overlay display. Rendering never blocks on the network: uncached
// emotes render as placeholder tags and a prefetch is scheduled so a later
// patch can swap the real image in.
package render

import (
	"context"
	"hash/fnv"
	"html"
	"net/url"
	"strings"

	"github.com/you/omnichat/internal/connector/twitchirc"
	"github.com/you/omnichat/internal/core"
)

// transparentPixel is a 1x1 transparent GIF; placeholders point at it until
// the cached image patch lands.
const transparentPixel = "data:image/gif;base64,R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7"

// The static CDN serves position-tag emotes. That legacy path renders off
// the CDN directly and never touches the local cache.
const (
	twitchEmoteCDNPrefix = "https://static-cdn.jtvnw.net/emoticons/v2/"
	twitchEmoteCDNSuffix = "/default/dark/1.0"
)

// EmoteSource is the registry/cache surface the renderer needs.
type EmoteSource interface {
	Lookup(platform, emoteID string) (core.EmoteRecord, bool)
	DataURI(platform, emoteID string) (string, error)
}

// Prefetcher schedules an emote image download.
type Prefetcher interface {
	PrefetchEmoteImage(ctx context.Context, platform, emoteID string) error
}

// Rendered is the renderer's output for one message.
type Rendered struct {
	MessageID string
	HTML      string
	HasImage  bool
}

// Renderer converts messages to HTML. Safe for concurrent use.
type Renderer struct {
	emotes   EmoteSource
	prefetch Prefetcher
	blocked  *BlockedTerms
}

func New(emotes EmoteSource, prefetch Prefetcher, blocked *BlockedTerms) *Renderer {
	return &Renderer{emotes: emotes, prefetch: prefetch, blocked: blocked}
}

// Render produces the HTML body for one message. The decision tree:
// fragments when present, otherwise the legacy position-tag splice,
// otherwise escaped plain text.
func (r *Renderer) Render(ctx context.Context, msg core.Message) Rendered {
	frags := msg.Fragments
	legacy := false
	if len(frags) == 0 && msg.EmotesTag != "" {
		frags = twitchirc.FragmentsFromEmoteTag(msg.EmotesTag, msg.Text)
		legacy = true
	}

	var b strings.Builder
	hasImage := false
	if len(frags) == 0 {
		b.WriteString(r.renderText(msg, msg.Text))
	} else {
		for _, f := range frags {
			switch f.Type {
			case core.FragmentEmote, core.FragmentCheermote:
				if legacy {
					b.WriteString(renderCDNEmote(f))
				} else {
					b.WriteString(r.renderEmote(ctx, msg.Platform, f))
				}
				hasImage = true
			default:
				b.WriteString(r.renderText(msg, f.Text))
			}
		}
	}

	return Rendered{MessageID: msg.PlatformMsgID, HTML: b.String(), HasImage: hasImage}
}

// renderEmote emits either the cached image or a placeholder carrying the
// emote id so a patch can find it later.
func (r *Renderer) renderEmote(ctx context.Context, platform string, f core.Fragment) string {
	name := html.EscapeString(f.Text)
	id := html.EscapeString(f.EmoteID)

	if r.emotes != nil {
		if rec, ok := r.emotes.Lookup(platform, f.EmoteID); ok && rec.Cached() {
			if uri, err := r.emotes.DataURI(platform, f.EmoteID); err == nil {
				return `<img class="emote" data-emote-id="` + id + `" src="` + uri + `" alt="` + name + `" title="` + name + `">`
			}
		}
	}
	if r.prefetch != nil {
		_ = r.prefetch.PrefetchEmoteImage(ctx, platform, f.EmoteID)
	}
	return `<img class="emote placeholder" data-emote-id="` + id + `" src="` + transparentPixel + `" alt="` + name + `" title="` + name + `">`
}

// renderCDNEmote emits a remote image for a position-tag emote. These come
// from the IRC emotes= tag and render straight off the CDN.
func renderCDNEmote(f core.Fragment) string {
	name := html.EscapeString(f.Text)
	id := html.EscapeString(f.EmoteID)
	src := twitchEmoteCDNPrefix + url.PathEscape(f.EmoteID) + twitchEmoteCDNSuffix
	return `<img class="emote" data-emote-id="` + id + `" src="` + src + `" alt="` + name + `" title="` + name + `">`
}

// renderText escapes the text and wraps blocked-term matches, asking the
// moderator hook to delete the offending message.
func (r *Renderer) renderText(msg core.Message, text string) string {
	if r.blocked == nil {
		return html.EscapeString(text)
	}
	return r.blocked.Wrap(msg, text)
}

// BadgeHTML renders the badge row: cached images when the registry knows
// the badge art, text chips otherwise.
func (r *Renderer) BadgeHTML(platform string, badges []core.Badge) string {
	if len(badges) == 0 {
		return ""
	}
	var b strings.Builder
	for _, badge := range badges {
		key := "badge:" + badge.Name
		if badge.Version != "" {
			key += "/" + badge.Version
		}
		if r.emotes != nil {
			if rec, ok := r.emotes.Lookup(platform, key); ok && rec.Cached() {
				if uri, err := r.emotes.DataURI(platform, key); err == nil {
					b.WriteString(`<img class="badge" src="` + uri + `" alt="` + html.EscapeString(badge.Name) + `">`)
					continue
				}
			}
		}
		b.WriteString(`<span class="badge chip">` + html.EscapeString(badge.Name) + `</span>`)
	}
	return b.String()
}

// usernamePalette is the fixed palette assigned to users without a platform
// color. The choice is a stable hash so a user keeps their color.
var usernamePalette = [20]string{
	"#e91e63", "#9c27b0", "#673ab7", "#3f51b5", "#2196f3",
	"#03a9f4", "#00bcd4", "#009688", "#4caf50", "#8bc34a",
	"#cddc39", "#ffc107", "#ff9800", "#ff5722", "#795548",
	"#f44336", "#607d8b", "#00e5ff", "#76ff03", "#ffd740",
}

// UsernameColor returns the platform-assigned color, or a deterministic
// palette pick keyed on the lowercased username.
func UsernameColor(username, platformColor string) string {
	if platformColor != "" {
		return platformColor
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(username)))
	return usernamePalette[h.Sum32()%uint32(len(usernamePalette))]
}
