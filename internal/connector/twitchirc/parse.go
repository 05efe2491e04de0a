package twitchirc

import (
	"strconv"
	"strings"

	"github.com/you/omnichat/internal/core"
)

// Tags is a parsed IRCv3 tag blob.
type Tags map[string]string

// ParseTags splits a semicolon-delimited key=value tag segment, applying
// IRCv3 escape rules to values.
func ParseTags(segment string) Tags {
	tags := Tags{}
	for _, kv := range strings.Split(segment, ";") {
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		key := parts[0]
		val := ""
		if len(parts) == 2 {
			val = unescapeIRC(parts[1])
		}
		tags[key] = val
	}
	return tags
}

// SplitTagBlob handles a username field that still carries the raw tag blob
// ("<tags> :<login>"). It returns the tag segment and the trailing login.
// Already-clean usernames come back unchanged with empty tags, which makes
// the recovery pass idempotent.
func SplitTagBlob(username string) (Tags, string) {
	trimmed := strings.TrimSpace(username)
	body := strings.TrimPrefix(trimmed, "@")
	idx := strings.Index(body, " :")
	if idx == -1 || !strings.Contains(body[:idx], "=") {
		return nil, trimmed
	}
	tags := ParseTags(body[:idx])
	login := strings.TrimSpace(body[idx+2:])
	return tags, login
}

// Normalize lifts tag metadata out of a possibly-dirty username field and
// produces the canonical message fields. Applying it to an already-clean
// username is a no-op beyond trimming.
func Normalize(username, text string) core.Message {
	tags, login := SplitTagBlob(username)
	msg := core.Message{
		Platform: "twitch",
		Username: login,
		Text:     text,
		Event:    core.EventChat,
	}
	if len(tags) == 0 {
		return msg
	}
	msg.PlatformMsgID = tags["id"]
	msg.UserID = tags["user-id"]
	msg.Colour = tags["color"]
	msg.RoomID = tags["room-id"]
	if msg.RoomID == "" {
		msg.RoomID = tags["channel_id"]
	}
	msg.ChannelID = msg.RoomID
	msg.Badges = ParseBadgeList(tags["badges"])
	if tag := tags["emotes"]; tag != "" {
		msg.EmotesTag = tag
		msg.Fragments = FragmentsFromEmoteTag(tag, text)
	}
	return msg
}

// ParseBadgeList parses "name/version,name/version" into badge tokens.
func ParseBadgeList(raw string) []core.Badge {
	if raw == "" {
		return nil
	}
	var out []core.Badge
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, version, _ := strings.Cut(item, "/")
		if name == "" {
			continue
		}
		out = append(out, core.Badge{Name: name, Version: version})
	}
	return out
}

type emoteSpan struct {
	id    string
	start int
	end   int
}

// FragmentsFromEmoteTag converts the legacy position-tag encoding
// ("id:start-end[,start-end]/id:start-end") into ordered fragments over
// text. Offsets are code-point indexes, so the splice works over runes.
func FragmentsFromEmoteTag(tag, text string) []core.Fragment {
	spans := parseEmoteSpans(tag)
	if len(spans) == 0 {
		return nil
	}

	runes := []rune(text)
	// insertion sort by start offset; tag lists are tiny
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].start < spans[j-1].start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}

	var out []core.Fragment
	cursor := 0
	for _, span := range spans {
		if span.start < cursor || span.end >= len(runes) || span.start > span.end {
			continue
		}
		if span.start > cursor {
			out = append(out, core.Fragment{Type: core.FragmentText, Text: string(runes[cursor:span.start])})
		}
		out = append(out, core.Fragment{
			Type:    core.FragmentEmote,
			Text:    string(runes[span.start : span.end+1]),
			EmoteID: span.id,
		})
		cursor = span.end + 1
	}
	if cursor < len(runes) {
		out = append(out, core.Fragment{Type: core.FragmentText, Text: string(runes[cursor:])})
	}
	return out
}

func parseEmoteSpans(tag string) []emoteSpan {
	var spans []emoteSpan
	for _, group := range strings.Split(tag, "/") {
		id, ranges, ok := strings.Cut(group, ":")
		if !ok || id == "" {
			continue
		}
		for _, rng := range strings.Split(ranges, ",") {
			startRaw, endRaw, ok := strings.Cut(rng, "-")
			if !ok {
				continue
			}
			start, err1 := strconv.Atoi(strings.TrimSpace(startRaw))
			end, err2 := strconv.Atoi(strings.TrimSpace(endRaw))
			if err1 != nil || err2 != nil || start < 0 || end < start {
				continue
			}
			spans = append(spans, emoteSpan{id: id, start: start, end: end})
		}
	}
	return spans
}

func unescapeIRC(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 's':
			b.WriteByte(' ')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case ':':
			b.WriteByte(';')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
