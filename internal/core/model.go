package core

import "time"

// Role distinguishes the two accounts a broadcaster may authorize per
// platform: the channel owner and a secondary bot identity.
type Role string

const (
	RoleStreamer Role = "streamer"
	RoleBot      Role = "bot"
)

// EventType classifies a normalized inbound event beyond plain chat.
type EventType string

const (
	EventChat         EventType = "chat"
	EventFollow       EventType = "follow"
	EventSubscription EventType = "subscription"
	EventRaid         EventType = "raid"
	EventBits         EventType = "bits"
	EventHighlight    EventType = "highlight"
	EventRedemption   EventType = "redemption"
	EventSpell        EventType = "spell"
	EventMagicChat    EventType = "magic_chat"
)

// FragmentType tags one piece of a structured message body.
type FragmentType string

const (
	FragmentText      FragmentType = "text"
	FragmentEmote     FragmentType = "emote"
	FragmentCheermote FragmentType = "cheermote"
)

// Fragment is one ordered piece of a message: literal text, an emote
// occurrence, or a cheermote. Fragments take precedence over the legacy
// position-tag emote encoding when both are present.
type Fragment struct {
	Type       FragmentType `json:"type"`
	Text       string       `json:"text"`
	EmoteID    string       `json:"emote_id,omitempty"`
	EmoteSetID string       `json:"emote_set_id,omitempty"`
	Bits       int          `json:"bits,omitempty"`
}

// Badge is a platform badge token. Version may be empty for platforms that
// issue unversioned badges.
type Badge struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Message is the unified structure every connector normalizes into before
// the rest of the system sees it.
type Message struct {
	Platform      string     `json:"platform"`
	InternalID    int64      `json:"internal_id"`
	PlatformMsgID string     `json:"platform_message_id,omitempty"`
	Ts            time.Time  `json:"ts"`
	Username      string     `json:"username"`
	UserID        string     `json:"user_id,omitempty"`
	Text          string     `json:"text"`
	Colour        string     `json:"colour,omitempty"`
	Badges        []Badge    `json:"badges,omitempty"`
	Fragments     []Fragment `json:"fragments,omitempty"`
	// EmotesTag is the legacy position-tag encoding
	// ("id:start-end[,start-end]/id:start-end"), kept verbatim for the
	// renderer's splice path when no fragments arrived.
	EmotesTag string    `json:"emotes_tag,omitempty"`
	Event     EventType `json:"event,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
	// Supersedes marks an edit that replaces an earlier message carrying the
	// same (platform, platform_message_id) pair.
	Supersedes bool `json:"supersedes,omitempty"`
}

// HasEmoteData reports whether the message carries any emote metadata.
func (m Message) HasEmoteData() bool {
	if m.EmotesTag != "" {
		return true
	}
	for _, f := range m.Fragments {
		if f.Type == FragmentEmote || f.Type == FragmentCheermote {
			return true
		}
	}
	return false
}

// Account holds per-(platform, role) credentials and identity.
type Account struct {
	Platform     string
	Role         Role
	Username     string
	DisplayName  string
	UserID       string
	AccessToken  string
	RefreshToken string
	Scopes       []string
	IssuedAt     time.Time
	Cookies      string
}

// StaleThreshold is how long after issuance a token is considered stale and
// refreshed proactively before use.
const StaleThreshold = 50 * time.Minute

// Stale reports whether the access token should be refreshed before use.
func (a Account) Stale(now time.Time) bool {
	if a.AccessToken == "" {
		return true
	}
	return now.Sub(a.IssuedAt) > StaleThreshold
}

// ImageFormat is the file format of an emote image variant.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatGIF ImageFormat = "gif"
)

// EmoteImage is one downloadable variant of an emote.
type EmoteImage struct {
	URL    string      `json:"url"`
	Size   int         `json:"size"`
	Format ImageFormat `json:"format"`
}

// EmoteRecord is the registry entry for a single emote. At most one record
// exists per (platform, emote id); CachePath is set only once the binary is
// on disk.
type EmoteRecord struct {
	Platform   string       `json:"platform"`
	EmoteID    string       `json:"emote_id"`
	Name       string       `json:"name,omitempty"`
	EmoteSetID string       `json:"emote_set_id,omitempty"`
	Images     []EmoteImage `json:"images,omitempty"`
	CachePath  string       `json:"cache_path,omitempty"`
	CachedAt   time.Time    `json:"cached_at,omitempty"`
}

// Cached reports whether the emote binary is on disk.
func (r EmoteRecord) Cached() bool { return r.CachePath != "" }

// StreamInfo is the per-platform stream metadata block persisted under
// platforms.{id}.stream_info.
type StreamInfo struct {
	Title        string   `json:"title,omitempty"`
	Category     string   `json:"category,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Notification string   `json:"notification,omitempty"`
}
