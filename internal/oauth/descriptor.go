package oauth

// Descriptor captures everything platform-specific about an authorization
// code flow so the manager stays generic.
type Descriptor struct {
	AuthURL  string
	TokenURL string
	Scopes   []string
	// UsePKCE enables the S256 code challenge on the authorize request.
	UsePKCE bool
	// ClientSecretRequired marks providers whose token endpoint insists on
	// a client secret even with PKCE.
	ClientSecretRequired bool
	// StatelessFallback accepts a redirect to /oauth/{platform} without the
	// state path segment, provided exactly one flow for the platform is in
	// flight.
	StatelessFallback bool
}

// Descriptors is the built-in platform registry. Values are package vars so
// tests can point endpoints at local fakes.
var Descriptors = map[string]Descriptor{
	"twitch": {
		AuthURL:              "https://id.twitch.tv/oauth2/authorize",
		TokenURL:             "https://id.twitch.tv/oauth2/token",
		Scopes:               []string{"chat:read", "chat:edit", "user:read:chat", "user:write:chat", "moderator:manage:chat_messages", "moderator:manage:banned_users"},
		UsePKCE:              true,
		ClientSecretRequired: true,
		StatelessFallback:    true,
	},
	"youtube": {
		AuthURL:              "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:             "https://oauth2.googleapis.com/token",
		Scopes:               []string{"https://www.googleapis.com/auth/youtube", "https://www.googleapis.com/auth/youtube.force-ssl"},
		UsePKCE:              true,
		ClientSecretRequired: true,
	},
	"kick": {
		AuthURL:           "https://id.kick.com/oauth/authorize",
		TokenURL:          "https://id.kick.com/oauth/token",
		Scopes:            []string{"user:read", "chat:write", "channel:read", "moderation:chat"},
		UsePKCE:           true,
		StatelessFallback: true,
	},
	"trovo": {
		AuthURL:  "https://open.trovo.live/page/login.html",
		TokenURL: "https://open-api.trovo.live/openplatform/exchangetoken",
		Scopes:   []string{"chat_send_self", "send_to_my_channel", "manage_messages", "user_details_self"},
	},
	"dlive": {
		AuthURL:  "https://dlive.tv/o/authorize",
		TokenURL: "https://dlive.tv/o/token",
		Scopes:   []string{"chat:write", "identity"},
	},
	"x": {
		AuthURL:           "https://twitter.com/i/oauth2/authorize",
		TokenURL:          "https://api.twitter.com/2/oauth2/token",
		Scopes:            []string{"tweet.read", "tweet.write", "users.read", "offline.access"},
		UsePKCE:           true,
		StatelessFallback: true,
	},
}
