package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/omnichat/internal/automation"
	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/chatmanager"
	"github.com/you/omnichat/internal/config"
	"github.com/you/omnichat/internal/connector"
	"github.com/you/omnichat/internal/connector/dlive"
	"github.com/you/omnichat/internal/connector/eventsub"
	"github.com/you/omnichat/internal/connector/kick"
	"github.com/you/omnichat/internal/connector/trovo"
	"github.com/you/omnichat/internal/connector/twitchirc"
	"github.com/you/omnichat/internal/connector/xchat"
	"github.com/you/omnichat/internal/connector/ytlive"
	"github.com/you/omnichat/internal/core"
	"github.com/you/omnichat/internal/emotes"
	"github.com/you/omnichat/internal/oauth"
	"github.com/you/omnichat/internal/overlay"
	"github.com/you/omnichat/internal/pipeline"
	"github.com/you/omnichat/internal/render"
	"github.com/you/omnichat/internal/version"
)

// logView is the default view sink when no GUI is attached: rendered rows
// go to the log, which keeps the full pipeline exercised headless.
type logView struct{}

func (logView) Insert(row pipeline.Row) error {
	log.Printf("chat: [%s] %s: %s", row.Platform, row.Username, row.Text)
	return nil
}
func (logView) Remove(platform, platformMsgID string) {
	log.Printf("chat: [%s] deleted %s", platform, platformMsgID)
}
func (logView) Patch(platform, platformMsgID, emoteID, src string) error { return nil }

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var versionFlag bool
	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.Parse()

	if versionFlag {
		fmt.Printf("omnichat version: %s (commit %s, built %s)\n",
			version.Version, version.Commit, version.BuildTime)
		os.Exit(0)
	}

	// a .env beside the binary seeds the environment during development
	_ = godotenv.Load()
	env := config.Load()
	log.Printf("omnichat starting: %v", env.Redacted())

	store, err := config.Open(env.ConfigPath)
	if err != nil {
		log.Fatalf("open config store: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	signals := bus.New()

	listener := oauth.NewCallbackListener(env.CallbackPort)
	go func() {
		if err := listener.Start(); err != nil {
			log.Printf("oauth: callback listener: %v", err)
		}
	}()
	auth := oauth.NewManager(store, listener, env.CallbackPort)

	registry := emotes.NewRegistry()
	cache, err := emotes.OpenCache(env.CacheDir, registry, signals)
	if err != nil {
		log.Fatalf("open emote cache: %v", err)
	}
	defer cache.Close()
	emoteSvc := emotes.NewService(registry, signals)

	manager := chatmanager.New(store, signals, buildConnector(store, signals, auth))
	manager.SetOneShotBuilder(buildOneShotSender(store, auth))

	blocked := render.NewBlockedTerms(moderatorFunc(func(platform, msgID string) {
		go func() {
			deleteCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := manager.DeleteMessage(deleteCtx, platform, msgID); err != nil {
				log.Printf("moderation: delete %s/%s: %v", platform, msgID, err)
			}
		}()
	}))
	blocked.SetTerms(storedBlockedTerms(store))

	renderer := render.New(cache, prefetcherFunc(func(pctx context.Context, platform, emoteID string) error {
		go func() {
			fetchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := cache.PrefetchEmoteImage(fetchCtx, platform, emoteID); err != nil {
				log.Printf("emotes: prefetch %s/%s: %v", platform, emoteID, err)
			}
		}()
		return nil
	}), blocked)

	pipe := pipeline.New(logView{}, renderer, slog.Default())
	pipe.Attach(signals)
	signals.SubscribeEmoteCached(func(ev bus.EmoteCached) {
		uri, err := cache.DataURI(ev.Platform, ev.EmoteID)
		if err != nil {
			return
		}
		pipe.EmoteCached(ev.Platform, ev.EmoteID, uri)
	})
	go pipe.Run(ctx)

	overlaySrv := overlay.New(manager, auth, overlay.Options{
		Addr:      env.OverlayAddr,
		RateRPS:   env.HTTPRateRPS,
		RateBurst: env.HTTPBurst,
	})
	pipe.AddSink(overlaySrv)
	go func() {
		if err := overlaySrv.Start(); err != nil {
			log.Printf("overlay: %v", err)
		}
	}()

	vars := automation.NewVariables(store)
	engine := automation.NewEngine(store, manager, vars)
	engine.Start(ctx)

	// external edits to the config database reload the blocked-term list
	watchStop, err := config.Watch(env.ConfigPath, func() {
		blocked.SetTerms(storedBlockedTerms(store))
	})
	if err != nil {
		log.Printf("config: watch unavailable: %v", err)
	} else {
		defer watchStop()
	}

	// Twitch set metadata flows through Helix on the streamer credentials;
	// messages carrying unknown set ids trigger coalesced fetches.
	emoteSvc.RegisterFetcher("twitch", func(fctx context.Context, setIDs []string) ([]core.EmoteRecord, error) {
		helix := &twitchirc.HelixClient{
			ClientID: store.GetString("platforms.twitch.client_id", ""),
			TokenProvider: func(c context.Context) (string, error) {
				return auth.ValidToken(c, "twitch", core.RoleStreamer)
			},
		}
		return helix.EmoteSets(fctx, setIDs)
	})
	signals.SubscribeMessages(func(msg core.Message) {
		if msg.Platform != "twitch" {
			return
		}
		var setIDs []string
		for _, f := range msg.Fragments {
			if f.EmoteSetID != "" {
				if _, known := registry.Lookup(msg.Platform, f.EmoteID); !known {
					setIDs = append(setIDs, f.EmoteSetID)
				}
			}
		}
		if len(setIDs) > 0 {
			emoteSvc.ScheduleEmoteSetFetch(ctx, msg.Platform, emotes.GlobalScope, setIDs)
		}
	})

	manager.ConnectAll(ctx)
	startEventSub(ctx, store, signals, auth)

	<-ctx.Done()
	log.Printf("omnichat: shutting down")

	manager.DisconnectAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = overlaySrv.Shutdown(shutdownCtx)
	_ = listener.Shutdown(shutdownCtx)
}

type moderatorFunc func(platform, msgID string)

func (f moderatorFunc) RequestDeletion(platform, msgID string) { f(platform, msgID) }

type prefetcherFunc func(ctx context.Context, platform, emoteID string) error

func (f prefetcherFunc) PrefetchEmoteImage(ctx context.Context, platform, emoteID string) error {
	return f(ctx, platform, emoteID)
}

func storedBlockedTerms(store *config.Store) []string {
	raw, _ := store.Get("moderation.blocked_terms", nil).([]any)
	terms := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			terms = append(terms, s)
		}
	}
	return terms
}

// buildConnector wires one connector per (platform, role) from stored
// configuration. Token access goes through the oauth manager so every
// connector shares the proactive-refresh and single-flight behavior.
func buildConnector(store *config.Store, signals *bus.Bus, auth *oauth.Manager) chatmanager.Builder {
	return func(platform string, role core.Role) (connector.Connector, error) {
		tokens := func(ctx context.Context) (string, error) {
			return auth.ValidToken(ctx, platform, role)
		}
		refresh := func(ctx context.Context) (string, error) {
			return auth.Refresh(ctx, platform, role)
		}
		acct, _ := store.LoadAccount(platform, role)
		get := func(key string) string {
			return store.GetString("platforms."+platform+"."+key, "")
		}

		switch platform {
		case "twitch":
			channel := get("channel")
			if channel == "" {
				if streamer, ok := store.LoadAccount("twitch", core.RoleStreamer); ok {
					channel = streamer.Username
				}
			}
			helix := &twitchirc.HelixClient{
				ClientID:      get("client_id"),
				BroadcasterID: get("broadcaster_id"),
				ModeratorID:   acct.UserID,
				TokenProvider: tokens,
				OnScopeMissing: func(reason string) {
					auth.MarkScopeMissing(platform, role, reason)
				},
			}
			return twitchirc.New(twitchirc.Config{
				Channel:       channel,
				Nick:          acct.Username,
				Role:          role,
				UseTLS:        true,
				TokenProvider: tokens,
				RefreshNow:    refresh,
			}, signals, helix), nil

		case "youtube":
			return ytlive.New(ytlive.Config{
				LiveURL:       get("live_url"),
				LiveChatID:    get("live_chat_id"),
				Role:          role,
				Username:      acct.Username,
				TokenProvider: tokens,
				RefreshNow:    refresh,
			}, signals), nil

		case "kick":
			return kick.New(kick.Config{
				Slug:          get("slug"),
				ChatroomID:    get("chatroom_id"),
				Role:          role,
				TokenProvider: tokens,
				RefreshNow:    refresh,
			}, signals), nil

		case "trovo":
			return trovo.New(trovo.Config{
				ClientID:      get("client_id"),
				ChannelID:     get("channel_id"),
				Role:          role,
				Username:      acct.Username,
				TokenProvider: tokens,
				RefreshNow:    refresh,
			}, signals), nil

		case "dlive":
			return dlive.New(dlive.Config{
				Streamer:      get("streamer"),
				Role:          role,
				Username:      acct.Username,
				TokenProvider: tokens,
				RefreshNow:    refresh,
			}, signals), nil

		case "x":
			return xchat.New(xchat.Config{
				ConversationID: get("conversation_id"),
				Role:           role,
				Username:       acct.Username,
				TokenProvider:  tokens,
				RefreshNow:     refresh,
			}, signals), nil
		}
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
}

// oneShotFunc adapts a function to the chatmanager.OneShotSender surface.
type oneShotFunc func(ctx context.Context, text string) error

func (f oneShotFunc) SendOnce(ctx context.Context, text string) error { return f(ctx, text) }

// buildOneShotSender wires the platforms that can send on bot credentials
// without a live socket. Twitch goes through the Helix send endpoint; kick
// and trovo reuse their REST send path. The rest need a connection.
func buildOneShotSender(store *config.Store, auth *oauth.Manager) chatmanager.OneShotBuilder {
	return func(platform string) (chatmanager.OneShotSender, bool) {
		tokens := func(ctx context.Context) (string, error) {
			return auth.ValidToken(ctx, platform, core.RoleBot)
		}
		refresh := func(ctx context.Context) (string, error) {
			return auth.Refresh(ctx, platform, core.RoleBot)
		}
		get := func(key string) string {
			return store.GetString("platforms."+platform+"."+key, "")
		}

		switch platform {
		case "twitch":
			bot, ok := store.LoadAccount("twitch", core.RoleBot)
			if !ok || bot.UserID == "" {
				return nil, false
			}
			helix := &twitchirc.HelixClient{
				ClientID:      get("client_id"),
				BroadcasterID: get("broadcaster_id"),
				TokenProvider: tokens,
			}
			return oneShotFunc(func(ctx context.Context, text string) error {
				return helix.SendChatMessage(ctx, bot.UserID, text)
			}), true

		case "kick":
			if get("chatroom_id") == "" {
				return nil, false
			}
			return kick.New(kick.Config{
				Slug:          get("slug"),
				ChatroomID:    get("chatroom_id"),
				Role:          core.RoleBot,
				TokenProvider: tokens,
				RefreshNow:    refresh,
			}, nil), true

		case "trovo":
			if get("channel_id") == "" {
				return nil, false
			}
			return trovo.New(trovo.Config{
				ClientID:      get("client_id"),
				ChannelID:     get("channel_id"),
				Role:          core.RoleBot,
				TokenProvider: tokens,
				RefreshNow:    refresh,
			}, nil), true
		}
		return nil, false
	}
}

// startEventSub runs the read-only EventSub session for richer Twitch
// events when the streamer opted in.
func startEventSub(ctx context.Context, store *config.Store, signals *bus.Bus, auth *oauth.Manager) {
	if !store.GetBool("platforms.twitch.eventsub", false) {
		return
	}
	acct, ok := store.LoadAccount("twitch", core.RoleStreamer)
	if !ok {
		return
	}
	client := eventsub.New(eventsub.Config{
		ClientID:      store.GetString("platforms.twitch.client_id", ""),
		BroadcasterID: store.GetString("platforms.twitch.broadcaster_id", ""),
		UserID:        acct.UserID,
		Role:          core.RoleStreamer,
		Username:      acct.Username,
		TokenProvider: func(c context.Context) (string, error) {
			return auth.ValidToken(c, "twitch", core.RoleStreamer)
		},
		RefreshNow: func(c context.Context) (string, error) {
			return auth.Refresh(c, "twitch", core.RoleStreamer)
		},
	}, signals)
	if err := client.Connect(ctx); err != nil {
		log.Printf("eventsub: %v", err)
	}
}
