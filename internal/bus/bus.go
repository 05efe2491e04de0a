// Package bus is the typed publish/subscribe fabric connecting connectors,
// the emote registry, the pipeline and the view. Handlers run synchronously
// in subscription order; anything heavy must hop to its own worker.
package bus

import (
	"sync"

	"github.com/you/omnichat/internal/core"
)

// ConnectionEvent reports a connector coming up or going down.
type ConnectionEvent struct {
	Platform  string
	Role      core.Role
	Connected bool
	Username  string
}

// Deletion identifies a platform message removed by a moderator or the
// platform itself.
type Deletion struct {
	Platform      string
	PlatformMsgID string
}

// EmoteCached reports an emote image landing on disk.
type EmoteCached struct {
	Platform string
	EmoteID  string
}

// EmoteSetReady reports new emote ids learned from a set-metadata fetch.
type EmoteSetReady struct {
	Platform string
	EmoteIDs []string
}

type (
	MessageHandler       func(core.Message)
	DeletionHandler      func(Deletion)
	ConnectionHandler    func(ConnectionEvent)
	EmoteCachedHandler   func(EmoteCached)
	EmoteSetReadyHandler func(EmoteSetReady)
)

// Bus fans each published signal out to every subscriber, at least once, in
// subscription order. There is no back-pressure.
type Bus struct {
	mu            sync.RWMutex
	messages      []MessageHandler
	deletions     []DeletionHandler
	streamerConns []ConnectionHandler
	botConns      []ConnectionHandler
	emoteCached   []EmoteCachedHandler
	emoteSetReady []EmoteSetReadyHandler
}

func New() *Bus { return &Bus{} }

func (b *Bus) SubscribeMessages(h MessageHandler) {
	b.mu.Lock()
	b.messages = append(b.messages, h)
	b.mu.Unlock()
}

func (b *Bus) SubscribeDeletions(h DeletionHandler) {
	b.mu.Lock()
	b.deletions = append(b.deletions, h)
	b.mu.Unlock()
}

func (b *Bus) SubscribeStreamerConnections(h ConnectionHandler) {
	b.mu.Lock()
	b.streamerConns = append(b.streamerConns, h)
	b.mu.Unlock()
}

func (b *Bus) SubscribeBotConnections(h ConnectionHandler) {
	b.mu.Lock()
	b.botConns = append(b.botConns, h)
	b.mu.Unlock()
}

func (b *Bus) SubscribeEmoteCached(h EmoteCachedHandler) {
	b.mu.Lock()
	b.emoteCached = append(b.emoteCached, h)
	b.mu.Unlock()
}

func (b *Bus) SubscribeEmoteSetReady(h EmoteSetReadyHandler) {
	b.mu.Lock()
	b.emoteSetReady = append(b.emoteSetReady, h)
	b.mu.Unlock()
}

func (b *Bus) PublishMessage(msg core.Message) {
	b.mu.RLock()
	subs := b.messages
	b.mu.RUnlock()
	for _, h := range subs {
		h(msg)
	}
}

func (b *Bus) PublishDeletion(d Deletion) {
	b.mu.RLock()
	subs := b.deletions
	b.mu.RUnlock()
	for _, h := range subs {
		h(d)
	}
}

// PublishConnection routes the event to the streamer or bot lane based on
// the role carried by the event.
func (b *Bus) PublishConnection(ev ConnectionEvent) {
	b.mu.RLock()
	var subs []ConnectionHandler
	if ev.Role == core.RoleBot {
		subs = b.botConns
	} else {
		subs = b.streamerConns
	}
	b.mu.RUnlock()
	for _, h := range subs {
		h(ev)
	}
}

func (b *Bus) PublishEmoteCached(ev EmoteCached) {
	b.mu.RLock()
	subs := b.emoteCached
	b.mu.RUnlock()
	for _, h := range subs {
		h(ev)
	}
}

func (b *Bus) PublishEmoteSetReady(ev EmoteSetReady) {
	b.mu.RLock()
	subs := b.emoteSetReady
	b.mu.RUnlock()
	for _, h := range subs {
		h(ev)
	}
}
