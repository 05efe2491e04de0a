// Package pipeline moves rendered messages into the view. It is the only
// writer the view sees: inserts, removals and patches all funnel through
// one worker so ordering is deterministic. The queue is bounded; when chat
// outruns the view the oldest queued entry is dropped with a diagnostic
// rather than stalling the connectors.
package pipeline

import (
	"context"
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/core"
	"github.com/you/omnichat/internal/render"
	"github.com/you/omnichat/internal/trace"
)

const (
	defaultQueueDepth = 20
	insertRetries     = 3
)

var (
	insertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnichat_pipeline_inserted_total",
		Help: "Messages inserted into the view.",
	}, []string{"platform"})
	dedupDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnichat_pipeline_dedup_drops_total",
		Help: "Messages dropped at ingress as duplicates.",
	}, []string{"platform"})
	queueDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnichat_pipeline_queue_drops_total",
		Help: "Queued entries evicted because the queue was full.",
	})
	insertFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnichat_pipeline_insert_failures_total",
		Help: "Messages permanently dropped after exhausting insert retries.",
	})
	patchesAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnichat_pipeline_patches_applied_total",
		Help: "Patches applied to already-inserted messages.",
	})
)

// Row is what the view receives for one message.
type Row struct {
	InternalID int64
	Platform   string
	MsgID      string
	Username   string
	Text       string
	Color      string
	Badges     []core.Badge
	BadgesHTML string
	HTML       string
	HasImage   bool
	Event      core.EventType
	Ts         time.Time
}

// View is the downstream display surface.
type View interface {
	Insert(row Row) error
	Remove(platform, platformMsgID string)
	Patch(platform, platformMsgID, emoteID, src string) error
}

// Sink observes the pipeline after the view: successful inserts and
// removals only. Sinks must never block.
type Sink interface {
	Inserted(row Row)
	Removed(platform, platformMsgID string)
}

type workKind int

const (
	workInsert workKind = iota
	workRemove
	workPatch
)

type work struct {
	kind workKind
	msg  core.Message
	rec  *trace.Record

	platform string
	msgID    string
	emoteID  string
	src      string
}

// Pipeline owns the bounded queue and the single view worker.
type Pipeline struct {
	view     View
	renderer *render.Renderer
	logger   *slog.Logger
	depth    int

	// patchLimiter paces the high-volume patch lane; priorityLimiter paces
	// everything else that jumps the queue. Saturated patches degrade to
	// front-of-queue entries instead of being dropped.
	patchLimiter    *rate.Limiter
	priorityLimiter *rate.Limiter

	mu    sync.Mutex
	queue []work
	wake  chan struct{}

	nextID atomic.Int64

	seenMu sync.Mutex
	seen   map[string]int64

	// awaiting maps platform/emoteID to the message ids whose placeholders
	// wait on that image.
	awaitMu  sync.Mutex
	awaiting map[string][]string

	sinkMu sync.Mutex
	sinks  []Sink
}

// AddSink registers a downstream observer.
func (p *Pipeline) AddSink(s Sink) {
	p.sinkMu.Lock()
	p.sinks = append(p.sinks, s)
	p.sinkMu.Unlock()
}

func (p *Pipeline) eachSink(f func(Sink)) {
	p.sinkMu.Lock()
	sinks := p.sinks
	p.sinkMu.Unlock()
	for _, s := range sinks {
		f(s)
	}
}

// Option tweaks pipeline construction.
type Option func(*Pipeline)

// WithQueueDepth overrides the default outstanding-entry bound.
func WithQueueDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.depth = n
		}
	}
}

func New(view View, renderer *render.Renderer, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		view:            view,
		renderer:        renderer,
		logger:          logger,
		depth:           defaultQueueDepth,
		patchLimiter:    rate.NewLimiter(rate.Limit(200), 200),
		priorityLimiter: rate.NewLimiter(rate.Limit(20), 20),
		wake:            make(chan struct{}, 1),
		seen:            make(map[string]int64),
		awaiting:        make(map[string][]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attach subscribes the pipeline to the signal fabric.
func (p *Pipeline) Attach(b *bus.Bus) {
	b.SubscribeMessages(p.Submit)
	b.SubscribeDeletions(func(d bus.Deletion) { p.Delete(d.Platform, d.PlatformMsgID) })
}

// Run drains the queue until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		w, ok := p.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		switch w.kind {
		case workInsert:
			p.doInsert(ctx, w)
		case workRemove:
			p.view.Remove(w.platform, w.msgID)
			p.eachSink(func(s Sink) { s.Removed(w.platform, w.msgID) })
		case workPatch:
			if err := p.view.Patch(w.platform, w.msgID, w.emoteID, w.src); err == nil {
				patchesAppliedTotal.Inc()
			}
		}
	}
}

func dedupKey(platform, msgID string) string { return platform + "/" + msgID }

// Submit is the ingress: dedup, internal id assignment, enqueue. Edits
// (Supersedes) replace the earlier copy; plain duplicates are dropped.
func (p *Pipeline) Submit(msg core.Message) {
	if msg.PlatformMsgID != "" {
		key := dedupKey(msg.Platform, msg.PlatformMsgID)
		p.seenMu.Lock()
		_, dup := p.seen[key]
		if dup && !msg.Supersedes {
			p.seenMu.Unlock()
			dedupDropsTotal.WithLabelValues(msg.Platform).Inc()
			return
		}
		p.seenMu.Unlock()

		if dup && msg.Supersedes {
			p.pushBack(work{kind: workRemove, platform: msg.Platform, msgID: msg.PlatformMsgID})
		}
	}

	msg.InternalID = p.nextID.Add(1)
	if msg.PlatformMsgID != "" {
		p.seenMu.Lock()
		p.seen[dedupKey(msg.Platform, msg.PlatformMsgID)] = msg.InternalID
		if len(p.seen) > 8192 {
			p.seen = map[string]int64{dedupKey(msg.Platform, msg.PlatformMsgID): msg.InternalID}
		}
		p.seenMu.Unlock()
	}

	rec := trace.NewRecord(msg.Platform, msg.PlatformMsgID, msg.Username, msg.Text)
	p.pushBack(work{kind: workInsert, msg: msg, rec: rec})
}

// Delete removes a message from the view.
func (p *Pipeline) Delete(platform, platformMsgID string) {
	p.pushBack(work{kind: workRemove, platform: platform, msgID: platformMsgID})
}

// SubmitPatch routes one emote-image patch through the priority lane. When
// the lane is saturated the patch degrades to a front-of-queue entry.
func (p *Pipeline) SubmitPatch(platform, msgID, emoteID, src string) {
	w := work{kind: workPatch, platform: platform, msgID: msgID, emoteID: emoteID, src: src}
	if p.patchLimiter.Allow() {
		p.pushFront(w)
		return
	}
	if p.priorityLimiter.Allow() {
		p.pushFront(w)
		return
	}
	p.pushBack(w)
}

// NoteAwaiting records that msgID rendered a placeholder for the emote.
func (p *Pipeline) NoteAwaiting(platform, emoteID, msgID string) {
	key := platform + "/" + emoteID
	p.awaitMu.Lock()
	p.awaiting[key] = append(p.awaiting[key], msgID)
	p.awaitMu.Unlock()
}

// EmoteCached resolves placeholders once an image lands on disk. uri comes
// from the cache's DataURI.
func (p *Pipeline) EmoteCached(platform, emoteID, uri string) {
	key := platform + "/" + emoteID
	p.awaitMu.Lock()
	waiting := p.awaiting[key]
	delete(p.awaiting, key)
	p.awaitMu.Unlock()
	for _, msgID := range waiting {
		p.SubmitPatch(platform, msgID, emoteID, uri)
	}
}

func (p *Pipeline) doInsert(ctx context.Context, w work) {
	rendered := p.renderer.Render(ctx, w.msg)
	w.rec.Inc(trace.StageRendered)

	row := Row{
		InternalID: w.msg.InternalID,
		Platform:   w.msg.Platform,
		MsgID:      w.msg.PlatformMsgID,
		Username:   w.msg.Username,
		Text:       w.msg.Text,
		Color:      render.UsernameColor(w.msg.Username, w.msg.Colour),
		Badges:     w.msg.Badges,
		BadgesHTML: p.renderer.BadgeHTML(w.msg.Platform, w.msg.Badges),
		HTML:       rendered.HTML,
		HasImage:   rendered.HasImage,
		Event:      w.msg.Event,
		Ts:         w.msg.Ts,
	}

	// placeholders register before the insert attempt so a cache completion
	// racing the insert still finds the waiting message; the resulting patch
	// queues behind this insert on the single worker
	if rendered.HasImage && w.msg.PlatformMsgID != "" {
		for _, f := range w.msg.Fragments {
			if f.Type == core.FragmentEmote && f.EmoteID != "" {
				p.NoteAwaiting(w.msg.Platform, f.EmoteID, w.msg.PlatformMsgID)
			}
		}
	}

	var err error
	for attempt := 0; attempt < insertRetries; attempt++ {
		if err = p.view.Insert(row); err == nil {
			w.rec.Inc(trace.StageInserted)
			insertedTotal.WithLabelValues(w.msg.Platform).Inc()
			p.eachSink(func(s Sink) { s.Inserted(row) })
			return
		}
	}

	p.dropAwaiting(w.msg)
	w.rec.Inc(trace.StageDropped("insert_failed"))
	insertFailuresTotal.Inc()
	w.rec.Log(p.logger, "pipeline: message dropped after insert retries")
	log.Printf("pipeline: dropping %s/%s after %d insert attempts: %v",
		w.msg.Platform, w.msg.PlatformMsgID, insertRetries, err)
}

// dropAwaiting clears a permanently dropped message's placeholder
// registrations so later cache completions do not patch a ghost row.
func (p *Pipeline) dropAwaiting(msg core.Message) {
	if msg.PlatformMsgID == "" {
		return
	}
	p.awaitMu.Lock()
	for _, f := range msg.Fragments {
		if f.Type != core.FragmentEmote || f.EmoteID == "" {
			continue
		}
		key := msg.Platform + "/" + f.EmoteID
		waiting := p.awaiting[key][:0]
		for _, id := range p.awaiting[key] {
			if id != msg.PlatformMsgID {
				waiting = append(waiting, id)
			}
		}
		if len(waiting) == 0 {
			delete(p.awaiting, key)
		} else {
			p.awaiting[key] = waiting
		}
	}
	p.awaitMu.Unlock()
}

func (p *Pipeline) pushBack(w work) {
	p.mu.Lock()
	if len(p.queue) >= p.depth {
		// evict the oldest entry to keep ingest live
		p.queue = p.queue[1:]
		queueDropsTotal.Inc()
	}
	p.queue = append(p.queue, w)
	p.mu.Unlock()
	p.signal()
}

func (p *Pipeline) pushFront(w work) {
	p.mu.Lock()
	if len(p.queue) >= p.depth {
		p.queue = p.queue[:len(p.queue)-1]
		queueDropsTotal.Inc()
	}
	p.queue = append([]work{w}, p.queue...)
	p.mu.Unlock()
	p.signal()
}

func (p *Pipeline) pop() (work, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return work{}, false
	}
	w := p.queue[0]
	p.queue = p.queue[1:]
	return w, true
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
