package automation

import (
	"context"
	"errors"
	"fmt"
	"log"
	mrand "math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/you/omnichat/internal/config"
	"github.com/you/omnichat/internal/connector"
	"github.com/you/omnichat/internal/core"
)

const timerPrefix = "timer_messages.groups."

// Sender is the outbound surface the engine sends through; the chat
// manager satisfies it.
type Sender interface {
	SendAsStreamer(ctx context.Context, platform, text string) error
	SendAsBot(ctx context.Context, platform, text string, allowFallback bool) (core.Role, error)
	SendOneShotAsBot(ctx context.Context, platform, text string) (bool, error)
	Connected(platform string, role core.Role) bool
}

// TimerGroup is the persisted shape of one timer group.
type TimerGroup struct {
	ID             string
	DisplayName    string
	Interval       time.Duration
	Messages       []string
	Platforms      map[string]bool
	SendAsStreamer bool
	AllowOffline   bool
	Active         bool
}

// Engine schedules timer groups. Each active group runs its own goroutine;
// the shuffle bag guarantees every message is sent once before any repeats.
type Engine struct {
	store  *config.Store
	sender Sender
	vars   *Variables

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewEngine(store *config.Store, sender Sender, vars *Variables) *Engine {
	return &Engine{
		store:   store,
		sender:  sender,
		vars:    vars,
		running: make(map[string]context.CancelFunc),
	}
}

// Start initializes variables and resumes groups persisted as active.
func (e *Engine) Start(ctx context.Context) {
	e.vars.InitializeOnStart()
	for _, group := range e.Groups() {
		if !group.Active {
			continue
		}
		if err := e.StartGroup(ctx, group.ID); err != nil {
			log.Printf("automation: group %s not resumed: %v", group.ID, err)
		}
	}
}

// LoadGroup reads one group out of config.
func (e *Engine) LoadGroup(groupID string) (TimerGroup, bool) {
	base := timerPrefix + groupID + "."
	interval := e.store.GetInt(base+"interval", 0)
	if interval <= 0 {
		return TimerGroup{}, false
	}
	group := TimerGroup{
		ID:             groupID,
		DisplayName:    e.store.GetString(base+"display_name", groupID),
		Interval:       time.Duration(interval) * time.Second,
		SendAsStreamer: e.store.GetBool(base+"send_as_streamer", false),
		AllowOffline:   e.store.GetBool(base+"allow_offline", false),
		Active:         e.store.GetBool(base+"active", false),
		Platforms:      make(map[string]bool),
	}
	if raw, ok := e.store.Get(base+"messages", nil).([]any); ok {
		for _, m := range raw {
			if s, ok := m.(string); ok && strings.TrimSpace(s) != "" {
				group.Messages = append(group.Messages, s)
			}
		}
	}
	if raw, ok := e.store.Get(base+"platforms", nil).(map[string]any); ok {
		for platform, enabled := range raw {
			if b, ok := enabled.(bool); ok {
				group.Platforms[platform] = b
			}
		}
	}
	return group, true
}

// SaveGroup persists a group definition.
func (e *Engine) SaveGroup(group TimerGroup) error {
	base := timerPrefix + group.ID + "."
	platforms := make(map[string]any, len(group.Platforms))
	for k, v := range group.Platforms {
		platforms[k] = v
	}
	for key, val := range map[string]any{
		"display_name":     group.DisplayName,
		"interval":         int(group.Interval / time.Second),
		"messages":         group.Messages,
		"platforms":        platforms,
		"send_as_streamer": group.SendAsStreamer,
		"allow_offline":    group.AllowOffline,
		"active":           group.Active,
	} {
		if err := e.store.Set(base+key, val); err != nil {
			return err
		}
	}
	return nil
}

// Groups lists every persisted group in id order.
func (e *Engine) Groups() []TimerGroup {
	flat := e.store.GetPrefix(timerPrefix)
	ids := make(map[string]struct{})
	for key := range flat {
		if id, _, ok := strings.Cut(key, "."); ok {
			ids[id] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	out := make([]TimerGroup, 0, len(sorted))
	for _, id := range sorted {
		if group, ok := e.LoadGroup(id); ok {
			out = append(out, group)
		}
	}
	return out
}

// anyStreamerLive reports whether any of the group's enabled platforms has
// a connected streamer account.
func (e *Engine) anyStreamerLive(group TimerGroup) bool {
	for platform, enabled := range group.Platforms {
		if enabled && e.sender.Connected(platform, core.RoleStreamer) {
			return true
		}
	}
	return false
}

// StartGroup validates and activates a group. The first send happens one
// full interval after activation.
func (e *Engine) StartGroup(ctx context.Context, groupID string) error {
	group, ok := e.LoadGroup(groupID)
	if !ok {
		return fmt.Errorf("automation: unknown group %q", groupID)
	}
	if len(group.Messages) == 0 {
		return errors.New("automation: group has no messages")
	}
	if !group.AllowOffline && !e.anyStreamerLive(group) {
		return errors.New("automation: no stream is live and the group does not allow offline sends")
	}

	e.mu.Lock()
	if _, running := e.running[groupID]; running {
		e.mu.Unlock()
		return nil
	}
	groupCtx, cancel := context.WithCancel(ctx)
	e.running[groupID] = cancel
	e.mu.Unlock()

	if err := e.store.Set(timerPrefix+groupID+".active", true); err != nil {
		log.Printf("automation: persist active flag for %s: %v", groupID, err)
	}

	go e.runGroup(groupCtx, groupID)
	log.Printf("automation: group %s started (every %s)", groupID, group.Interval)
	return nil
}

// StopGroup deactivates a group.
func (e *Engine) StopGroup(groupID string) error {
	e.mu.Lock()
	cancel, ok := e.running[groupID]
	delete(e.running, groupID)
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return e.store.Set(timerPrefix+groupID+".active", false)
}

// Running reports whether the group's scheduler is active.
func (e *Engine) Running(groupID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[groupID]
	return ok
}

// runGroup is the per-group scheduler loop. The shuffle bag lives here, so
// a config edit mid-run takes effect at the next refill.
func (e *Engine) runGroup(ctx context.Context, groupID string) {
	var bag []string
	ticker := time.NewTicker(time.Second)
	ticker.Stop()

	group, ok := e.LoadGroup(groupID)
	if !ok {
		return
	}
	ticker.Reset(group.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		group, ok = e.LoadGroup(groupID)
		if !ok || len(group.Messages) == 0 {
			log.Printf("automation: group %s emptied, stopping", groupID)
			_ = e.StopGroup(groupID)
			return
		}
		ticker.Reset(group.Interval)

		// the schedule keeps running through an offline gap; only the send
		// is skipped
		if !group.AllowOffline && !e.anyStreamerLive(group) {
			continue
		}

		if len(bag) == 0 {
			bag = shuffled(group.Messages)
		}
		text := bag[0]
		bag = bag[1:]
		e.dispatch(ctx, group, text)
	}
}

// TestSend dispatches one specific message immediately, bypassing the
// schedule and the live gating.
func (e *Engine) TestSend(ctx context.Context, groupID string, index int) error {
	group, ok := e.LoadGroup(groupID)
	if !ok {
		return fmt.Errorf("automation: unknown group %q", groupID)
	}
	if index < 0 || index >= len(group.Messages) {
		return fmt.Errorf("automation: message index %d out of range", index)
	}
	e.dispatch(ctx, group, group.Messages[index])
	return nil
}

// dispatch fans one message out to the group's enabled platforms using the
// account-selection rule: explicit streamer choice first, then the live
// bot connection, then a connectionless bot send where the platform has a
// REST path, then streamer fallback. X has no persistent chat, so its
// sends always go through the REST connector with fallback on.
func (e *Engine) dispatch(ctx context.Context, group TimerGroup, text string) {
	for platform, enabled := range group.Platforms {
		if !enabled {
			continue
		}
		var err error
		switch {
		case group.SendAsStreamer:
			err = e.sender.SendAsStreamer(ctx, platform, text)
		case platform == "x":
			_, err = e.sender.SendAsBot(ctx, platform, text, true)
		default:
			_, botErr := e.sender.SendAsBot(ctx, platform, text, false)
			if botErr == nil {
				break
			}
			if errors.Is(botErr, connector.ErrNotConnected) {
				if sent, oneErr := e.sender.SendOneShotAsBot(ctx, platform, text); sent && oneErr == nil {
					break
				}
			}
			err = e.sender.SendAsStreamer(ctx, platform, text)
		}
		if err != nil {
			log.Printf("automation: group %s send to %s failed: %v", group.ID, platform, err)
		}
	}
}

func shuffled(messages []string) []string {
	out := make([]string, len(messages))
	copy(out, messages)
	mrand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
