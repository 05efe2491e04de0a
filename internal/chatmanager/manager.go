// Package chatmanager owns the live connector set: one streamer-role and
// optionally one bot-role connector per platform. It routes outbound sends
// and moderation to the right connector and converts unsupported platform
// operations into capability results rather than hard failures.
package chatmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/you/omnichat/internal/bus"
	"github.com/you/omnichat/internal/config"
	"github.com/you/omnichat/internal/connector"
	"github.com/you/omnichat/internal/core"
)

// Builder constructs a connector for one (platform, role) pair. The manager
// stays ignorant of per-platform wiring; cmd assembles the real builders and
// tests inject fakes.
type Builder func(platform string, role core.Role) (connector.Connector, error)

// OneShotSender sends a single message over a platform's REST surface
// without a live socket connection.
type OneShotSender interface {
	SendOnce(ctx context.Context, text string) error
}

// OneShotBuilder constructs a one-shot sender backed by the platform's bot
// credentials, reporting false when the platform has no REST send path.
type OneShotBuilder func(platform string) (OneShotSender, bool)

// Platforms is the fixed set of supported platform ids, in display order.
var Platforms = []string{"twitch", "youtube", "kick", "trovo", "dlive", "x"}

// Manager tracks the active connectors per platform and role.
type Manager struct {
	store   *config.Store
	bus     *bus.Bus
	builder Builder

	mu        sync.Mutex
	streamers map[string]connector.Connector
	bots      map[string]connector.Connector
	oneShot   OneShotBuilder
}

// SetOneShotBuilder installs the factory for connectionless bot sends.
func (m *Manager) SetOneShotBuilder(b OneShotBuilder) {
	m.mu.Lock()
	m.oneShot = b
	m.mu.Unlock()
}

func New(store *config.Store, b *bus.Bus, builder Builder) *Manager {
	return &Manager{
		store:     store,
		bus:       b,
		builder:   builder,
		streamers: make(map[string]connector.Connector),
		bots:      make(map[string]connector.Connector),
	}
}

func (m *Manager) slot(platform string, role core.Role) map[string]connector.Connector {
	if role == core.RoleBot {
		return m.bots
	}
	return m.streamers
}

// Connect builds and starts the connector for (platform, role). Disabled
// platforms and roles without a stored login are skipped silently; an
// already-running connector is left alone.
func (m *Manager) Connect(ctx context.Context, platform string, role core.Role) error {
	if m.store.PlatformDisabled(platform) {
		return nil
	}
	if _, ok := m.store.LoadAccount(platform, role); !ok {
		return nil
	}

	m.mu.Lock()
	slot := m.slot(platform, role)
	if _, running := slot[platform]; running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	conn, err := m.builder(platform, role)
	if err != nil {
		return fmt.Errorf("chatmanager: build %s %s: %w", platform, role, err)
	}
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("chatmanager: connect %s %s: %w", platform, role, err)
	}

	m.mu.Lock()
	m.slot(platform, role)[platform] = conn
	m.mu.Unlock()
	log.Printf("chatmanager: %s %s connector started", platform, role)
	return nil
}

// ConnectAll starts every logged-in, enabled (platform, role) pair. Failures
// are logged per pair so one broken platform does not block the rest.
func (m *Manager) ConnectAll(ctx context.Context) {
	for _, platform := range Platforms {
		for _, role := range []core.Role{core.RoleStreamer, core.RoleBot} {
			if err := m.Connect(ctx, platform, role); err != nil {
				log.Printf("chatmanager: %v", err)
			}
		}
	}
}

// Disconnect stops the connector for (platform, role) if one is running.
func (m *Manager) Disconnect(platform string, role core.Role) error {
	m.mu.Lock()
	slot := m.slot(platform, role)
	conn, ok := slot[platform]
	delete(slot, platform)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Disconnect()
}

// DisconnectAll stops everything; used on shutdown.
func (m *Manager) DisconnectAll() {
	for _, platform := range Platforms {
		_ = m.Disconnect(platform, core.RoleStreamer)
		_ = m.Disconnect(platform, core.RoleBot)
	}
}

// DisablePlatform persists the disabled flag and tears down both roles.
func (m *Manager) DisablePlatform(platform string) error {
	if err := m.store.SetPlatformDisabled(platform, true); err != nil {
		return err
	}
	_ = m.Disconnect(platform, core.RoleStreamer)
	_ = m.Disconnect(platform, core.RoleBot)
	return nil
}

// EnablePlatform clears the disabled flag and reconnects logged-in roles.
func (m *Manager) EnablePlatform(ctx context.Context, platform string) error {
	if err := m.store.SetPlatformDisabled(platform, false); err != nil {
		return err
	}
	for _, role := range []core.Role{core.RoleStreamer, core.RoleBot} {
		if err := m.Connect(ctx, platform, role); err != nil {
			return err
		}
	}
	return nil
}

// Connected reports whether the (platform, role) connector is up.
func (m *Manager) Connected(platform string, role core.Role) bool {
	m.mu.Lock()
	conn, ok := m.slot(platform, role)[platform]
	m.mu.Unlock()
	return ok && conn.Connected()
}

func (m *Manager) get(platform string, role core.Role) (connector.Connector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.slot(platform, role)[platform]
	return conn, ok
}

// SendAsStreamer sends on the streamer connection.
func (m *Manager) SendAsStreamer(ctx context.Context, platform, text string) error {
	conn, ok := m.get(platform, core.RoleStreamer)
	if !ok {
		return connector.ErrNotConnected
	}
	return conn.SendMessage(ctx, text)
}

// SendAsBot sends on the bot connection. When the bot is absent or down and
// allowFallback is set, the send falls through to the streamer connection.
// The returned role names the account that actually carried the message.
func (m *Manager) SendAsBot(ctx context.Context, platform, text string, allowFallback bool) (core.Role, error) {
	if m.store.PlatformDisabled(platform) {
		return "", fmt.Errorf("chatmanager: %s is disabled", platform)
	}

	if conn, ok := m.get(platform, core.RoleBot); ok && conn.Connected() {
		if err := conn.SendMessage(ctx, text); err == nil {
			return core.RoleBot, nil
		} else if !allowFallback {
			return "", err
		}
	} else if !allowFallback {
		return "", connector.ErrNotConnected
	}

	if err := m.SendAsStreamer(ctx, platform, text); err != nil {
		return "", err
	}
	return core.RoleStreamer, nil
}

// SendOneShotAsBot sends one message through the platform's REST surface
// with the stored bot credentials, without a live connection. The bool
// reports whether a one-shot path was available at all; callers fall back
// to the streamer connection when it is false.
func (m *Manager) SendOneShotAsBot(ctx context.Context, platform, text string) (bool, error) {
	if m.store.PlatformDisabled(platform) {
		return false, fmt.Errorf("chatmanager: %s is disabled", platform)
	}
	if _, ok := m.store.LoadAccount(platform, core.RoleBot); !ok {
		return false, nil
	}

	m.mu.Lock()
	builder := m.oneShot
	m.mu.Unlock()
	if builder == nil {
		return false, nil
	}
	sender, ok := builder(platform)
	if !ok {
		return false, nil
	}
	return true, sender.SendOnce(ctx, text)
}

// DeleteMessage asks the streamer connection to remove a platform message.
// The bool reports whether the platform supports deletion at all.
func (m *Manager) DeleteMessage(ctx context.Context, platform, platformMsgID string) (bool, error) {
	conn, ok := m.get(platform, core.RoleStreamer)
	if !ok {
		return true, connector.ErrNotConnected
	}
	err := conn.DeleteMessage(ctx, platformMsgID)
	if errors.Is(err, connector.ErrUnsupported) {
		return false, nil
	}
	return true, err
}

// BanUser asks the streamer connection to ban a chatter. The bool reports
// platform support.
func (m *Manager) BanUser(ctx context.Context, platform, username, userID string) (bool, error) {
	conn, ok := m.get(platform, core.RoleStreamer)
	if !ok {
		return true, connector.ErrNotConnected
	}
	err := conn.BanUser(ctx, username, userID)
	if errors.Is(err, connector.ErrUnsupported) {
		return false, nil
	}
	return true, err
}

// Status summarizes every platform's connection state for the status
// surface, in a stable order.
func (m *Manager) Status() []PlatformStatus {
	out := make([]PlatformStatus, 0, len(Platforms))
	for _, platform := range Platforms {
		st := PlatformStatus{
			Platform: platform,
			Disabled: m.store.PlatformDisabled(platform),
		}
		st.StreamerConnected = m.Connected(platform, core.RoleStreamer)
		st.BotConnected = m.Connected(platform, core.RoleBot)
		if acct, ok := m.store.LoadAccount(platform, core.RoleStreamer); ok {
			st.StreamerUsername = acct.Username
		}
		if acct, ok := m.store.LoadAccount(platform, core.RoleBot); ok {
			st.BotUsername = acct.Username
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

// PlatformStatus is one row of the status surface.
type PlatformStatus struct {
	Platform          string `json:"platform"`
	Disabled          bool   `json:"disabled"`
	StreamerUsername  string `json:"streamer_username,omitempty"`
	StreamerConnected bool   `json:"streamer_connected"`
	BotUsername       string `json:"bot_username,omitempty"`
	BotConnected      bool   `json:"bot_connected"`
}
