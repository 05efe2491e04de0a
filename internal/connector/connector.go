// Package connector defines the capability every platform adapter
// implements and the shared reconnect machinery they run under.
package connector

import (
	"context"
	"errors"

	"github.com/you/omnichat/internal/core"
)

// ErrUnsupported marks delete/ban operations the platform offers no API
// for. Callers treat it as success=false without an error condition.
var ErrUnsupported = errors.New("operation unsupported on this platform")

// ErrNotConnected rejects outbound operations while the transport is down
// or the platform is disabled.
var ErrNotConnected = errors.New("connector not connected")

// ErrAuthFailed is returned by a transport session when the platform
// rejects its credentials; the runner refreshes once per attempt before
// reconnecting.
var ErrAuthFailed = errors.New("authentication failed")

// Connector is the fixed operation set of a platform adapter. One instance
// exists per (platform, role); it must survive transient network loss via
// the internal reconnect loop.
type Connector interface {
	Platform() string
	Role() core.Role

	// Connect starts the long-lived transport and returns once the
	// background session is running. Connection state changes surface on
	// the signal bus.
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool

	SendMessage(ctx context.Context, text string) error
	DeleteMessage(ctx context.Context, platformMsgID string) error
	BanUser(ctx context.Context, username, userID string) error
}
