package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env is the process bootstrap configuration read from the environment.
// Everything user-editable at runtime lives in the Store instead.
type Env struct {
	ConfigPath   string
	CacheDir     string
	CallbackPort int
	OverlayAddr  string
	HTTPRateRPS  int
	HTTPBurst    int
}

const (
	defaultConfigPath   = "omnichat.db"
	defaultCacheDir     = "emote-cache"
	defaultCallbackPort = 8889
	defaultOverlayAddr  = ":8890"
)

// Load reads OMNICHAT_* environment variables, falling back to defaults.
func Load() Env {
	env := Env{}

	env.ConfigPath = strings.TrimSpace(os.Getenv("OMNICHAT_CONFIG_PATH"))
	if env.ConfigPath == "" {
		env.ConfigPath = defaultConfigPath
	}
	env.CacheDir = strings.TrimSpace(os.Getenv("OMNICHAT_CACHE_DIR"))
	if env.CacheDir == "" {
		env.CacheDir = defaultCacheDir
	}
	env.CallbackPort = readInt("OMNICHAT_CALLBACK_PORT", defaultCallbackPort)
	env.OverlayAddr = strings.TrimSpace(os.Getenv("OMNICHAT_OVERLAY_ADDR"))
	if env.OverlayAddr == "" {
		env.OverlayAddr = defaultOverlayAddr
	}
	env.HTTPRateRPS = readInt("OMNICHAT_HTTP_RATE_RPS", 20)
	env.HTTPBurst = readInt("OMNICHAT_HTTP_RATE_BURST", 40)

	return env
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Redacted renders the bootstrap config for logging with nothing sensitive
// in it (the store holds the secrets; the env does not).
func (e Env) Redacted() map[string]any {
	return map[string]any{
		"config_path":   e.ConfigPath,
		"cache_dir":     e.CacheDir,
		"callback_port": e.CallbackPort,
		"overlay_addr":  e.OverlayAddr,
		"rate_rps":      e.HTTPRateRPS,
		"rate_burst":    e.HTTPBurst,
	}
}

// RedactSecret renders a secret for logs without leaking it.
func RedactSecret(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

// OAuthTimeout bounds how long an interactive authentication flow may wait
// for the provider redirect.
const OAuthTimeout = 120 * time.Second
