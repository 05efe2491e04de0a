package config

import (
	"strings"
	"time"

	"github.com/you/omnichat/internal/core"
)

// Account persistence uses the flat per-platform key layout:
// platforms.{id}.{role}_username, {role}_token, {role}_refresh_token,
// {role}_token_timestamp, {role}_logged_in, and friends.

// SaveAccount persists every field of the account under its platform
// namespace and marks the role logged in.
func (s *Store) SaveAccount(a core.Account) error {
	role := string(a.Role)
	pairs := map[string]any{
		role + "_username":        a.Username,
		role + "_display_name":    a.DisplayName,
		role + "_user_id":         a.UserID,
		role + "_token":           a.AccessToken,
		role + "_refresh_token":   a.RefreshToken,
		role + "_token_timestamp": a.IssuedAt.UTC().Format(time.RFC3339),
		role + "_scopes":          strings.Join(a.Scopes, " "),
		role + "_logged_in":       true,
	}
	if a.Cookies != "" {
		pairs[role+"_cookies"] = a.Cookies
	}
	for k, v := range pairs {
		if err := s.SetPlatform(a.Platform, k, v); err != nil {
			return err
		}
	}
	return nil
}

// LoadAccount reads the stored account for (platform, role). The second
// return is false when the role never logged in.
func (s *Store) LoadAccount(platform string, role core.Role) (core.Account, bool) {
	values := s.GetPlatform(platform)
	prefix := string(role) + "_"

	loggedIn, _ := values[prefix+"logged_in"].(bool)
	if !loggedIn {
		return core.Account{}, false
	}

	str := func(key string) string {
		v, _ := values[prefix+key].(string)
		return v
	}

	acct := core.Account{
		Platform:     platform,
		Role:         role,
		Username:     str("username"),
		DisplayName:  str("display_name"),
		UserID:       str("user_id"),
		AccessToken:  str("token"),
		RefreshToken: str("refresh_token"),
		Cookies:      str("cookies"),
	}
	if raw := str("scopes"); raw != "" {
		acct.Scopes = strings.Fields(raw)
	}
	if raw := str("token_timestamp"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			acct.IssuedAt = t
		}
	}
	return acct, true
}

// ClearAccount logs the role out, dropping its credentials.
func (s *Store) ClearAccount(platform string, role core.Role) error {
	prefix := "platforms." + platform + "." + string(role) + "_"
	for _, key := range []string{"token", "refresh_token", "cookies"} {
		if err := s.Delete(prefix + key); err != nil {
			return err
		}
	}
	return s.SetPlatform(platform, string(role)+"_logged_in", false)
}

// PlatformDisabled reports whether the platform is disabled; disabled
// platforms neither connect on start nor accept outbound sends.
func (s *Store) PlatformDisabled(platform string) bool {
	return s.GetBool("platforms."+platform+".disabled", false)
}

// SetPlatformDisabled persists the disabled flag.
func (s *Store) SetPlatformDisabled(platform string, disabled bool) error {
	return s.SetPlatform(platform, "disabled", disabled)
}
