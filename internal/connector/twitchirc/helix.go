package twitchirc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/you/omnichat/internal/connector"
	"github.com/you/omnichat/internal/core"
)

// helixBaseURL is a var so tests can point the client at a local fake.
var helixBaseURL = "https://api.twitch.tv/helix"

// HelixClient carries the moderation surface the IRC transport lacks.
type HelixClient struct {
	ClientID      string
	BroadcasterID string
	ModeratorID   string
	TokenProvider func(ctx context.Context) (string, error)
	// OnScopeMissing surfaces a persistent 403 scope warning; it is never
	// retried here.
	OnScopeMissing func(reason string)
	HTTP           *http.Client
}

func (h *HelixClient) httpClient() *http.Client {
	if h.HTTP != nil {
		return h.HTTP
	}
	return &http.Client{Timeout: 6 * time.Second}
}

// DeleteMessage removes one chat message from the broadcaster's room.
func (h *HelixClient) DeleteMessage(ctx context.Context, messageID string) error {
	if h.BroadcasterID == "" || h.ModeratorID == "" {
		return connector.ErrUnsupported
	}
	q := url.Values{}
	q.Set("broadcaster_id", h.BroadcasterID)
	q.Set("moderator_id", h.ModeratorID)
	q.Set("message_id", messageID)
	return h.do(ctx, http.MethodDelete, "/moderation/chat?"+q.Encode(), nil)
}

// BanUser permanently bans the user; the id is resolved from the login
// when the caller only knows the username.
func (h *HelixClient) BanUser(ctx context.Context, username, userID string) error {
	if h.BroadcasterID == "" || h.ModeratorID == "" {
		return connector.ErrUnsupported
	}
	if userID == "" {
		resolved, err := h.lookupUserID(ctx, username)
		if err != nil {
			return err
		}
		userID = resolved
	}

	payload := map[string]any{"data": map[string]any{"user_id": userID}}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("broadcaster_id", h.BroadcasterID)
	q.Set("moderator_id", h.ModeratorID)
	return h.do(ctx, http.MethodPost, "/moderation/bans?"+q.Encode(), body)
}

// SendChatMessage posts one chat line through the Helix send endpoint,
// attributed to the given sender account. It needs no IRC connection.
func (h *HelixClient) SendChatMessage(ctx context.Context, senderID, text string) error {
	if h.BroadcasterID == "" || senderID == "" {
		return connector.ErrUnsupported
	}
	payload := map[string]string{
		"broadcaster_id": h.BroadcasterID,
		"sender_id":      senderID,
		"message":        text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return h.do(ctx, http.MethodPost, "/chat/messages", body)
}

func (h *HelixClient) lookupUserID(ctx context.Context, login string) (string, error) {
	token, err := h.token(ctx)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(helixBaseURL, "/")+"/users?login="+url.QueryEscape(login), nil)
	if err != nil {
		return "", err
	}
	h.setHeaders(req, token)

	resp, err := h.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("helix users status %d", resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Data) == 0 || parsed.Data[0].ID == "" {
		return "", errors.New("user not found")
	}
	return parsed.Data[0].ID, nil
}

// do issues one authenticated request, retrying once through the token
// provider after a 401.
func (h *HelixClient) do(ctx context.Context, method, path string, body []byte) error {
	token, err := h.token(ctx)
	if err != nil {
		return err
	}

	status, respBody, err := h.issue(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		token, err = h.token(ctx)
		if err != nil {
			return err
		}
		status, respBody, err = h.issue(ctx, method, path, body, token)
		if err != nil {
			return err
		}
	}

	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusForbidden:
		reason := strings.TrimSpace(string(respBody))
		if h.OnScopeMissing != nil {
			h.OnScopeMissing(reason)
		}
		return fmt.Errorf("helix %s: missing scope: %s", path, reason)
	default:
		return fmt.Errorf("helix %s: status %d: %s", path, status, strings.TrimSpace(string(respBody)))
	}
}

func (h *HelixClient) issue(ctx context.Context, method, path string, body []byte, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(helixBaseURL, "/")+path, reader)
	if err != nil {
		return 0, nil, err
	}
	h.setHeaders(req, token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.httpClient().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
	return resp.StatusCode, respBody, nil
}

// EmoteSets fetches emote metadata for up to 25 set ids per request.
func (h *HelixClient) EmoteSets(ctx context.Context, setIDs []string) ([]core.EmoteRecord, error) {
	token, err := h.token(ctx)
	if err != nil {
		return nil, err
	}

	var out []core.EmoteRecord
	for start := 0; start < len(setIDs); start += 25 {
		end := start + 25
		if end > len(setIDs) {
			end = len(setIDs)
		}
		q := url.Values{}
		for _, id := range setIDs[start:end] {
			q.Add("emote_set_id", id)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			strings.TrimSuffix(helixBaseURL, "/")+"/chat/emotes/set?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		h.setHeaders(req, token)

		resp, err := h.httpClient().Do(req)
		if err != nil {
			return nil, err
		}
		var parsed struct {
			Data []struct {
				ID         string   `json:"id"`
				Name       string   `json:"name"`
				EmoteSetID string   `json:"emote_set_id"`
				Format     []string `json:"format"`
				Images     struct {
					URL1x string `json:"url_1x"`
					URL2x string `json:"url_2x"`
					URL4x string `json:"url_4x"`
				} `json:"images"`
			} `json:"data"`
		}
		err = json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		for _, e := range parsed.Data {
			format := core.FormatPNG
			for _, f := range e.Format {
				if f == "animated" {
					format = core.FormatGIF
				}
			}
			rec := core.EmoteRecord{
				Platform:   "twitch",
				EmoteID:    e.ID,
				Name:       e.Name,
				EmoteSetID: e.EmoteSetID,
			}
			for _, v := range []struct {
				url  string
				size int
			}{
				{e.Images.URL1x, 28},
				{e.Images.URL2x, 56},
				{e.Images.URL4x, 112},
			} {
				if v.url != "" {
					rec.Images = append(rec.Images, core.EmoteImage{URL: v.url, Size: v.size, Format: format})
				}
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (h *HelixClient) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(token, "oauth:"))
	req.Header.Set("Client-Id", h.ClientID)
}

func (h *HelixClient) token(ctx context.Context) (string, error) {
	if h.TokenProvider == nil {
		return "", errors.New("helix: no token provider")
	}
	return h.TokenProvider(ctx)
}
