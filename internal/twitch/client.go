// Package twitch is a minimal Helix API client covering what actions need:
// chat messages, channel lookups, redemption refunds, clips and badges.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrUserNotFound is returned by lookups for a login Twitch does not know.
var ErrUserNotFound = errors.New("twitch: user not found")

// APIError is a non-2xx Helix response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch api: %d %s", e.Status, e.Message)
}

type Config struct {
	BaseURL       string
	ClientID      string
	AccessToken   string
	BroadcasterID string

	// SenderID posts chat messages; defaults to BroadcasterID.
	SenderID string

	// ClipsTTL is how long the clip list is reused (default 30m).
	ClipsTTL time.Duration

	// ChatLimit paces chat messages; nil uses Twitch's 20 per 30 seconds.
	ChatLimit *rate.Limiter
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	now  func() time.Time
	chat *rate.Limiter

	clipsMu      sync.Mutex
	clips        []string
	clipsFetched time.Time

	badgesMu sync.Mutex
	badges   BadgeMap

	errMu   sync.Mutex
	lastErr error
}

func New(cfg Config, logger *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SenderID == "" {
		cfg.SenderID = cfg.BroadcasterID
	}
	if cfg.ClipsTTL <= 0 {
		cfg.ClipsTTL = 30 * time.Minute
	}
	chat := cfg.ChatLimit
	if chat == nil {
		chat = rate.NewLimiter(rate.Every(1500*time.Millisecond), 20)
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
		now:    time.Now,
		chat:   chat,
	}
}

// LastError is the outcome of the most recent Helix call; nil before the
// first call.
func (c *Client) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// Healthy reports whether the most recent Helix call succeeded.
func (c *Client) Healthy() bool { return c.LastError() == nil }

// do performs one Helix call. body, when non-nil, is sent as JSON; out,
// when non-nil, receives the decoded response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	err := c.roundTrip(ctx, method, path, query, body, out)
	if !errors.Is(err, context.Canceled) {
		c.errMu.Lock()
		c.lastErr = err
		c.errMu.Unlock()
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", c.cfg.ClientID)
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Send posts a chat message to the broadcaster's channel after waiting for
// the chat rate limit.
func (c *Client) Send(ctx context.Context, text string) error {
	if err := c.chat.Wait(ctx); err != nil {
		return fmt.Errorf("twitch chat rate limit: %w", err)
	}

	var out struct {
		Data []struct {
			MessageID  string `json:"message_id"`
			IsSent     bool   `json:"is_sent"`
			DropReason *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	body := map[string]string{
		"broadcaster_id": c.cfg.BroadcasterID,
		"sender_id":      c.cfg.SenderID,
		"message":        text,
	}
	if err := c.do(ctx, http.MethodPost, "/chat/messages", nil, body, &out); err != nil {
		return err
	}
	if len(out.Data) > 0 && !out.Data[0].IsSent {
		reason := "unknown reason"
		if dr := out.Data[0].DropReason; dr != nil {
			reason = dr.Message
		}
		return fmt.Errorf("twitch chat message dropped: %s", reason)
	}
	c.logger.Debug("twitch chat sent", "message", text)
	return nil
}

// LastGame returns the game or category user's channel last streamed.
// An empty string means the channel has none set.
func (c *Client) LastGame(ctx context.Context, user string) (string, error) {
	login := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(user), "@"))
	if login == "" {
		return "", ErrUserNotFound
	}

	var users struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &users); err != nil {
		return "", err
	}
	if len(users.Data) == 0 {
		return "", fmt.Errorf("%q: %w", login, ErrUserNotFound)
	}

	var channels struct {
		Data []struct {
			GameName string `json:"game_name"`
		} `json:"data"`
	}
	q := url.Values{"broadcaster_id": {users.Data[0].ID}}
	if err := c.do(ctx, http.MethodGet, "/channels", q, nil, &channels); err != nil {
		return "", err
	}
	if len(channels.Data) == 0 {
		return "", nil
	}
	return channels.Data[0].GameName, nil
}

// Refund cancels a channel points redemption, returning the points to the viewer.
func (c *Client) Refund(ctx context.Context, redemptionID, rewardID string) error {
	if redemptionID == "" || rewardID == "" {
		return errors.New("refund: redemption id and reward id are required")
	}
	q := url.Values{
		"broadcaster_id": {c.cfg.BroadcasterID},
		"reward_id":      {rewardID},
		"id":             {redemptionID},
	}
	return c.do(ctx, http.MethodPatch, "/channel_points/custom_rewards/redemptions", q,
		map[string]string{"status": "CANCELED"}, nil)
}
