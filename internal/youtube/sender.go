// Package youtube posts messages to a YouTube live chat through the Data API.
package youtube

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

// ErrNoLiveChat is returned when no live chat is pinned and no broadcast is active.
var ErrNoLiveChat = errors.New("youtube: no active live chat")

type Config struct {
	BaseURL     string
	AccessToken string

	// LiveChatID pins the chat; when empty the active broadcast's chat is looked up.
	LiveChatID string

	// Limit paces message inserts; nil allows one per second with bursts of 5.
	Limit *rate.Limiter
}

type Sender struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	limit *rate.Limiter

	mu     sync.Mutex
	chatID string

	errMu   sync.Mutex
	lastErr error
}

func NewSender(cfg Config, logger *slog.Logger) *Sender {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	limit := cfg.Limit
	if limit == nil {
		limit = rate.NewLimiter(rate.Every(time.Second), 5)
	}
	return &Sender{
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
		limit:  limit,
		chatID: cfg.LiveChatID,
	}
}

// Send inserts a text message into the live chat.
func (s *Sender) Send(ctx context.Context, text string) error {
	if err := s.limit.Wait(ctx); err != nil {
		return fmt.Errorf("youtube rate limit: %w", err)
	}
	chatID, err := s.liveChatID(ctx)
	if err != nil {
		return err
	}
	body := map[string]any{
		"snippet": map[string]any{
			"liveChatId": chatID,
			"type":       "textMessageEvent",
			"textMessageDetails": map[string]string{
				"messageText": text,
			},
		},
	}
	err = s.do(ctx, http.MethodPost, "/liveChat/messages", url.Values{"part": {"snippet"}}, body, nil)
	if err != nil {
		// The broadcast may have ended; look the chat up again next time.
		if s.cfg.LiveChatID == "" {
			s.mu.Lock()
			s.chatID = ""
			s.mu.Unlock()
		}
		return fmt.Errorf("youtube send: %w", err)
	}
	s.logger.Debug("youtube chat sent", "message", text)
	return nil
}

func (s *Sender) liveChatID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatID != "" {
		return s.chatID, nil
	}

	var out struct {
		Items []struct {
			Snippet struct {
				Title      string `json:"title"`
				LiveChatID string `json:"liveChatId"`
			} `json:"snippet"`
		} `json:"items"`
	}
	q := url.Values{
		"part":            {"id,snippet"},
		"broadcastStatus": {"active"},
		"broadcastType":   {"all"},
	}
	if err := s.do(ctx, http.MethodGet, "/liveBroadcasts", q, nil, &out); err != nil {
		return "", fmt.Errorf("find active broadcast: %w", err)
	}
	if len(out.Items) == 0 || out.Items[0].Snippet.LiveChatID == "" {
		return "", ErrNoLiveChat
	}
	s.chatID = out.Items[0].Snippet.LiveChatID
	s.logger.Info("youtube live chat found", "title", out.Items[0].Snippet.Title, "chat_id", s.chatID)
	return s.chatID, nil
}

// LastError is the outcome of the most recent API call; nil before the
// first call.
func (s *Sender) LastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *Sender) Healthy() bool { return s.LastError() == nil }

func (s *Sender) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	err := s.roundTrip(ctx, method, path, query, body, out)
	if !errors.Is(err, context.Canceled) {
		s.errMu.Lock()
		s.lastErr = err
		s.errMu.Unlock()
	}
	return err
}

func (s *Sender) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := s.cfg.BaseURL + path + "?" + query.Encode()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&e)
		return fmt.Errorf("status %d: %s", resp.StatusCode, e.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
