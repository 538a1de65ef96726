package twitch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"openstreambot/internal/bus"
)

// BadgeMap maps badge set id to version id to image URL.
type BadgeMap map[string]map[string]string

// Badges loads global and channel chat badges; channel badges win.
func (c *Client) Badges(ctx context.Context) (BadgeMap, error) {
	m := BadgeMap{}
	if err := c.loadBadges(ctx, "/chat/badges/global", nil, m); err != nil {
		return nil, err
	}
	q := url.Values{"broadcaster_id": {c.cfg.BroadcasterID}}
	if err := c.loadBadges(ctx, "/chat/badges", q, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) loadBadges(ctx context.Context, path string, q url.Values, into BadgeMap) error {
	var out struct {
		Data []struct {
			SetID    string `json:"set_id"`
			Versions []struct {
				ID       string `json:"id"`
				ImageURL string `json:"image_url_1x"`
			} `json:"versions"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return fmt.Errorf("badges: %w", err)
	}
	for _, set := range out.Data {
		versions, ok := into[set.SetID]
		if !ok {
			versions = map[string]string{}
			into[set.SetID] = versions
		}
		for _, v := range set.Versions {
			versions[v.ID] = v.ImageURL
		}
	}
	return nil
}

// Publisher receives the BadgeMapping event.
type Publisher interface {
	Broadcast(eventType string, data map[string]any)
}

// BadgeHandler answers {"action": "get_badges"} by broadcasting a
// BadgeMapping event. The map is fetched once and reused.
func (c *Client) BadgeHandler(pub Publisher) bus.InboundHandler {
	return func(_ *bus.Client, msg map[string]any) error {
		if action, _ := msg["action"].(string); action != "get_badges" {
			return nil
		}
		m, err := c.cachedBadges()
		if err != nil {
			return err
		}
		data := make(map[string]any, len(m))
		for set, versions := range m {
			data[set] = versions
		}
		pub.Broadcast("BadgeMapping", data)
		return nil
	}
}

func (c *Client) cachedBadges() (BadgeMap, error) {
	c.badgesMu.Lock()
	defer c.badgesMu.Unlock()
	if c.badges != nil {
		return c.badges, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()
	m, err := c.Badges(ctx)
	if err != nil {
		return nil, err
	}
	c.badges = m
	c.logger.Info("twitch badges loaded", "sets", len(m))
	return m, nil
}
