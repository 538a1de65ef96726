package twitch

import (
	"context"
	"math/rand/v2"
	"net/http"
	"net/url"
)

// RandomClip picks one of the broadcaster's clips. The clip list is
// cached; ok is false when the channel has no clips.
func (c *Client) RandomClip(ctx context.Context) (string, bool, error) {
	clips, err := c.clipList(ctx)
	if err != nil {
		return "", false, err
	}
	if len(clips) == 0 {
		return "", false, nil
	}
	return clips[rand.IntN(len(clips))], true, nil
}

func (c *Client) clipList(ctx context.Context) ([]string, error) {
	c.clipsMu.Lock()
	defer c.clipsMu.Unlock()

	if !c.clipsFetched.IsZero() && c.now().Sub(c.clipsFetched) < c.cfg.ClipsTTL {
		return c.clips, nil
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	q := url.Values{"broadcaster_id": {c.cfg.BroadcasterID}, "first": {"100"}}
	if err := c.do(ctx, http.MethodGet, "/clips", q, nil, &out); err != nil {
		if c.clips != nil {
			c.logger.Warn("clip refresh failed; using cached list", "error", err)
			return c.clips, nil
		}
		return nil, err
	}

	ids := make([]string, 0, len(out.Data))
	for _, d := range out.Data {
		ids = append(ids, d.ID)
	}
	c.clips = ids
	c.clipsFetched = c.now()
	c.logger.Info("twitch clips loaded", "count", len(ids))
	return ids, nil
}
