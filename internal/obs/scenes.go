package obs

import (
	"context"
	"time"

	"openstreambot/internal/bus"
)

// Publisher is the part of the event bus the scene list handler needs.
type Publisher interface {
	Broadcast(eventType string, data map[string]any)
}

// SceneListHandler answers {"action": "get_scenes"} by broadcasting a
// SceneList event with the current OBS scene names.
func (c *Client) SceneListHandler(pub Publisher) bus.InboundHandler {
	return func(_ *bus.Client, msg map[string]any) error {
		if action, _ := msg["action"].(string); action != "get_scenes" {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		names, err := c.Scenes(ctx)
		if err != nil {
			return err
		}
		pub.Broadcast("SceneList", map[string]any{"scenes": names})
		return nil
	}
}
