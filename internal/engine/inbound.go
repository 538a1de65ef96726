package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"openstreambot/internal/bus"
	"openstreambot/internal/matcher"
	"openstreambot/internal/rules"
)

// Inbound control actions understood by the engine. Messages look like
// {"action": "set_action_state", "name": "Hydrate", "state": false}.
const (
	InboundReload         = "reload_actions"
	InboundSetActionState = "set_action_state"
	InboundClipEnded      = "clip_ended"
	InboundTriggerAction  = "trigger_action"
	InboundSendChat       = "send_chat"
	InboundSetVolume      = "set_volume"
	InboundUpdateAction   = "update_action"
	InboundRemoveAction   = "remove_action"
	InboundSaveActions    = "save_actions"
)

// Listener returns a bus listener that feeds every broadcast event to HandleEvent.
func (e *Engine) Listener() bus.Listener {
	return func(eventType string, data map[string]any) {
		e.HandleEvent(eventType, data)
	}
}

// InboundHandler returns the bus handler for subscriber control messages.
// Messages with an unknown action are left to other handlers.
func (e *Engine) InboundHandler() bus.InboundHandler {
	return func(_ *bus.Client, msg map[string]any) error {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.CallTimeout)
		defer cancel()
		return e.HandleControl(ctx, msg)
	}
}

// HandleControl executes one inbound control message.
func (e *Engine) HandleControl(ctx context.Context, msg map[string]any) error {
	action := matcher.Field(msg, "action")
	switch action {
	case InboundReload:
		return e.Reload(ctx)

	case InboundSetActionState:
		name := firstField(msg, "name", "target")
		if name == "" {
			return fmt.Errorf("%s: missing name", action)
		}
		var revert time.Duration
		if secs, err := strconv.ParseFloat(matcher.Field(msg, "revert_after"), 64); err == nil && secs > 0 {
			revert = time.Duration(secs * float64(time.Second))
		}
		return e.SetActionState(ctx, name, stateArg(msg["state"]), revert)

	case InboundClipEnded:
		return e.ClipEnded(ctx)

	case InboundTriggerAction:
		name := firstField(msg, "name", "target")
		vars, _ := msg["data"].(map[string]any)
		return e.Trigger(name, vars)

	case InboundSendChat:
		text := matcher.Field(msg, "message")
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("%s: empty message", action)
		}
		return e.sendControlChat(ctx, matcher.Field(msg, "platform"), text)

	case InboundSetVolume:
		pct, err := strconv.ParseFloat(matcher.Field(msg, "value"), 64)
		if err != nil {
			return fmt.Errorf("%s: bad value: %w", action, err)
		}
		mode := matcher.Field(msg, "mode")
		if mode == "" {
			mode = "set"
		}
		_, err = e.SetVolume(ctx, matcher.Field(msg, "bus"), mode, pct/100)
		return err

	case InboundUpdateAction:
		def, ok := msg["data"].(map[string]any)
		if !ok {
			return fmt.Errorf("%s: data must be an action object", action)
		}
		b, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("%s: %w", action, err)
		}
		a, err := rules.DecodeAction(b)
		if err != nil {
			return fmt.Errorf("%s: %w", action, err)
		}
		return e.UpdateAction(ctx, a)

	case InboundRemoveAction:
		name := firstField(msg, "name", "target")
		if name == "" {
			return fmt.Errorf("%s: missing name", action)
		}
		return e.RemoveAction(ctx, name)

	case InboundSaveActions:
		return e.SaveActions(ctx)
	}
	return nil
}

// sendControlChat posts text to the named platform, or to every configured
// platform when none is named.
func (e *Engine) sendControlChat(ctx context.Context, platform, text string) error {
	var senders []ChatSender
	switch strings.ToLower(platform) {
	case "twitch":
		senders = append(senders, e.collab.TwitchChat)
	case "youtube":
		senders = append(senders, e.collab.YouTubeChat)
	case "":
		senders = append(senders, e.collab.TwitchChat, e.collab.YouTubeChat)
	default:
		return fmt.Errorf("%s: unknown platform %q", InboundSendChat, platform)
	}

	var errs []error
	sent := 0
	for _, s := range senders {
		if s == nil {
			continue
		}
		sent++
		if err := s.Send(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	if sent == 0 {
		return ErrNoChatSender
	}
	return errors.Join(errs...)
}

func firstField(msg map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := matcher.Field(msg, k); v != "" {
			return v
		}
	}
	return ""
}

// stateArg accepts a JSON bool or one of on/off/toggle.
func stateArg(v any) string {
	switch s := v.(type) {
	case bool:
		if s {
			return "on"
		}
		return "off"
	case string:
		return s
	}
	return "toggle"
}
