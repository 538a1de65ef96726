package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"openstreambot/internal/matcher"
	"openstreambot/internal/rules"
)

// maxTriggerDepth bounds trigger_action chains.
const maxTriggerDepth = 8

type stepFunc func(ctx context.Context, r *run, sa rules.SubAction) error

func step[T rules.SubAction](fn func(context.Context, *run, T) error) stepFunc {
	return func(ctx context.Context, r *run, sa rules.SubAction) error {
		v, ok := sa.(T)
		if !ok {
			return fmt.Errorf("step %s: unexpected payload %T", sa.Kind(), sa)
		}
		return fn(ctx, r, v)
	}
}

func (e *Engine) stepTable() map[rules.SubActionKind]stepFunc {
	return map[rules.SubActionKind]stepFunc{
		rules.StepDelay:          step(e.stepDelay),
		rules.StepLog:            step(e.stepLog),
		rules.StepSendChat:       step(e.stepSendChat),
		rules.StepSetScene:       step(e.stepSetScene),
		rules.StepPlaySound:      step(e.stepPlaySound),
		rules.StepStopSounds:     step(e.stepStopSounds),
		rules.StepPlayPlaylist:   step(e.stepPlaylist),
		rules.StepStopPlaylist:   step(e.stepStopPlaylist),
		rules.StepTriggerAction:  step(e.stepTriggerAction),
		rules.StepSetActionState: step(e.stepSetActionState),
		rules.StepSetVolume:      step(e.stepSetVolume),
		rules.StepPlayClip:       step(e.stepPlayClip),
	}
}

func (e *Engine) stepDelay(ctx context.Context, _ *run, s rules.Delay) error {
	if s.Ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(s.Ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) stepLog(_ context.Context, r *run, s rules.Log) error {
	r.logger.Info("action log", "message", r.expand(s.Message))
	return nil
}

func (e *Engine) stepSendChat(_ context.Context, r *run, s rules.SendChat) error {
	text := s.Message
	if strings.Contains(text, "%game%") {
		text = strings.ReplaceAll(text, "%game%", e.lastGame(r))
	}
	text = r.expand(text)

	platform := strings.ToLower(matcher.Field(r.vars, "platform"))
	sender := e.collab.TwitchChat
	if platform == "youtube" {
		sender = e.collab.YouTubeChat
	} else {
		platform = "twitch"
	}
	if sender == nil {
		return fmt.Errorf("%s: %w", platform, ErrNoChatSender)
	}

	ctx, cancel := e.callCtx()
	defer cancel()
	if err := sender.Send(ctx, text); err != nil {
		return fmt.Errorf("send %s chat: %w", platform, err)
	}
	return nil
}

// lastGame resolves %game% for the event's user; lookup failures yield "unknown".
func (e *Engine) lastGame(r *run) string {
	user := matcher.Field(r.vars, "user")
	if e.collab.Games == nil || user == "" {
		return "unknown"
	}
	ctx, cancel := e.callCtx()
	defer cancel()
	game, err := e.collab.Games.LastGame(ctx, user)
	if err != nil {
		r.logger.Warn("game lookup failed", "user", user, "error", err)
		return "unknown"
	}
	if game == "" {
		return "nothing"
	}
	return game
}

func (e *Engine) stepSetScene(_ context.Context, r *run, s rules.SetScene) error {
	if e.collab.Scenes == nil {
		return errors.New("no scene switcher configured")
	}
	scene := r.expand(s.Scene)
	if scene == "" {
		return errors.New("scene name is empty")
	}
	ctx, cancel := e.callCtx()
	defer cancel()
	return e.collab.Scenes.SetScene(ctx, scene)
}

func (e *Engine) stepPlaySound(ctx context.Context, r *run, s rules.PlaySound) error {
	if e.player == nil {
		return errors.New("no audio player configured")
	}
	vols, err := e.Volumes(ctx)
	if err != nil {
		return err
	}
	volume := vols.Effects * float64(s.Volume) / 100
	return e.player.PlayEffect(ctx, r.expand(s.File), s.Device, volume)
}

func (e *Engine) stepStopSounds(_ context.Context, r *run, _ rules.StopSounds) error {
	if e.player == nil {
		return nil
	}
	n := e.player.StopEffects()
	r.logger.Info("sounds stopped", "count", n)
	return nil
}

func (e *Engine) stepPlaylist(ctx context.Context, r *run, s rules.PlayPlaylist) error {
	if e.player == nil {
		return errors.New("no audio player configured")
	}
	return e.post(ctx, playlistRequest{Start: true, Folder: r.expand(s.Folder), Device: s.Device})
}

func (e *Engine) stepStopPlaylist(ctx context.Context, _ *run, _ rules.StopPlaylist) error {
	return e.post(ctx, playlistRequest{})
}

func (e *Engine) stepTriggerAction(_ context.Context, r *run, s rules.TriggerAction) error {
	name := r.expand(s.Action)
	a, ok := e.store.Get(name)
	if !ok {
		return rulesNotFound(name)
	}
	if r.depth >= maxTriggerDepth {
		return fmt.Errorf("trigger_action %q: chain deeper than %d", name, maxTriggerDepth)
	}
	e.spawnAt(a, r.vars, "trigger_action", r.depth+1)
	return nil
}

func (e *Engine) stepSetActionState(ctx context.Context, r *run, s rules.SetActionState) error {
	revert := time.Duration(s.RevertAfter * float64(time.Second))
	return e.SetActionState(ctx, r.expand(s.Action), s.State, revert)
}

func (e *Engine) stepSetVolume(ctx context.Context, r *run, s rules.SetVolume) error {
	vols, err := e.SetVolume(ctx, s.Bus, s.Mode, float64(s.Value)/100)
	if err != nil {
		return err
	}
	r.logger.Debug("volume changed", "effects", vols.Effects, "playlist", vols.Playlist)
	return nil
}

func (e *Engine) stepPlayClip(ctx context.Context, r *run, _ rules.PlayClip) error {
	if e.collab.Clips == nil {
		r.logger.Info("play_clip skipped: no clip supplier configured")
		return nil
	}
	cctx, cancel := e.callCtx()
	id, ok, err := e.collab.Clips.RandomClip(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("pick clip: %w", err)
	}
	if !ok {
		r.logger.Info("play_clip skipped: no clip available")
		return nil
	}

	if e.bus != nil {
		e.bus.Broadcast("PlayClip", map[string]any{"clip_id": id})
	}
	return e.post(ctx, duckRequest{ClipID: id})
}
