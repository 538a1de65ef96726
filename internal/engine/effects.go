package engine

import (
	"context"
	"errors"

	"openstreambot/internal/audio"
)

// effects executes reducer commands. It runs on the engine loop goroutine
// and holds the cancel handles of every goroutine the loop has started.
type effects struct {
	e   *Engine
	ctx context.Context

	timers  map[string]context.CancelFunc
	reverts map[string]context.CancelFunc

	playlistCancel context.CancelFunc
	track          audio.Playback
}

func newEffects(e *Engine, ctx context.Context) *effects {
	return &effects{
		e:       e,
		ctx:     ctx,
		timers:  make(map[string]context.CancelFunc),
		reverts: make(map[string]context.CancelFunc),
	}
}

func (fx *effects) run(cmd Command) {
	e := fx.e
	switch c := cmd.(type) {
	case cmdRunAction:
		e.spawn(c.Action, c.Vars, c.Origin)

	case cmdStartTimer:
		fx.stopTimer(c.Action)
		ctx, cancel := context.WithCancel(fx.ctx)
		fx.timers[c.Action] = cancel
		go e.runTimer(ctx, c.Action, c.Gen, c.Interval)
		e.logger.Debug("timer started", "action", c.Action, "interval", c.Interval)

	case cmdStopTimer:
		fx.stopTimer(c.Action)

	case cmdScheduleRevert:
		fx.cancelRevert(c.Action)
		ctx, cancel := context.WithCancel(fx.ctx)
		fx.reverts[c.Action] = cancel
		go e.runRevert(ctx, c.Action, c.Gen, c.Enabled, c.After)

	case cmdCancelRevert:
		fx.cancelRevert(c.Action)

	case cmdRefund:
		if e.collab.Points == nil {
			e.logger.Warn("redemption blocked by cooldown but no refunder configured", "action", c.Action)
			return
		}
		go func() {
			ctx, cancel := e.callCtx()
			defer cancel()
			if err := e.collab.Points.Refund(ctx, c.RedemptionID, c.RewardID); err != nil {
				e.logger.Warn("refund failed", "action", c.Action, "redemption_id", c.RedemptionID, "error", err)
				return
			}
			e.logger.Info("redemption refunded", "action", c.Action, "redemption_id", c.RedemptionID)
		}()

	case cmdStartPlaylist:
		fx.stopPlaylist()
		ctx, cancel := context.WithCancel(fx.ctx)
		fx.playlistCancel = cancel
		go e.runPlaylist(ctx, c.Gen, c.Folder, c.Device)

	case cmdStopPlaylist:
		fx.stopPlaylist()

	case cmdAdoptTrack:
		fx.track = c.Started.Track

	case cmdDiscardTrack:
		if err := c.Track.Stop(); err != nil {
			e.logger.Debug("discard stale track", "error", err)
		}

	case cmdSetTrackVolume:
		if fx.track == nil {
			return
		}
		if err := fx.track.SetVolume(c.Volume); err != nil {
			if errors.Is(err, errors.ErrUnsupported) {
				e.logger.Debug("live track volume disabled; applies from next track")
				return
			}
			e.logger.Warn("set track volume failed", "error", err)
		}

	case cmdBroadcast:
		if e.bus != nil {
			e.bus.Broadcast(c.Event, c.Data)
		}

	case cmdReply:
		c.deliver()

	default:
		e.logger.Warn("unknown engine command", "command", cmd.String())
	}
}

func (fx *effects) stopTimer(action string) {
	if cancel, ok := fx.timers[action]; ok {
		cancel()
		delete(fx.timers, action)
	}
}

func (fx *effects) cancelRevert(action string) {
	if cancel, ok := fx.reverts[action]; ok {
		cancel()
		delete(fx.reverts, action)
	}
}

func (fx *effects) stopPlaylist() {
	if fx.playlistCancel != nil {
		fx.playlistCancel()
		fx.playlistCancel = nil
	}
	if fx.track != nil {
		if err := fx.track.Stop(); err != nil {
			fx.e.logger.Debug("stop playlist track", "error", err)
		}
		fx.track = nil
	}
}

func (fx *effects) shutdown() {
	for name := range fx.timers {
		fx.stopTimer(name)
	}
	for name := range fx.reverts {
		fx.cancelRevert(name)
	}
	fx.stopPlaylist()
}
