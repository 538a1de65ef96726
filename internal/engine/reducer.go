package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"openstreambot/internal/audio"
	"openstreambot/internal/matcher"
	"openstreambot/internal/rules"
)

// state is owned by the engine loop. Handles for the goroutines it refers
// to (timer, revert and playlist cancel funcs) live in effects; state only
// keeps the generation numbers that make stale posts from them harmless.
type state struct {
	seq uint64

	cooldowns *Cooldowns
	timers    map[string]uint64
	reverts   map[string]uint64

	volumes Volumes
	ducked  bool
	preDuck float64

	playlistGen uint64
}

func newState(opts Options) *state {
	return &state{
		cooldowns: NewCooldowns(),
		timers:    make(map[string]uint64),
		reverts:   make(map[string]uint64),
		volumes:   Volumes{Effects: opts.EffectsVolume, Playlist: opts.PlaylistVolume},
	}
}

func (st *state) next() uint64 {
	st.seq++
	return st.seq
}

// reduce applies one event to st and returns the side effects to run.
func (e *Engine) reduce(st *state, ev Event, now time.Time) []Command {
	switch ev := ev.(type) {
	case InboundEvent:
		return e.reduceInbound(st, ev, now)

	case timerFired:
		if st.timers[ev.Action] != ev.Gen {
			return nil
		}
		a, ok := e.store.Get(ev.Action)
		if !ok || !a.Enabled {
			delete(st.timers, ev.Action)
			return []Command{cmdStopTimer{Action: ev.Action}}
		}
		return []Command{cmdRunAction{Action: a, Vars: map[string]any{}, Origin: "timer"}}

	case setStateRequest:
		cmds, err := e.applyState(st, ev.Action, ev.State, ev.RevertAfter)
		return append(cmds, replyWith("set_state", ev.Reply, err))

	case revertDue:
		if st.reverts[ev.Action] != ev.Gen {
			return nil
		}
		delete(st.reverts, ev.Action)
		target := rules.StateOff
		if ev.Enabled {
			target = rules.StateOn
		}
		cmds, err := e.applyState(st, ev.Action, target, 0)
		if err != nil {
			e.logger.Warn("timed revert failed", "action", ev.Action, "error", err)
		}
		return cmds

	case reloadRequest:
		return e.reduceReload(st, ev)

	case volumeRequest:
		return e.reduceVolume(st, ev)

	case editRequest:
		return e.reduceEdit(st, ev)

	case duckRequest:
		if st.volumes.Playlist <= e.opts.DuckFloor {
			return nil
		}
		if !st.ducked {
			st.ducked = true
			st.preDuck = st.volumes.Playlist
		}
		st.volumes.Playlist = e.opts.DuckFloor
		return []Command{cmdSetTrackVolume{Volume: st.volumes.Playlist}}

	case clipEnded:
		if !st.ducked {
			return nil
		}
		st.volumes.Playlist = st.preDuck
		st.ducked = false
		st.preDuck = 0
		return []Command{cmdSetTrackVolume{Volume: st.volumes.Playlist}}

	case playlistRequest:
		var cmds []Command
		if st.playlistGen != 0 {
			cmds = append(cmds, cmdStopPlaylist{})
			st.playlistGen = 0
		}
		if ev.Start {
			st.playlistGen = st.next()
			cmds = append(cmds, cmdStartPlaylist{Gen: st.playlistGen, Folder: ev.Folder, Device: ev.Device})
		}
		return cmds

	case trackRequest:
		grant := trackGrant{OK: ev.Gen != 0 && ev.Gen == st.playlistGen, Volume: st.volumes.Playlist}
		return []Command{replyWith("track", ev.Reply, grant)}

	case trackStarted:
		if ev.Gen != st.playlistGen {
			return []Command{cmdDiscardTrack{Track: ev.Track}}
		}
		cmds := []Command{cmdAdoptTrack{Started: ev}}
		if ev.Volume != st.volumes.Playlist {
			cmds = append(cmds, cmdSetTrackVolume{Volume: st.volumes.Playlist})
		}
		return cmds

	case playlistEnded:
		if ev.Gen == st.playlistGen {
			st.playlistGen = 0
		}
		return nil

	case snapshotRequest:
		snap := Snapshot{
			Volumes:        st.volumes,
			Ducked:         st.ducked,
			PreDuck:        st.preDuck,
			Timers:         slices.Sorted(maps.Keys(st.timers)),
			PendingReverts: slices.Sorted(maps.Keys(st.reverts)),
			PlaylistActive: st.playlistGen != 0,
		}
		return []Command{replyWith("snapshot", ev.Reply, snap)}
	}

	e.logger.Warn("unknown engine event", "type", fmt.Sprintf("%T", ev))
	return nil
}

func (e *Engine) reduceInbound(st *state, ev InboundEvent, now time.Time) []Command {
	var cmds []Command
	for _, a := range e.store.All() {
		if !a.Enabled {
			continue
		}
		var (
			matched bool
			vars    map[string]string
			trig    rules.Trigger
		)
		for _, t := range a.Triggers {
			if matched, vars = matcher.Match(t, ev.Type, ev.Data); matched {
				trig = t
				break
			}
		}
		if !matched {
			continue
		}

		if !st.cooldowns.CheckAndRecord(a.Name, a.CooldownDuration(), now) {
			e.logger.Info("action on cooldown", "action", a.Name,
				"remaining", st.cooldowns.Remaining(a.Name, a.CooldownDuration(), now).Round(time.Millisecond))
			if trig.Kind() == rules.TriggerRedemption {
				cmds = append(cmds, cmdRefund{
					Action:       a.Name,
					RedemptionID: matcher.Field(ev.Data, "redemption_id"),
					RewardID:     matcher.Field(ev.Data, "reward_id"),
				})
			}
			continue
		}

		ctx := make(map[string]any, len(ev.Data)+len(vars))
		maps.Copy(ctx, ev.Data)
		for k, v := range vars {
			ctx[k] = v
		}
		cmds = append(cmds, cmdRunAction{Action: a, Vars: ctx, Origin: string(trig.Kind())})
	}
	return cmds
}

// applyState flips an action's enabled flag, keeps its timer in step and,
// for a positive revertAfter, schedules the way back. Any explicit change
// cancels a pending revert for the same action.
func (e *Engine) applyState(st *state, name, target string, revertAfter time.Duration) ([]Command, error) {
	a, ok := e.store.Get(name)
	if !ok {
		return nil, rulesNotFound(name)
	}

	var enabled bool
	switch strings.ToLower(target) {
	case rules.StateOn, "true", "enable", "enabled":
		enabled = true
	case rules.StateOff, "false", "disable", "disabled":
		enabled = false
	case rules.StateToggle, "":
		enabled = !a.Enabled
	default:
		return nil, fmt.Errorf("unknown state %q", target)
	}

	prev, err := e.store.SetEnabled(name, enabled)
	if err != nil {
		return nil, err
	}

	var cmds []Command
	if _, pending := st.reverts[name]; pending {
		delete(st.reverts, name)
		cmds = append(cmds, cmdCancelRevert{Action: name})
	}

	if prev != enabled {
		cmds = append(cmds, e.syncTimer(st, a, enabled)...)
		cmds = append(cmds, cmdBroadcast{Event: "ActionStateChanged", Data: map[string]any{
			"action":  name,
			"enabled": enabled,
		}})
		e.logger.Info("action state changed", "action", name, "enabled", enabled)
	}

	if revertAfter > 0 {
		gen := st.next()
		st.reverts[name] = gen
		cmds = append(cmds, cmdScheduleRevert{Action: name, Gen: gen, Enabled: prev, After: revertAfter})
	}
	return cmds, nil
}

// syncTimer starts or stops the action's timer task to match enabled.
func (e *Engine) syncTimer(st *state, a rules.Action, enabled bool) []Command {
	interval, hasTimer := a.TimerInterval()
	if !hasTimer {
		return nil
	}
	var cmds []Command
	if _, live := st.timers[a.Name]; live {
		delete(st.timers, a.Name)
		cmds = append(cmds, cmdStopTimer{Action: a.Name})
	}
	if enabled {
		gen := st.next()
		st.timers[a.Name] = gen
		cmds = append(cmds, cmdStartTimer{Action: a.Name, Gen: gen, Interval: interval})
	}
	return cmds
}

func (e *Engine) reduceReload(st *state, ev reloadRequest) []Command {
	var cmds []Command
	for _, name := range slices.Sorted(maps.Keys(st.timers)) {
		cmds = append(cmds, cmdStopTimer{Action: name})
	}
	for _, name := range slices.Sorted(maps.Keys(st.reverts)) {
		cmds = append(cmds, cmdCancelRevert{Action: name})
	}
	clear(st.timers)
	clear(st.reverts)

	err := e.store.Load()
	if err != nil {
		e.logger.Error("actions document unusable, continuing with no actions", "path", e.store.Path(), "error", err)
	}

	actions := e.store.All()
	for _, a := range actions {
		if a.Enabled {
			cmds = append(cmds, e.syncTimer(st, a, true)...)
		}
	}
	e.logger.Info("actions loaded", "path", e.store.Path(), "actions", len(actions), "timers", len(st.timers))
	cmds = append(cmds, cmdBroadcast{Event: "ActionsReloaded", Data: map[string]any{"count": len(actions)}})
	return append(cmds, replyWith("reload", ev.Reply, err))
}

func (e *Engine) reduceEdit(st *state, ev editRequest) []Command {
	var err error
	switch ev.Op {
	case "save":
		if err = e.store.Save(); err == nil {
			e.logger.Info("actions saved", "path", e.store.Path())
		}
		return []Command{replyWith("save", ev.Reply, err)}

	case "update":
		if err = e.store.Update(ev.Action); err != nil {
			return []Command{replyWith("update", ev.Reply, err)}
		}
		cmds := e.dropRuntime(st, ev.Action.Name, false)
		if ev.Action.Enabled {
			cmds = append(cmds, e.syncTimer(st, ev.Action, true)...)
		}
		e.logger.Info("action updated", "action", ev.Action.Name)
		cmds = append(cmds, cmdBroadcast{Event: "ActionUpdated", Data: map[string]any{"action": ev.Action.Name}})
		return append(cmds, replyWith("update", ev.Reply, error(nil)))

	case "remove":
		if err = e.store.Remove(ev.Name); err != nil {
			return []Command{replyWith("remove", ev.Reply, err)}
		}
		cmds := e.dropRuntime(st, ev.Name, true)
		e.logger.Info("action removed", "action", ev.Name)
		cmds = append(cmds, cmdBroadcast{Event: "ActionRemoved", Data: map[string]any{"action": ev.Name}})
		return append(cmds, replyWith("remove", ev.Reply, error(nil)))
	}
	return []Command{replyWith("edit", ev.Reply, fmt.Errorf("unknown edit %q", ev.Op))}
}

// dropRuntime stops the timer and pending revert of an action that was
// replaced or removed. Removal also forgets its cooldown.
func (e *Engine) dropRuntime(st *state, name string, forget bool) []Command {
	var cmds []Command
	if _, ok := st.timers[name]; ok {
		delete(st.timers, name)
		cmds = append(cmds, cmdStopTimer{Action: name})
	}
	if _, ok := st.reverts[name]; ok {
		delete(st.reverts, name)
		cmds = append(cmds, cmdCancelRevert{Action: name})
	}
	if forget {
		st.cooldowns.Forget(name)
	}
	return cmds
}

func (e *Engine) reduceVolume(st *state, ev volumeRequest) []Command {
	if ev.Query {
		return []Command{replyWith("volumes", ev.Reply, st.volumes)}
	}

	var target *float64
	switch ev.Bus {
	case rules.BusEffects:
		target = &st.volumes.Effects
	case rules.BusPlaylist:
		target = &st.volumes.Playlist
	default:
		e.logger.Warn("unknown volume bus", "bus", ev.Bus)
		return []Command{replyWith("volumes", ev.Reply, st.volumes)}
	}

	switch ev.Mode {
	case rules.VolumeAdjust:
		*target = audio.Clamp(*target + ev.Value)
	default:
		*target = audio.Clamp(ev.Value)
	}

	cmds := []Command{cmdBroadcast{Event: "VolumeChanged", Data: map[string]any{
		"bus":    ev.Bus,
		"volume": *target,
	}}}
	if ev.Bus == rules.BusPlaylist {
		cmds = append(cmds, cmdSetTrackVolume{Volume: st.volumes.Playlist})
	}
	return append(cmds, replyWith("volumes", ev.Reply, st.volumes))
}

func rulesNotFound(name string) error {
	return fmt.Errorf("%q: %w", name, rules.ErrActionNotFound)
}
