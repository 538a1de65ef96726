package engine

import (
	"fmt"
	"time"

	"openstreambot/internal/audio"
	"openstreambot/internal/rules"
)

// Command is a side effect requested by the reducer and executed by runEffect.
type Command interface {
	commandMarker()
	String() string
}

// cmdRunAction spawns one pipeline run.
type cmdRunAction struct {
	Action rules.Action
	Vars   map[string]any
	Origin string
}

func (cmdRunAction) commandMarker() {}
func (c cmdRunAction) String() string {
	return fmt.Sprintf("RunAction(%q, origin=%s)", c.Action.Name, c.Origin)
}

type cmdStartTimer struct {
	Action   string
	Gen      uint64
	Interval time.Duration
}

func (cmdStartTimer) commandMarker() {}
func (c cmdStartTimer) String() string {
	return fmt.Sprintf("StartTimer(%q, every=%s)", c.Action, c.Interval)
}

type cmdStopTimer struct {
	Action string
}

func (cmdStopTimer) commandMarker()   {}
func (c cmdStopTimer) String() string { return fmt.Sprintf("StopTimer(%q)", c.Action) }

type cmdScheduleRevert struct {
	Action  string
	Gen     uint64
	Enabled bool
	After   time.Duration
}

func (cmdScheduleRevert) commandMarker() {}
func (c cmdScheduleRevert) String() string {
	return fmt.Sprintf("ScheduleRevert(%q, enabled=%v, after=%s)", c.Action, c.Enabled, c.After)
}

type cmdCancelRevert struct {
	Action string
}

func (cmdCancelRevert) commandMarker()   {}
func (c cmdCancelRevert) String() string { return fmt.Sprintf("CancelRevert(%q)", c.Action) }

type cmdRefund struct {
	Action       string
	RedemptionID string
	RewardID     string
}

func (cmdRefund) commandMarker() {}
func (c cmdRefund) String() string {
	return fmt.Sprintf("Refund(%q, redemption=%s)", c.Action, c.RedemptionID)
}

type cmdStartPlaylist struct {
	Gen    uint64
	Folder string
	Device string
}

func (cmdStartPlaylist) commandMarker() {}
func (c cmdStartPlaylist) String() string {
	return fmt.Sprintf("StartPlaylist(%q, gen=%d)", c.Folder, c.Gen)
}

type cmdStopPlaylist struct{}

func (cmdStopPlaylist) commandMarker() {}
func (cmdStopPlaylist) String() string { return "StopPlaylist()" }

// cmdSetTrackVolume applies a playlist volume to the live track, if any.
type cmdSetTrackVolume struct {
	Volume float64
}

func (cmdSetTrackVolume) commandMarker() {}
func (c cmdSetTrackVolume) String() string {
	return fmt.Sprintf("SetTrackVolume(%.3f)", c.Volume)
}

// cmdAdoptTrack records the live track of the current playlist run.
type cmdAdoptTrack struct {
	Started trackStarted
}

func (cmdAdoptTrack) commandMarker() {}
func (cmdAdoptTrack) String() string { return "AdoptTrack()" }

// cmdDiscardTrack stops a track that started after its playlist was replaced.
type cmdDiscardTrack struct {
	Track audio.Playback
}

func (cmdDiscardTrack) commandMarker() {}
func (cmdDiscardTrack) String() string { return "DiscardTrack()" }

type cmdBroadcast struct {
	Event string
	Data  map[string]any
}

func (cmdBroadcast) commandMarker()   {}
func (c cmdBroadcast) String() string { return fmt.Sprintf("Broadcast(%s)", c.Event) }

// cmdReply delivers a request's answer without blocking the loop.
type cmdReply struct {
	name    string
	deliver func()
}

func (cmdReply) commandMarker()   {}
func (c cmdReply) String() string { return "Reply(" + c.name + ")" }

func replyWith[T any](name string, ch chan<- T, v T) Command {
	return cmdReply{name: name, deliver: func() {
		if ch == nil {
			return
		}
		select {
		case ch <- v:
		default:
		}
	}}
}
