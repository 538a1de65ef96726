package engine

import (
	"time"

	"openstreambot/internal/audio"
	"openstreambot/internal/rules"
)

// ============================================================================
// Events: inputs to the engine loop
// ============================================================================
//
// Every goroutine outside the loop (bus listeners, timers, pipelines, the
// playlist player) talks to engine state by posting one of these. Requests
// that need an answer carry a buffered reply channel; the loop answers
// through a cmdReply so the reducer never blocks on a channel send.
//
// ============================================================================

// Event is the input to the engine reducer.
type Event interface {
	eventMarker()
}

// InboundEvent is a platform event offered to every action's triggers.
type InboundEvent struct {
	Type string
	Data map[string]any
	At   time.Time
}

func (InboundEvent) eventMarker() {}

type timerFired struct {
	Action string
	Gen    uint64
}

func (timerFired) eventMarker() {}

type setStateRequest struct {
	Action      string
	State       string
	RevertAfter time.Duration
	Reply       chan error
}

func (setStateRequest) eventMarker() {}

type revertDue struct {
	Action  string
	Gen     uint64
	Enabled bool
}

func (revertDue) eventMarker() {}

type reloadRequest struct {
	Reply chan error
}

func (reloadRequest) eventMarker() {}

type volumeRequest struct {
	Bus   string
	Mode  string
	Value float64 // fraction; ignored when Query is set
	Query bool
	Reply chan Volumes
}

func (volumeRequest) eventMarker() {}

type duckRequest struct {
	ClipID string
}

func (duckRequest) eventMarker() {}

type clipEnded struct{}

func (clipEnded) eventMarker() {}

type playlistRequest struct {
	Start  bool
	Folder string
	Device string
}

func (playlistRequest) eventMarker() {}

// trackRequest asks whether playlist Gen is still current and, if so,
// at what volume its next track should start.
type trackRequest struct {
	Gen   uint64
	Reply chan trackGrant
}

func (trackRequest) eventMarker() {}

type trackGrant struct {
	OK     bool
	Volume float64
}

type trackStarted struct {
	Gen    uint64
	Track  audio.Playback
	Volume float64
}

func (trackStarted) eventMarker() {}

type playlistEnded struct {
	Gen uint64
}

func (playlistEnded) eventMarker() {}

type snapshotRequest struct {
	Reply chan Snapshot
}

func (snapshotRequest) eventMarker() {}

// editRequest changes the stored action list: Op is "update", "remove" or
// "save".
type editRequest struct {
	Op     string
	Action rules.Action
	Name   string
	Reply  chan error
}

func (editRequest) eventMarker() {}
