// Package engine matches inbound events against actions and runs their
// sub-action pipelines.
//
// All mutable runtime state (cooldowns, timers, pending reverts, bus
// volumes, the playlist) is owned by the goroutine running Engine.Run.
// Everything else reaches that state by posting events.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"openstreambot/internal/audio"
	"openstreambot/internal/rules"
)

var (
	// ErrStopped is returned by requests made after Run has returned.
	ErrStopped = errors.New("engine stopped")

	// ErrNoChatSender is returned by send_chat when the target platform has no sender.
	ErrNoChatSender = errors.New("no chat sender for platform")
)

// ChatSender posts a message to one platform's chat.
type ChatSender interface {
	Send(ctx context.Context, text string) error
}

type SceneSwitcher interface {
	SetScene(ctx context.Context, name string) error
}

// GameLookup returns the game a user last streamed.
type GameLookup interface {
	LastGame(ctx context.Context, user string) (string, error)
}

// PointsRefunder reverses a channel points redemption.
type PointsRefunder interface {
	Refund(ctx context.Context, redemptionID, rewardID string) error
}

// ClipSupplier picks a short clip to show; ok is false when none is available.
type ClipSupplier interface {
	RandomClip(ctx context.Context) (id string, ok bool, err error)
}

// Broadcaster publishes engine events to bus subscribers.
type Broadcaster interface {
	Broadcast(eventType string, data map[string]any)
}

// Player is the audio surface the engine needs; *audio.Session implements it.
type Player interface {
	PlayEffect(ctx context.Context, path, device string, volume float64) error
	PlayTrack(ctx context.Context, path, device string, volume float64) (audio.Playback, error)
	StopEffects() int
}

// Collaborators are the engine's outbound capabilities. Any may be nil.
type Collaborators struct {
	TwitchChat  ChatSender
	YouTubeChat ChatSender
	Scenes      SceneSwitcher
	Games       GameLookup
	Points      PointsRefunder
	Clips       ClipSupplier
}

type Options struct {
	// Initial bus volumes in [0,1].
	EffectsVolume  float64
	PlaylistVolume float64

	// DuckFloor is the playlist volume while a clip plays (default 0.05).
	DuckFloor float64

	// QueueSize is the engine event queue capacity (default 256).
	QueueSize int

	// CallTimeout bounds each collaborator call (default 10s).
	CallTimeout time.Duration

	// Now is the engine clock (default time.Now).
	Now func() time.Time
}

// Volumes are the two audio bus levels, each in [0,1].
type Volumes struct {
	Effects  float64 `json:"effects"`
	Playlist float64 `json:"playlist"`
}

// Snapshot is a read-only view of engine state.
type Snapshot struct {
	Volumes        Volumes  `json:"volumes"`
	Ducked         bool     `json:"ducked"`
	PreDuck        float64  `json:"pre_duck,omitempty"`
	Timers         []string `json:"timers"`
	PendingReverts []string `json:"pending_reverts"`
	PlaylistActive bool     `json:"playlist_active"`
}

type Engine struct {
	logger *slog.Logger
	store  *rules.Store
	bus    Broadcaster
	player Player
	collab Collaborators
	opts   Options

	events chan Event
	done   chan struct{}

	steps map[rules.SubActionKind]stepFunc

	// runCtx is the parent of every pipeline, timer and playlist goroutine.
	// It is canceled when the context passed to Run is.
	runCtx    context.Context
	stop      context.CancelFunc
	pipelines sync.WaitGroup
}

func New(logger *slog.Logger, store *rules.Store, bus Broadcaster, player Player, collab Collaborators, opts Options) *Engine {
	if opts.DuckFloor <= 0 {
		opts.DuckFloor = 0.05
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.EffectsVolume = audio.Clamp(opts.EffectsVolume)
	opts.PlaylistVolume = audio.Clamp(opts.PlaylistVolume)

	e := &Engine{
		logger: logger,
		store:  store,
		bus:    bus,
		player: player,
		collab: collab,
		opts:   opts,
		events: make(chan Event, opts.QueueSize),
		done:   make(chan struct{}),
	}
	e.runCtx, e.stop = context.WithCancel(context.Background())
	e.steps = e.stepTable()
	return e
}

// Run loads the actions, starts their timers and processes events until
// ctx is canceled. It waits for running pipelines before returning.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	unlink := context.AfterFunc(ctx, e.stop)
	defer unlink()

	st := newState(e.opts)
	fx := newEffects(e, e.runCtx)
	defer func() {
		e.stop()
		fx.shutdown()
		e.pipelines.Wait()
	}()

	var queue []Event
	var cmds []Command

	flush := func() {
		for len(queue) > 0 {
			ev := queue[0]
			queue = queue[1:]
			cmds = append(cmds, e.reduce(st, ev, e.opts.Now())...)
			for len(cmds) > 0 {
				cmd := cmds[0]
				cmds = cmds[1:]
				fx.run(cmd)
			}
		}
	}

	queue = append(queue, reloadRequest{})
	flush()

	e.logger.Info("engine started", "actions", len(e.store.All()))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping (context canceled)")
			return nil
		case ev := <-e.events:
			queue = append(queue, ev)
			flush()
		}
	}
}

// post enqueues ev for the loop.
func (e *Engine) post(ctx context.Context, ev Event) error {
	select {
	case e.events <- ev:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func request[T any](ctx context.Context, e *Engine, build func(chan T) Event) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := e.post(ctx, build(reply)); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-e.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// HandleEvent offers an inbound platform event to every enabled action.
// It blocks only while the event queue is full.
func (e *Engine) HandleEvent(eventType string, data map[string]any) {
	if err := e.post(context.Background(), InboundEvent{Type: eventType, Data: data, At: e.opts.Now()}); err != nil {
		e.logger.Debug("event dropped", "event", eventType, "error", err)
	}
}

// SetActionState turns an action on, off or toggles it. A positive
// revertAfter restores the previous state after that long unless another
// explicit change happens first.
func (e *Engine) SetActionState(ctx context.Context, action, state string, revertAfter time.Duration) error {
	err, rerr := request(ctx, e, func(reply chan error) Event {
		return setStateRequest{Action: action, State: state, RevertAfter: revertAfter, Reply: reply}
	})
	if rerr != nil {
		return rerr
	}
	return err
}

// SetVolume sets (mode "set") or shifts (mode "adjust") a bus volume by a fraction.
func (e *Engine) SetVolume(ctx context.Context, bus, mode string, value float64) (Volumes, error) {
	return request(ctx, e, func(reply chan Volumes) Event {
		return volumeRequest{Bus: bus, Mode: mode, Value: value, Reply: reply}
	})
}

func (e *Engine) Volumes(ctx context.Context) (Volumes, error) {
	return request(ctx, e, func(reply chan Volumes) Event {
		return volumeRequest{Query: true, Reply: reply}
	})
}

// Reload re-reads the actions document and restarts all timers.
func (e *Engine) Reload(ctx context.Context) error {
	err, rerr := request(ctx, e, func(reply chan error) Event {
		return reloadRequest{Reply: reply}
	})
	if rerr != nil {
		return rerr
	}
	return err
}

// UpdateAction replaces the stored action with the same name, or appends a
// new one, and restarts its timer. The document is written by SaveActions.
func (e *Engine) UpdateAction(ctx context.Context, a rules.Action) error {
	return e.edit(ctx, editRequest{Op: "update", Action: a})
}

// RemoveAction deletes the named action, stopping its timer and forgetting
// its cooldown.
func (e *Engine) RemoveAction(ctx context.Context, name string) error {
	return e.edit(ctx, editRequest{Op: "remove", Name: name})
}

// SaveActions writes the in-memory action list back to the document.
func (e *Engine) SaveActions(ctx context.Context) error {
	return e.edit(ctx, editRequest{Op: "save"})
}

func (e *Engine) edit(ctx context.Context, req editRequest) error {
	err, rerr := request(ctx, e, func(reply chan error) Event {
		req.Reply = reply
		return req
	})
	if rerr != nil {
		return rerr
	}
	return err
}

// ClipEnded restores the playlist volume saved when a clip started.
func (e *Engine) ClipEnded(ctx context.Context) error {
	return e.post(ctx, clipEnded{})
}

func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	return request(ctx, e, func(reply chan Snapshot) Event {
		return snapshotRequest{Reply: reply}
	})
}

// Trigger runs the named action with vars, bypassing triggers and cooldown.
func (e *Engine) Trigger(name string, vars map[string]any) error {
	a, ok := e.store.Get(name)
	if !ok {
		return rulesNotFound(name)
	}
	e.spawn(a, vars, "manual")
	return nil
}

func (e *Engine) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.runCtx, e.opts.CallTimeout)
}
