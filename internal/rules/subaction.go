package rules

// SubActionKind is the `type` tag of a sub-action in the actions document.
type SubActionKind string

const (
	StepDelay          SubActionKind = "delay"
	StepLog            SubActionKind = "log"
	StepSendChat       SubActionKind = "send_chat"
	StepSetScene       SubActionKind = "obs_set_scene"
	StepPlaySound      SubActionKind = "play_sound"
	StepStopSounds     SubActionKind = "stop_sounds"
	StepPlayPlaylist   SubActionKind = "playlist"
	StepStopPlaylist   SubActionKind = "stop_playlist"
	StepTriggerAction  SubActionKind = "trigger_action"
	StepSetActionState SubActionKind = "set_action_state"
	StepSetVolume      SubActionKind = "set_volume"
	StepPlayClip       SubActionKind = "play_clip"
)

// legacySubActionKinds maps older tags still found in hand-written documents.
var legacySubActionKinds = map[string]SubActionKind{
	"twitch_chat": StepSendChat,
}

// SubAction is one step of an action pipeline.
type SubAction interface {
	Kind() SubActionKind
}

type Delay struct {
	Ms int `yaml:"ms"`
}

func (Delay) Kind() SubActionKind { return StepDelay }

type Log struct {
	Message string `yaml:"message"`
}

func (Log) Kind() SubActionKind { return StepLog }

// SendChat posts a message to the chat of the platform the event came from.
type SendChat struct {
	Message string `yaml:"message"`
}

func (SendChat) Kind() SubActionKind { return StepSendChat }

type SetScene struct {
	Scene string `yaml:"scene"`
}

func (SetScene) Kind() SubActionKind { return StepSetScene }

// PlaySound plays a file on the effects bus. Volume is a percentage of the bus volume.
type PlaySound struct {
	File   string `yaml:"file"`
	Device string `yaml:"device,omitempty"`
	Volume int    `yaml:"volume"`
}

func (PlaySound) Kind() SubActionKind { return StepPlaySound }

type StopSounds struct{}

func (StopSounds) Kind() SubActionKind { return StepStopSounds }

// PlayPlaylist loops random files from Folder on the playlist bus.
type PlayPlaylist struct {
	Folder string `yaml:"folder"`
	Device string `yaml:"device,omitempty"`
}

func (PlayPlaylist) Kind() SubActionKind { return StepPlayPlaylist }

type StopPlaylist struct{}

func (StopPlaylist) Kind() SubActionKind { return StepStopPlaylist }

// TriggerAction runs another action by name with the current context.
type TriggerAction struct {
	Action string `yaml:"action"`
}

func (TriggerAction) Kind() SubActionKind { return StepTriggerAction }

// State values for SetActionState.
const (
	StateOn     = "on"
	StateOff    = "off"
	StateToggle = "toggle"
)

// SetActionState enables, disables or toggles an action, optionally
// reverting after RevertAfter seconds.
type SetActionState struct {
	Action      string  `yaml:"action"`
	State       string  `yaml:"state"`
	RevertAfter float64 `yaml:"revert_after,omitempty"`
}

func (SetActionState) Kind() SubActionKind { return StepSetActionState }

// Volume buses and modes for SetVolume.
const (
	BusEffects  = "effects"
	BusPlaylist = "playlist"

	VolumeSet    = "set"
	VolumeAdjust = "adjust"
)

// SetVolume sets or adjusts (additively) a bus volume. Value is a percentage.
type SetVolume struct {
	Bus   string `yaml:"bus"`
	Mode  string `yaml:"mode"`
	Value int    `yaml:"value"`
}

func (SetVolume) Kind() SubActionKind { return StepSetVolume }

// PlayClip shows a random short clip on the overlay and ducks the playlist.
type PlayClip struct{}

func (PlayClip) Kind() SubActionKind { return StepPlayClip }
