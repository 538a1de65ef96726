package rules

import "strings"

// TriggerKind is the `type` tag of a trigger in the actions document.
type TriggerKind string

const (
	TriggerTwitchCommand  TriggerKind = "twitch_command"
	TriggerYouTubeCommand TriggerKind = "youtube_command"
	TriggerRaid           TriggerKind = "twitch_raid"
	TriggerSubscription   TriggerKind = "twitch_sub"
	TriggerRedemption     TriggerKind = "twitch_redemption"
	TriggerScene          TriggerKind = "obs_scene"
	TriggerTimer          TriggerKind = "timer"
)

// Trigger is a condition over an incoming event.
// Implementations are plain value types; the set is closed (see triggerCodecs).
type Trigger interface {
	Kind() TriggerKind
}

// Permission is the minimum chat role required to fire a command trigger.
type Permission string

const (
	PermissionEveryone    Permission = "everyone"
	PermissionSubscriber  Permission = "subscriber"
	PermissionVIP         Permission = "vip"
	PermissionModerator   Permission = "moderator"
	PermissionBroadcaster Permission = "broadcaster"
)

// Rank orders permissions: Broadcaster > Moderator > VIP > Subscriber > Everyone.
// Unknown values rank as Everyone.
func (p Permission) Rank() int {
	switch Permission(strings.ToLower(string(p))) {
	case PermissionSubscriber:
		return 1
	case PermissionVIP:
		return 2
	case PermissionModerator:
		return 3
	case PermissionBroadcaster:
		return 4
	default:
		return 0
	}
}

// CommandTrigger matches chat commands. Command may contain %name% placeholders.
type CommandTrigger struct {
	Platform   string     `yaml:"-"` // "twitch" or "youtube", taken from the type tag
	Command    string     `yaml:"command"`
	Permission Permission `yaml:"permission,omitempty"`
}

func (t CommandTrigger) Kind() TriggerKind {
	if t.Platform == "youtube" {
		return TriggerYouTubeCommand
	}
	return TriggerTwitchCommand
}

// RaidTrigger matches incoming raids with at least MinViewers viewers.
type RaidTrigger struct {
	MinViewers int `yaml:"min_viewers,omitempty"`
}

func (RaidTrigger) Kind() TriggerKind { return TriggerRaid }

// SubscriptionTrigger matches any subscription event.
type SubscriptionTrigger struct{}

func (SubscriptionTrigger) Kind() TriggerKind { return TriggerSubscription }

// RedemptionTrigger matches a channel points reward by title.
type RedemptionTrigger struct {
	Reward string `yaml:"reward"`
}

func (RedemptionTrigger) Kind() TriggerKind { return TriggerRedemption }

// SceneTrigger matches a program scene change. Empty SceneName matches any scene.
type SceneTrigger struct {
	SceneName string `yaml:"scene_name,omitempty"`
}

func (SceneTrigger) Kind() TriggerKind { return TriggerScene }

// TimerTrigger fires its action every Interval seconds while the action is enabled.
type TimerTrigger struct {
	Interval float64 `yaml:"interval"`
}

func (TimerTrigger) Kind() TriggerKind { return TriggerTimer }
