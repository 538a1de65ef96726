package rules

import (
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// Triggers and sub-actions are stored as YAML maps with a `type` discriminator.
// The codec tables below are the closed set of known tags; adding a variant
// means adding one entry here and one type in trigger.go / subaction.go.

type triggerDecoder func(n *yaml.Node) (Trigger, error)

var triggerCodecs = map[TriggerKind]triggerDecoder{
	TriggerTwitchCommand: func(n *yaml.Node) (Trigger, error) {
		return decodeTrigger(n, CommandTrigger{Platform: "twitch"})
	},
	TriggerYouTubeCommand: func(n *yaml.Node) (Trigger, error) {
		return decodeTrigger(n, CommandTrigger{Platform: "youtube"})
	},
	TriggerRaid:         func(n *yaml.Node) (Trigger, error) { return decodeTrigger(n, RaidTrigger{}) },
	TriggerSubscription: func(n *yaml.Node) (Trigger, error) { return decodeTrigger(n, SubscriptionTrigger{}) },
	TriggerRedemption: func(n *yaml.Node) (Trigger, error) {
		t, err := decodeTrigger(n, RedemptionTrigger{})
		if err == nil && t.(RedemptionTrigger).Reward == "" {
			return nil, fmt.Errorf("line %d: reward must not be empty", n.Line)
		}
		return t, err
	},
	TriggerScene: func(n *yaml.Node) (Trigger, error) { return decodeTrigger(n, SceneTrigger{}) },
	TriggerTimer: func(n *yaml.Node) (Trigger, error) { return decodeTrigger(n, TimerTrigger{}) },
}

type subActionDecoder func(n *yaml.Node) (SubAction, error)

var subActionCodecs = map[SubActionKind]subActionDecoder{
	StepDelay:          func(n *yaml.Node) (SubAction, error) { return decodeSubAction(n, Delay{}) },
	StepLog:            func(n *yaml.Node) (SubAction, error) { return decodeSubAction(n, Log{}) },
	StepSendChat:       func(n *yaml.Node) (SubAction, error) { return decodeSubAction(n, SendChat{}) },
	StepSetScene:       func(n *yaml.Node) (SubAction, error) { return decodeSubAction(n, SetScene{}) },
	StepPlaySound:      func(n *yaml.Node) (SubAction, error) { return decodeSubAction(n, PlaySound{Volume: 100}) },
	StepStopSounds:     func(n *yaml.Node) (SubAction, error) { return decodeSubAction(n, StopSounds{}) },
	StepPlayPlaylist:   func(n *yaml.Node) (SubAction, error) { return decodeSubAction(n, PlayPlaylist{}) },
	StepStopPlaylist:   func(n *yaml.Node) (SubAction, error) { return decodeSubAction(n, StopPlaylist{}) },
	StepTriggerAction:  func(n *yaml.Node) (SubAction, error) { return decodeSubAction(n, TriggerAction{}) },
	StepSetActionState: func(n *yaml.Node) (SubAction, error) { return decodeSubAction(n, SetActionState{State: StateToggle}) },
	StepSetVolume: func(n *yaml.Node) (SubAction, error) {
		return decodeSubAction(n, SetVolume{Bus: BusEffects, Mode: VolumeSet})
	},
	StepPlayClip: func(n *yaml.Node) (SubAction, error) { return decodeSubAction(n, PlayClip{}) },
}

func decodeTrigger[T Trigger](n *yaml.Node, v T) (Trigger, error) {
	if err := knownKeys(n, v, "type"); err != nil {
		return nil, err
	}
	if err := n.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeSubAction[T SubAction](n *yaml.Node, v T) (SubAction, error) {
	if err := knownKeys(n, v, "type"); err != nil {
		return nil, err
	}
	if err := n.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// knownKeys rejects mapping keys that are neither a yaml tag of v's struct
// fields nor listed in extra. Node.Decode ignores unknown keys even when the
// outer decoder has KnownFields set.
func knownKeys(n *yaml.Node, v any, extra ...string) error {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	allowed := make(map[string]bool, len(extra))
	for _, k := range extra {
		allowed[k] = true
	}
	fieldKeys(reflect.TypeOf(v), allowed)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k := n.Content[i]
		if !allowed[k.Value] {
			return fmt.Errorf("line %d: unknown field %q", k.Line, k.Value)
		}
	}
	return nil
}

func fieldKeys(t reflect.Type, into map[string]bool) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, opts, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if !f.IsExported() && !f.Anonymous {
			continue
		}
		if name == "-" {
			continue
		}
		if strings.Contains(opts, "inline") {
			fieldKeys(f.Type, into)
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		into[name] = true
	}
}

// typeTag reads the `type` key of a mapping node.
func typeTag(n *yaml.Node) (string, error) {
	if n.Kind != yaml.MappingNode {
		return "", fmt.Errorf("line %d: expected a mapping", n.Line)
	}
	var head struct {
		Type string `yaml:"type"`
	}
	if err := n.Decode(&head); err != nil {
		return "", err
	}
	if head.Type == "" {
		return "", fmt.Errorf("line %d: missing type", n.Line)
	}
	// "send-chat" and "send_chat" name the same variant.
	return strings.ReplaceAll(head.Type, "-", "_"), nil
}

// taggedNode encodes v as a mapping whose first key is `type: tag`.
func taggedNode(tag string, v any) (*yaml.Node, error) {
	var n yaml.Node
	if err := n.Encode(v); err != nil {
		return nil, err
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s: expected mapping, got kind %d", tag, n.Kind)
	}
	n.Style = 0
	head := []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "type"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: tag},
	}
	n.Content = append(head, n.Content...)
	return &n, nil
}

// TriggerList is the YAML-aware form of an action's triggers.
type TriggerList []Trigger

func (l *TriggerList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
		*l = nil
		return nil
	}
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: triggers must be a list", value.Line)
	}
	var out TriggerList
	for _, item := range value.Content {
		tag, err := typeTag(item)
		if err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
		dec, ok := triggerCodecs[TriggerKind(tag)]
		if !ok {
			return fmt.Errorf("line %d: unknown trigger type %q", item.Line, tag)
		}
		t, err := dec(item)
		if err != nil {
			return fmt.Errorf("trigger %q: %w", tag, err)
		}
		out = append(out, t)
	}
	*l = out
	return nil
}

func (l TriggerList) MarshalYAML() (any, error) {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, t := range l {
		n, err := taggedNode(string(t.Kind()), t)
		if err != nil {
			return nil, err
		}
		seq.Content = append(seq.Content, n)
	}
	return seq, nil
}

// SubActionList is the YAML-aware form of an action's pipeline.
type SubActionList []SubAction

func (l *SubActionList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
		*l = nil
		return nil
	}
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: sub_actions must be a list", value.Line)
	}
	var out SubActionList
	for _, item := range value.Content {
		tag, err := typeTag(item)
		if err != nil {
			return fmt.Errorf("sub_action: %w", err)
		}
		kind := SubActionKind(tag)
		if legacy, ok := legacySubActionKinds[tag]; ok {
			kind = legacy
		}
		dec, ok := subActionCodecs[kind]
		if !ok {
			return fmt.Errorf("line %d: unknown sub_action type %q", item.Line, tag)
		}
		sa, err := dec(item)
		if err != nil {
			return fmt.Errorf("sub_action %q: %w", tag, err)
		}
		out = append(out, sa)
	}
	*l = out
	return nil
}

func (l SubActionList) MarshalYAML() (any, error) {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, sa := range l {
		n, err := taggedNode(string(sa.Kind()), sa)
		if err != nil {
			return nil, err
		}
		seq.Content = append(seq.Content, n)
	}
	return seq, nil
}
