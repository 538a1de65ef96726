package rules

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Action is a named rule: OR-matched triggers plus an ordered sub-action pipeline.
type Action struct {
	Name       string        `yaml:"name"`
	Group      string        `yaml:"group,omitempty"`
	Enabled    bool          `yaml:"enabled"`
	Cooldown   float64       `yaml:"cooldown,omitempty"` // seconds
	Triggers   TriggerList   `yaml:"triggers"`
	SubActions SubActionList `yaml:"sub_actions"`
}

// UnmarshalYAML defaults Enabled to true when the key is absent and accepts
// cooldown_seconds as another name for cooldown.
func (a *Action) UnmarshalYAML(value *yaml.Node) error {
	type plain Action
	var aux struct {
		plain           `yaml:",inline"`
		CooldownSeconds *float64 `yaml:"cooldown_seconds"`
	}
	if err := knownKeys(value, aux); err != nil {
		return err
	}
	aux.Enabled = true
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.CooldownSeconds != nil {
		if hasKey(value, "cooldown") {
			return fmt.Errorf("line %d: cooldown and cooldown_seconds are both set", value.Line)
		}
		aux.Cooldown = *aux.CooldownSeconds
	}
	*a = Action(aux.plain)
	return nil
}

func hasKey(n *yaml.Node, key string) bool {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with a.
func (a Action) Clone() Action {
	c := a
	if a.Triggers != nil {
		c.Triggers = append(TriggerList(nil), a.Triggers...)
	}
	if a.SubActions != nil {
		c.SubActions = append(SubActionList(nil), a.SubActions...)
	}
	return c
}

// CooldownDuration returns the configured cooldown; negative values count as zero.
func (a Action) CooldownDuration() time.Duration {
	if a.Cooldown <= 0 {
		return 0
	}
	return time.Duration(a.Cooldown * float64(time.Second))
}

// TimerInterval returns the interval of the first timer trigger with a positive interval.
func (a Action) TimerInterval() (time.Duration, bool) {
	for _, t := range a.Triggers {
		tt, ok := t.(TimerTrigger)
		if !ok || tt.Interval <= 0 {
			continue
		}
		return time.Duration(tt.Interval * float64(time.Second)), true
	}
	return 0, false
}

// Document is the on-disk shape of the actions file.
type Document struct {
	Actions []Action `yaml:"actions"`
}
