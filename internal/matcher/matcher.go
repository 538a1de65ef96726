// Package matcher decides whether an incoming event satisfies a trigger.
//
// Matching is pure: it reads the event payload and the trigger, never
// mutates either, and never fails. A payload that does not have the shape
// a trigger needs is simply a non-match.
package matcher

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"openstreambot/internal/rules"
)

// Raw event types emitted by the chat and scene collaborators.
const (
	EventCommandTriggered = "CommandTriggered"
	EventSystemEvent      = "SystemEvent"
	EventRewardRedeemed   = "RewardRedeemed"
	EventSceneChanged     = "SceneChanged"
)

// Normalize maps a raw event type into trigger-type space.
// Unknown event types pass through unchanged.
func Normalize(eventType string, data map[string]any) rules.TriggerKind {
	switch eventType {
	case EventCommandTriggered:
		if strings.EqualFold(Field(data, "platform"), "youtube") {
			return rules.TriggerYouTubeCommand
		}
		return rules.TriggerTwitchCommand
	case EventSystemEvent:
		switch strings.ToLower(Field(data, "type")) {
		case "raid":
			return rules.TriggerRaid
		case "sub", "subscription", "resub", "subgift":
			return rules.TriggerSubscription
		}
	case EventRewardRedeemed:
		return rules.TriggerRedemption
	case EventSceneChanged:
		return rules.TriggerScene
	}
	return rules.TriggerKind(eventType)
}

// Match reports whether t is satisfied by the event and returns the
// variables the trigger extracted (nil when it extracts none).
func Match(t rules.Trigger, eventType string, data map[string]any) (bool, map[string]string) {
	if t == nil {
		return false, nil
	}
	if _, isTimer := t.(rules.TimerTrigger); isTimer {
		return false, nil
	}
	if Normalize(eventType, data) != t.Kind() {
		return false, nil
	}

	switch tt := t.(type) {
	case rules.CommandTrigger:
		return matchCommand(tt, data)
	case rules.RaidTrigger:
		viewers, _ := toInt(data["viewers"])
		return viewers >= tt.MinViewers, nil
	case rules.SubscriptionTrigger:
		return true, nil
	case rules.RedemptionTrigger:
		if !sameTitle(tt.Reward, rewardTitle(data)) {
			return false, nil
		}
		return true, map[string]string{
			"user":  Field(data, "user"),
			"input": Field(data, "input"),
		}
	case rules.SceneTrigger:
		if tt.SceneName != "" && tt.SceneName != Field(data, "scene_name") {
			return false, nil
		}
		return true, nil
	}
	return false, nil
}

func matchCommand(t rules.CommandTrigger, data map[string]any) (bool, map[string]string) {
	required := t.Permission
	if required == "" {
		required = rules.PermissionEveryone
	}
	if ActorRank(data) < required.Rank() {
		return false, nil
	}

	pattern := strings.TrimSpace(t.Command)
	if pattern == "" {
		return true, nil
	}
	if strings.EqualFold(pattern, strings.TrimSpace(Field(data, "command"))) {
		return true, nil
	}

	message := Field(data, "message")
	if message == "" {
		message = Field(data, "command")
	}
	return MatchPattern(pattern, message)
}

// MatchPattern matches message against a whitespace-separated pattern
// token by token. Tokens of the form %name% capture the message token at
// the same position; for %user% a leading '@' is stripped. Literal tokens
// compare case-insensitively. Extra message tokens are ignored.
func MatchPattern(pattern, message string) (bool, map[string]string) {
	want := strings.Fields(pattern)
	got := strings.Fields(message)
	if len(want) == 0 || len(got) < len(want) {
		return false, nil
	}

	var vars map[string]string
	for i, p := range want {
		name, ok := placeholder(p)
		if !ok {
			if !strings.EqualFold(p, got[i]) {
				return false, nil
			}
			continue
		}
		val := got[i]
		if name == "user" {
			val = strings.TrimPrefix(val, "@")
		}
		if vars == nil {
			vars = make(map[string]string)
		}
		vars[name] = val
	}
	return true, vars
}

func placeholder(tok string) (string, bool) {
	if len(tok) < 3 || tok[0] != '%' || tok[len(tok)-1] != '%' {
		return "", false
	}
	return tok[1 : len(tok)-1], true
}

// ActorRank returns the highest permission rank the event's actor holds,
// read from the badges list and the boolean role flags.
func ActorRank(data map[string]any) int {
	rank := rules.PermissionEveryone.Rank()
	raise := func(p rules.Permission) {
		if r := p.Rank(); r > rank {
			rank = r
		}
	}

	for _, id := range badgeIDs(data["badges"]) {
		switch strings.ToLower(id) {
		case "broadcaster":
			raise(rules.PermissionBroadcaster)
		case "moderator", "mod":
			raise(rules.PermissionModerator)
		case "vip":
			raise(rules.PermissionVIP)
		case "subscriber", "founder":
			raise(rules.PermissionSubscriber)
		}
	}

	if truthy(data["is_broadcaster"]) {
		raise(rules.PermissionBroadcaster)
	}
	if truthy(data["is_mod"]) {
		raise(rules.PermissionModerator)
	}
	if truthy(data["is_vip"]) {
		raise(rules.PermissionVIP)
	}
	if truthy(data["is_subscriber"]) {
		raise(rules.PermissionSubscriber)
	}
	return rank
}

func badgeIDs(v any) []string {
	var ids []string
	add := func(b any) {
		switch x := b.(type) {
		case string:
			ids = append(ids, x)
		case map[string]any:
			if id, ok := x["id"].(string); ok {
				ids = append(ids, id)
			}
		case map[string]string:
			ids = append(ids, x["id"])
		}
	}
	switch list := v.(type) {
	case []any:
		for _, b := range list {
			add(b)
		}
	case []map[string]any:
		for _, b := range list {
			add(b)
		}
	case []string:
		ids = append(ids, list...)
	}
	return ids
}

func rewardTitle(data map[string]any) string {
	switch r := data["reward"].(type) {
	case string:
		return r
	case map[string]any:
		if title, ok := r["title"].(string); ok {
			return title
		}
	}
	return Field(data, "reward_title")
}

// sameTitle compares reward titles case-insensitively after NFC normalization,
// so "Café" typed with a combining accent matches the precomposed form.
// An empty title matches nothing; rules.Decode refuses redemption triggers
// without a reward.
func sameTitle(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	fold := func(s string) string {
		return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
	}
	return fold(a) == fold(b)
}

// Field renders data[key] as a string; absent and non-scalar values are "".
func Field(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	}
	switch reflect.ValueOf(data[key]).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.String, reflect.Bool:
		return fmt.Sprint(data[key])
	}
	return ""
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case json.Number:
		n, err := x.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	case float64:
		return x != 0
	case int:
		return x != 0
	}
	return false
}
