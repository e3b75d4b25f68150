package roomversion

import (
	"maunium.net/go/mautrix/event"

	"go.mau.fi/lmhub/pdu"
)

// Keep is a whitelist tree for redaction. A nil Keep preserves the whole value, a non-nil Keep preserves
// only the listed object keys, each stripped further by its own Keep.
type Keep map[string]Keep

var keepNothing = Keep{}

// RedactionTable describes which parts of an event survive redaction.
type RedactionTable struct {
	TopLevel Keep
	// Content is keyed by event type. Types that aren't listed lose their whole content.
	Content map[string]Keep
}

var linearized00Redaction = &RedactionTable{
	TopLevel: Keep{
		"event_id":         nil,
		"type":             nil,
		"room_id":          nil,
		"sender":           nil,
		"state_key":        nil,
		"hashes":           nil,
		"signatures":       nil,
		"prev_events":      nil,
		"auth_events":      nil,
		"origin_server_ts": nil,
		"hub_server":       nil,
	},
	Content: map[string]Keep{
		event.StateMember.Type: {
			"membership":                       nil,
			"join_authorised_via_users_server": nil,
		},
		event.StateCreate.Type: nil,
		event.StateJoinRules.Type: {
			"join_rule": nil,
			"allow":     nil,
		},
		event.StatePowerLevels.Type: {
			"ban":            nil,
			"events":         nil,
			"events_default": nil,
			"invite":         nil,
			"kick":           nil,
			"redact":         nil,
			"state_default":  nil,
			"users":          nil,
			"users_default":  nil,
		},
		event.StateHistoryVisibility.Type: {
			"history_visibility": nil,
		},
	},
}

// Redact strips a generic event object to its preserved skeleton. The input is not modified.
func (rt *RedactionTable) Redact(obj map[string]any) map[string]any {
	out := make(map[string]any, len(rt.TopLevel)+1)
	for field, keep := range rt.TopLevel {
		if val, ok := obj[field]; ok {
			out[field] = applyKeep(val, keep)
		}
	}
	contentKeep, ok := rt.Content[stringField(obj, "type")]
	if !ok {
		contentKeep = keepNothing
	}
	content, _ := obj["content"].(map[string]any)
	if content == nil {
		content = map[string]any{}
	}
	out["content"] = applyKeep(content, contentKeep)
	return out
}

func stringField(obj map[string]any, field string) string {
	str, _ := obj[field].(string)
	return str
}

func applyKeep(val any, keep Keep) any {
	obj, isObject := val.(map[string]any)
	if keep == nil || !isObject {
		return deepCopy(val)
	}
	out := make(map[string]any, len(keep))
	for field, subKeep := range keep {
		if subVal, ok := obj[field]; ok {
			out[field] = applyKeep(subVal, subKeep)
		}
	}
	return out
}

func deepCopy(val any) any {
	switch typed := val.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, subVal := range typed {
			out[key] = deepCopy(subVal)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, subVal := range typed {
			out[i] = deepCopy(subVal)
		}
		return out
	default:
		return val
	}
}

// redactEvent returns the redacted object form of the event, excluding its derived event ID.
func redactEvent(rt *RedactionTable, evt *pdu.Event) (map[string]any, error) {
	obj, err := evt.WithoutEventID().ToObject()
	if err != nil {
		return nil, err
	}
	return rt.Redact(obj), nil
}
