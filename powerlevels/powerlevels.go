// Package powerlevels answers permission questions from the m.room.power_levels state of a room.
package powerlevels

import (
	"encoding/json"
	"math"

	"github.com/tidwall/gjson"
	"go.mau.fi/util/exgjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/canonicaljson"

	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/roomstate"
)

type Action string

const (
	ActionInvite            Action = "invite"
	ActionKick              Action = "kick"
	ActionBan               Action = "ban"
	ActionRedact            Action = "redact"
	ActionNotificationsRoom Action = "notifications.room"
)

const (
	CreatorLevel     = 100
	DefaultStateSend = 50
	DefaultAction    = 50
)

// PowerLevels is a read-only view over a power levels event. The zero content means the room has no
// power levels event yet, in which case the creator is implicitly at level 100.
type PowerLevels struct {
	content json.RawMessage
	creator id.UserID
}

// New creates a view from the given power levels event (which may be nil) and the room's create event.
func New(plEvent, createEvent *pdu.Event) *PowerLevels {
	pl := &PowerLevels{}
	if plEvent != nil {
		pl.content = plEvent.Content
		if pl.content == nil {
			pl.content = json.RawMessage("{}")
		}
	}
	if createEvent != nil {
		pl.creator = createEvent.Sender
	}
	return pl
}

// FromState creates a view over the current power levels of the given state.
func FromState(st *roomstate.State) *PowerLevels {
	return New(st.PowerLevels(), st.Create())
}

// Int returns the value as an integer if it is a JSON number with an integral value within the range
// canonical JSON allows.
func Int(res gjson.Result) (int, bool) {
	if res.Type != gjson.Number || math.Trunc(res.Num) != res.Num || math.Abs(res.Num) > canonicaljson.MaxSafeInteger {
		return 0, false
	}
	return int(res.Num), true
}

func (pl *PowerLevels) get(path ...string) gjson.Result {
	if pl.content == nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(pl.content, exgjson.Path(path...))
}

func (pl *PowerLevels) HasEvent() bool {
	return pl.content != nil
}

func (pl *PowerLevels) GetUserLevel(userID id.UserID) int {
	if pl.content == nil {
		if userID == pl.creator {
			return CreatorLevel
		}
		return 0
	}
	if level, ok := Int(pl.get("users", userID.String())); ok {
		return level
	}
	if level, ok := Int(pl.get("users_default")); ok {
		return level
	}
	return 0
}

func (pl *PowerLevels) GetLevelForAction(action Action) int {
	required := DefaultAction
	if action == ActionInvite {
		required = 0
	}
	var res gjson.Result
	if action == ActionNotificationsRoom {
		res = pl.get("notifications", "room")
	} else {
		res = pl.get(string(action))
	}
	if level, ok := Int(res); ok {
		required = level
	}
	return required
}

func (pl *PowerLevels) CanUserDo(userID id.UserID, action Action) bool {
	return pl.GetUserLevel(userID) >= pl.GetLevelForAction(action)
}

// GetEventLevel returns the level required to send an event of the given type.
func (pl *PowerLevels) GetEventLevel(evtType string, isState bool) int {
	required := 0
	defaultKey := "events_default"
	if isState {
		required = DefaultStateSend
		defaultKey = "state_default"
	}
	if level, ok := Int(pl.get(defaultKey)); ok {
		required = level
	}
	if level, ok := Int(pl.get("events", evtType)); ok {
		required = level
	}
	return required
}

func (pl *PowerLevels) CanUserSend(userID id.UserID, evtType string, isState bool) bool {
	return pl.GetUserLevel(userID) >= pl.GetEventLevel(evtType, isState)
}

// DefaultContent returns the power levels content used for newly created rooms.
func DefaultContent(creator id.UserID) map[string]any {
	return map[string]any{
		"ban":    50,
		"kick":   50,
		"invite": 50,
		"redact": 50,
		"notifications": map[string]any{
			"room": 50,
		},
		"events_default": 0,
		"state_default":  50,
		"events": map[string]any{
			event.StateEncryption.Type:        100,
			event.StateHistoryVisibility.Type: 100,
			event.StatePowerLevels.Type:       100,
			event.StateServerACL.Type:         100,
			event.StateTombstone.Type:         100,
		},
		"users_default": 0,
		"users": map[string]any{
			creator.String(): 100,
		},
	}
}
