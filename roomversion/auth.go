package roomversion

import (
	"strings"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/powerlevels"
	"go.mau.fi/lmhub/roomstate"
)

const thirdPartyInviteType = "m.room.third_party_invite"

func (rv *linearized00) CheckAuth(evt *pdu.Event, prior []*pdu.Event) error {
	state := roomstate.Derive(prior)

	if evt.Type == event.StateCreate.Type {
		if len(prior) > 0 {
			return reject(evt.Type, RuleCreate, "can't send a second create event")
		} else if len(evt.PrevEvents) > 0 {
			return reject(evt.Type, RuleCreate, "create event cannot have prev_events")
		} else if pdu.ServerName(evt.Sender) != pdu.ServerName(evt.RoomID) {
			return reject(evt.Type, RuleCreate, "create event sender must match room ID namespace")
		}
		return nil
	}

	createEvt := state.Create()
	if createEvt == nil {
		return &StateInvariantError{EventType: evt.Type, Reason: "no room create event"}
	}
	if federate := createEvt.ContentValue("m.federate"); federate.Type == gjson.False {
		if pdu.ServerName(evt.Sender) != pdu.ServerName(createEvt.Sender) {
			return reject(evt.Type, RuleFederation, "federation disallowed")
		}
	}

	joinRule := state.JoinRule()
	pl := powerlevels.New(state.PowerLevels(), createEvt)
	senderMembership := membershipOrLeave(state, evt.Sender)

	if evt.Type == event.StateMember.Type {
		return checkMembership(evt, prior, state, createEvt, joinRule, pl, senderMembership)
	}

	if senderMembership != event.MembershipJoin {
		return reject(evt.Type, RuleSenderMembership, "sender not in room")
	}

	if evt.Type == thirdPartyInviteType {
		if !pl.CanUserDo(evt.Sender, powerlevels.ActionInvite) {
			return reject(evt.Type, RuleThirdPartyInvite, "cannot invite other users")
		}
		return nil
	}

	if !pl.CanUserSend(evt.Sender, evt.Type, evt.IsState()) {
		return reject(evt.Type, RuleSendLevel, "power levels do not permit sending this event")
	}
	if evt.IsState() && strings.HasPrefix(*evt.StateKey, "@") && *evt.StateKey != evt.Sender.String() {
		return reject(evt.Type, RuleStateKey, "cannot set a user ID-like state key for a user other than yourself")
	}

	if evt.Type == event.StatePowerLevels.Type {
		return checkPowerLevels(evt, state.PowerLevels(), pl)
	}

	// Anything not rejected above is allowed, including event types these rules don't know about.
	return nil
}

func membershipOrLeave(state *roomstate.State, userID id.UserID) event.Membership {
	membership := state.Membership(userID)
	if membership == "" {
		return event.MembershipLeave
	}
	return membership
}

func checkMembership(
	evt *pdu.Event,
	prior []*pdu.Event,
	state *roomstate.State,
	createEvt *pdu.Event,
	joinRule event.JoinRule,
	pl *powerlevels.PowerLevels,
	senderMembership event.Membership,
) error {
	stateKey := evt.GetStateKey()
	if stateKey == "" {
		return reject(evt.Type, RuleMembership, "invalid or missing state_key")
	}
	membership := event.Membership(evt.Membership())
	if membership == "" {
		return reject(evt.Type, RuleMembership, "invalid or missing membership")
	}
	target := id.UserID(stateKey)
	targetMembership := membershipOrLeave(state, target)

	switch membership {
	case event.MembershipJoin:
		if len(prior) == 1 && createEvt.Sender == evt.Sender && target == evt.Sender {
			// The creator's own join right after the create event.
			return nil
		}
		if evt.Sender != target {
			return reject(evt.Type, RuleJoin, "cannot send join event for someone else")
		} else if senderMembership == event.MembershipBan {
			return reject(evt.Type, RuleJoin, "target user is banned")
		}
		switch joinRule {
		case event.JoinRuleInvite, event.JoinRuleKnock:
			if senderMembership == event.MembershipInvite || senderMembership == event.MembershipJoin {
				return nil
			}
		case event.JoinRuleRestricted, event.JoinRuleKnockRestricted:
			if senderMembership == event.MembershipInvite || senderMembership == event.MembershipJoin {
				return nil
			}
			authorisedVia := evt.ContentValue("join_authorised_via_users_server")
			if authorisedVia.Type != gjson.String {
				return reject(evt.Type, RuleJoin, "restricted join requires join_authorised_via_users_server")
			}
			authingUser := id.UserID(authorisedVia.Str)
			if state.Membership(authingUser) != event.MembershipJoin {
				return reject(evt.Type, RuleJoin, "user that is authenticating the join is not in the room")
			} else if !pl.CanUserDo(authingUser, powerlevels.ActionInvite) {
				return reject(evt.Type, RuleJoin, "user that is authenticating the join cannot send invites")
			}
			return nil
		}
		if joinRule != event.JoinRulePublic {
			return reject(evt.Type, RuleJoin, "unknown join rule or operation not permitted with this join rule")
		}
		return nil
	case event.MembershipInvite:
		if evt.ContentValue("third_party_invite").Exists() {
			return reject(evt.Type, RuleThirdPartyInvite, "third_party_invite is not supported")
		} else if senderMembership != event.MembershipJoin {
			return reject(evt.Type, RuleSenderMembership, "sender not in room")
		} else if targetMembership == event.MembershipJoin || targetMembership == event.MembershipBan {
			return reject(evt.Type, RuleInvite, "already joined or banned from room")
		} else if !pl.CanUserDo(evt.Sender, powerlevels.ActionInvite) {
			return reject(evt.Type, RuleInvite, "cannot send invites")
		}
		return nil
	case event.MembershipLeave:
		if target == evt.Sender {
			switch senderMembership {
			case event.MembershipInvite, event.MembershipJoin, event.MembershipKnock:
				return nil
			default:
				return reject(evt.Type, RuleLeave, "cannot transition from %s to leave", senderMembership)
			}
		}
		if senderMembership != event.MembershipJoin {
			return reject(evt.Type, RuleSenderMembership, "sender not in room")
		} else if targetMembership == event.MembershipBan && !pl.CanUserDo(evt.Sender, powerlevels.ActionBan) {
			return reject(evt.Type, RuleLeave, "cannot unban user")
		} else if !pl.CanUserDo(evt.Sender, powerlevels.ActionKick) || pl.GetUserLevel(target) >= pl.GetUserLevel(evt.Sender) {
			return reject(evt.Type, RuleLeave, "cannot kick user")
		}
		return nil
	case event.MembershipBan:
		if senderMembership != event.MembershipJoin {
			return reject(evt.Type, RuleSenderMembership, "sender not in room")
		} else if !pl.CanUserDo(evt.Sender, powerlevels.ActionBan) || pl.GetUserLevel(target) >= pl.GetUserLevel(evt.Sender) {
			return reject(evt.Type, RuleBan, "cannot ban user")
		}
		return nil
	case event.MembershipKnock:
		if joinRule != event.JoinRuleKnock && joinRule != event.JoinRuleKnockRestricted {
			return reject(evt.Type, RuleKnock, "join rules do not permit knocking")
		} else if evt.Sender != target {
			return reject(evt.Type, RuleKnock, "cannot knock on behalf of another user")
		} else if senderMembership == event.MembershipBan || senderMembership == event.MembershipJoin {
			return reject(evt.Type, RuleKnock, "cannot knock while banned or already joined to room")
		}
		return nil
	default:
		return reject(evt.Type, RuleMembership, "unknown membership state")
	}
}

var (
	plScalarFields = []string{"users_default", "events_default", "state_default", "ban", "redact", "kick", "invite"}
	plMapFields    = []string{"events", "notifications"}
)

func plScalarDefault(field string) int {
	switch field {
	case "events_default", "invite", "users_default":
		return 0
	default:
		return 50
	}
}

func checkPowerLevels(evt *pdu.Event, oldEvt *pdu.Event, pl *powerlevels.PowerLevels) error {
	newContent := gjson.ParseBytes(evt.Content)
	for _, field := range plScalarFields {
		if val := newContent.Get(field); val.Exists() {
			if _, ok := powerlevels.Int(val); !ok {
				return reject(evt.Type, RulePowerLevels, "%q must be an integer", field)
			}
		}
	}
	for _, field := range plMapFields {
		val := newContent.Get(field)
		if !val.Exists() {
			continue
		} else if !val.IsObject() {
			return reject(evt.Type, RulePowerLevels, "%q must be an object/map", field)
		}
		var err error
		val.ForEach(func(_, v gjson.Result) bool {
			if _, ok := powerlevels.Int(v); !ok {
				err = reject(evt.Type, RulePowerLevels, "values under %q must be an integer", field)
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	if users := newContent.Get("users"); users.Exists() {
		if !users.IsObject() {
			return reject(evt.Type, RulePowerLevels, `"users" must be an object/map`)
		}
		var err error
		users.ForEach(func(k, v gjson.Result) bool {
			if !strings.HasPrefix(k.Str, "@") {
				err = reject(evt.Type, RulePowerLevels, `%q under "users" must be a user ID`, k.Str)
			} else if _, ok := powerlevels.Int(v); !ok {
				err = reject(evt.Type, RulePowerLevels, `%q under "users" must have an integer value`, k.Str)
			}
			return err == nil
		})
		if err != nil {
			return err
		}
	}

	if oldEvt == nil {
		// The first power levels event is always allowed.
		return nil
	}
	oldContent := gjson.ParseBytes(oldEvt.Content)
	userLevel := pl.GetUserLevel(evt.Sender)

	for _, field := range plScalarFields {
		oldVal, oldOK := powerlevels.Int(oldContent.Get(field))
		newVal, newOK := powerlevels.Int(newContent.Get(field))
		if oldOK == newOK && oldVal == newVal {
			continue
		}
		if !oldOK {
			oldVal = plScalarDefault(field)
		}
		if !newOK {
			newVal = plScalarDefault(field)
		}
		if newVal > userLevel || oldVal > userLevel {
			return reject(evt.Type, RulePowerLevels, "%q has too high of a new/old value for this user to change", field)
		}
	}

	for _, field := range plMapFields {
		oldMap, newMap := intMap(oldContent.Get(field)), intMap(newContent.Get(field))
		for key, oldVal := range oldMap {
			newVal, exists := newMap[key]
			if exists && newVal == oldVal {
				continue
			}
			if oldVal > userLevel {
				return reject(evt.Type, RulePowerLevels, "%q under %q has too high of an old value for this user to change", key, field)
			} else if exists && newVal > userLevel {
				return reject(evt.Type, RulePowerLevels, "%q under %q has too high of a new value for this user to change", key, field)
			}
		}
		for key, newVal := range newMap {
			if _, exists := oldMap[key]; !exists && newVal > userLevel {
				return reject(evt.Type, RulePowerLevels, "%q under %q has too high of a new value for this user to change", key, field)
			}
		}
	}

	oldUsers, newUsers := intMap(oldContent.Get("users")), intMap(newContent.Get("users"))
	for key, oldVal := range oldUsers {
		newVal, exists := newUsers[key]
		if exists && newVal == oldVal {
			continue
		}
		// Users may always lower or remove their own level.
		if key != evt.Sender.String() && oldVal >= userLevel {
			return reject(evt.Type, RulePowerLevels, `%q under "users" has too high of an old value for this user to change`, key)
		} else if exists && newVal > userLevel {
			return reject(evt.Type, RulePowerLevels, `%q under "users" has too high of a new value for this user to change`, key)
		}
	}
	for key, newVal := range newUsers {
		if _, exists := oldUsers[key]; !exists && newVal > userLevel {
			return reject(evt.Type, RulePowerLevels, `%q under "users" has too high of a new value for this user to change`, key)
		}
	}
	return nil
}

// intMap reads an object of integers. Missing or non-object values are treated as empty.
func intMap(res gjson.Result) map[string]int {
	out := make(map[string]int)
	if !res.IsObject() {
		return out
	}
	res.ForEach(func(k, v gjson.Result) bool {
		if val, ok := powerlevels.Int(v); ok {
			out[k.Str] = val
		}
		return true
	})
	return out
}
