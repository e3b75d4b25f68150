// Package roomstate projects the current state of a room from its ordered event list.
package roomstate

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/pdu"
)

type Key struct {
	Type     string
	StateKey string
}

// State maps (type, state key) pairs to the latest state event for the pair. It is never mutated after
// Derive returns.
type State struct {
	events map[Key]*pdu.Event
	order  []Key
}

// Derive builds the state as of the end of the given ordered event list.
func Derive(events []*pdu.Event) *State {
	st := &State{events: make(map[Key]*pdu.Event)}
	for _, evt := range events {
		if !evt.IsState() {
			continue
		}
		key := Key{Type: evt.Type, StateKey: *evt.StateKey}
		if _, exists := st.events[key]; !exists {
			st.order = append(st.order, key)
		}
		st.events[key] = evt
	}
	return st
}

func (st *State) Get(evtType, stateKey string) *pdu.Event {
	return st.events[Key{Type: evtType, StateKey: stateKey}]
}

// GetAll returns all current state events of the given type.
func (st *State) GetAll(evtType string) []*pdu.Event {
	var out []*pdu.Event
	for _, key := range st.order {
		if key.Type == evtType {
			out = append(out, st.events[key])
		}
	}
	return out
}

// Events returns every current state event in the order their (type, state key) pairs first appeared.
func (st *State) Events() []*pdu.Event {
	out := make([]*pdu.Event, len(st.order))
	for i, key := range st.order {
		out[i] = st.events[key]
	}
	return out
}

func (st *State) Len() int {
	return len(st.order)
}

func (st *State) Create() *pdu.Event {
	return st.Get(event.StateCreate.Type, "")
}

func (st *State) PowerLevels() *pdu.Event {
	return st.Get(event.StatePowerLevels.Type, "")
}

func (st *State) JoinRules() *pdu.Event {
	return st.Get(event.StateJoinRules.Type, "")
}

func (st *State) Member(userID id.UserID) *pdu.Event {
	return st.Get(event.StateMember.Type, userID.String())
}

// Membership returns the user's current membership, or an empty string if they have no member event.
func (st *State) Membership(userID id.UserID) event.Membership {
	evt := st.Member(userID)
	if evt == nil {
		return ""
	}
	return event.Membership(evt.Membership())
}

// JoinRule returns the current join rule, defaulting to invite.
func (st *State) JoinRule() event.JoinRule {
	evt := st.JoinRules()
	if evt != nil {
		if rule := evt.ContentValue("join_rule"); rule.Exists() {
			return event.JoinRule(rule.String())
		}
	}
	return event.JoinRuleInvite
}

// MembersWith returns the user IDs whose current membership matches.
func (st *State) MembersWith(membership event.Membership) []id.UserID {
	var out []id.UserID
	for _, evt := range st.GetAll(event.StateMember.Type) {
		if event.Membership(evt.Membership()) == membership {
			out = append(out, id.UserID(evt.GetStateKey()))
		}
	}
	return out
}

func (st *State) JoinedUserIDs() []id.UserID {
	return st.MembersWith(event.MembershipJoin)
}

// JoinedServers returns the distinct server names of joined users, in first-join order.
func (st *State) JoinedServers() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, userID := range st.JoinedUserIDs() {
		server := pdu.ServerName(userID)
		if _, ok := seen[server]; ok {
			continue
		}
		seen[server] = struct{}{}
		out = append(out, server)
	}
	return out
}
