package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/keys"
	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/powerlevels"
	"go.mau.fi/lmhub/roomstate"
	"go.mau.fi/lmhub/roomversion"
)

const fanoutConcurrency = 8

var (
	ErrUnjoinable     = errors.New("user can't join the room")
	ErrNotAJoin       = errors.New("not a join event")
	ErrInviteResponse = errors.New("invalid invite response")
)

var fanoutResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lmhub_room_fanout_total",
	Help: "Number of formalized events sent to participant servers, by outcome",
}, []string{"outcome"})

// JoinResponse is what the hub returns to a server joining one of its rooms.
type JoinResponse struct {
	AuthChain []*pdu.Event
	State     []*pdu.Event
	Event     *pdu.Event
}

func jsonContent(content any) (json.RawMessage, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content: %w", err)
	}
	return data, nil
}

// Create creates a new room hubbed on this server. The creator must be a local user.
func Create(ctx context.Context, deps *Deps, creator id.UserID) (*Room, error) {
	if server := pdu.ServerName(creator); server != deps.Identity.ServerName {
		return nil, fmt.Errorf("creator %s is not a local user", creator)
	}
	rv, err := roomversion.Get(roomversion.Default)
	if err != nil {
		return nil, err
	}
	roomID := id.RoomID(fmt.Sprintf("!%s:%s", uuid.NewString(), deps.Identity.ServerName))
	r := newRoom(roomID, rv, deps, RoleHub)
	log := zerolog.Ctx(ctx).With().Stringer("room_id", roomID).Logger()
	ctx = log.WithContext(ctx)

	initial := []struct {
		evtType string
		content any
	}{
		{event.StateCreate.Type, map[string]any{"room_version": rv.ID()}},
		{event.StateMember.Type, map[string]any{"membership": event.MembershipJoin}},
		{event.StatePowerLevels.Type, powerlevels.DefaultContent(creator)},
		{event.StateJoinRules.Type, map[string]any{"join_rule": event.JoinRuleInvite}},
		{event.StateHistoryVisibility.Type, map[string]any{"history_visibility": "shared"}},
	}
	for _, item := range initial {
		content, err := jsonContent(item.content)
		if err != nil {
			return nil, err
		}
		stateKey := ""
		if item.evtType == event.StateMember.Type {
			stateKey = creator.String()
		}
		_, err = r.Send(ctx, &pdu.PartialEvent{
			Type:     item.evtType,
			StateKey: pdu.StateKeyPtr(stateKey),
			Sender:   creator,
			Content:  content,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to send initial %s event: %w", item.evtType, err)
		}
	}
	log.Info().Stringer("creator", creator).Msg("Created room")
	return r, nil
}

// FromState builds a room from a state snapshot received from its hub. Event IDs are derived under the
// room version named by the create event, and every event is checked before it's inserted.
func FromState(ctx context.Context, deps *Deps, events []*pdu.Event) (*Room, error) {
	idx := slices.IndexFunc(events, func(evt *pdu.Event) bool {
		return evt.Type == event.StateCreate.Type
	})
	if idx < 0 {
		return nil, ErrNoCreate
	}
	rv, err := roomversion.FromCreateEvent(events[idx])
	if err != nil {
		return nil, err
	}
	r := newRoom(events[idx].RoomID, rv, deps, RoleParticipant)
	prepared := make([]*pdu.Event, len(events))
	for i, evt := range events {
		if evt.RoomID != r.ID {
			return nil, fmt.Errorf("%w: event %d is in %s", ErrInvalidState, i, evt.RoomID)
		}
		evt = evt.Clone()
		if err = roomversion.FillEventID(rv, evt); err != nil {
			return nil, err
		} else if err = rv.CheckValidity(ctx, evt, deps.Keys); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidState, evt.EventID, err)
		}
		prepared[i] = evt
	}
	if err = r.timeline.Insert(ctx, prepared...); err != nil {
		return nil, err
	}
	if r.HubDomain() == deps.Identity.ServerName {
		r.role = RoleHub
	}
	return r, nil
}

func (r *Room) hubSendEvent(ctx context.Context, lpdu *pdu.Event) (*pdu.Event, error) {
	if lpdu.HubServer != "" && lpdu.HubServer != r.deps.Identity.ServerName {
		return nil, fmt.Errorf("%w: event is addressed to %s", ErrNotHub, lpdu.HubServer)
	}
	r.sendLock.Lock()
	defer r.sendLock.Unlock()
	evt, err := r.formalize(lpdu)
	if err != nil {
		return nil, err
	}
	return evt, r.reallySend(ctx, evt)
}

// ReceivePDU accepts an event that was already formalized, such as a join returned by send_join.
func (r *Room) ReceivePDU(ctx context.Context, evt *pdu.Event) error {
	if r.role != RoleHub {
		return ErrNotHub
	}
	evt = evt.Clone()
	if err := roomversion.FillEventID(r.Version(), evt); err != nil {
		return err
	}
	r.sendLock.Lock()
	defer r.sendLock.Unlock()
	return r.reallySend(ctx, evt)
}

// selectAuthEvents picks the state events that authorize evt. Missing entries are skipped.
func selectAuthEvents(st *roomstate.State, evt *pdu.Event) []id.EventID {
	var authEvents []id.EventID
	add := func(authEvt *pdu.Event) {
		if authEvt != nil && !slices.Contains(authEvents, authEvt.EventID) {
			authEvents = append(authEvents, authEvt.EventID)
		}
	}
	add(st.Create())
	add(st.PowerLevels())
	add(st.Member(evt.Sender))
	if evt.Type == event.StateMember.Type {
		target := id.UserID(evt.GetStateKey())
		if target != evt.Sender {
			add(st.Member(target))
		}
		switch event.Membership(evt.Membership()) {
		case event.MembershipInvite, event.MembershipJoin:
			add(st.JoinRules())
		}
		if authoriser := evt.ContentValue("join_authorised_via_users_server"); authoriser.Type == gjson.String {
			add(st.Member(id.UserID(authoriser.Str)))
		}
	}
	if authEvents == nil {
		authEvents = []id.EventID{}
	}
	return authEvents
}

// formalize turns an LPDU into a PDU appended to the current tip, then hashes and signs it. Callers
// must hold sendLock.
func (r *Room) formalize(lpdu *pdu.Event) (*pdu.Event, error) {
	evt := lpdu.Clone()
	evt.Kind = pdu.KindPDU
	evt.EventID = ""
	evt.Hashes.SHA256 = ""
	if evt.Hashes.LPDU != nil && evt.Hashes.LPDU.SHA256 == "" {
		evt.Hashes.LPDU = nil
	}
	events := r.timeline.Events()
	if evt.Type == event.StateCreate.Type {
		evt.AuthEvents = []id.EventID{}
	} else {
		evt.AuthEvents = selectAuthEvents(roomstate.Derive(events), evt)
	}
	evt.PrevEvents = []id.EventID{}
	if len(events) > 0 {
		evt.PrevEvents = []id.EventID{events[len(events)-1].EventID}
	}
	rv := r.Version()
	if err := roomversion.AddContentHash(evt); err != nil {
		return nil, err
	} else if err = r.deps.Identity.SignEvent(rv, evt); err != nil {
		return nil, err
	} else if err = roomversion.FillEventID(rv, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// reallySend takes a formalized event through the invite handshake if needed, commits it and fans it
// out to every joined server. Callers must hold sendLock.
func (r *Room) reallySend(ctx context.Context, evt *pdu.Event) error {
	log := zerolog.Ctx(ctx).With().
		Stringer("room_id", r.ID).
		Stringer("event_id", evt.EventID).
		Str("event_type", evt.Type).
		Logger()
	ctx = log.WithContext(ctx)
	if evt.Type == event.StateMember.Type && evt.Membership() == string(event.MembershipInvite) {
		if err := r.remoteInvite(ctx, evt); err != nil {
			return err
		}
	}
	if err := r.inject(ctx, evt); err != nil {
		return err
	}
	log.Debug().Msg("Committed event to hub timeline")
	r.fanout(ctx, evt)
	return nil
}

// remoteInvite asks the invitee's server to countersign an invite when it isn't in the room yet.
func (r *Room) remoteInvite(ctx context.Context, evt *pdu.Event) error {
	self := r.deps.Identity.ServerName
	target := id.UserID(evt.GetStateKey())
	targetServer := pdu.ServerName(target)
	if targetServer == self || slices.Contains(r.CurrentState().JoinedServers(), targetServer) {
		return nil
	}
	rv := r.Version()
	zerolog.Ctx(ctx).Debug().Str("target_server", targetServer).Msg("Sending invite to remote server")
	signed, err := r.deps.Federation.SendInvite(ctx, targetServer, evt.WithoutEventID(), rv)
	if err != nil {
		return fmt.Errorf("failed to send invite to %s: %w", targetServer, err)
	}
	switch {
	case signed == nil:
		return fmt.Errorf("%w: no event returned", ErrInviteResponse)
	case signed.Type != event.StateMember.Type,
		signed.Membership() != string(event.MembershipInvite),
		signed.GetStateKey() != target.String(),
		signed.Sender != evt.Sender:
		return fmt.Errorf("%w: returned event doesn't match the invite", ErrInviteResponse)
	}
	redacted, err := rv.Redact(signed)
	if err != nil {
		return fmt.Errorf("failed to redact invite response: %w", err)
	}
	err = keys.ValidateSignature(redacted, self, r.deps.Identity.KeyID(), r.deps.Identity.PublicKey())
	if err != nil {
		return fmt.Errorf("%w: own signature is not valid: %w", ErrInviteResponse, err)
	}
	if targetSigs, ok := signed.Signatures[targetServer]; ok {
		evt.Signatures = evt.Signatures.Merge(pdu.Signatures{targetServer: targetSigs})
	}
	return nil
}

func (r *Room) fanout(ctx context.Context, evt *pdu.Event) {
	self := r.deps.Identity.ServerName
	servers := slices.DeleteFunc(r.CurrentState().JoinedServers(), func(server string) bool {
		return server == self
	})
	if len(servers) == 0 || r.deps.Federation == nil {
		return
	}
	outbound := []*pdu.Event{evt.WithoutEventID()}
	var eg errgroup.Group
	if r.deps.FanoutConcurrency > 0 {
		eg.SetLimit(r.deps.FanoutConcurrency)
	} else {
		eg.SetLimit(fanoutConcurrency)
	}
	for _, server := range servers {
		eg.Go(func() error {
			if err := r.deps.Federation.SendEvents(ctx, server, outbound); err != nil {
				fanoutResults.WithLabelValues("error").Inc()
				zerolog.Ctx(ctx).Err(err).Str("destination", server).Msg("Failed to send event to participant server")
			} else {
				fanoutResults.WithLabelValues("success").Inc()
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// JoinTemplate builds the join event a remote server should sign for userID. The template has no event
// ID, hashes, signatures or hub server.
func (r *Room) JoinTemplate(userID id.UserID) (*pdu.Event, error) {
	if r.role != RoleHub {
		return nil, ErrNotHub
	}
	content, err := jsonContent(map[string]any{"membership": event.MembershipJoin})
	if err != nil {
		return nil, err
	}
	lpdu, err := r.CreateEvent(&pdu.PartialEvent{
		Type:     event.StateMember.Type,
		StateKey: pdu.StateKeyPtr(userID.String()),
		Sender:   userID,
		Content:  content,
	})
	if err != nil {
		return nil, err
	}
	r.sendLock.Lock()
	defer r.sendLock.Unlock()
	formal, err := r.formalize(lpdu)
	if err != nil {
		return nil, err
	}
	if err = r.Version().CheckAuth(formal, r.timeline.Events()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnjoinable, err)
	}
	formal.EventID = ""
	formal.Signatures = nil
	formal.Hashes = pdu.Hashes{}
	formal.HubServer = ""
	return formal, nil
}

// SendJoin formalizes and commits a join signed by a remote server, returning the room state it needs
// to build its own copy of the room.
func (r *Room) SendJoin(ctx context.Context, join *pdu.Event) (*JoinResponse, error) {
	if r.role != RoleHub {
		return nil, ErrNotHub
	}
	if join.RoomID != r.ID {
		return nil, fmt.Errorf("%w: %s", ErrWrongRoom, join.RoomID)
	}
	if join.Type != event.StateMember.Type ||
		join.Membership() != string(event.MembershipJoin) ||
		join.Sender == "" ||
		join.GetStateKey() != join.Sender.String() {
		return nil, ErrNotAJoin
	}
	r.sendLock.Lock()
	defer r.sendLock.Unlock()
	formal, err := r.formalize(join)
	if err != nil {
		return nil, err
	}
	if err = r.reallySend(ctx, formal); err != nil {
		return nil, err
	}
	resp := &JoinResponse{Event: formal.WithoutEventID()}
	for _, evt := range r.timeline.Events() {
		if evt.EventID == formal.EventID {
			continue
		}
		if slices.Contains(formal.AuthEvents, evt.EventID) {
			resp.AuthChain = append(resp.AuthChain, evt.WithoutEventID())
		}
		resp.State = append(resp.State, evt.WithoutEventID())
	}
	return resp, nil
}
