// Package room implements the hub and participant sides of a linearized room.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/keys"
	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/roomstate"
	"go.mau.fi/lmhub/roomversion"
	"go.mau.fi/lmhub/timeline"
)

type Role int

const (
	RoleParticipant Role = iota
	RoleHub
)

func (r Role) String() string {
	switch r {
	case RoleHub:
		return "hub"
	case RoleParticipant:
		return "participant"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

var (
	ErrNotHub       = errors.New("this server is not the hub of the room")
	ErrIsHub        = errors.New("this server is the hub of the room")
	ErrNoCreate     = errors.New("state snapshot has no create event")
	ErrWrongRoom    = errors.New("event belongs to a different room")
	ErrInvalidState = errors.New("invalid state snapshot")
)

// Federation is the outbound server-to-server surface a room needs.
type Federation interface {
	timeline.EventFetcher
	SendEvents(ctx context.Context, serverName string, events []*pdu.Event) error
	SendLinearizedPDUs(ctx context.Context, serverName string, lpdus []*pdu.Event) error
	SendInvite(ctx context.Context, serverName string, invite *pdu.Event, rv roomversion.RoomVersion) (*pdu.Event, error)
}

// Deps bundles the server-wide services shared by every room.
type Deps struct {
	Identity   *keys.ServerIdentity
	Keys       roomversion.SignatureValidator
	Federation Federation

	// RecursionLimit and FanoutConcurrency fall back to package defaults when zero.
	RecursionLimit    int
	FanoutConcurrency int
}

// Room is a room known to this server. Hub rooms own the canonical ordering and formalize events,
// participant rooms forward their events to the hub and mirror what it sends back.
type Room struct {
	ID id.RoomID

	deps     *Deps
	timeline *timeline.Timeline
	role     Role

	// sendLock serializes formalization, insertion and fanout so prev_events always point at the tip.
	sendLock sync.Mutex
}

func newRoom(roomID id.RoomID, rv roomversion.RoomVersion, deps *Deps, role Role) *Room {
	r := &Room{
		ID:   roomID,
		deps: deps,
		role: role,
	}
	r.timeline = timeline.New(rv, &parentFetcher{room: r})
	r.timeline.Validator = deps.Keys
	if deps.RecursionLimit > 0 {
		r.timeline.RecursionLimit = deps.RecursionLimit
	}
	return r
}

// parentFetcher asks the hub for missing parents when this server is only a participant.
type parentFetcher struct {
	room *Room
}

func (pf *parentFetcher) GetEvent(ctx context.Context, serverName string, eventID id.EventID, rv roomversion.RoomVersion) (*pdu.Event, error) {
	if pf.room.deps.Federation == nil {
		return nil, timeline.ErrNoFetcher
	}
	if hub := pf.room.HubDomain(); hub != pf.room.deps.Identity.ServerName {
		serverName = hub
	}
	return pf.room.deps.Federation.GetEvent(ctx, serverName, eventID, rv)
}

func (r *Room) Role() Role {
	return r.role
}

func (r *Room) IsHub() bool {
	return r.role == RoleHub
}

func (r *Room) Version() roomversion.RoomVersion {
	return r.timeline.Version()
}

// HubDomain returns the server that created the room, or this server if the room has no create event yet.
func (r *Room) HubDomain() string {
	events := r.timeline.Events()
	if len(events) > 0 && events[0].Type == event.StateCreate.Type {
		return pdu.ServerName(events[0].Sender)
	}
	return r.deps.Identity.ServerName
}

func (r *Room) Event(eventID id.EventID) *pdu.Event {
	return r.timeline.Get(eventID)
}

// Events returns the room timeline in order.
func (r *Room) Events() []*pdu.Event {
	return r.timeline.Events()
}

func (r *Room) CurrentState() *roomstate.State {
	return roomstate.Derive(r.timeline.Events())
}

func (r *Room) JoinedUserIDs() []id.UserID {
	return r.CurrentState().JoinedUserIDs()
}

// Subscribe registers a callback for every event committed to the room timeline.
func (r *Room) Subscribe(fn func(*pdu.Event)) (unsubscribe func()) {
	return r.timeline.Subscribe(fn)
}

// CreateEvent turns a partial event into an LPDU signed by this server. When another server is the
// hub, the LPDU names it and carries the origin's LPDU hash, otherwise it carries a content hash.
func (r *Room) CreateEvent(partial *pdu.PartialEvent) (*pdu.Event, error) {
	evt := &pdu.Event{
		Kind:           pdu.KindLPDU,
		RoomID:         r.ID,
		Type:           partial.Type,
		StateKey:       partial.StateKey,
		Sender:         partial.Sender,
		OriginServerTS: time.Now().UnixMilli(),
		Content:        partial.Content,
	}
	if hub := r.HubDomain(); hub != r.deps.Identity.ServerName {
		evt.HubServer = hub
		lpduHash, err := roomversion.LPDUHash(evt)
		if err != nil {
			return nil, fmt.Errorf("failed to calculate LPDU hash: %w", err)
		}
		evt.Hashes.LPDU = &pdu.LPDUHash{SHA256: lpduHash}
	} else if err := roomversion.AddContentHash(evt); err != nil {
		return nil, fmt.Errorf("failed to calculate content hash: %w", err)
	}
	if err := r.deps.Identity.SignEvent(r.Version(), evt); err != nil {
		return nil, fmt.Errorf("failed to sign event: %w", err)
	}
	return evt, nil
}

// SendEvent submits an LPDU created by this server or received from a participant. The hub formalizes
// and distributes it, participants forward it to the hub. The returned event is what was sent.
func (r *Room) SendEvent(ctx context.Context, lpdu *pdu.Event) (*pdu.Event, error) {
	if lpdu.RoomID != r.ID {
		return nil, fmt.Errorf("%w: %s", ErrWrongRoom, lpdu.RoomID)
	}
	if r.role == RoleHub {
		return r.hubSendEvent(ctx, lpdu)
	}
	hub := r.HubDomain()
	zerolog.Ctx(ctx).Debug().
		Stringer("room_id", r.ID).
		Str("event_type", lpdu.Type).
		Str("hub_server", hub).
		Msg("Forwarding linearized PDU to hub")
	if err := r.deps.Federation.SendLinearizedPDUs(ctx, hub, []*pdu.Event{lpdu}); err != nil {
		return nil, fmt.Errorf("failed to send event to hub %s: %w", hub, err)
	}
	return lpdu, nil
}

// Send is a shortcut for creating an event and sending it.
func (r *Room) Send(ctx context.Context, partial *pdu.PartialEvent) (*pdu.Event, error) {
	evt, err := r.CreateEvent(partial)
	if err != nil {
		return nil, err
	}
	return r.SendEvent(ctx, evt)
}

func (r *Room) sendMembership(ctx context.Context, sender, target id.UserID, membership event.Membership) (*pdu.Event, error) {
	content, err := jsonContent(map[string]any{"membership": membership})
	if err != nil {
		return nil, err
	}
	return r.Send(ctx, &pdu.PartialEvent{
		Type:     event.StateMember.Type,
		StateKey: pdu.StateKeyPtr(target.String()),
		Sender:   sender,
		Content:  content,
	})
}

func (r *Room) Invite(ctx context.Context, sender, target id.UserID) (*pdu.Event, error) {
	return r.sendMembership(ctx, sender, target, event.MembershipInvite)
}

func (r *Room) Join(ctx context.Context, userID id.UserID) (*pdu.Event, error) {
	return r.sendMembership(ctx, userID, userID, event.MembershipJoin)
}

func (r *Room) Leave(ctx context.Context, userID id.UserID) (*pdu.Event, error) {
	return r.sendMembership(ctx, userID, userID, event.MembershipLeave)
}

// ReceiveEvent accepts a formalized event from the hub into the local copy of the timeline.
func (r *Room) ReceiveEvent(ctx context.Context, evt *pdu.Event) error {
	if r.role == RoleHub {
		return ErrIsHub
	}
	return r.admit(ctx, evt)
}

// admit derives the event ID of a formalized event, checks it and inserts it.
func (r *Room) admit(ctx context.Context, evt *pdu.Event) error {
	if evt.RoomID != r.ID {
		return fmt.Errorf("%w: %s", ErrWrongRoom, evt.RoomID)
	}
	evt = evt.Clone()
	if err := roomversion.FillEventID(r.Version(), evt); err != nil {
		return err
	}
	return r.inject(ctx, evt)
}

func (r *Room) inject(ctx context.Context, evt *pdu.Event) error {
	if err := r.Version().CheckValidity(ctx, evt, r.deps.Keys); err != nil {
		return err
	}
	return r.timeline.Insert(ctx, evt)
}
