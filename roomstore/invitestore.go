package roomstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/room"
)

var ErrNoPendingInvite = errors.New("no pending invite")

// Joiner performs the join handshake for an invite against the inviting server and returns the room
// state and the formalized join event.
type Joiner interface {
	AcceptInvite(ctx context.Context, invite *pdu.Event) (state []*pdu.Event, join *pdu.Event, err error)
}

// InviteStore holds invites for local users that haven't been accepted yet.
type InviteStore struct {
	rooms  *RoomStore
	joiner Joiner

	lock    sync.Mutex
	pending []*pdu.Event

	listeners  *exsync.Map[int64, func(*pdu.Event)]
	listenerID atomic.Int64
}

func NewInviteStore(rooms *RoomStore, joiner Joiner) *InviteStore {
	return &InviteStore{
		rooms:     rooms,
		joiner:    joiner,
		listeners: exsync.NewMap[int64, func(*pdu.Event)](),
	}
}

// Add stores an invite and notifies listeners.
func (is *InviteStore) Add(invite *pdu.Event) {
	is.lock.Lock()
	is.pending = append(is.pending, invite)
	is.lock.Unlock()
	for _, fn := range is.listeners.CopyData() {
		fn(invite)
	}
}

// Pending returns the invites waiting for the given user.
func (is *InviteStore) Pending(userID id.UserID) []*pdu.Event {
	is.lock.Lock()
	defer is.lock.Unlock()
	var invites []*pdu.Event
	for _, invite := range is.pending {
		if invite.GetStateKey() == userID.String() {
			invites = append(invites, invite)
		}
	}
	return invites
}

func (is *InviteStore) find(roomID id.RoomID, userID id.UserID) *pdu.Event {
	is.lock.Lock()
	defer is.lock.Unlock()
	for _, invite := range is.pending {
		if invite.RoomID == roomID && invite.GetStateKey() == userID.String() {
			return invite
		}
	}
	return nil
}

func (is *InviteStore) remove(invite *pdu.Event) {
	is.lock.Lock()
	is.pending = slices.DeleteFunc(is.pending, func(other *pdu.Event) bool {
		return other == invite
	})
	is.lock.Unlock()
}

// Accept joins the invited room through the inviting server, registers the room and commits the join.
func (is *InviteStore) Accept(ctx context.Context, roomID id.RoomID, userID id.UserID) (*room.Room, error) {
	invite := is.find(roomID, userID)
	if invite == nil {
		return nil, fmt.Errorf("%w for %s in %s", ErrNoPendingInvite, userID, roomID)
	}
	log := zerolog.Ctx(ctx).With().
		Stringer("room_id", roomID).
		Stringer("user_id", userID).
		Str("inviter_server", pdu.ServerName(invite.Sender)).
		Logger()
	ctx = log.WithContext(ctx)
	state, join, err := is.joiner.AcceptInvite(ctx, invite)
	if err != nil {
		return nil, fmt.Errorf("failed to accept invite: %w", err)
	}
	r, err := room.FromState(ctx, is.rooms.Deps, state)
	if err != nil {
		return nil, fmt.Errorf("failed to build room from state: %w", err)
	} else if r.ID != roomID {
		return nil, fmt.Errorf("state is for %s instead of %s", r.ID, roomID)
	}
	if err = is.rooms.Add(r); err != nil {
		return nil, err
	}
	if r.IsHub() {
		err = r.ReceivePDU(ctx, join)
	} else {
		err = r.ReceiveEvent(ctx, join)
	}
	if err != nil {
		// Forget the room so that the invite can be accepted again.
		is.rooms.Remove(r)
		return nil, fmt.Errorf("failed to commit join: %w", err)
	}
	is.remove(invite)
	log.Info().Stringer("role", r.Role()).Msg("Accepted invite")
	return r, nil
}

// OnInvite registers a callback for newly stored invites.
func (is *InviteStore) OnInvite(fn func(*pdu.Event)) (unsubscribe func()) {
	listenerID := is.listenerID.Add(1)
	is.listeners.Set(listenerID, fn)
	return func() {
		is.listeners.Delete(listenerID)
	}
}
