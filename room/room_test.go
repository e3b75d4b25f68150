package room_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/keys"
	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/room"
	"go.mau.fi/lmhub/roomversion"
)

type staticValidator map[string]*keys.ServerIdentity

func (sv staticValidator) ValidateDomainSignature(_ context.Context, obj map[string]any, serverName string) error {
	si, ok := sv[serverName]
	if !ok {
		return &roomversion.KeyFetchError{ServerName: serverName, Reason: "unknown server"}
	}
	return keys.ValidateSignature(obj, serverName, si.KeyID(), si.PublicKey())
}

// network routes federation calls between in-process servers the way the HTTP endpoints would.
type network struct {
	servers map[string]*testServer
	keys    staticValidator
}

type testServer struct {
	name    string
	net     *network
	deps    *room.Deps
	lock    sync.Mutex
	rooms   map[id.RoomID]*room.Room
	invites []*pdu.Event
	// rejectInvites makes the server refuse to countersign invites.
	rejectInvites bool
}

func newNetwork(t *testing.T) *network {
	a, err := keys.NewIdentityFromSeed("a.org", "1", "YJDBA9Xnr2sVqXD9Vj7XVUnmFZcZrlw8Md7kMW+3XA1")
	require.NoError(t, err)
	b, err := keys.NewIdentityFromSeed("b.org", "1", "YW5vdGhlciB0ZXN0IHNlZWQgb2YgMzIgYnl0ZXMuLiE")
	require.NoError(t, err)
	n := &network{
		servers: make(map[string]*testServer),
		keys:    staticValidator{"a.org": a, "b.org": b},
	}
	for _, si := range []*keys.ServerIdentity{a, b} {
		ts := &testServer{name: si.ServerName, net: n, rooms: make(map[id.RoomID]*room.Room)}
		ts.deps = &room.Deps{Identity: si, Keys: n.keys, Federation: ts}
		n.servers[si.ServerName] = ts
	}
	return n
}

func (ts *testServer) addRoom(r *room.Room) {
	ts.lock.Lock()
	ts.rooms[r.ID] = r
	ts.lock.Unlock()
}

func (ts *testServer) room(roomID id.RoomID) *room.Room {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	return ts.rooms[roomID]
}

func (ts *testServer) dest(serverName string) (*testServer, error) {
	dest, ok := ts.net.servers[serverName]
	if !ok {
		return nil, fmt.Errorf("unknown server %s", serverName)
	}
	return dest, nil
}

func (ts *testServer) SendEvents(ctx context.Context, serverName string, events []*pdu.Event) error {
	dest, err := ts.dest(serverName)
	if err != nil {
		return err
	}
	for _, evt := range events {
		// Round trip through JSON like the transport would.
		evt = roundTrip(evt)
		r := dest.room(evt.RoomID)
		if r == nil {
			continue
		}
		if r.IsHub() {
			err = r.ReceivePDU(ctx, evt)
		} else {
			err = r.ReceiveEvent(ctx, evt)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (ts *testServer) SendLinearizedPDUs(ctx context.Context, serverName string, lpdus []*pdu.Event) error {
	dest, err := ts.dest(serverName)
	if err != nil {
		return err
	}
	for _, lpdu := range lpdus {
		lpdu = roundTrip(lpdu)
		r := dest.room(lpdu.RoomID)
		if r == nil {
			continue
		}
		if _, err = r.SendEvent(ctx, lpdu); err != nil {
			return err
		}
	}
	return nil
}

func (ts *testServer) SendInvite(ctx context.Context, serverName string, invite *pdu.Event, rv roomversion.RoomVersion) (*pdu.Event, error) {
	dest, err := ts.dest(serverName)
	if err != nil {
		return nil, err
	}
	if dest.rejectInvites {
		return nil, fmt.Errorf("invites are disabled")
	}
	signed, err := room.CountersignInvite(ctx, dest.deps, roundTrip(invite), rv)
	if err != nil {
		return nil, err
	}
	dest.lock.Lock()
	dest.invites = append(dest.invites, signed)
	dest.lock.Unlock()
	return roundTrip(signed), nil
}

func (ts *testServer) GetEvent(_ context.Context, serverName string, eventID id.EventID, rv roomversion.RoomVersion) (*pdu.Event, error) {
	dest, err := ts.dest(serverName)
	if err != nil {
		return nil, err
	}
	dest.lock.Lock()
	defer dest.lock.Unlock()
	for _, r := range dest.rooms {
		if evt := r.Event(eventID); evt != nil {
			fetched := roundTrip(evt.WithoutEventID())
			if err = roomversion.FillEventID(rv, fetched); err != nil {
				return nil, err
			}
			return fetched, nil
		}
	}
	return nil, fmt.Errorf("event %s not found", eventID)
}

// join performs the make_join/send_join handshake from ts against the hub.
func (ts *testServer) join(ctx context.Context, t *testing.T, hub *testServer, roomID id.RoomID, userID id.UserID) *room.Room {
	t.Helper()
	hubRoom := hub.room(roomID)
	template, err := hubRoom.JoinTemplate(userID)
	require.NoError(t, err)
	lpdu, err := room.JoinFromTemplate(ts.deps.Identity, hubRoom.Version(), roundTrip(template), hub.name)
	require.NoError(t, err)
	resp, err := hubRoom.SendJoin(ctx, roundTrip(lpdu))
	require.NoError(t, err)
	local, err := room.FromState(ctx, ts.deps, resp.State)
	require.NoError(t, err)
	ts.addRoom(local)
	require.NoError(t, local.ReceiveEvent(ctx, resp.Event))
	return local
}

func roundTrip(evt *pdu.Event) *pdu.Event {
	data, err := json.Marshal(evt)
	if err != nil {
		panic(err)
	}
	var out pdu.Event
	if err = json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

func eventIDs(events []*pdu.Event) []id.EventID {
	ids := make([]id.EventID, len(events))
	for i, evt := range events {
		ids[i] = evt.EventID
	}
	return ids
}

func message(sender id.UserID, body string) *pdu.PartialEvent {
	return &pdu.PartialEvent{
		Type:    event.EventMessage.Type,
		Sender:  sender,
		Content: json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":%q}`, body)),
	}
}

const (
	alice id.UserID = "@alice:a.org"
	bob   id.UserID = "@bob:b.org"
	carol id.UserID = "@carol:a.org"
)

func TestCreate(t *testing.T) {
	n := newNetwork(t)
	a := n.servers["a.org"]
	ctx := context.Background()

	r, err := room.Create(ctx, a.deps, alice)
	require.NoError(t, err)
	assert.True(t, r.IsHub())
	assert.Equal(t, "a.org", r.HubDomain())
	assert.Equal(t, "a.org", pdu.ServerName(r.ID))
	assert.Equal(t, roomversion.Default, r.Version().ID())

	events := r.Events()
	require.Len(t, events, 5)
	expectedTypes := []string{
		event.StateCreate.Type,
		event.StateMember.Type,
		event.StatePowerLevels.Type,
		event.StateJoinRules.Type,
		event.StateHistoryVisibility.Type,
	}
	for i, evt := range events {
		assert.Equal(t, expectedTypes[i], evt.Type)
		assert.Equal(t, pdu.KindPDU, evt.Kind)
		assert.NotEmpty(t, evt.Hashes.SHA256)
		assert.Empty(t, evt.HubServer)
		require.NoError(t, r.Version().CheckValidity(ctx, evt, n.keys))
		if i == 0 {
			assert.Empty(t, evt.PrevEvents)
			assert.Empty(t, evt.AuthEvents)
		} else {
			assert.Equal(t, []id.EventID{events[i-1].EventID}, evt.PrevEvents)
			assert.Contains(t, evt.AuthEvents, events[0].EventID)
		}
	}
	assert.Equal(t, []id.UserID{alice}, r.JoinedUserIDs())
	assert.Equal(t, event.JoinRuleInvite, r.CurrentState().JoinRule())
	assert.Equal(t, int64(100), events[2].ContentValue("users", alice.String()).Int())

	_, err = room.Create(ctx, a.deps, bob)
	assert.Error(t, err, "remote users can't create rooms here")
}

func TestAuthEventSelection(t *testing.T) {
	n := newNetwork(t)
	a := n.servers["a.org"]
	ctx := context.Background()
	r, err := room.Create(ctx, a.deps, alice)
	require.NoError(t, err)
	events := r.Events()
	create, aliceJoin, pl, joinRules := events[0].EventID, events[1].EventID, events[2].EventID, events[3].EventID

	invite, err := r.Invite(ctx, alice, carol)
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{create, pl, aliceJoin, joinRules}, invite.AuthEvents)

	join, err := r.Join(ctx, carol)
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{create, pl, invite.EventID, joinRules}, join.AuthEvents)

	msg, err := r.Send(ctx, message(carol, "hi"))
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{create, pl, join.EventID}, msg.AuthEvents)
	assert.Equal(t, []id.EventID{join.EventID}, msg.PrevEvents)
}

func TestRejectedEventIsNotCommitted(t *testing.T) {
	n := newNetwork(t)
	a := n.servers["a.org"]
	ctx := context.Background()
	r, err := room.Create(ctx, a.deps, alice)
	require.NoError(t, err)

	_, err = r.Send(ctx, message(carol, "not in the room"))
	var authErr *roomversion.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Len(t, r.Events(), 5)

	_, err = r.Join(ctx, carol)
	require.ErrorAs(t, err, &authErr, "invite-only room")
}

func TestSubscribe(t *testing.T) {
	n := newNetwork(t)
	a := n.servers["a.org"]
	ctx := context.Background()
	r, err := room.Create(ctx, a.deps, alice)
	require.NoError(t, err)

	var got []id.EventID
	unsubscribe := r.Subscribe(func(evt *pdu.Event) {
		got = append(got, evt.EventID)
	})
	first, err := r.Send(ctx, message(alice, "one"))
	require.NoError(t, err)
	second, err := r.Send(ctx, message(alice, "two"))
	require.NoError(t, err)
	unsubscribe()
	_, err = r.Send(ctx, message(alice, "three"))
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{first.EventID, second.EventID}, got)
}

func TestJoinTemplate(t *testing.T) {
	n := newNetwork(t)
	a := n.servers["a.org"]
	ctx := context.Background()
	r, err := room.Create(ctx, a.deps, alice)
	require.NoError(t, err)

	_, err = r.JoinTemplate(bob)
	require.ErrorIs(t, err, room.ErrUnjoinable)

	_, err = r.Invite(ctx, alice, bob)
	require.NoError(t, err)
	template, err := r.JoinTemplate(bob)
	require.NoError(t, err)
	assert.Empty(t, template.EventID)
	assert.Empty(t, template.Signatures)
	assert.True(t, template.Hashes.IsEmpty())
	assert.Empty(t, template.HubServer)
	assert.Equal(t, bob, template.Sender)
	assert.Equal(t, bob.String(), template.GetStateKey())
	assert.Equal(t, []id.EventID{r.Events()[len(r.Events())-1].EventID}, template.PrevEvents)
	assert.Len(t, r.Events(), 6, "template isn't committed")
}

func TestRemoteInviteJoinAndMessage(t *testing.T) {
	n := newNetwork(t)
	a, b := n.servers["a.org"], n.servers["b.org"]
	ctx := context.Background()
	hubRoom, err := room.Create(ctx, a.deps, alice)
	require.NoError(t, err)
	a.addRoom(hubRoom)

	invite, err := hubRoom.Invite(ctx, alice, bob)
	require.NoError(t, err)
	assert.Contains(t, invite.Signatures, "b.org", "invitee countersigned")
	assert.Contains(t, invite.Signatures, "a.org")
	require.Len(t, b.invites, 1)
	assert.Equal(t, hubRoom.ID, b.invites[0].RoomID)

	bRoom := b.join(ctx, t, a, hubRoom.ID, bob)
	assert.False(t, bRoom.IsHub())
	assert.Equal(t, "a.org", bRoom.HubDomain())
	assert.Equal(t, eventIDs(hubRoom.Events()), eventIDs(bRoom.Events()))
	assert.ElementsMatch(t, []id.UserID{alice, bob}, bRoom.JoinedUserIDs())

	join := bRoom.Events()[len(bRoom.Events())-1]
	assert.Equal(t, "a.org", join.HubServer)
	require.NotNil(t, join.Hashes.LPDU)
	assert.Contains(t, join.Signatures, "b.org")

	// Participant events go through the hub and come back formalized.
	lpdu, err := bRoom.CreateEvent(message(bob, "hello from b"))
	require.NoError(t, err)
	assert.Equal(t, pdu.KindLPDU, lpdu.Kind)
	assert.Equal(t, "a.org", lpdu.HubServer)
	assert.Empty(t, lpdu.Hashes.SHA256)
	_, err = bRoom.SendEvent(ctx, lpdu)
	require.NoError(t, err)

	// Hub events fan out to the participant.
	_, err = hubRoom.Send(ctx, message(alice, "hello from a"))
	require.NoError(t, err)

	hubEvents, bEvents := hubRoom.Events(), bRoom.Events()
	require.Len(t, hubEvents, 9)
	assert.Equal(t, eventIDs(hubEvents), eventIDs(bEvents))
	assert.Equal(t, "hello from b", hubEvents[7].ContentValue("body").Str)
	assert.Equal(t, bob, hubEvents[7].Sender)
	assert.Equal(t, "hello from a", bEvents[8].ContentValue("body").Str)

	// Participants can't formalize.
	_, err = bRoom.JoinTemplate(bob)
	assert.ErrorIs(t, err, room.ErrNotHub)
	assert.ErrorIs(t, hubRoom.ReceiveEvent(ctx, hubEvents[8]), room.ErrIsHub)
}

func TestRemoteInviteRejected(t *testing.T) {
	n := newNetwork(t)
	a, b := n.servers["a.org"], n.servers["b.org"]
	b.rejectInvites = true
	ctx := context.Background()
	hubRoom, err := room.Create(ctx, a.deps, alice)
	require.NoError(t, err)

	_, err = hubRoom.Invite(ctx, alice, bob)
	assert.Error(t, err)
	assert.Len(t, hubRoom.Events(), 5)
}

func TestSendJoinRequiresJoin(t *testing.T) {
	n := newNetwork(t)
	a := n.servers["a.org"]
	ctx := context.Background()
	hubRoom, err := room.Create(ctx, a.deps, alice)
	require.NoError(t, err)

	lpdu, err := hubRoom.CreateEvent(message(alice, "not a join"))
	require.NoError(t, err)
	_, err = hubRoom.SendJoin(ctx, lpdu)
	assert.ErrorIs(t, err, room.ErrNotAJoin)
}

func TestCountersignInviteChecks(t *testing.T) {
	n := newNetwork(t)
	a, b := n.servers["a.org"], n.servers["b.org"]
	ctx := context.Background()
	hubRoom, err := room.Create(ctx, a.deps, alice)
	require.NoError(t, err)
	rv := hubRoom.Version()

	// An invite for a user on a.org isn't b.org's business.
	invite, err := hubRoom.Invite(ctx, alice, carol)
	require.NoError(t, err)
	_, err = room.CountersignInvite(ctx, b.deps, invite.WithoutEventID(), rv)
	assert.ErrorIs(t, err, room.ErrNotAnInvite)

	msg, err := hubRoom.Send(ctx, message(alice, "hi"))
	require.NoError(t, err)
	_, err = room.CountersignInvite(ctx, b.deps, msg.WithoutEventID(), rv)
	assert.ErrorIs(t, err, room.ErrNotAnInvite)

	tampered := invite.WithoutEventID()
	tampered.OriginServerTS++
	_, err = room.CountersignInvite(ctx, a.deps, tampered, rv)
	var ve *roomversion.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestFromStateRequiresCreate(t *testing.T) {
	n := newNetwork(t)
	a, b := n.servers["a.org"], n.servers["b.org"]
	ctx := context.Background()
	hubRoom, err := room.Create(ctx, a.deps, alice)
	require.NoError(t, err)

	_, err = room.FromState(ctx, b.deps, hubRoom.Events()[1:])
	assert.ErrorIs(t, err, room.ErrNoCreate)

	// A snapshot of a room hubbed on the same server comes back as a hub room.
	copied, err := room.FromState(ctx, a.deps, hubRoom.Events())
	require.NoError(t, err)
	assert.True(t, copied.IsHub())
	assert.Equal(t, eventIDs(hubRoom.Events()), eventIDs(copied.Events()))
}
