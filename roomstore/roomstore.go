// Package roomstore keeps track of the rooms and pending invites known to this server.
package roomstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/room"
)

var ErrRoomExists = errors.New("room is already known")

var knownRooms = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "lmhub_rooms",
	Help: "Number of rooms known to this server, by role",
}, []string{"role"})

// RoomStore holds every room this server participates in. Rooms are kept in memory only.
type RoomStore struct {
	Deps *room.Deps

	lock          sync.RWMutex
	rooms         map[id.RoomID]*room.Room
	order         []id.RoomID
	unsubscribers map[id.RoomID]func()
	// events maps event IDs to the room they were committed to.
	events *exsync.Map[id.EventID, id.RoomID]

	listeners  *exsync.Map[int64, func(*room.Room)]
	listenerID atomic.Int64
}

func New(deps *room.Deps) *RoomStore {
	return &RoomStore{
		Deps:          deps,
		rooms:         make(map[id.RoomID]*room.Room),
		unsubscribers: make(map[id.RoomID]func()),
		events:        exsync.NewMap[id.EventID, id.RoomID](),
		listeners:     exsync.NewMap[int64, func(*room.Room)](),
	}
}

// Create creates a new room hubbed on this server and registers it.
func (rs *RoomStore) Create(ctx context.Context, creator id.UserID) (*room.Room, error) {
	r, err := room.Create(ctx, rs.Deps, creator)
	if err != nil {
		return nil, err
	}
	if err = rs.Add(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Add registers a room and notifies listeners.
func (rs *RoomStore) Add(r *room.Room) error {
	rs.lock.Lock()
	if _, exists := rs.rooms[r.ID]; exists {
		rs.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrRoomExists, r.ID)
	}
	rs.rooms[r.ID] = r
	rs.order = append(rs.order, r.ID)
	rs.unsubscribers[r.ID] = r.Subscribe(func(evt *pdu.Event) {
		rs.events.Set(evt.EventID, r.ID)
	})
	rs.lock.Unlock()

	for _, evt := range r.Events() {
		rs.events.Set(evt.EventID, r.ID)
	}
	knownRooms.WithLabelValues(r.Role().String()).Inc()
	for _, fn := range rs.listeners.CopyData() {
		fn(r)
	}
	return nil
}

// Remove unregisters a room and drops its events from the index. It's a no-op if a different room
// object is registered under the same ID.
func (rs *RoomStore) Remove(r *room.Room) {
	rs.lock.Lock()
	if rs.rooms[r.ID] != r {
		rs.lock.Unlock()
		return
	}
	delete(rs.rooms, r.ID)
	rs.order = slices.DeleteFunc(rs.order, func(roomID id.RoomID) bool {
		return roomID == r.ID
	})
	unsubscribe := rs.unsubscribers[r.ID]
	delete(rs.unsubscribers, r.ID)
	rs.lock.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, evt := range r.Events() {
		rs.events.Delete(evt.EventID)
	}
	knownRooms.WithLabelValues(r.Role().String()).Dec()
}

func (rs *RoomStore) Get(roomID id.RoomID) *room.Room {
	rs.lock.RLock()
	defer rs.lock.RUnlock()
	return rs.rooms[roomID]
}

// All returns every known room in the order they were added.
func (rs *RoomStore) All() []*room.Room {
	rs.lock.RLock()
	defer rs.lock.RUnlock()
	rooms := make([]*room.Room, len(rs.order))
	for i, roomID := range rs.order {
		rooms[i] = rs.rooms[roomID]
	}
	return rooms
}

// FindEvent looks up an event in any known room.
func (rs *RoomStore) FindEvent(eventID id.EventID) (*room.Room, *pdu.Event) {
	roomID, ok := rs.events.Get(eventID)
	if !ok {
		return nil, nil
	}
	r := rs.Get(roomID)
	if r == nil {
		return nil, nil
	}
	return r, r.Event(eventID)
}

// OnRoom registers a callback for newly added rooms.
func (rs *RoomStore) OnRoom(fn func(*room.Room)) (unsubscribe func()) {
	listenerID := rs.listenerID.Add(1)
	rs.listeners.Set(listenerID, fn)
	return func() {
		rs.listeners.Delete(listenerID)
	}
}

// DispatchTransaction routes events received in a federation transaction to their rooms. Hub rooms
// formalize LPDUs and accept PDUs as is, participant rooms only take PDUs from the hub. Events for
// unknown rooms are skipped.
func (rs *RoomStore) DispatchTransaction(ctx context.Context, events []*pdu.Event) error {
	log := zerolog.Ctx(ctx)
	for _, evt := range events {
		r := rs.Get(evt.RoomID)
		if r == nil {
			log.Warn().Stringer("room_id", evt.RoomID).Msg("Ignoring event for unknown room")
			continue
		}
		var err error
		switch {
		case r.IsHub() && evt.Kind == pdu.KindPDU:
			err = r.ReceivePDU(ctx, evt)
		case r.IsHub():
			_, err = r.SendEvent(ctx, evt)
		default:
			err = r.ReceiveEvent(ctx, evt)
		}
		if err != nil {
			return fmt.Errorf("failed to handle event in %s: %w", evt.RoomID, err)
		}
	}
	return nil
}
