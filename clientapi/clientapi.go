// Package clientapi serves a small WebSocket protocol for local users to create rooms, invite, join and
// exchange events.
package clientapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/exsync"
	"go.mau.fi/util/requestlog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/room"
	"go.mau.fi/lmhub/roomstore"
)

const DumpPath = "/_lmhub/client/v1/dump/"

var connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "lmhub_client_connections",
	Help: "Number of connected WebSocket clients",
})

type API struct {
	ServerName string
	Rooms      *roomstore.RoomStore
	Invites    *roomstore.InviteStore
	Log        zerolog.Logger
	// DumpSecret guards the HTTP room dump endpoint. The endpoint is disabled when nil.
	DumpSecret *[32]byte

	upgrader   websocket.Upgrader
	clients    *exsync.Set[*Client]
	subscribed *exsync.Set[*room.Room]
	closed     atomic.Bool
}

func New(serverName string, rooms *roomstore.RoomStore, invites *roomstore.InviteStore, log zerolog.Logger) *API {
	api := &API{
		ServerName: serverName,
		Rooms:      rooms,
		Invites:    invites,
		Log:        log.With().Str("component", "client api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:    exsync.NewSet[*Client](),
		subscribed: exsync.NewSet[*room.Room](),
	}
	rooms.OnRoom(api.onRoom)
	for _, r := range rooms.All() {
		api.onRoom(r)
	}
	invites.OnInvite(api.onInvite)
	return api
}

// Handler serves the WebSocket endpoint at wsPath and room dumps under DumpPath.
func (api *API) Handler(wsPath string) http.Handler {
	mux := http.NewServeMux()
	// The upgrade needs the unwrapped writer, so the access logger only covers the dump endpoint.
	mux.Handle("GET "+wsPath, hlog.NewHandler(api.Log)(http.HandlerFunc(api.ServeWS)))
	mux.Handle("GET "+DumpPath+"{roomID}", exhttp.ApplyMiddleware(
		http.HandlerFunc(api.GetRoomDump),
		hlog.NewHandler(api.Log),
		exhttp.CORSMiddleware,
		requestlog.AccessLogger(requestlog.Options{Recover: true}),
		SecretAuth(api.DumpSecret),
	))
	return mux
}

// Close disconnects every client.
func (api *API) Close() {
	api.closed.Store(true)
	for _, client := range api.clients.AsList() {
		client.close()
	}
}

func (api *API) ServeWS(w http.ResponseWriter, r *http.Request) {
	if api.closed.Load() {
		writeError(w, mautrix.MUnknown, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		hlog.FromRequest(r).Debug().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	userID := id.NewUserID(uuid.NewString(), api.ServerName)
	client := newClient(api, conn, userID)
	api.clients.Add(client)
	connectedClients.Inc()
	client.log.Info().Msg("Client connected")
	client.queue(&Packet{Type: PacketLogin, UserID: userID})

	go client.writePump()
	go client.readPump()
}

func (api *API) removeClient(client *Client) {
	if api.clients.Pop(client) {
		connectedClients.Dec()
		client.log.Info().Msg("Client disconnected")
	}
}

func (api *API) clientsFor(userIDs ...id.UserID) []*Client {
	var out []*Client
	for _, client := range api.clients.AsList() {
		for _, target := range userIDs {
			if client.UserID == target {
				out = append(out, client)
				break
			}
		}
	}
	return out
}

func (api *API) onRoom(r *room.Room) {
	if !api.subscribed.Add(r) {
		return
	}
	r.Subscribe(func(evt *pdu.Event) {
		api.broadcast(r, evt)
		if evt.Type == event.StateMember.Type && evt.Membership() == string(event.MembershipInvite) {
			target := id.UserID(evt.GetStateKey())
			if r.CurrentState().Membership(target) != event.MembershipJoin {
				for _, client := range api.clientsFor(target) {
					client.sendEvent(evt, false)
				}
			}
		}
	})
}

func (api *API) onInvite(invite *pdu.Event) {
	for _, client := range api.clientsFor(id.UserID(invite.GetStateKey())) {
		client.sendEvent(invite, false)
	}
}

// broadcast sends events to every connected client whose user is joined to the room.
func (api *API) broadcast(r *room.Room, events ...*pdu.Event) {
	clients := api.clientsFor(r.JoinedUserIDs()...)
	for _, evt := range events {
		for _, client := range clients {
			client.sendEvent(evt, false)
		}
	}
}

func (api *API) GetRoomDump(w http.ResponseWriter, r *http.Request) {
	rm := api.Rooms.Get(id.RoomID(r.PathValue("roomID")))
	if rm == nil {
		writeError(w, mautrix.MNotFound, http.StatusNotFound, "Room not found")
	} else if !rm.IsHub() {
		writeError(w, mautrix.MUnknown, http.StatusInternalServerError, "Room is not a hub room and cannot be introspected")
	} else {
		exhttp.WriteJSONResponse(w, http.StatusOK, rm.Events())
	}
}

func writeError(w http.ResponseWriter, base mautrix.RespError, status int, message string) {
	respErr := base.WithMessage(message)
	respErr.StatusCode = status
	respErr.Write(w)
}

func marshalEvent(evt *pdu.Event, raw bool) (json.RawMessage, error) {
	if raw {
		return json.Marshal(evt)
	}
	return json.Marshal(evt.ToClient())
}

func (api *API) handlePacket(ctx context.Context, client *Client, data []byte) {
	var packet Packet
	if err := json.Unmarshal(data, &packet); err != nil {
		client.log.Debug().Err(err).Msg("Received invalid packet")
		client.queue(&Packet{Type: PacketError, Message: "Invalid packet"})
		return
	}
	log := client.log.With().Stringer("packet_type", packet.Type).Logger()
	ctx = log.WithContext(ctx)
	log.Debug().RawJSON("packet", data).Msg("Received packet")
	fail := func(message string) {
		client.queue(&Packet{Type: PacketError, Message: message, OriginalPacket: data})
	}
	switch packet.Type {
	case PacketCreateRoom:
		rm, err := api.Rooms.Create(ctx, client.UserID)
		if err != nil {
			log.Err(err).Msg("Failed to create room")
			fail(err.Error())
			return
		}
		log.Info().Stringer("room_id", rm.ID).Msg("Room created")
		api.broadcast(rm, rm.Events()...)
	case PacketJoin:
		var err error
		if rm := api.Rooms.Get(packet.TargetRoomID); rm == nil {
			_, err = api.Invites.Accept(ctx, packet.TargetRoomID, client.UserID)
		} else {
			_, err = rm.Join(ctx, client.UserID)
		}
		if errors.Is(err, roomstore.ErrNoPendingInvite) {
			fail("Unknown room")
		} else if err != nil {
			log.Err(err).Stringer("room_id", packet.TargetRoomID).Msg("Failed to join room")
			fail(err.Error())
		}
	case PacketInvite:
		rm := api.Rooms.Get(packet.TargetRoomID)
		if rm == nil {
			fail("Unknown room")
		} else if _, err := rm.Invite(ctx, client.UserID, packet.TargetUserID); err != nil {
			log.Err(err).Stringer("room_id", rm.ID).Msg("Failed to send invite")
			fail(err.Error())
		}
	case PacketSend:
		rm := api.Rooms.Get(packet.RoomID)
		if rm == nil {
			fail("Unknown room")
			return
		}
		content := packet.Content
		if len(content) == 0 {
			content = json.RawMessage("{}")
		}
		_, err := rm.Send(ctx, &pdu.PartialEvent{
			Type:     packet.EventType,
			StateKey: packet.StateKey,
			Sender:   client.UserID,
			Content:  content,
		})
		if err != nil {
			log.Err(err).Stringer("room_id", rm.ID).Msg("Failed to send event")
			fail(err.Error())
		}
	case PacketDumpRoomInfo:
		rm := api.Rooms.Get(packet.RoomID)
		if rm == nil {
			fail("Unknown room")
		} else if !rm.IsHub() {
			fail("Room is not a hub room and cannot be introspected")
		} else {
			for _, evt := range rm.Events() {
				client.sendEvent(evt, true)
			}
		}
	default:
		fail("Unsupported packet type")
	}
}
