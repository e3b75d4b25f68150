package clientapi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/pdu"
)

var (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
)

const sendBufferSize = 256

// Client is a single WebSocket connection. Each connection gets a fresh user ID.
type Client struct {
	UserID id.UserID

	api  *API
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	log  zerolog.Logger

	closeOnce sync.Once
}

func newClient(api *API, conn *websocket.Conn, userID id.UserID) *Client {
	return &Client{
		UserID: userID,
		api:    api,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		log:    api.Log.With().Stringer("user_id", userID).Logger(),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		c.api.removeClient(c)
	})
}

// queue schedules a packet to be written. Clients that can't keep up are disconnected.
func (c *Client) queue(packet *Packet) {
	data, err := json.Marshal(packet)
	if err != nil {
		c.log.Err(err).Stringer("packet_type", packet.Type).Msg("Failed to marshal packet")
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.log.Warn().Msg("Send buffer full, disconnecting client")
		c.close()
	}
}

// sendEvent delivers an event to the client. Joins and invites become RoomJoined and RoomInvited
// packets unless the raw federation form was requested.
func (c *Client) sendEvent(evt *pdu.Event, raw bool) {
	if evt.Type == event.StateMember.Type && !raw {
		switch event.Membership(evt.Membership()) {
		case event.MembershipJoin:
			c.queue(&Packet{Type: PacketRoomJoined, RoomID: evt.RoomID, TargetUserID: id.UserID(evt.GetStateKey())})
			return
		case event.MembershipInvite:
			c.queue(&Packet{Type: PacketRoomInvited, RoomID: evt.RoomID, TargetUserID: id.UserID(evt.GetStateKey())})
			return
		}
	}
	data, err := marshalEvent(evt, raw)
	if err != nil {
		c.log.Err(err).Stringer("event_id", evt.EventID).Msg("Failed to marshal event")
		return
	}
	c.queue(&Packet{Type: PacketEvent, Event: data, RawFormat: raw})
}

func (c *Client) readPump() {
	defer c.close()
	ctx, cancel := context.WithCancel(c.log.WithContext(context.Background()))
	defer cancel()

	c.conn.SetReadLimit(int64(maxMessageSize))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("Read error")
			}
			return
		}
		c.api.handlePacket(ctx, c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("Failed to write packet")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("Failed to write ping")
				return
			}
		}
	}
}
