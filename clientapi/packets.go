package clientapi

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"
)

type PacketType int

const (
	PacketLogin PacketType = iota
	PacketCreateRoom
	PacketRoomJoined
	PacketInvite
	PacketRoomInvited
	PacketJoin
	PacketError
	PacketSend
	PacketEvent
	PacketDumpRoomInfo
)

func (pt PacketType) String() string {
	switch pt {
	case PacketLogin:
		return "Login"
	case PacketCreateRoom:
		return "CreateRoom"
	case PacketRoomJoined:
		return "RoomJoined"
	case PacketInvite:
		return "Invite"
	case PacketRoomInvited:
		return "RoomInvited"
	case PacketJoin:
		return "Join"
	case PacketError:
		return "Error"
	case PacketSend:
		return "Send"
	case PacketEvent:
		return "Event"
	case PacketDumpRoomInfo:
		return "DumpRoomInfo"
	default:
		return fmt.Sprintf("PacketType(%d)", int(pt))
	}
}

// Packet is a single WebSocket message in either direction. Which fields are set depends on the type.
type Packet struct {
	Type PacketType `json:"type"`

	// Login
	UserID id.UserID `json:"userId,omitempty"`

	// RoomJoined, RoomInvited, Send, DumpRoomInfo
	RoomID id.RoomID `json:"roomId,omitempty"`
	// RoomJoined, RoomInvited, Invite
	TargetUserID id.UserID `json:"targetUserId,omitempty"`
	// Invite, Join
	TargetRoomID id.RoomID `json:"targetRoomId,omitempty"`

	// Send
	EventType string          `json:"eventType,omitempty"`
	StateKey  *string         `json:"stateKey,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// Error
	Message        string          `json:"message,omitempty"`
	OriginalPacket json.RawMessage `json:"originalPacket,omitempty"`

	// Event. RawFormat means Event holds the full federation form rather than the client view.
	Event     json.RawMessage `json:"event,omitempty"`
	RawFormat bool            `json:"rawFormat,omitempty"`
}
