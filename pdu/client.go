package pdu

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

// ClientEvent is the client-facing view of an event, without any federation fields.
type ClientEvent struct {
	EventID        id.EventID      `json:"event_id,omitempty"`
	RoomID         id.RoomID       `json:"room_id"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         id.UserID       `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

func (evt *Event) ToClient() *ClientEvent {
	clone := evt.Clone()
	content := clone.Content
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}
	return &ClientEvent{
		EventID:        clone.EventID,
		RoomID:         clone.RoomID,
		Type:           clone.Type,
		StateKey:       clone.StateKey,
		Sender:         clone.Sender,
		OriginServerTS: clone.OriginServerTS,
		Content:        content,
	}
}

// PartialEvent is what a local user supplies to create an event.
type PartialEvent struct {
	Type     string          `json:"type"`
	StateKey *string         `json:"state_key,omitempty"`
	Sender   id.UserID       `json:"sender"`
	Content  json.RawMessage `json:"content"`
}
