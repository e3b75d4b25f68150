// Package pdu contains the wire representation of room events.
//
// An event is either an LPDU, the origin-signed form that a participant server hands to the hub,
// or a PDU, the hub-formalized form that additionally carries auth_events and prev_events.
package pdu

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"go.mau.fi/util/exgjson"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/canonicaljson"
)

type Kind int

const (
	// KindLPDU is an event that has not been linearized by the hub yet.
	KindLPDU Kind = iota
	// KindPDU is an event with DAG linkage fields, as produced by the hub.
	KindPDU
)

func (k Kind) String() string {
	switch k {
	case KindLPDU:
		return "lpdu"
	case KindPDU:
		return "pdu"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type LPDUHash struct {
	SHA256 string `json:"sha256"`
}

type Hashes struct {
	SHA256 string    `json:"sha256,omitempty"`
	LPDU   *LPDUHash `json:"lpdu,omitempty"`
	// Extra holds hashes of other algorithms, which are passed through untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

type hashesWire struct {
	SHA256 string    `json:"sha256,omitempty"`
	LPDU   *LPDUHash `json:"lpdu,omitempty"`
}

func (h Hashes) IsEmpty() bool {
	return h.SHA256 == "" && (h.LPDU == nil || h.LPDU.SHA256 == "") && len(h.Extra) == 0
}

func (h Hashes) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(hashesWire{SHA256: h.SHA256, LPDU: h.LPDU}, h.Extra)
}

func (h *Hashes) UnmarshalJSON(data []byte) error {
	var wire hashesWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	extra, err := extraFields(data, "sha256", "lpdu")
	if err != nil {
		return err
	}
	*h = Hashes{SHA256: wire.SHA256, LPDU: wire.LPDU, Extra: extra}
	return nil
}

// extraFields returns the keys of a JSON object that aren't in known.
func extraFields(data []byte, known ...string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, key := range known {
		delete(all, key)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// marshalWithExtra marshals known and adds the extra keys that known doesn't already have.
func marshalWithExtra(known any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(known)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var merged map[string]json.RawMessage
	if err = json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, val := range extra {
		if _, exists := merged[key]; !exists {
			merged[key] = val
		}
	}
	return json.Marshal(merged)
}

// Signatures maps server names to key IDs to unpadded base64 signatures.
type Signatures map[string]map[id.KeyID]string

func (s Signatures) Clone() Signatures {
	if s == nil {
		return nil
	}
	out := make(Signatures, len(s))
	for server, keys := range s {
		out[server] = maps.Clone(keys)
	}
	return out
}

// Merge adds every signature in other to s, overwriting entries with the same server and key ID.
func (s Signatures) Merge(other Signatures) Signatures {
	if s == nil {
		s = make(Signatures, len(other))
	}
	for server, keys := range other {
		if s[server] == nil {
			s[server] = make(map[id.KeyID]string, len(keys))
		}
		for keyID, sig := range keys {
			s[server][keyID] = sig
		}
	}
	return s
}

// Event is a room event in any of its wire forms.
type Event struct {
	Kind Kind `json:"-"`

	EventID        id.EventID      `json:"event_id,omitempty"`
	RoomID         id.RoomID       `json:"room_id"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         id.UserID       `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	HubServer      string          `json:"hub_server,omitempty"`
	Content        json.RawMessage `json:"content"`
	Hashes         Hashes          `json:"hashes"`
	Signatures     Signatures      `json:"signatures,omitempty"`
	AuthEvents     []id.EventID    `json:"auth_events"`
	PrevEvents     []id.EventID    `json:"prev_events"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`

	// Extra holds unknown top-level fields. They're covered by the content hash, so they must survive
	// a decode and encode cycle.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownFields = []string{
	"event_id", "room_id", "type", "state_key", "sender", "origin_server_ts", "hub_server",
	"content", "hashes", "signatures", "auth_events", "prev_events", "unsigned",
}

type lpduWire struct {
	EventID        id.EventID      `json:"event_id,omitempty"`
	RoomID         id.RoomID       `json:"room_id"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         id.UserID       `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	HubServer      string          `json:"hub_server,omitempty"`
	Content        json.RawMessage `json:"content"`
	Hashes         *Hashes         `json:"hashes,omitempty"`
	Signatures     Signatures      `json:"signatures,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

type pduWire struct {
	lpduWire
	AuthEvents []id.EventID `json:"auth_events"`
	PrevEvents []id.EventID `json:"prev_events"`
}

func (evt *Event) toWire() lpduWire {
	wire := lpduWire{
		EventID:        evt.EventID,
		RoomID:         evt.RoomID,
		Type:           evt.Type,
		StateKey:       evt.StateKey,
		Sender:         evt.Sender,
		OriginServerTS: evt.OriginServerTS,
		HubServer:      evt.HubServer,
		Content:        evt.Content,
		Signatures:     evt.Signatures,
		Unsigned:       evt.Unsigned,
	}
	if len(wire.Content) == 0 {
		wire.Content = json.RawMessage("{}")
	}
	if !evt.Hashes.IsEmpty() {
		hashes := evt.Hashes
		if hashes.LPDU != nil && hashes.LPDU.SHA256 == "" {
			hashes.LPDU = nil
		}
		wire.Hashes = &hashes
	}
	return wire
}

func (evt *Event) MarshalJSON() ([]byte, error) {
	wire := evt.toWire()
	if evt.Kind == KindLPDU {
		return marshalWithExtra(&wire, evt.Extra)
	}
	authEvents, prevEvents := evt.AuthEvents, evt.PrevEvents
	if authEvents == nil {
		authEvents = []id.EventID{}
	}
	if prevEvents == nil {
		prevEvents = []id.EventID{}
	}
	return marshalWithExtra(&pduWire{lpduWire: wire, AuthEvents: authEvents, PrevEvents: prevEvents}, evt.Extra)
}

func (evt *Event) UnmarshalJSON(data []byte) error {
	var wire pduWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	extra, err := extraFields(data, knownFields...)
	if err != nil {
		return err
	}
	*evt = Event{
		EventID:        wire.EventID,
		RoomID:         wire.RoomID,
		Type:           wire.Type,
		StateKey:       wire.StateKey,
		Sender:         wire.Sender,
		OriginServerTS: wire.OriginServerTS,
		HubServer:      wire.HubServer,
		Content:        wire.Content,
		Signatures:     wire.Signatures,
		Unsigned:       wire.Unsigned,
		AuthEvents:     wire.AuthEvents,
		PrevEvents:     wire.PrevEvents,
		Extra:          extra,
	}
	if wire.Hashes != nil {
		evt.Hashes = *wire.Hashes
	}
	if gjson.GetBytes(data, "auth_events").Exists() || gjson.GetBytes(data, "prev_events").Exists() {
		evt.Kind = KindPDU
	}
	return nil
}

// ToObject returns the event as a generic JSON object suitable for redaction, hashing and signing.
func (evt *Event) ToObject() (map[string]any, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	val, err := canonicaljson.Decode(data)
	if err != nil {
		return nil, err
	}
	return val.(map[string]any), nil
}

// FromObject parses a generic JSON object into an event.
func FromObject(obj map[string]any) (*Event, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var evt Event
	if err = json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

func (evt *Event) IsState() bool {
	return evt.StateKey != nil
}

func (evt *Event) GetStateKey() string {
	if evt.StateKey == nil {
		return ""
	}
	return *evt.StateKey
}

// ContentValue reads a field from the event content. Each path element is one object key.
func (evt *Event) ContentValue(path ...string) gjson.Result {
	return gjson.GetBytes(evt.Content, exgjson.Path(path...))
}

// Membership returns content.membership, or an empty string if it's missing.
func (evt *Event) Membership() string {
	res := evt.ContentValue("membership")
	if res.Type != gjson.String {
		return ""
	}
	return res.Str
}

// Clone returns a deep copy of the event.
func (evt *Event) Clone() *Event {
	clone := *evt
	if evt.StateKey != nil {
		stateKey := *evt.StateKey
		clone.StateKey = &stateKey
	}
	clone.Content = slices.Clone(evt.Content)
	clone.Unsigned = slices.Clone(evt.Unsigned)
	clone.Signatures = evt.Signatures.Clone()
	clone.AuthEvents = slices.Clone(evt.AuthEvents)
	clone.PrevEvents = slices.Clone(evt.PrevEvents)
	clone.Extra = maps.Clone(evt.Extra)
	clone.Hashes.Extra = maps.Clone(evt.Hashes.Extra)
	if evt.Hashes.LPDU != nil {
		lpdu := *evt.Hashes.LPDU
		clone.Hashes.LPDU = &lpdu
	}
	return &clone
}

// ToLPDU returns the origin-signed form of the event: linkage fields, the event ID and the
// hub's content hash are removed.
func (evt *Event) ToLPDU() *Event {
	lpdu := evt.Clone()
	lpdu.Kind = KindLPDU
	lpdu.EventID = ""
	lpdu.AuthEvents = nil
	lpdu.PrevEvents = nil
	lpdu.Hashes.SHA256 = ""
	return lpdu
}

// WithoutEventID returns a copy of the event as sent over federation, where the event ID is implied.
func (evt *Event) WithoutEventID() *Event {
	clone := evt.Clone()
	clone.EventID = ""
	return clone
}

// InsertAfter returns the out-of-band insertion hint from unsigned.insert_after, if any.
func (evt *Event) InsertAfter() (id.EventID, bool) {
	if len(evt.Unsigned) == 0 {
		return "", false
	}
	res := gjson.GetBytes(evt.Unsigned, "insert_after")
	if res.Type != gjson.String {
		return "", false
	}
	return id.EventID(res.Str), true
}

// ServerName returns the server name part of a user, room or event ID.
func ServerName[T ~string](identifier T) string {
	_, server, found := strings.Cut(string(identifier), ":")
	if !found {
		return ""
	}
	return server
}

// StateKeyPtr is a helper for constructing state events.
func StateKeyPtr(key string) *string {
	return &key
}
