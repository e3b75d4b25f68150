// Package roomversion implements the versioned algorithms of a room: redaction, hashing, event validity
// and authorization rules.
package roomversion

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.mau.fi/lmhub/pdu"
)

const IDLinearized00 = "org.matrix.i-d.ralston-mimi-linearized-matrix.00"

// Default is the room version used for newly created rooms.
const Default = IDLinearized00

// SignatureValidator checks that an object carries a valid signature from a server.
type SignatureValidator interface {
	ValidateDomainSignature(ctx context.Context, obj map[string]any, serverName string) error
}

type RoomVersion interface {
	ID() string
	// RedactObject strips a generic event object to its preserved skeleton.
	RedactObject(obj map[string]any) map[string]any
	// Redact returns the redacted object form of the event without its event ID.
	Redact(evt *pdu.Event) (map[string]any, error)
	// CheckValidity checks the schema, signatures and content hash of a PDU.
	CheckValidity(ctx context.Context, evt *pdu.Event, sv SignatureValidator) error
	// CheckAuth checks whether the event is allowed after the given ordered list of accepted events.
	CheckAuth(evt *pdu.Event, prior []*pdu.Event) error
}

var versions = map[string]RoomVersion{
	IDLinearized00: &linearized00{redaction: linearized00Redaction},
}

// Get returns the implementation of the given room version identifier.
func Get(versionID string) (RoomVersion, error) {
	rv, ok := versions[versionID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownRoomVersion, versionID)
	}
	return rv, nil
}

// FromCreateEvent returns the room version declared in a create event's content.
func FromCreateEvent(evt *pdu.Event) (RoomVersion, error) {
	return Get(evt.ContentValue("room_version").Str)
}

// Supported returns whether the given room version identifier is implemented.
func Supported(versionID string) bool {
	_, ok := versions[versionID]
	return ok
}

// IDs returns the identifiers of every implemented room version in sorted order.
func IDs() []string {
	return slices.Sorted(maps.Keys(versions))
}

type linearized00 struct {
	redaction *RedactionTable
}

var _ RoomVersion = (*linearized00)(nil)

func (rv *linearized00) ID() string {
	return IDLinearized00
}

func (rv *linearized00) RedactObject(obj map[string]any) map[string]any {
	return rv.redaction.Redact(obj)
}

func (rv *linearized00) Redact(evt *pdu.Event) (map[string]any, error) {
	return redactEvent(rv.redaction, evt)
}
