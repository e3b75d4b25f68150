package roomversion

import (
	"fmt"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/canonicaljson"
	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/util"
)

// ContentHash computes the sha256 content hash of an event. Signatures, unsigned data and the derived
// event ID are never covered. PDUs keep their lpdu hash under the hashed object so that the hub's
// hash also covers the origin's hash.
func ContentHash(evt *pdu.Event) (string, error) {
	obj, err := evt.WithoutEventID().ToObject()
	if err != nil {
		return "", fmt.Errorf("failed to convert event to object: %w", err)
	}
	delete(obj, "signatures")
	delete(obj, "unsigned")
	delete(obj, "hashes")
	if evt.Kind == pdu.KindPDU && len(evt.AuthEvents) > 0 && evt.Hashes.LPDU != nil && evt.Hashes.LPDU.SHA256 != "" {
		obj["hashes"] = map[string]any{
			"lpdu": map[string]any{
				"sha256": evt.Hashes.LPDU.SHA256,
			},
		}
	}
	canonical, err := canonicaljson.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize event: %w", err)
	}
	return util.SHA256Base64(canonical), nil
}

// AddContentHash computes the content hash and stores it in hashes.sha256, preserving any lpdu hash.
func AddContentHash(evt *pdu.Event) error {
	hash, err := ContentHash(evt)
	if err != nil {
		return err
	}
	evt.Hashes.SHA256 = hash
	return nil
}

// LPDUHash computes the hash that an origin server stores under hashes.lpdu.sha256: the content hash of
// the event in its LPDU form without any hashes.
func LPDUHash(evt *pdu.Event) (string, error) {
	lpdu := evt.ToLPDU()
	lpdu.Hashes = pdu.Hashes{}
	return ContentHash(lpdu)
}

// ReferenceHash computes the URL-safe reference hash of an already redacted event object.
func ReferenceHash(redacted map[string]any) (string, error) {
	clone := make(map[string]any, len(redacted))
	for key, val := range redacted {
		if key != "signatures" {
			clone[key] = val
		}
	}
	canonical, err := canonicaljson.Marshal(clone)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize redacted event: %w", err)
	}
	return util.SHA256Base64URL(canonical), nil
}

// EventID derives the content-addressed ID of an event under the given room version.
func EventID(rv RoomVersion, evt *pdu.Event) (id.EventID, error) {
	redacted, err := rv.Redact(evt)
	if err != nil {
		return "", err
	}
	hash, err := ReferenceHash(redacted)
	if err != nil {
		return "", err
	}
	return id.EventID("$" + hash), nil
}

// FillEventID derives and stores the event ID.
func FillEventID(rv RoomVersion, evt *pdu.Event) error {
	eventID, err := EventID(rv, evt)
	if err != nil {
		return fmt.Errorf("failed to calculate event ID: %w", err)
	}
	evt.EventID = eventID
	return nil
}
