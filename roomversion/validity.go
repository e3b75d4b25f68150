package roomversion

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"

	"go.mau.fi/lmhub/pdu"
)

var (
	roomIDRegex  = regexp.MustCompile(`^!.+:.+$`)
	userIDRegex  = regexp.MustCompile(`^@.+:.+$`)
	eventIDRegex = regexp.MustCompile(`^\$.+$`)
	keyIDRegex   = regexp.MustCompile(`^ed25519:.+$`)
)

func checkSchema(evt *pdu.Event) []string {
	var problems []string
	if evt.EventID != "" && !eventIDRegex.MatchString(evt.EventID.String()) {
		problems = append(problems, "the event ID should be a string prefixed with `$`")
	}
	if !roomIDRegex.MatchString(evt.RoomID.String()) {
		problems = append(problems, "the room ID should be a string prefixed with `!` and contain a `:`")
	}
	if evt.Type == "" {
		problems = append(problems, "the event type is required")
	}
	if !userIDRegex.MatchString(evt.Sender.String()) {
		problems = append(problems, "the sender should be a string prefixed with `@` and contain a `:`")
	}
	if len(evt.Content) > 0 && !gjson.ParseBytes(evt.Content).IsObject() {
		problems = append(problems, "the event content should be an object")
	}
	if len(evt.Unsigned) > 0 && !gjson.ParseBytes(evt.Unsigned).IsObject() {
		problems = append(problems, "the event's unsigned content should be an object")
	}
	if evt.HubServer != "" && len(evt.HubServer) < 3 {
		problems = append(problems, "the hub server should be a string representing a domain")
	}
	if evt.Hashes.SHA256 == "" {
		problems = append(problems, "the sha256 hash is required and should be a non-empty string")
	}
	if len(evt.Signatures) == 0 {
		problems = append(problems, "signatures are required")
	}
	for server, sigs := range evt.Signatures {
		if server == "" {
			problems = append(problems, "signatures should be keyed by domain")
		}
		for keyID, sig := range sigs {
			if !keyIDRegex.MatchString(string(keyID)) || sig == "" {
				problems = append(problems, "signatures should map domain to ed25519 key ID to signature")
				break
			}
		}
	}
	if evt.Kind != pdu.KindPDU {
		problems = append(problems, "auth events and previous events are required")
	}
	return problems
}

func (rv *linearized00) CheckValidity(ctx context.Context, evt *pdu.Event, sv SignatureValidator) error {
	if evt == nil {
		return &ValidationError{Reason: "no event supplied"}
	}
	if evt.Type == event.StateCreate.Type && evt.ContentValue("room_version").Str != rv.ID() {
		return &ValidationError{EventType: evt.Type, Reason: "invalid room_version field"}
	}
	if problems := checkSchema(evt); len(problems) > 0 {
		return &ValidationError{EventType: evt.Type, Reason: "event failed validation: " + strings.Join(problems, ", ")}
	}

	origin := pdu.ServerName(evt.Sender)
	if evt.HubServer != "" {
		redacted, err := rv.Redact(evt)
		if err != nil {
			return &ValidationError{EventType: evt.Type, Reason: "failed to redact event", Err: err}
		}
		if err = sv.ValidateDomainSignature(ctx, redacted, evt.HubServer); err != nil {
			return signatureError(evt, "signature error on hub_server", err)
		}
		if origin != evt.HubServer {
			redacted, err = rv.Redact(evt.ToLPDU())
			if err != nil {
				return &ValidationError{EventType: evt.Type, Reason: "failed to redact LPDU", Err: err}
			}
			if err = sv.ValidateDomainSignature(ctx, redacted, origin); err != nil {
				return signatureError(evt, "signature error from origin (LPDU)", err)
			}
			if evt.Hashes.LPDU == nil || evt.Hashes.LPDU.SHA256 == "" {
				return &ValidationError{EventType: evt.Type, Reason: "missing LPDU hash"}
			}
			lpduHash, err := LPDUHash(evt)
			if err != nil {
				return &ValidationError{EventType: evt.Type, Reason: "failed to calculate LPDU hash", Err: err}
			} else if lpduHash != evt.Hashes.LPDU.SHA256 {
				return &ValidationError{EventType: evt.Type, Reason: "invalid LPDU hash"}
			}
		}
	} else {
		redacted, err := rv.Redact(evt)
		if err != nil {
			return &ValidationError{EventType: evt.Type, Reason: "failed to redact event", Err: err}
		}
		if err = sv.ValidateDomainSignature(ctx, redacted, origin); err != nil {
			return signatureError(evt, "signature error on origin", err)
		}
	}

	hash, err := ContentHash(evt)
	if err != nil {
		return &ValidationError{EventType: evt.Type, Reason: "failed to calculate content hash", Err: err}
	} else if hash != evt.Hashes.SHA256 {
		return &ValidationError{EventType: evt.Type, Reason: "invalid content hash"}
	}
	return nil
}

func signatureError(evt *pdu.Event, reason string, err error) error {
	var kfe *KeyFetchError
	if errors.As(err, &kfe) {
		reason += " (key fetch failed)"
	}
	return &ValidationError{EventType: evt.Type, Reason: reason, Err: err}
}
