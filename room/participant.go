package room

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/keys"
	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/roomversion"
)

var ErrNotAnInvite = errors.New("not an invite for a local user")

// CountersignInvite checks an invite sent by a hub for one of our users and returns it with our
// signature added. The caller is responsible for remembering the invite.
func CountersignInvite(ctx context.Context, deps *Deps, invite *pdu.Event, rv roomversion.RoomVersion) (*pdu.Event, error) {
	if err := rv.CheckValidity(ctx, invite, deps.Keys); err != nil {
		return nil, err
	}
	switch {
	case invite.Type != event.StateMember.Type:
		return nil, fmt.Errorf("%w: not a membership event", ErrNotAnInvite)
	case pdu.ServerName(invite.GetStateKey()) != deps.Identity.ServerName:
		return nil, fmt.Errorf("%w: event not for local member", ErrNotAnInvite)
	case invite.Membership() != string(event.MembershipInvite):
		return nil, fmt.Errorf("%w: membership is %q", ErrNotAnInvite, invite.Membership())
	}
	signed := invite.Clone()
	if err := deps.Identity.SignEvent(rv, signed); err != nil {
		return nil, fmt.Errorf("failed to sign invite: %w", err)
	}
	return signed, nil
}

// JoinFromTemplate turns a make_join template into an LPDU addressed to the hub and signed by us.
func JoinFromTemplate(identity *keys.ServerIdentity, rv roomversion.RoomVersion, template *pdu.Event, hubServer string) (*pdu.Event, error) {
	if template.Type != event.StateMember.Type ||
		template.Membership() != string(event.MembershipJoin) ||
		template.GetStateKey() != template.Sender.String() {
		return nil, ErrNotAJoin
	} else if pdu.ServerName(template.Sender) != identity.ServerName {
		return nil, fmt.Errorf("template is for non-local user %s", template.Sender)
	}
	join := template.ToLPDU()
	join.Signatures = nil
	join.Hashes = pdu.Hashes{}
	join.HubServer = hubServer
	lpduHash, err := roomversion.LPDUHash(join)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate LPDU hash: %w", err)
	}
	join.Hashes.LPDU = &pdu.LPDUHash{SHA256: lpduHash}
	if err = identity.SignEvent(rv, join); err != nil {
		return nil, fmt.Errorf("failed to sign join: %w", err)
	}
	return join, nil
}

// HasMember reports whether the user currently has the given membership in the room.
func (r *Room) HasMember(userID id.UserID, membership event.Membership) bool {
	return r.CurrentState().Membership(userID) == membership
}
