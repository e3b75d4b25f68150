package roomversion

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownRoomVersion = errors.New("unknown room version")
	ErrMissingSignature   = errors.New("missing signature")
)

// Rule identifies the authorization subrule that rejected an event.
type Rule string

const (
	RuleCreate           Rule = "create"
	RuleFederation       Rule = "federation"
	RuleMembership       Rule = "membership"
	RuleJoin             Rule = "join"
	RuleInvite           Rule = "invite"
	RuleLeave            Rule = "leave"
	RuleBan              Rule = "ban"
	RuleKnock            Rule = "knock"
	RuleSenderMembership Rule = "sender_membership"
	RuleThirdPartyInvite Rule = "third_party_invite"
	RuleSendLevel        Rule = "send_level"
	RuleStateKey         Rule = "state_key"
	RulePowerLevels      Rule = "power_levels"
)

// ValidationError means an event is malformed or its hashes or signatures don't check out.
type ValidationError struct {
	EventType string
	Reason    string
	Err       error
}

func (ve *ValidationError) Error() string {
	if ve.Err != nil {
		return fmt.Sprintf("%s: validation failed: %s: %v", ve.EventType, ve.Reason, ve.Err)
	}
	return fmt.Sprintf("%s: validation failed: %s", ve.EventType, ve.Reason)
}

func (ve *ValidationError) Unwrap() error {
	return ve.Err
}

// AuthorizationError means an event is well-formed but not allowed by the room's current state.
type AuthorizationError struct {
	EventType string
	Rule      Rule
	Reason    string
}

func (ae *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: %s", ae.EventType, ae.Reason)
}

func reject(evtType string, rule Rule, format string, args ...any) error {
	return &AuthorizationError{EventType: evtType, Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// StateInvariantError means the room history is structurally broken, e.g. there's no create event.
type StateInvariantError struct {
	EventType string
	Reason    string
}

func (sie *StateInvariantError) Error() string {
	return fmt.Sprintf("%s: invalid state: %s", sie.EventType, sie.Reason)
}

// KeyFetchError means a remote server's signing keys couldn't be retrieved or verified.
type KeyFetchError struct {
	ServerName string
	Reason     string
	Err        error
}

func (kfe *KeyFetchError) Error() string {
	if kfe.Err != nil {
		return fmt.Sprintf("failed to fetch keys of %s: %s: %v", kfe.ServerName, kfe.Reason, kfe.Err)
	}
	return fmt.Sprintf("failed to fetch keys of %s: %s", kfe.ServerName, kfe.Reason)
}

func (kfe *KeyFetchError) Unwrap() error {
	return kfe.Err
}
