package fedclient

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/pdu"
)

const LinearizedPrefix = "/_matrix/federation/unstable/org.matrix.i-d.ralston-mimi-linearized-matrix.02"

type Transaction struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []*pdu.Event      `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus,omitempty"`
}

type InviteRequest struct {
	Event       *pdu.Event `json:"event"`
	RoomVersion string     `json:"room_version"`
}

type InviteResponse struct {
	Event *pdu.Event `json:"event"`
}

type MakeJoinResponse struct {
	Event       *pdu.Event `json:"event"`
	RoomVersion string     `json:"room_version"`
}

type SendJoinResponse struct {
	AuthChain      []*pdu.Event `json:"auth_chain"`
	State          []*pdu.Event `json:"state"`
	Event          *pdu.Event   `json:"event"`
	MembersOmitted bool         `json:"members_omitted"`
	Origin         string       `json:"origin"`
}

type EventAuthResponse struct {
	AuthChain []*pdu.Event `json:"auth_chain"`
}

type StateResponse struct {
	AuthChain []*pdu.Event `json:"auth_chain"`
	PDUs      []*pdu.Event `json:"pdus"`
}

type StateIDsResponse struct {
	AuthChainIDs []id.EventID `json:"auth_chain_ids"`
	PDUIDs       []id.EventID `json:"pdu_ids"`
}

type BackfillResponse struct {
	PDUs []*pdu.Event `json:"pdus"`
}
