package fedapi

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/fedclient"
	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/room"
	"go.mau.fi/lmhub/roomversion"
)

const maxBackfillLimit = 10

func roomIDParam(r *http.Request) id.RoomID {
	return id.RoomID(r.PathValue("roomID"))
}

func eventIDParam(r *http.Request) id.EventID {
	return id.EventID(r.PathValue("eventID"))
}

func (api *API) GetServerKeys(w http.ResponseWriter, r *http.Request) {
	resp, err := api.Identity.SelfKeys()
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to sign server keys")
		writeError(w, mautrix.MUnknown, http.StatusInternalServerError, "Failed to sign server keys")
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}

func (api *API) PutTransaction(w http.ResponseWriter, r *http.Request) {
	var txn fedclient.Transaction
	if !readJSON(w, r, &txn) {
		return
	}
	log := hlog.FromRequest(r).With().
		Str("txn_id", r.PathValue("txnID")).
		Str("origin", txn.Origin).
		Logger()
	log.Debug().Int("pdu_count", len(txn.PDUs)).Msg("Received transaction")
	err := api.Rooms.DispatchTransaction(log.WithContext(r.Context()), slices.DeleteFunc(txn.PDUs, func(evt *pdu.Event) bool {
		return evt == nil
	}))
	if err != nil {
		writeRoomError(w, r, err)
		return
	}
	exhttp.WriteEmptyJSONResponse(w, http.StatusOK)
}

func (api *API) PutInvite(w http.ResponseWriter, r *http.Request) {
	var req fedclient.InviteRequest
	if !readJSON(w, r, &req) {
		return
	} else if req.Event == nil {
		writeError(w, mautrix.MBadJSON, http.StatusBadRequest, "Missing event")
		return
	}
	rv, err := roomversion.Get(req.RoomVersion)
	if err != nil {
		writeError(w, errUnsupportedRoomVersion, http.StatusBadRequest, err.Error())
		return
	}
	if pathRoomID := roomIDParam(r); pathRoomID != "" && pathRoomID != req.Event.RoomID {
		writeError(w, mautrix.MInvalidParam, http.StatusBadRequest, "Room ID in path doesn't match event")
		return
	}
	if pathEventID := eventIDParam(r); pathEventID != "" {
		if eventID, err := roomversion.EventID(rv, req.Event); err != nil || eventID != pathEventID {
			writeError(w, mautrix.MInvalidParam, http.StatusBadRequest, "Event ID in path doesn't match event")
			return
		}
	}
	if api.Rooms.Get(req.Event.RoomID) != nil {
		writeError(w, mautrix.MUnknown, http.StatusBadRequest, "Already know of this room")
		return
	}
	signed, err := room.CountersignInvite(r.Context(), api.Rooms.Deps, req.Event, rv)
	if err != nil {
		writeRoomError(w, r, err)
		return
	}
	api.Invites.Add(req.Event.Clone())
	hlog.FromRequest(r).Info().
		Stringer("room_id", req.Event.RoomID).
		Stringer("sender", req.Event.Sender).
		Str("invitee", req.Event.GetStateKey()).
		Msg("Accepted invite for local user")
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedclient.InviteResponse{Event: signed.WithoutEventID()})
}

func (api *API) GetMakeJoin(w http.ResponseWriter, r *http.Request) {
	rm := api.Rooms.Get(roomIDParam(r))
	if rm == nil {
		writeError(w, mautrix.MNotFound, http.StatusNotFound, "Room not found")
		return
	}
	if !slices.Contains(r.URL.Query()["ver"], rm.Version().ID()) {
		writeError(w, errIncompatibleRoomVersion, http.StatusBadRequest, "Room version is not supported by the requesting server")
		return
	}
	if !rm.IsHub() {
		writeError(w, mautrix.MUnknown, http.StatusBadRequest, "This server is not the hub")
		return
	}
	template, err := rm.JoinTemplate(id.UserID(r.PathValue("userID")))
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("Refusing join template")
		writeError(w, mautrix.MNotFound, http.StatusNotFound, "Unjoinable with this user")
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedclient.MakeJoinResponse{
		Event:       template,
		RoomVersion: rm.Version().ID(),
	})
}

func (api *API) PutSendJoin(w http.ResponseWriter, r *http.Request) {
	var join pdu.Event
	if !readJSON(w, r, &join) {
		return
	}
	if join.Type != event.StateMember.Type ||
		join.Membership() != string(event.MembershipJoin) ||
		join.Sender == "" ||
		join.GetStateKey() != join.Sender.String() {
		writeError(w, mautrix.MUnknown, http.StatusBadRequest, "Not a join event")
		return
	}
	rm := api.Rooms.Get(join.RoomID)
	if rm == nil {
		writeError(w, mautrix.MNotFound, http.StatusNotFound, "Room not found")
		return
	} else if !rm.IsHub() {
		writeError(w, mautrix.MUnknown, http.StatusBadRequest, "This server is not the hub")
		return
	}
	resp, err := rm.SendJoin(r.Context(), &join)
	if err != nil {
		writeRoomError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedclient.SendJoinResponse{
		AuthChain:      resp.AuthChain,
		State:          resp.State,
		Event:          resp.Event,
		MembersOmitted: false,
		Origin:         api.Identity.ServerName,
	})
}

func (api *API) GetEventAuth(w http.ResponseWriter, r *http.Request) {
	rm := api.Rooms.Get(roomIDParam(r))
	if rm == nil {
		writeError(w, mautrix.MNotFound, http.StatusNotFound, "Room not found")
		return
	}
	evt := rm.Event(eventIDParam(r))
	if evt == nil {
		writeError(w, mautrix.MNotFound, http.StatusNotFound, "Event not found")
		return
	}
	chain := make([]*pdu.Event, 0, len(evt.AuthEvents))
	for _, authID := range evt.AuthEvents {
		if authEvt := rm.Event(authID); authEvt != nil {
			chain = append(chain, authEvt.WithoutEventID())
		}
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedclient.EventAuthResponse{AuthChain: chain})
}

// GetProfile always answers with an empty profile as profiles aren't stored.
func (api *API) GetProfile(w http.ResponseWriter, r *http.Request) {
	exhttp.WriteEmptyJSONResponse(w, http.StatusOK)
}

func (api *API) findEvent(w http.ResponseWriter, r *http.Request) *pdu.Event {
	_, evt := api.Rooms.FindEvent(eventIDParam(r))
	if evt == nil {
		writeError(w, mautrix.MNotFound, http.StatusNotFound, "Exhausted all attempts to find event")
		return nil
	}
	return evt
}

func (api *API) GetEventTransaction(w http.ResponseWriter, r *http.Request) {
	evt := api.findEvent(w, r)
	if evt == nil {
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedclient.Transaction{
		Origin:         api.Identity.ServerName,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           []*pdu.Event{evt.WithoutEventID()},
	})
}

func (api *API) GetEvent(w http.ResponseWriter, r *http.Request) {
	evt := api.findEvent(w, r)
	if evt == nil {
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, evt.WithoutEventID())
}

// roomState returns the current state of a hub room along with the auth events of every state event.
func roomState(w http.ResponseWriter, r *http.Request, rm *room.Room) (state, authChain []*pdu.Event, ok bool) {
	state = rm.CurrentState().Events()
	seen := make(map[id.EventID]struct{})
	for _, evt := range state {
		for _, authID := range evt.AuthEvents {
			if _, alreadyAdded := seen[authID]; alreadyAdded {
				continue
			}
			authEvt := rm.Event(authID)
			if authEvt == nil {
				hlog.FromRequest(r).Error().Stringer("auth_event_id", authID).Msg("Missing auth event")
				writeError(w, mautrix.MUnknown, http.StatusInternalServerError, "Missing auth event "+authID.String())
				return nil, nil, false
			}
			seen[authID] = struct{}{}
			authChain = append(authChain, authEvt)
		}
	}
	return state, authChain, true
}

func (api *API) GetState(w http.ResponseWriter, r *http.Request) {
	rm := api.getHubRoom(w, r)
	if rm == nil {
		return
	}
	state, authChain, ok := roomState(w, r, rm)
	if !ok {
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedclient.StateResponse{
		AuthChain: withoutEventIDs(authChain),
		PDUs:      withoutEventIDs(state),
	})
}

func eventIDsOf(events []*pdu.Event) []id.EventID {
	ids := make([]id.EventID, len(events))
	for i, evt := range events {
		ids[i] = evt.EventID
	}
	return ids
}

func (api *API) GetStateIDs(w http.ResponseWriter, r *http.Request) {
	rm := api.getHubRoom(w, r)
	if rm == nil {
		return
	}
	state, authChain, ok := roomState(w, r, rm)
	if !ok {
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedclient.StateIDsResponse{
		AuthChainIDs: eventIDsOf(authChain),
		PDUIDs:       eventIDsOf(state),
	})
}

func (api *API) GetBackfill(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from := id.EventID(query.Get("v"))
	limit, err := strconv.Atoi(query.Get("limit"))
	if err != nil || from == "" {
		writeError(w, mautrix.MInvalidParam, http.StatusBadRequest, "Invalid ID or limit")
		return
	}
	if limit < 1 || limit > maxBackfillLimit {
		limit = maxBackfillLimit
	}
	rm := api.getHubRoom(w, r)
	if rm == nil {
		return
	}
	events := rm.Events()
	idx := slices.IndexFunc(events, func(evt *pdu.Event) bool {
		return evt.EventID == from
	})
	var pdus []*pdu.Event
	for i := idx; i > idx-limit && i >= 0; i-- {
		pdus = append(pdus, events[i].WithoutEventID())
	}
	if len(pdus) == 0 {
		writeError(w, mautrix.MNotFound, http.StatusNotFound, "Exhausted all attempts to find room events")
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedclient.BackfillResponse{PDUs: pdus})
}
