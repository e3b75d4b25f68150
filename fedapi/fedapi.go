// Package fedapi serves the server-to-server HTTP API.
package fedapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/requestlog"
	"maunium.net/go/mautrix"

	"go.mau.fi/lmhub/fedclient"
	"go.mau.fi/lmhub/keys"
	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/room"
	"go.mau.fi/lmhub/roomstore"
	"go.mau.fi/lmhub/roomversion"
)

const bodySizeLimit = 8 * 1024 * 1024

var (
	errUnsupportedRoomVersion  = mautrix.RespError{ErrCode: "M_UNSUPPORTED_ROOM_VERSION", StatusCode: http.StatusBadRequest}
	errIncompatibleRoomVersion = mautrix.RespError{ErrCode: "M_INCOMPATIBLE_ROOM_VERSION", StatusCode: http.StatusBadRequest}
)

type API struct {
	Identity *keys.ServerIdentity
	Rooms    *roomstore.RoomStore
	Invites  *roomstore.InviteStore
	Log      zerolog.Logger

	mux *http.ServeMux
}

func New(identity *keys.ServerIdentity, rooms *roomstore.RoomStore, invites *roomstore.InviteStore, log zerolog.Logger) *API {
	api := &API{
		Identity: identity,
		Rooms:    rooms,
		Invites:  invites,
		Log:      log,
		mux:      http.NewServeMux(),
	}
	api.mux.HandleFunc("GET /_matrix/key/v2/server", api.GetServerKeys)

	api.mux.HandleFunc("PUT /_matrix/federation/v1/send/{txnID}", api.PutTransaction)
	api.mux.HandleFunc("PUT "+fedclient.LinearizedPrefix+"/send/{txnID}", api.PutTransaction)
	api.mux.HandleFunc("PUT /_matrix/federation/v2/invite/{roomID}/{eventID}", api.PutInvite)
	api.mux.HandleFunc("POST "+fedclient.LinearizedPrefix+"/invite/{txnID}", api.PutInvite)
	api.mux.HandleFunc("GET /_matrix/federation/v1/make_join/{roomID}/{userID}", api.GetMakeJoin)
	api.mux.HandleFunc("PUT /_matrix/federation/v2/send_join/{roomID}/{eventID}", api.PutSendJoin)
	api.mux.HandleFunc("POST "+fedclient.LinearizedPrefix+"/send_join/{txnID}", api.PutSendJoin)

	api.mux.HandleFunc("GET /_matrix/federation/v1/event_auth/{roomID}/{eventID}", api.GetEventAuth)
	api.mux.HandleFunc("GET /_matrix/federation/v1/query/profile", api.GetProfile)
	api.mux.HandleFunc("GET /_matrix/federation/v1/event/{eventID}", api.GetEventTransaction)
	api.mux.HandleFunc("GET "+fedclient.LinearizedPrefix+"/event/{eventID}", api.GetEvent)
	api.mux.HandleFunc("GET /_matrix/federation/v1/state/{roomID}", api.GetState)
	api.mux.HandleFunc("GET /_matrix/federation/v1/state_ids/{roomID}", api.GetStateIDs)
	api.mux.HandleFunc("GET "+fedclient.LinearizedPrefix+"/backfill/{roomID}", api.GetBackfill)
	return api
}

// Handler returns the API wrapped in request logging.
func (api *API) Handler() http.Handler {
	return exhttp.ApplyMiddleware(
		api.mux,
		hlog.NewHandler(api.Log.With().Str("component", "federation api").Logger()),
		requestlog.AccessLogger(requestlog.Options{Recover: true}),
	)
}

func writeError(w http.ResponseWriter, base mautrix.RespError, status int, message string) {
	respErr := base.WithMessage(message)
	respErr.StatusCode = status
	respErr.Write(w)
}

func readJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, bodySizeLimit)).Decode(into)
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("Failed to parse request body")
		writeError(w, mautrix.MNotJSON, http.StatusBadRequest, "Request body is not valid JSON")
		return false
	}
	return true
}

// writeRoomError picks a status code for an error returned by a room operation.
func writeRoomError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *roomversion.AuthorizationError
	var validationErr *roomversion.ValidationError
	switch {
	case errors.As(err, &authErr):
		writeError(w, mautrix.MForbidden, http.StatusForbidden, err.Error())
	case errors.As(err, &validationErr):
		writeError(w, mautrix.MInvalidParam, http.StatusBadRequest, err.Error())
	case errors.Is(err, room.ErrNotAJoin), errors.Is(err, room.ErrNotAnInvite), errors.Is(err, room.ErrWrongRoom):
		writeError(w, mautrix.MInvalidParam, http.StatusBadRequest, err.Error())
	case errors.Is(err, room.ErrNotHub):
		writeError(w, mautrix.MUnknown, http.StatusBadRequest, "This server is not the hub")
	default:
		hlog.FromRequest(r).Err(err).Msg("Room operation failed")
		writeError(w, mautrix.MUnknown, http.StatusInternalServerError, err.Error())
	}
}

// getHubRoom looks up a room that this server is the hub of, writing an error response if it isn't.
func (api *API) getHubRoom(w http.ResponseWriter, r *http.Request) *room.Room {
	rm := api.Rooms.Get(roomIDParam(r))
	if rm == nil {
		writeError(w, mautrix.MNotFound, http.StatusNotFound, "Room not found")
		return nil
	} else if !rm.IsHub() {
		writeError(w, mautrix.MUnknown, http.StatusBadRequest, "This server is not the hub")
		return nil
	}
	return rm
}

func withoutEventIDs(events []*pdu.Event) []*pdu.Event {
	out := make([]*pdu.Event, len(events))
	for i, evt := range events {
		out[i] = evt.WithoutEventID()
	}
	return out
}
