package main

import (
	"net/http"

	"go.mau.fi/util/exhttp"

	"go.mau.fi/lmhub/keys"
)

type RespHealth struct {
	Ok          bool   `json:"ok"`
	ServerName  string `json:"server_name"`
	Version     string `json:"version"`
	SigningKey  bool   `json:"signing_key"`
	HubRooms    int    `json:"hub_rooms"`
	JoinedRooms int    `json:"joined_rooms"`
}

// GetHealth - GET /_lmhub/v1/health
func (lm *LMHub) GetHealth(w http.ResponseWriter, r *http.Request) {
	resp := RespHealth{
		ServerName: lm.Identity.ServerName,
		Version:    VersionWithCommit,
	}
	if selfKeys, err := lm.Identity.SelfKeys(); err == nil {
		resp.SigningKey = keys.ValidateSignature(selfKeys, lm.Identity.ServerName, lm.Identity.KeyID(), lm.Identity.PublicKey()) == nil
	}
	for _, rm := range lm.Rooms.All() {
		if rm.IsHub() {
			resp.HubRooms++
		} else {
			resp.JoinedRooms++
		}
	}
	resp.Ok = resp.SigningKey
	if resp.Ok {
		exhttp.WriteJSONResponse(w, http.StatusOK, resp)
	} else {
		exhttp.WriteJSONResponse(w, http.StatusServiceUnavailable, resp)
	}
}
