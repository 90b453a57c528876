package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/tidwall/gjson"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/RasmusRendal/smh/room"
)

const keyValidity = 72 * time.Hour
const requestSizeLimit = 1024 * 1024

type RespWellKnown struct {
	Server string `json:"m.server"`
}

// GetWellKnown - GET /.well-known/matrix/server
func (s *SMH) GetWellKnown(w http.ResponseWriter, r *http.Request) {
	respondCanonical(w, r, http.StatusOK, &RespWellKnown{Server: s.Keys.ServerName + ":443"})
}

type RespVersion struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
}

// GetVersion - GET /_matrix/federation/v1/version
func (s *SMH) GetVersion(w http.ResponseWriter, r *http.Request) {
	var resp RespVersion
	resp.Server.Name = Name
	resp.Server.Version = VersionWithCommit
	respondCanonical(w, r, http.StatusOK, &resp)
}

// GetServerKeys - GET /_matrix/key/v2/server
func (s *SMH) GetServerKeys(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Keys.ServerKeys(time.Now().Add(keyValidity))
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to sign server keys")
		mautrix.MUnknown.WithMessage("Failed to sign server keys").Write(w)
		return
	}
	respondCanonical(w, r, http.StatusOK, resp)
}

// QueryProfile - GET /_matrix/federation/v1/query/profile
//
// The bot is the only user this server has.
func (s *SMH) QueryProfile(w http.ResponseWriter, r *http.Request) {
	userID := id.UserID(r.URL.Query().Get("user_id"))
	if userID != room.BotUserID(s.Keys.ServerName) {
		mautrix.MNotFound.WithMessage("User does not exist.").Write(w)
		return
	}
	respondCanonical(w, r, http.StatusOK, struct{}{})
}

type RespMakeJoin struct {
	Event       *room.Event `json:"event"`
	RoomVersion string      `json:"room_version"`
}

// MakeJoin - GET /_matrix/federation/v1/make_join/{roomID}/{userID}
//
// Returns an unsigned join template extending the requesting user's chain.
// The joining server assigns the event ID and signs it.
func (s *SMH) MakeJoin(w http.ResponseWriter, r *http.Request) {
	userID := id.UserID(r.PathValue("userID"))
	chain, err := room.BuildChain(s.Keys, userID)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to build event chain")
		mautrix.MUnknown.WithMessage("Failed to build event chain").Write(w)
		return
	}
	respondCanonical(w, r, http.StatusOK, &RespMakeJoin{
		Event: &room.Event{
			Type:           event.StateMember,
			Sender:         userID,
			RoomID:         id.RoomID(r.PathValue("roomID")),
			StateKey:       ptr.Ptr(string(userID)),
			Origin:         s.Keys.ServerName,
			OriginServerTS: time.Now().UnixMilli(),
			Depth:          5,
			Content:        &room.MemberContent{Membership: event.MembershipJoin},
			PrevEvents:     []room.EventReference{chain.LastReference()},
			AuthEvents:     chain.JoinAuthChain(),
		},
		RoomVersion: room.RoomVersion,
	})
}

type RespSendJoin struct {
	AuthChain      room.Chain  `json:"auth_chain"`
	Event          *room.Event `json:"event"`
	MembersOmitted bool        `json:"members_omitted"`
	Origin         string      `json:"origin"`
	ServersInRoom  []string    `json:"servers_in_room"`
	State          room.Chain  `json:"state"`
}

// SendJoin - PUT /_matrix/federation/v2/send_join/{roomID}/{eventID}
//
// Countersigns the submitted join event and returns the chain as both auth
// chain and room state.
func (s *SMH) SendJoin(w http.ResponseWriter, r *http.Request) {
	var joinEvent room.Event
	if err := json.NewDecoder(io.LimitReader(r.Body, requestSizeLimit)).Decode(&joinEvent); err != nil {
		mautrix.MNotJSON.WithMessage("Request body is not valid JSON").Write(w)
		return
	}
	if joinEvent.EventID == "" {
		joinEvent.EventID = id.EventID(r.PathValue("eventID"))
	}
	if err := room.Finalize(s.Keys, &joinEvent); err != nil {
		mautrix.MInvalidParam.WithMessage("Invalid join event: %v", err).Write(w)
		return
	}
	chain, err := room.BuildChain(s.Keys, joinEvent.Sender)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to build event chain")
		mautrix.MUnknown.WithMessage("Failed to build event chain").Write(w)
		return
	}
	respondCanonical(w, r, http.StatusOK, &RespSendJoin{
		AuthChain:      chain,
		Event:          &joinEvent,
		MembersOmitted: true,
		Origin:         s.Keys.ServerName,
		ServersInRoom:  []string{s.Keys.ServerName, joinEvent.Origin},
		State:          chain,
	})
}

// chainFromRoomID recovers the target user embedded in a chain room ID and
// rebuilds their chain, writing a Matrix error on failure.
func (s *SMH) chainFromRoomID(w http.ResponseWriter, r *http.Request) (room.Chain, bool) {
	userID, err := room.UserIDFromRoomID(id.RoomID(r.PathValue("roomID")))
	if err != nil {
		mautrix.MNotFound.WithMessage("Unknown room ID").Write(w)
		return nil, false
	}
	chain, err := room.BuildChain(s.Keys, userID)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to build event chain")
		mautrix.MUnknown.WithMessage("Failed to build event chain").Write(w)
		return nil, false
	}
	return chain, true
}

type RespState struct {
	AuthChain room.Chain `json:"auth_chain"`
	PDUs      room.Chain `json:"pdus"`
}

// GetState - GET /_matrix/federation/v1/state/{roomID}
func (s *SMH) GetState(w http.ResponseWriter, r *http.Request) {
	chain, ok := s.chainFromRoomID(w, r)
	if !ok {
		return
	}
	respondCanonical(w, r, http.StatusOK, &RespState{AuthChain: chain, PDUs: chain})
}

type RespStateIDs struct {
	AuthChainIDs []id.EventID `json:"auth_chain_ids"`
	PDUIDs       []id.EventID `json:"pdu_ids"`
}

// GetStateIDs - GET /_matrix/federation/v1/state_ids/{roomID}
func (s *SMH) GetStateIDs(w http.ResponseWriter, r *http.Request) {
	chain, ok := s.chainFromRoomID(w, r)
	if !ok {
		return
	}
	respondCanonical(w, r, http.StatusOK, &RespStateIDs{
		AuthChainIDs: chain.EventIDs(),
		PDUIDs:       chain.EventIDs(),
	})
}

type RespMissingEvents struct {
	Events []*room.Event `json:"events"`
}

// GetMissingEvents - POST /_matrix/federation/v1/get_missing_events/{roomID}
//
// The invite is the only event a peer can be missing: everything before it
// is handed out in full by make_join/state.
func (s *SMH) GetMissingEvents(w http.ResponseWriter, r *http.Request) {
	chain, ok := s.chainFromRoomID(w, r)
	if !ok {
		return
	}
	respondCanonical(w, r, http.StatusOK, &RespMissingEvents{Events: []*room.Event{chain.Invite()}})
}

type RespTransaction struct {
	Error string `json:"error,omitempty"`
}

// ReceiveTransaction - PUT /_matrix/federation/v1/send/{txnID}
//
// EDUs are ignored. PDUs are refused: this server stores nothing, so
// accepting events would silently drop them.
func (s *SMH) ReceiveTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, requestSizeLimit))
	if err != nil {
		mautrix.MUnknown.WithMessage("Failed to read request body").Write(w)
		return
	}
	pdus := gjson.GetBytes(body, "pdus").Array()
	if len(pdus) > 0 {
		hlog.FromRequest(r).Debug().
			Str("txn_id", r.PathValue("txnID")).
			Int("pdu_count", len(pdus)).
			Msg("Refusing PDUs in inbound transaction")
		respondCanonical(w, r, http.StatusOK, &RespTransaction{Error: "I don't care about your events"})
		return
	}
	respondCanonical(w, r, http.StatusOK, struct{}{})
}

type RespBackfill struct {
	Origin         string        `json:"origin"`
	OriginServerTS int64         `json:"origin_server_ts"`
	PDUs           []*room.Event `json:"pdus"`
}

// Backfill - GET /_matrix/federation/v1/backfill/{roomID}
func (s *SMH) Backfill(w http.ResponseWriter, r *http.Request) {
	respondCanonical(w, r, http.StatusOK, &RespBackfill{
		Origin:         s.Keys.ServerName,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           []*room.Event{},
	})
}

// GetEvent - GET /_matrix/federation/v1/event/{eventID}
//
// Chain event IDs embed the target user, so any chain event can be
// recomputed and served without storage. Message IDs carry a timestamp and
// are not recoverable.
func (s *SMH) GetEvent(w http.ResponseWriter, r *http.Request) {
	userID, index, err := room.ParseChainEventID(id.EventID(r.PathValue("eventID")))
	if err != nil {
		mautrix.MNotFound.WithMessage("Event not found.").Write(w)
		return
	}
	chain, err := room.BuildChain(s.Keys, userID)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to build event chain")
		mautrix.MUnknown.WithMessage("Failed to build event chain").Write(w)
		return
	}
	respondCanonical(w, r, http.StatusOK, &RespBackfill{
		Origin:         s.Keys.ServerName,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           []*room.Event{chain[index]},
	})
}

// ReceiveInvite - PUT /_matrix/federation/{version}/invite/{roomID}/{eventID}
func (s *SMH) ReceiveInvite(w http.ResponseWriter, r *http.Request) {
	mautrix.MForbidden.WithMessage("This homeserver is not taking invitations").Write(w)
}
