package main

import (
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/RasmusRendal/smh/util"
)

func disabledAPI(w http.ResponseWriter, r *http.Request) {
	mautrix.MUnknownToken.WithMessage("This API is disabled").Write(w)
}

func SecretAuth(secret *[util.HashSize]byte) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == nil {
			return http.HandlerFunc(disabledAPI)
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHash := util.SHA256String(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if !hmac.Equal(authHash[:], secret[:]) {
				mautrix.MUnknownToken.WithMessage("Invalid authorization token").Write(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type ReqSendMessage struct {
	UserID  id.UserID `json:"user_id"`
	Message string    `json:"message"`
}

type RespSendMessage struct {
	Invited  bool   `json:"invited"`
	Status   int    `json:"status"`
	Response string `json:"response"`
}

// PostSendMessage - POST /_smh/v1/send_message
//
// Invites the target into their chain room first if their server doesn't
// know it yet, then delivers the message.
func (s *SMH) PostSendMessage(w http.ResponseWriter, r *http.Request) {
	var req ReqSendMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, requestSizeLimit)).Decode(&req); err != nil {
		mautrix.MNotJSON.WithMessage("Request body is not valid JSON").Write(w)
		return
	}
	if _, _, err := req.UserID.Parse(); err != nil {
		mautrix.MInvalidParam.WithMessage("Invalid user ID: %v", err).Write(w)
		return
	}
	ctx := r.Context()
	exists, err := s.Federation.RoomExists(ctx, req.UserID)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to check whether peer knows the room")
		mautrix.MUnknown.WithMessage("Failed to check room: %v", err).Write(w)
		return
	}
	var invited bool
	if !exists {
		if _, err = s.Federation.Invite(ctx, req.UserID); err != nil {
			hlog.FromRequest(r).Err(err).Msg("Failed to send invite")
			mautrix.MUnknown.WithMessage("Failed to send invite: %v", err).Write(w)
			return
		}
		invited = true
	}
	resp, err := s.Federation.SendMessage(ctx, req.UserID, req.Message)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to send message")
		mautrix.MUnknown.WithMessage("Failed to send message: %v", err).Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &RespSendMessage{
		Invited:  invited,
		Status:   resp.Status,
		Response: string(resp.Body),
	})
}

type RespHealth struct {
	Ok bool `json:"ok"`
}

// GetHealth - GET /_smh/v1/health
//
// There are no backing services to probe: if this responds, it's healthy.
func (s *SMH) GetHealth(w http.ResponseWriter, r *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, &RespHealth{Ok: true})
}
