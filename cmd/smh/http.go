package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/requestlog"
	"maunium.net/go/mautrix"

	"github.com/RasmusRendal/smh/signing"
)

func (s *SMH) setupRouter() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/matrix/server", s.GetWellKnown)
	mux.HandleFunc("GET /_matrix/federation/v1/version", s.GetVersion)
	mux.HandleFunc("GET /_matrix/key/v2/server", s.GetServerKeys)
	mux.HandleFunc("GET /_matrix/federation/v1/query/profile", s.QueryProfile)
	mux.HandleFunc("GET /_matrix/federation/v1/make_join/{roomID}/{userID}", s.MakeJoin)
	mux.HandleFunc("PUT /_matrix/federation/v2/send_join/{roomID}/{eventID}", s.SendJoin)
	mux.HandleFunc("GET /_matrix/federation/v1/state/{roomID}", s.GetState)
	mux.HandleFunc("GET /_matrix/federation/v1/state_ids/{roomID}", s.GetStateIDs)
	mux.HandleFunc("POST /_matrix/federation/v1/get_missing_events/{roomID}", s.GetMissingEvents)
	mux.HandleFunc("PUT /_matrix/federation/v1/send/{txnID}", s.ReceiveTransaction)
	mux.HandleFunc("GET /_matrix/federation/v1/backfill/{roomID}", s.Backfill)
	mux.HandleFunc("GET /_matrix/federation/v1/event/{eventID}", s.GetEvent)
	mux.HandleFunc("PUT /_matrix/federation/{version}/invite/{roomID}/{eventID}", s.ReceiveInvite)

	mux.Handle("POST /_smh/v1/send_message", SecretAuth(s.managementSecret)(http.HandlerFunc(s.PostSendMessage)))
	mux.HandleFunc("GET /_smh/v1/health", s.GetHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = requestlog.AccessLogger(requestlog.Options{})(handler)
	handler = hlog.NewHandler(s.Log.With().Str("component", "http").Logger())(handler)
	handler = exhttp.CORSMiddleware(handler)
	return handler
}

// respondCanonical writes a canonical-JSON body. Peers hash and sign over
// canonical bytes, so federation responses are served in the same form.
func respondCanonical(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := signing.CanonicalJSON(v)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to encode response")
		mautrix.MUnknown.WithMessage("Failed to encode response").Write(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
