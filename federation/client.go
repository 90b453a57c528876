package federation

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/RasmusRendal/smh/room"
	"github.com/RasmusRendal/smh/signing"
)

// DefaultRoomName is shown in invite previews when no name is configured.
const DefaultRoomName = "Rank test room"

// Peers that know an event respond with more than a trivial error body.
// This is a heuristic existence probe, not structural validation.
const roomExistsBodyThreshold = 5

const responseSizeLimit = 1024 * 1024

// ServerResolver resolves a bare server name to a base URL. Satisfied by
// *Resolver; tests substitute a stub so the construction logic runs without
// any network.
type ServerResolver interface {
	Resolve(ctx context.Context, serverName string) (string, error)
}

// Response is a raw peer reply. Bodies pass through verbatim: this layer
// does not interpret peer error bodies, and non-2xx statuses are not
// errors here.
type Response struct {
	Status int
	Body   []byte
}

// StrippedState is the minimal room-preview state attached to invites.
type StrippedState struct {
	Content  any        `json:"content"`
	Sender   id.UserID  `json:"sender"`
	StateKey string     `json:"state_key"`
	Type     event.Type `json:"type"`
}

// ReqInvite is the body of the v2 invite endpoint.
type ReqInvite struct {
	Event           *room.Event     `json:"event"`
	InviteRoomState []StrippedState `json:"invite_room_state"`
	RoomVersion     string          `json:"room_version"`
}

// Transaction is the body of the v1 send endpoint. This server only ever
// sends exactly one PDU and no EDUs.
type Transaction struct {
	EDUs           []json.RawMessage `json:"edus"`
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []*room.Event     `json:"pdus"`
}

// Client performs the three outbound federation operations against resolved
// peers. It holds no cross-call state beyond the immutable signing key, so
// concurrent operations for different users never contend. Failures
// propagate to the caller unchanged; nothing here retries.
type Client struct {
	Keys     *signing.KeyStore
	Resolver ServerResolver
	HTTP     *http.Client
	RoomName string

	// Wall-clock source for message timestamps and transaction IDs. Chain
	// events deliberately do not use it.
	now func() time.Time
}

func NewClient(keys *signing.KeyStore, resolver ServerResolver, httpClient *http.Client, roomName string) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(true)
	}
	if roomName == "" {
		roomName = DefaultRoomName
	}
	return &Client{
		Keys:     keys,
		Resolver: resolver,
		HTTP:     httpClient,
		RoomName: roomName,
		now:      time.Now,
	}
}

// NewHTTPClient builds the transport used for outbound federation calls.
// Peers in this deployment model commonly run with self-signed
// certificates, so TLS verification is configurable.
func NewHTTPClient(verifyTLS bool) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Timeout: 2 * time.Minute, Transport: transport}
}

// Invite builds the target's chain and delivers the invite event to the
// target's server, re-finalizing the event so the wire copy carries a fresh
// signature.
func (c *Client) Invite(ctx context.Context, user id.UserID) (*Response, error) {
	chain, err := room.BuildChain(c.Keys, user)
	if err != nil {
		return nil, err
	}
	invite := chain.Invite()
	if err = room.Finalize(c.Keys, invite); err != nil {
		return nil, err
	}
	bot := room.BotUserID(c.Keys.ServerName)
	payload := &ReqInvite{
		Event: invite,
		InviteRoomState: []StrippedState{{
			Content: &event.RoomNameEventContent{Name: c.RoomName},
			Sender:  bot,
			Type:    event.StateRoomName,
		}, {
			Content: &event.JoinRulesEventContent{JoinRule: event.JoinRuleInvite},
			Sender:  bot,
			Type:    event.StateJoinRules,
		}},
		RoomVersion: room.RoomVersion,
	}
	path := fmt.Sprintf("/_matrix/federation/v2/invite/%s/%s", invite.RoomID, invite.EventID)
	return c.do(ctx, "invite", http.MethodPut, user.Homeserver(), path, payload)
}

// SendMessage delivers a single text message to the target's server as a
// one-PDU transaction. The transaction ID is derived from the wall clock.
func (c *Client) SendMessage(ctx context.Context, user id.UserID, text string) (*Response, error) {
	chain, err := room.BuildChain(c.Keys, user)
	if err != nil {
		return nil, err
	}
	ts := c.now().UnixMilli()
	msg, err := room.BuildMessage(c.Keys, chain, user, text, ts)
	if err != nil {
		return nil, err
	}
	txn := &Transaction{
		EDUs:           []json.RawMessage{},
		Origin:         c.Keys.ServerName,
		OriginServerTS: ts,
		PDUs:           []*room.Event{msg},
	}
	path := "/_matrix/federation/v1/send/" + strconv.FormatInt(ts, 10)
	return c.do(ctx, "send_message", http.MethodPut, user.Homeserver(), path, txn)
}

// RoomExists probes whether the target's server already knows the chain's
// create event.
func (c *Client) RoomExists(ctx context.Context, user id.UserID) (bool, error) {
	chain, err := room.BuildChain(c.Keys, user)
	if err != nil {
		return false, err
	}
	path := "/_matrix/federation/v1/event/" + string(chain.Create().EventID)
	resp, err := c.do(ctx, "room_exists", http.MethodGet, user.Homeserver(), path, nil)
	if err != nil {
		return false, err
	}
	return len(resp.Body) > roomExistsBodyThreshold, nil
}

// do resolves the destination, signs the request and performs one blocking
// transport call. The wire body is the canonical encoding of content, which
// is also exactly what the signature covers.
func (c *Client) do(ctx context.Context, op, method, destination, path string, content any) (*Response, error) {
	baseURL, err := c.Resolver.Resolve(ctx, destination)
	if err != nil {
		outboundRequests.WithLabelValues(op, "resolve_error").Inc()
		return nil, fmt.Errorf("failed to resolve %s: %w", destination, err)
	}
	var body json.RawMessage
	if content != nil {
		body, err = signing.CanonicalJSON(content)
		if err != nil {
			return nil, err
		}
	}
	headers, method, err := SignRequest(c.Keys, method, destination, path, body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request to %s: %w", destination, err)
	}
	req.Header.Set("Authorization", headers[0])
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	zerolog.Ctx(ctx).Debug().
		Str("method", method).
		Str("url", baseURL+path).
		Str("destination", destination).
		Msg("Sending federation request")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		outboundRequests.WithLabelValues(op, "transport_error").Inc()
		return nil, fmt.Errorf("federation request to %s failed: %w", destination, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, responseSizeLimit))
	if err != nil {
		outboundRequests.WithLabelValues(op, "transport_error").Inc()
		return nil, fmt.Errorf("failed to read response from %s: %w", destination, err)
	}
	outboundRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	return &Response{Status: resp.StatusCode, Body: respBody}, nil
}
