package room

import (
	"encoding/base64"
	"fmt"
	"strings"

	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/RasmusRendal/smh/signing"
)

const (
	// ChainVersion tags the chain layout embedded in room and event IDs.
	// Bump only when the chain structure changes, as peers that already
	// accepted a chain will treat a changed layout as a fork.
	ChainVersion = "v4"
	// RoomVersion is the room version advertised to peers.
	RoomVersion = "1"

	// chainTS is the fixed timestamp stamped on every chain event. Chain
	// bytes must never depend on the wall clock: two builds for the same
	// user have to be identical so that peers see one consistent room.
	chainTS int64 = 1739277117153

	botLocalpart = "noreply"
)

// BotUserID is the fixed local identity that authors every chain event.
func BotUserID(serverName string) id.UserID {
	return id.NewUserID(botLocalpart, serverName)
}

// encodeUserID embeds a user ID reversibly into identifier strings. The
// base64url alphabet keeps the result safe in URL paths, and the ROM marker
// separates the payload from the chain version tag.
func encodeUserID(userID id.UserID) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID)) + "ROM" + ChainVersion
}

// RoomIDFor derives the deterministic room ID for a target user:
// !<base64url(user)>ROM<version>:<server>.
func RoomIDFor(userID id.UserID, serverName string) id.RoomID {
	return id.RoomID("!" + encodeUserID(userID) + ":" + serverName)
}

// UserIDFromRoomID reverses RoomIDFor without any storage.
func UserIDFromRoomID(roomID id.RoomID) (id.UserID, error) {
	encoded, _, found := strings.Cut(string(roomID), "ROM")
	if !found || !strings.HasPrefix(encoded, "!") {
		return "", fmt.Errorf("%q is not a chain room ID", roomID)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded[1:])
	if err != nil {
		return "", fmt.Errorf("failed to decode user ID from %q: %w", roomID, err)
	}
	return id.UserID(raw), nil
}

// Tags used in chain event IDs, in chain order.
var chainEventTags = []string{"createroom", "noreplyjoin", "hisvis", "powerlevels", "invite"}

func chainEventID(tag string, userID id.UserID, serverName string) id.EventID {
	return id.EventID("$" + tag + encodeUserID(userID) + ":" + serverName)
}

// ParseChainEventID recovers the target user and chain position from a
// templated chain event ID. Message event IDs carry a timestamp suffix and
// are not reversible.
func ParseChainEventID(eventID id.EventID) (userID id.UserID, index int, err error) {
	body := strings.TrimPrefix(string(eventID), "$")
	for i, tag := range chainEventTags {
		rest, ok := strings.CutPrefix(body, tag)
		if !ok {
			continue
		}
		encoded, _, found := strings.Cut(rest, "ROM")
		if !found {
			break
		}
		raw, decodeErr := base64.RawURLEncoding.DecodeString(encoded)
		if decodeErr != nil {
			return "", 0, fmt.Errorf("failed to decode user ID from %q: %w", eventID, decodeErr)
		}
		return id.UserID(raw), i, nil
	}
	return "", 0, fmt.Errorf("%q is not a chain event ID", eventID)
}

// Chain is the fixed 5-event state sequence synthesized per target user:
// create, bot join, history visibility, power levels, invite.
type Chain []*Event

func (c Chain) Create() *Event      { return c[0] }
func (c Chain) PowerLevels() *Event { return c[3] }
func (c Chain) Invite() *Event      { return c[len(c)-1] }

// LastReference is the reference pair a new event in this room extends.
func (c Chain) LastReference() EventReference {
	return c.Invite().Reference()
}

// JoinAuthChain selects the events that authorize a remote user's join:
// the create event, the power levels, and the chain tip.
func (c Chain) JoinAuthChain() []EventReference {
	return []EventReference{
		c.Create().Reference(),
		c.PowerLevels().Reference(),
		c.Invite().Reference(),
	}
}

// EventIDs returns the chain's identifiers in order.
func (c Chain) EventIDs() []id.EventID {
	ids := make([]id.EventID, len(c))
	for i, evt := range c {
		ids[i] = evt.EventID
	}
	return ids
}

// BuildChain synthesizes and finalizes the chain for a target user. Each
// event is finalized immediately after its references are wired, before any
// successor takes its own reference, so the whole sequence is internally
// consistent. Calling BuildChain twice for the same user yields
// byte-identical events.
func BuildChain(keys *signing.KeyStore, target id.UserID) (Chain, error) {
	bot := BotUserID(keys.ServerName)
	roomID := RoomIDFor(target, keys.ServerName)

	create := &Event{
		Type:           event.StateCreate,
		Sender:         bot,
		RoomID:         roomID,
		StateKey:       ptr.Ptr(""),
		OriginServerTS: chainTS,
		Depth:          0,
		Content: &CreateContent{
			Creator:     bot,
			Federate:    true,
			RoomVersion: RoomVersion,
		},
		PrevEvents: []EventReference{},
		AuthEvents: []EventReference{},
		Unsigned:   &Unsigned{Membership: event.MembershipJoin},
		EventID:    chainEventID("createroom", target, keys.ServerName),
	}
	if err := Finalize(keys, create); err != nil {
		return nil, fmt.Errorf("failed to finalize create event: %w", err)
	}

	join := &Event{
		Type:           event.StateMember,
		Sender:         bot,
		RoomID:         roomID,
		StateKey:       ptr.Ptr(string(bot)),
		OriginServerTS: chainTS,
		Depth:          1,
		Content: &MemberContent{
			Displayname: "Noreply",
			Membership:  event.MembershipJoin,
		},
		PrevEvents: []EventReference{create.Reference()},
		AuthEvents: []EventReference{create.Reference()},
		Unsigned:   &Unsigned{Membership: event.MembershipJoin},
		EventID:    chainEventID("noreplyjoin", target, keys.ServerName),
	}
	if err := Finalize(keys, join); err != nil {
		return nil, fmt.Errorf("failed to finalize join event: %w", err)
	}

	hisVis := &Event{
		Type:           event.StateHistoryVisibility,
		Sender:         bot,
		RoomID:         roomID,
		StateKey:       ptr.Ptr(""),
		OriginServerTS: chainTS,
		Depth:          2,
		Content: &HistoryVisibilityContent{
			HistoryVisibility: event.HistoryVisibilityWorldReadable,
		},
		PrevEvents: []EventReference{join.Reference()},
		AuthEvents: []EventReference{create.Reference(), join.Reference()},
		Unsigned:   &Unsigned{Membership: event.MembershipJoin},
		EventID:    chainEventID("hisvis", target, keys.ServerName),
	}
	if err := Finalize(keys, hisVis); err != nil {
		return nil, fmt.Errorf("failed to finalize history visibility event: %w", err)
	}

	powerLevels := &Event{
		Type:           event.StatePowerLevels,
		Sender:         bot,
		RoomID:         roomID,
		StateKey:       ptr.Ptr(""),
		OriginServerTS: chainTS,
		Depth:          3,
		Content: &PowerLevelsContent{
			Ban: 100,
			Events: map[string]int{
				event.StateRoomName.Type:    100,
				event.StatePowerLevels.Type: 100,
			},
			EventsDefault: 100,
			Invite:        100,
			Kick:          100,
			Notifications: NotificationLevels{Room: 100},
			Redact:        100,
			StateDefault:  100,
			Users:         map[id.UserID]int{bot: 100},
			UsersDefault:  0,
		},
		PrevEvents: []EventReference{hisVis.Reference()},
		AuthEvents: []EventReference{create.Reference(), join.Reference()},
		Unsigned:   &Unsigned{Membership: event.MembershipJoin},
		EventID:    chainEventID("powerlevels", target, keys.ServerName),
	}
	if err := Finalize(keys, powerLevels); err != nil {
		return nil, fmt.Errorf("failed to finalize power levels event: %w", err)
	}

	invite := &Event{
		Type:           event.StateMember,
		Sender:         bot,
		RoomID:         roomID,
		StateKey:       ptr.Ptr(string(target)),
		Origin:         keys.ServerName,
		OriginServerTS: chainTS,
		Depth:          4,
		Content:        &MemberContent{Membership: event.MembershipInvite},
		PrevEvents:     []EventReference{powerLevels.Reference()},
		AuthEvents: []EventReference{
			create.Reference(), join.Reference(), powerLevels.Reference(),
		},
		EventID: chainEventID("invite", target, keys.ServerName),
	}
	if err := Finalize(keys, invite); err != nil {
		return nil, fmt.Errorf("failed to finalize invite event: %w", err)
	}

	return Chain{create, join, hisVis, powerLevels, invite}, nil
}

// BuildMessage constructs and finalizes a single outbound text message in
// the target user's chain room. Unlike chain events, messages are stamped
// with the caller's wall-clock timestamp, which also lands in the event ID
// to keep repeated messages distinct.
func BuildMessage(keys *signing.KeyStore, chain Chain, target id.UserID, body string, ts int64) (*Event, error) {
	evt := &Event{
		Type:           event.EventMessage,
		Sender:         BotUserID(keys.ServerName),
		RoomID:         RoomIDFor(target, keys.ServerName),
		OriginServerTS: ts,
		Depth:          2,
		Content: &event.MessageEventContent{
			MsgType:  event.MsgText,
			Body:     body,
			Mentions: &event.Mentions{},
		},
		PrevEvents: []EventReference{chain.LastReference()},
		AuthEvents: []EventReference{
			chain.Create().Reference(),
			chain[1].Reference(),
			chain.PowerLevels().Reference(),
		},
		EventID: id.EventID(fmt.Sprintf("$msg%s%d:%s", encodeUserID(target), ts, keys.ServerName)),
	}
	if err := Finalize(keys, evt); err != nil {
		return nil, fmt.Errorf("failed to finalize message event: %w", err)
	}
	return evt, nil
}
