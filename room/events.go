// Package room synthesizes the deterministic per-user event chain this
// server presents to peers. Nothing here performs I/O: chains are recomputed
// from the target user ID on every call, which is what lets the server stay
// completely stateless.
package room

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/RasmusRendal/smh/signing"
)

// EventHashes is the content hash container attached to finalized events.
type EventHashes struct {
	SHA256 string `json:"sha256"`
}

// EventReference is a room-v1 reference pair pointing at a predecessor
// event. It marshals as the two-element array [event_id, hashes], enough
// for a peer to verify the referenced event's content hash without
// refetching it.
type EventReference struct {
	EventID id.EventID
	Hashes  EventHashes
}

func (er EventReference) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{er.EventID, er.Hashes})
}

func (er *EventReference) UnmarshalJSON(data []byte) error {
	var parts [2]json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[0], &er.EventID); err != nil {
		return err
	}
	return json.Unmarshal(parts[1], &er.Hashes)
}

// Unsigned carries the non-hashed metadata the original chain events ship.
type Unsigned struct {
	Age        int64            `json:"age"`
	Membership event.Membership `json:"membership,omitempty"`
}

// Event is the shared envelope for every chain event variant. The Content
// field holds the per-type payload; everything an event needs to be
// referenced, hashed and signed lives in the envelope itself.
//
// An event is immutable once a successor has taken its Reference.
type Event struct {
	Type           event.Type         `json:"type"`
	Sender         id.UserID          `json:"sender"`
	RoomID         id.RoomID          `json:"room_id"`
	StateKey       *string            `json:"state_key,omitempty"`
	Origin         string             `json:"origin,omitempty"`
	OriginServerTS int64              `json:"origin_server_ts"`
	Depth          int64              `json:"depth"`
	Content        any                `json:"content"`
	PrevEvents     []EventReference   `json:"prev_events"`
	AuthEvents     []EventReference   `json:"auth_events"`
	Hashes         *EventHashes       `json:"hashes,omitempty"`
	Signatures     signing.Signatures `json:"signatures,omitempty"`
	Unsigned       *Unsigned          `json:"unsigned,omitempty"`
	EventID        id.EventID         `json:"event_id,omitempty"`
}

// Reference returns the reference pair successors embed in their
// prev_events/auth_events. The event must be finalized first.
func (e *Event) Reference() EventReference {
	ref := EventReference{EventID: e.EventID}
	if e.Hashes != nil {
		ref.Hashes = *e.Hashes
	}
	return ref
}

func (e *Event) String() string {
	return fmt.Sprintf("%s (%s in %s)", e.EventID, e.Type.Type, e.RoomID)
}

// CreateContent is the m.room.create payload.
type CreateContent struct {
	Creator     id.UserID `json:"creator"`
	Federate    bool      `json:"m.federate"`
	RoomVersion string    `json:"room_version"`
}

// MemberContent is the m.room.member payload, used for both the bot's join
// and the target's invite.
type MemberContent struct {
	Displayname string           `json:"displayname,omitempty"`
	Membership  event.Membership `json:"membership"`
}

// HistoryVisibilityContent is the m.room.history_visibility payload.
type HistoryVisibilityContent struct {
	HistoryVisibility event.HistoryVisibility `json:"history_visibility"`
}

type NotificationLevels struct {
	Room int `json:"room"`
}

// PowerLevelsContent is the m.room.power_levels payload. The chain grants
// every lever to the bot alone.
type PowerLevelsContent struct {
	Ban           int                `json:"ban"`
	Events        map[string]int     `json:"events"`
	EventsDefault int                `json:"events_default"`
	Invite        int                `json:"invite"`
	Kick          int                `json:"kick"`
	Notifications NotificationLevels `json:"notifications"`
	Redact        int                `json:"redact"`
	StateDefault  int                `json:"state_default"`
	Users         map[id.UserID]int  `json:"users"`
	UsersDefault  int                `json:"users_default"`
}
