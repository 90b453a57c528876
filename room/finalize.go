package room

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/RasmusRendal/smh/signing"
)

// Fields that never contribute to the content hash.
var unhashedFields = []string{"unsigned", "signatures", "hashes", "age_ts", "outlier", "destinations"}

// Top-level fields that survive the minimal room-v1 redaction. Content and
// unsigned are rebuilt separately.
var redactionKeepFields = []string{
	"event_id", "sender", "room_id", "hashes", "signatures", "type",
	"state_key", "depth", "prev_events", "prev_state", "auth_events",
	"origin", "origin_server_ts", "membership",
}

// Per-type content keys that survive redaction.
var redactionKeepContent = map[string][]string{
	event.StateCreate.Type:            {"creator"},
	event.StateMember.Type:            {"membership"},
	event.StateJoinRules.Type:         {"join_rule"},
	event.StateHistoryVisibility.Type: {"history_visibility"},
	event.StatePowerLevels.Type: {
		"ban", "events", "events_default", "kick", "redact",
		"state_default", "users", "users_default",
	},
}

// Finalize computes the event's content hash and attaches the server's
// detached signature over the redacted form. It must be called on every
// event before a successor takes its reference; after that the event is
// frozen.
//
// The event ID is not derived here: identifiers are deterministic templated
// strings assigned at construction time, so the same user always yields the
// same chain without any storage.
func Finalize(keys *signing.KeyStore, evt *Event) error {
	if err := validate(evt); err != nil {
		return err
	}
	evt.Hashes = nil
	doc, err := eventDocument(evt)
	if err != nil {
		return err
	}

	hashable := make(map[string]any, len(doc))
	for k, v := range doc {
		hashable[k] = v
	}
	for _, k := range unhashedFields {
		delete(hashable, k)
	}
	canonical, err := signing.CanonicalJSON(hashable)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(canonical)
	evt.Hashes = &EventHashes{SHA256: base64.RawStdEncoding.EncodeToString(digest[:])}

	doc["hashes"] = map[string]any{"sha256": evt.Hashes.SHA256}
	signable, err := signing.CanonicalJSON(redactedForSigning(doc))
	if err != nil {
		return err
	}
	// Merge rather than replace: countersigning a peer's event (send_join)
	// must keep the joining server's own signature intact.
	if evt.Signatures == nil {
		evt.Signatures = signing.Signatures{}
	}
	if evt.Signatures[keys.ServerName] == nil {
		evt.Signatures[keys.ServerName] = map[id.KeyID]string{}
	}
	evt.Signatures[keys.ServerName][keys.KeyID()] = keys.Sign(signable)
	return nil
}

// Verify recomputes the redacted signing form of a finalized event and
// checks the detached signature attached for the key store's server.
func Verify(keys *signing.KeyStore, evt *Event) (bool, error) {
	sig, ok := evt.Signatures[keys.ServerName][keys.KeyID()]
	if !ok {
		return false, fmt.Errorf("event %s has no signature for %s/%s", evt.EventID, keys.ServerName, keys.KeyID())
	}
	doc, err := eventDocument(evt)
	if err != nil {
		return false, err
	}
	signable, err := signing.CanonicalJSON(redactedForSigning(doc))
	if err != nil {
		return false, err
	}
	return keys.Verify(signable, sig), nil
}

func validate(evt *Event) error {
	switch {
	case evt.Type.Type == "":
		return fmt.Errorf("event is missing type")
	case evt.Sender == "":
		return fmt.Errorf("event is missing sender")
	case evt.RoomID == "":
		return fmt.Errorf("event is missing room_id")
	case evt.EventID == "":
		return fmt.Errorf("event is missing event_id")
	case evt.Content == nil:
		return fmt.Errorf("event is missing content")
	}
	return nil
}

// eventDocument converts the typed envelope into the generic map form the
// hashing and redaction steps operate on. Going through the serialized form
// keeps every content variant hashable and signable uniformly.
func eventDocument(evt *Event) (map[string]any, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event %s: %w", evt.EventID, err)
	}
	var doc map[string]any
	if err = json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to deserialize event %s: %w", evt.EventID, err)
	}
	return doc, nil
}

// redactedForSigning reduces an event document to the room-v1 redacted
// form, minus the signatures and unsigned fields the signature never
// covers. Only the fixed allow-list of fields survives.
func redactedForSigning(doc map[string]any) map[string]any {
	out := make(map[string]any, len(redactionKeepFields)+1)
	for _, k := range redactionKeepFields {
		if v, ok := doc[k]; ok {
			out[k] = v
		}
	}
	delete(out, "signatures")
	evtType, _ := doc["type"].(string)
	newContent := map[string]any{}
	if content, ok := doc["content"].(map[string]any); ok {
		for _, k := range redactionKeepContent[evtType] {
			if v, ok := content[k]; ok {
				newContent[k] = v
			}
		}
	}
	out["content"] = newContent
	return out
}
