package signing

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/canonicaljson"
)

// CanonicalJSON returns the Matrix canonical JSON encoding of v: object keys
// sorted lexicographically at every nesting level, minimal separators, and
// non-ASCII text emitted as UTF-8 bytes rather than escape sequences.
//
// All hashes and signatures in this module are computed over these bytes, so
// the encoding must be byte-identical for equal values regardless of how the
// value was constructed. NaN and infinity are rejected by encoding/json.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal for canonicalization: %w", err)
	}
	return canonicaljson.CanonicalJSONAssumeValid(data), nil
}
