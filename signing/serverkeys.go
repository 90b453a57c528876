package signing

import (
	"time"

	"maunium.net/go/mautrix/id"
)

type ServerKey struct {
	Key string `json:"key"`
}

// ServerKeysResponse is the key-query document served at
// /_matrix/key/v2/server, signed with the same detached-signature
// mechanism as events.
type ServerKeysResponse struct {
	OldVerifyKeys map[id.KeyID]ServerKey `json:"old_verify_keys"`
	ServerName    string                 `json:"server_name"`
	Signatures    Signatures             `json:"signatures,omitempty"`
	ValidUntilTS  int64                  `json:"valid_until_ts"`
	VerifyKeys    map[id.KeyID]ServerKey `json:"verify_keys"`
}

// ServerKeys renders and signs the key-query document for peers. The key is
// never rotated within a run, so validUntil is purely advisory.
func (ks *KeyStore) ServerKeys(validUntil time.Time) (*ServerKeysResponse, error) {
	resp := &ServerKeysResponse{
		OldVerifyKeys: map[id.KeyID]ServerKey{},
		ServerName:    ks.ServerName,
		ValidUntilTS:  validUntil.UnixMilli(),
		VerifyKeys: map[id.KeyID]ServerKey{
			ks.KeyID(): {Key: ks.VerifyKeyBase64()},
		},
	}
	sig, err := ks.SignDocument(resp)
	if err != nil {
		return nil, err
	}
	resp.Signatures = Signatures{ks.ServerName: {ks.KeyID(): sig}}
	return resp, nil
}
