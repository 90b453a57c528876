package federation

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/RasmusRendal/smh/signing"
)

// requestSigningPayload is the document signed for X-Matrix authorization.
// Content must already be the canonical encoding of the wire body, so the
// peer re-derives the same bytes from what it actually received.
type requestSigningPayload struct {
	Content     json.RawMessage `json:"content,omitempty"`
	Destination string          `json:"destination"`
	Method      string          `json:"method"`
	Origin      string          `json:"origin"`
	URI         string          `json:"uri"`
}

// SignRequest builds the Authorization header values for an outbound
// federation request. An empty method defaults to GET without content and
// POST with content. One header is rendered per signature; a single-key
// store produces exactly one.
func SignRequest(keys *signing.KeyStore, method, destination, path string, content json.RawMessage) (headers []string, usedMethod string, err error) {
	if method == "" {
		if content == nil {
			method = http.MethodGet
		} else {
			method = http.MethodPost
		}
	}
	sig, err := keys.SignDocument(&requestSigningPayload{
		Content:     content,
		Destination: destination,
		Method:      method,
		Origin:      keys.ServerName,
		URI:         path,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to sign request to %s: %w", destination, err)
	}
	header := fmt.Sprintf(`X-Matrix origin=%s,key="%s",sig="%s",destination="%s"`,
		keys.ServerName, keys.KeyID(), sig, destination)
	return []string{header}, method, nil
}
