package federation

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RasmusRendal/smh/signing"
)

func signingTestKeys(t *testing.T) *signing.KeyStore {
	t.Helper()
	ks, err := signing.NewKeyStore("smh.example.com", "key1", base64.RawStdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	return ks
}

func TestSignRequest_MethodDefaults(t *testing.T) {
	ks := signingTestKeys(t)

	_, method, err := SignRequest(ks, "", "example.org", "/_matrix/federation/v1/version", nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, method)

	_, method, err = SignRequest(ks, "", "example.org", "/_matrix/federation/v1/send/1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)

	_, method, err = SignRequest(ks, http.MethodPut, "example.org", "/_matrix/federation/v1/send/1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, method)
}

func TestSignRequest_HeaderFormat(t *testing.T) {
	ks := signingTestKeys(t)
	headers, _, err := SignRequest(ks, http.MethodGet, "example.org", "/_matrix/federation/v1/version", nil)
	require.NoError(t, err)
	require.Len(t, headers, 1)

	assert.Regexp(t,
		`^X-Matrix origin=smh\.example\.com,key="ed25519:key1",sig="[A-Za-z0-9+/]+",destination="example\.org"$`,
		headers[0])
}

func TestSignRequest_SignatureVerifies(t *testing.T) {
	ks := signingTestKeys(t)
	content := json.RawMessage(`{"pdus":[]}`)
	headers, method, err := SignRequest(ks, http.MethodPut, "example.org", "/_matrix/federation/v1/send/1", content)
	require.NoError(t, err)

	match := regexp.MustCompile(`sig="([^"]+)"`).FindStringSubmatch(headers[0])
	require.Len(t, match, 2)
	sig := match[1]

	signable, err := signing.CanonicalJSON(&requestSigningPayload{
		Content:     content,
		Destination: "example.org",
		Method:      method,
		Origin:      ks.ServerName,
		URI:         "/_matrix/federation/v1/send/1",
	})
	require.NoError(t, err)
	assert.True(t, ks.Verify(signable, sig))
}
