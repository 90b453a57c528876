package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// Signatures maps server name -> key ID -> unpadded base64 signature, the
// same shape events and key-query documents use on the wire.
type Signatures map[string]map[id.KeyID]string

// KeyStore holds the server's long-term federation signing identity. It is
// constructed once at startup and read-only afterwards, so it is safe to
// share across concurrent callers without locking.
type KeyStore struct {
	ServerName string
	Version    string

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewKeyStore builds a key store from a server name, a key version tag and
// an unpadded base64 ed25519 seed. Any malformed or missing input is a boot
// precondition failure and should be treated as fatal by the caller.
func NewKeyStore(serverName, version, seedBase64 string) (*KeyStore, error) {
	if serverName == "" {
		return nil, fmt.Errorf("missing server name")
	} else if version == "" {
		return nil, fmt.Errorf("missing signing key version")
	} else if seedBase64 == "" {
		return nil, fmt.Errorf("missing signing key")
	}
	seed, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(seedBase64, "="))
	if err != nil {
		return nil, fmt.Errorf("malformed signing key: %w", err)
	} else if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyStore{
		ServerName: serverName,
		Version:    version,
		priv:       priv,
		pub:        priv.Public().(ed25519.PublicKey),
	}, nil
}

// GenerateKeyStore creates a key store with a fresh random keypair.
func GenerateKeyStore(serverName, version string) (*KeyStore, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return NewKeyStore(serverName, version, base64.RawStdEncoding.EncodeToString(seed))
}

// KeyID returns the key's external identifier, e.g. ed25519:abc123.
func (ks *KeyStore) KeyID() id.KeyID {
	return id.NewKeyID(id.KeyAlgorithmEd25519, ks.Version)
}

// VerifyKeyBase64 returns the unpadded base64 public key as served to peers.
func (ks *KeyStore) VerifyKeyBase64() string {
	return base64.RawStdEncoding.EncodeToString(ks.pub)
}

// Sign returns the detached unpadded base64 ed25519 signature over data.
func (ks *KeyStore) Sign(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(ks.priv, data))
}

// Verify checks a detached signature produced by Sign.
func (ks *KeyStore) Verify(data []byte, sigBase64 string) bool {
	sig, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(sigBase64, "="))
	if err != nil {
		return false
	}
	return ed25519.Verify(ks.pub, data, sig)
}

// SignDocument signs an arbitrary JSON object the way signed Matrix
// documents are signed: the signatures and unsigned fields are stripped,
// the rest is canonical-encoded and signed detached.
func (ks *KeyStore) SignDocument(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}
	var doc map[string]any
	if err = json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("signed document must be a JSON object: %w", err)
	}
	delete(doc, "signatures")
	delete(doc, "unsigned")
	canonical, err := CanonicalJSON(doc)
	if err != nil {
		return "", err
	}
	return ks.Sign(canonical), nil
}
