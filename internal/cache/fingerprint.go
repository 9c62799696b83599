package cache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/sharegate/internal/plugin"
	"github.com/mattjoyce/sharegate/internal/queue"
)

const credentialDigestContext = "sharegate 2026 credential digest v1"

// Fingerprint is the cache key of an extraction: BLAKE3-256 over handler,
// server and the descriptor with object keys sorted. Credentials play no
// part, so equal requests from different callers share one entry.
func Fingerprint(d queue.Descriptor) (string, error) {
	body, err := canonicalJSON(d.Body)
	if err != nil {
		return "", fmt.Errorf("fingerprint descriptor: %w", err)
	}
	h := blake3.New()
	_, _ = h.Write([]byte(d.Handler))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(d.Server))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON re-encodes raw with sorted object keys and no insignificant
// whitespace. Numbers keep their literal form.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after descriptor")
	}
	return json.Marshal(v)
}

// Digester produces keyed digests of credentials, so a job can record which
// credential produced it without storing the credential.
type Digester struct {
	key [32]byte
}

// NewDigester derives the digest key from a configured secret.
func NewDigester(secret string) *Digester {
	d := &Digester{}
	blake3.DeriveKey(credentialDigestContext, []byte(secret), d.key[:])
	return d
}

// Digest returns the hex keyed digest of cred. Empty tokens digest to "".
func (d *Digester) Digest(cred plugin.Credential) string {
	if cred.Token == "" {
		return ""
	}
	h, err := blake3.NewKeyed(d.key[:])
	if err != nil {
		// Only fails on a wrong key length.
		panic(err)
	}
	_, _ = h.Write([]byte(cred.Token))
	return hex.EncodeToString(h.Sum(nil))
}
