// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
)

// Hasher implements governance.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DedupeKey digests the normalized payload (query and explicit fetch URL)
// together with the target. Case and surrounding or repeated whitespace in
// the query and target do not change the key; in the URL only the scheme
// and host are case-folded and the fragment is ignored.
func (h *Hasher) DedupeKey(p governance.Payload) (string, error) {
	normalized := normalize(p.Query) + "\x00" + normalizeURL(p.Metadata["url"]) + "\x00" + normalize(p.Target)
	return h.Hash([]byte(normalized))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
