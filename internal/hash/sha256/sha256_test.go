package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestDedupeKeyNormalizes(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.DedupeKey(governance.Payload{Query: "Plumbers  in Austin", Target: "www.Google.com"})
	require.NoError(t, err)
	b, err := h.DedupeKey(governance.Payload{Query: " plumbers in   austin ", Target: "www.google.com"})
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := h.DedupeKey(governance.Payload{Query: "plumbers in austin", Target: "www.bing.com"})
	require.NoError(t, err)
	require.NotEqual(t, a, c, "same query on another target is distinct")
}

func TestDedupeKeyIncludesFetchURL(t *testing.T) {
	t.Parallel()

	h := New()
	key := func(query, rawURL string) string {
		t.Helper()
		p := governance.Payload{Query: query, Target: "yelp.com"}
		if rawURL != "" {
			p.Metadata = map[string]string{"url": rawURL, "city": "ignored"}
		}
		k, err := h.DedupeKey(p)
		require.NoError(t, err)
		return k
	}

	a := key("", "https://yelp.com/biz/a")
	require.NotEqual(t, a, key("", "https://yelp.com/biz/b"))
	require.Equal(t, a, key("", " HTTPS://Yelp.com/biz/a#reviews "))
	require.NotEqual(t, a, key("", "https://yelp.com/biz/A"), "paths stay case-sensitive")
	require.NotEqual(t, key("pizza", ""), key("pizza", "https://yelp.com/biz/a"))
}
