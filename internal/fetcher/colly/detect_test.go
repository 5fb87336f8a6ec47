package collyfetcher

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
)

func TestDetectorInspect(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})
	cases := []struct {
		name    string
		status  int
		body    string
		kind    governance.ErrorKind
		results int
	}{
		{"results", http.StatusOK, `<html><body><a href="/1">1</a><a href="/2">2</a></body></html>`, governance.ErrorKindNone, 2},
		{"recaptcha widget", http.StatusOK, `<html><body><div class="g-recaptcha"></div></body></html>`, governance.ErrorKindCaptcha, 0},
		{"captcha text", http.StatusOK, `<html><body><p>Our systems detected Unusual Traffic</p></body></html>`, governance.ErrorKindCaptcha, 0},
		{"block page", http.StatusOK, `<html><head><title>Access Denied</title></head><body></body></html>`, governance.ErrorKindBlocked, 0},
		{"empty", http.StatusOK, ``, governance.ErrorKindNone, 0},
		{"rate limited", http.StatusTooManyRequests, `slow down`, governance.ErrorKindRateLimited, 0},
		{"server", http.StatusBadGateway, ``, governance.ErrorKindServer, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			kind, results := d.Inspect(Response{StatusCode: tc.status, Body: []byte(tc.body)})
			require.Equal(t, tc.kind, kind)
			require.Equal(t, tc.results, results)
		})
	}
}

func TestNewDetectorCustomLists(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{BlockKeywords: []string{" ", "go away"}, ResultSelector: "li.result"})
	kind, _ := d.Inspect(Response{StatusCode: http.StatusOK, Body: []byte("<body>Go away</body>")})
	require.Equal(t, governance.ErrorKindBlocked, kind)

	kind, n := d.Inspect(Response{StatusCode: http.StatusOK, Body: []byte(`<ul><li class="result">a</li><li>b</li></ul>`)})
	require.Equal(t, governance.ErrorKindNone, kind)
	require.Equal(t, 1, n)
}
