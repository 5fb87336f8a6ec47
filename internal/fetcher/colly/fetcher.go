// Package collyfetcher is the reference fetcher workers use: a single GET
// issued through gocolly as the leased identity (its user agent, egress
// proxy and Accept-Language).
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/identity"
)

// Config controls collector behavior.
type Config struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
}

// Request is one fetch on behalf of a leased identity.
type Request struct {
	URL      string
	Identity identity.Lease
	Headers  http.Header
}

// Response is what came back. Non-2xx statuses are responses, not errors.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher issues requests through one pooled transport per egress proxy.
type Fetcher struct {
	cfg Config

	mu         sync.Mutex
	transports map[string]*http.Transport
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	return &Fetcher{cfg: cfg, transports: make(map[string]*http.Transport)}
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, request Request) (Response, error) {
	var (
		result   Response
		fetchErr error
	)
	start := time.Now()
	collector, err := f.buildCollector(request, start, &result, &fetchErr)
	if err != nil {
		return Response{}, err
	}
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return Response{}, err
	}
	return result, nil
}

// buildCollector creates a fresh collector per request; clones would share
// the backend client and with it the proxy transport.
func (f *Fetcher) buildCollector(
	request Request,
	start time.Time,
	result *Response,
	fetchErr *error,
) (*colly.Collector, error) {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if ua := request.Identity.Fingerprint.UserAgent; ua != "" {
		collector.UserAgent = ua
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = f.cfg.MaxBodyBytes
	collector.SetRequestTimeout(f.cfg.Timeout)

	transport, err := f.transportFor(request.Identity.ProxyURL)
	if err != nil {
		return nil, err
	}
	collector.WithTransport(transport)

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request Request,
	start time.Time,
	result *Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if lang := request.Identity.Fingerprint.AcceptLanguage; lang != "" {
			r.Headers.Set("Accept-Language", lang)
		}
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) transportFor(proxy string) (*http.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[proxy]; ok {
		return t, nil
	}
	t := newHTTPTransport()
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		t.Proxy = http.ProxyURL(u)
	}
	f.transports[proxy] = t
	return t, nil
}

// Close drops idle connections on every transport.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}

// ClassifyError maps a fetch error onto the failure kind reported to the
// governor.
func ClassifyError(err error) governance.ErrorKind {
	var netErr net.Error
	switch {
	case err == nil:
		return governance.ErrorKindNone
	case errors.Is(err, context.DeadlineExceeded):
		return governance.ErrorKindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return governance.ErrorKindTimeout
	case errors.Is(err, colly.ErrRobotsTxtBlocked), errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrMissingURL):
		return governance.ErrorKindApplication
	default:
		return governance.ErrorKindTransport
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
