package advancedcache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	tee "github.com/always-cache/advanced-cache/pkg/response-writer-tee"
	"github.com/rs/zerolog/log"
)

// Fetcher performs network retrievals.
// A returned error means the transport failed; any response, whatever its status, is a successful retrieval.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

var errNoFetcher = errors.New("no fetcher configured")

// NetworkError is returned when a retrieval fails at the transport level.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network retrieval of %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetworkFailure reports whether err was caused by a failed network retrieval.
func IsNetworkFailure(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

func networkErr(url string, err error) error {
	if err == nil || IsNetworkFailure(err) {
		return err
	}
	return &NetworkError{URL: url, Err: err}
}

// OriginFetcher retrieves responses from an origin server.
type OriginFetcher struct {
	originURL  url.URL
	originHost string
	httpClient http.Client
}

// NewOriginFetcher creates a fetcher for the origin.
// Host, if set, is used as the Host header and TLS server name (e.g. when the origin URL is an IP address).
func NewOriginFetcher(originURL url.URL, host string, timeout time.Duration) *OriginFetcher {
	f := &OriginFetcher{
		originURL:  originURL,
		originHost: host,
		httpClient: http.Client{
			Timeout: timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// use provided hostname for origin if configured
	if host != "" {
		f.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: host,
			},
		}
	}
	return f
}

// Fetch the resource specified in the incoming request from the origin.
// Absolute request URLs are fetched as is, relative ones from the origin.
func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := r.URL.String()
	if !r.URL.IsAbs() {
		uri = f.originURL.String() + r.URL.RequestURI()
	}
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		log.Error().Err(err).Str("uri", uri).Msg("Could not create request for fetching")
		return nil, err
	}
	if f.originHost != "" {
		req.Host = f.originHost
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	log.Trace().Msgf("Executing request %s %s", req.Method, uri)
	return f.httpClient.Do(req)
}

// HandlerFetcher retrieves responses from an in-process handler, e.g. the next handler of a middleware.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	rw := tee.NewResponseSaver()
	req := r.WithContext(ctx)
	f.Handler.ServeHTTP(rw, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rw.Response(req), nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
