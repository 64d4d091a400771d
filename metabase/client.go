// Package metabase is a client for the parts of the Metabase REST API that
// are needed to bring a fresh server into a usable state.
package metabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/overmindtech/mbsetup/logging"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SessionHeader is the header Metabase reads the session id from
const SessionHeader = "X-Metabase-Session"

// maxBodyLog caps how much of a response body is kept for error reporting
const maxBodyLog = 4096

// maxBodyRead caps how much of a response body is read for classification
const maxBodyRead = 1 << 20

// Options controls the timeouts and retries used by a Client. Zero durations
// are replaced by the defaults below. Retries is taken literally, zero
// disables retrying.
type Options struct {
	// Timeout for a single health probe
	ProbeTimeout time.Duration
	// Timeout for setup, authentication and registration calls
	RequestTimeout time.Duration
	// How many times idempotent GETs are retried on transient failures
	Retries      int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

const (
	DefaultProbeTimeout   = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultRetries        = 2
	DefaultRetryWaitMin   = 500 * time.Millisecond
	DefaultRetryWaitMax   = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryWaitMin <= 0 {
		o.RetryWaitMin = DefaultRetryWaitMin
	}
	if o.RetryWaitMax <= 0 {
		o.RetryWaitMax = DefaultRetryWaitMax
	}
	return o
}

// Client talks to the REST API of a single Metabase instance. It holds no
// state beyond the base URL and its HTTP clients; the session credential
// travels in the context (see WithSession).
type Client struct {
	baseURL *url.URL

	// probe is used for health checks only
	probe *http.Client
	// api makes exactly one attempt per call and adds the session header
	api *http.Client
	// retrying is used for idempotent reads
	retrying *http.Client
}

// NewClient validates the base URL and builds a Client for it
func NewClient(baseURL string, opts Options) (*Client, error) {
	u, err := ParseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()

	return &Client{
		baseURL: u,
		probe: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   opts.ProbeTimeout,
		},
		api: &http.Client{
			Transport: &SessionTransport{
				from: otelhttp.NewTransport(http.DefaultTransport),
			},
			Timeout: opts.RequestTimeout,
		},
		retrying: newRetryableHTTPClient(opts),
	}, nil
}

// ParseBaseURL checks that the base URL is an absolute http(s) URL and strips
// any trailing slash
func ParseBaseURL(baseURL string) (*url.URL, error) {
	if baseURL == "" {
		return nil, errors.New("metabase URL must not be empty")
	}

	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid metabase URL '%v': %w", baseURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid metabase URL '%v': scheme must be http or https", baseURL)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("invalid metabase URL '%v': missing host", baseURL)
	}

	return u, nil
}

// newRetryableHTTPClient wraps an otelhttp transport in a retryablehttp
// client. Only used for GETs, since setup, login and registration must be
// attempted exactly once.
func newRetryableHTTPClient(opts Options) *http.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   opts.RequestTimeout,
	}
	rc.RetryMax = opts.Retries
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.Logger = logging.RetryLogger{Logger: log.StandardLogger()}

	return rc.StandardClient()
}

// BaseURL returns the URL the client was created with
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + "/api/" + strings.TrimLeft(path, "/")
}

// postJSON encodes body as JSON and posts it through the single-attempt
// client. The caller owns the returned response body.
func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("could not encode request for %v: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("could not build request for %v: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.api.Do(req)
}

// readBody reads at most maxBodyLog bytes of the body for error reporting
func readBody(r io.Reader) string {
	return readBodyN(r, maxBodyLog)
}

func readBodyN(r io.Reader, n int64) string {
	b, err := io.ReadAll(io.LimitReader(r, n))
	if err != nil {
		return ""
	}
	return string(b)
}

// truncateBody cuts a body read with readBodyN down to what is kept for logs
func truncateBody(body string) string {
	if len(body) <= maxBodyLog {
		return body
	}
	return strings.ToValidUTF8(body[:maxBodyLog], "")
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}
