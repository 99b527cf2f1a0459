package schoolapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/bakaboard/sync_layer/internal/app/metrics"
	"github.com/bakaboard/sync_layer/pkg/logger"
)

// maxAuthRetries is how many times a request is replayed after a 401
// triggered a token refresh. A second 401 means the refreshed token is
// rejected too, which is an auth failure, not a stale token.
const maxAuthRetries = 1

// ClientConfig configures a data-plane client bound to one session.
type ClientConfig struct {
	BaseURL string
	Session *Session
	Timeout time.Duration
	// RateLimit caps outgoing requests per second; zero means unlimited.
	RateLimit  float64
	RateBurst  int
	HTTPClient *http.Client
	Logger     *logger.Logger
}

// Client issues authenticated requests against the remote API. A 401 on a
// data call invalidates the token and replays the request exactly once with
// a freshly acquired one.
type Client struct {
	baseURL string
	session *Session
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Logger
}

// NewClient validates the configuration and returns a ready client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("schoolapi")
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		session: cfg.Session,
		http:    httpClient,
		limiter: limiter,
		log:     log,
	}, nil
}

// Session returns the auth session the client is bound to.
func (c *Client) Session() *Session { return c.session }

// Get issues an authenticated GET and returns the raw response body.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.call(ctx, http.MethodGet, path, query, 0)
}

// Post issues an authenticated POST with an empty body; some listing
// endpoints on the remote API are POST-only.
func (c *Client) Post(ctx context.Context, path string) ([]byte, error) {
	return c.call(ctx, http.MethodPost, path, nil, 0)
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, attempt int) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := c.session.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	op := method + " " + path

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordSchoolRequest(method, 0, time.Since(start))
		return nil, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.RecordSchoolRequest(method, resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if attempt >= maxAuthRetries {
			return nil, &AuthError{
				StudentID: c.session.StudentID(),
				Op:        op,
				Reason:    "authorization rejected after token refresh",
			}
		}
		c.log.WithField("path", path).Debugf("stale token, re-authenticating")
		c.session.Invalidate()
		return c.call(ctx, method, path, query, attempt+1)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, &TransientError{Op: op, StatusCode: resp.StatusCode}
	}

	if readErr != nil {
		return nil, &TransientError{Op: op, Err: readErr}
	}
	return body, nil
}

// envelope verifies the body is JSON carrying the expected top-level key and
// returns that key's value.
func envelope(body []byte, op, key string) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &MalformedError{Op: op, Detail: "response is not valid JSON"}
	}
	value := gjson.GetBytes(body, key)
	if !value.Exists() {
		return gjson.Result{}, &MalformedError{Op: op, Detail: fmt.Sprintf("missing %q envelope", key)}
	}
	return value, nil
}

