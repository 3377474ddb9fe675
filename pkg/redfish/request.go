package redfish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// maxRedirectHops bounds redirect chasing. The firmware redirects some
// paths to their trailing-slash variants, which is a single hop in practice.
const maxRedirectHops = 5

// Response is the outcome of one authenticated request. The body is fully
// read so callers never hold a network stream.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return protocolError("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return protocolError("unparseable response body: %v", err)
	}

	return nil
}

// Accepted reports whether the response announced a long-running operation.
func (r *Response) Accepted() bool {
	return r.Status == http.StatusAccepted
}

// OK reports a plain 2xx success.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

type requestOpts struct {
	headers map[string]string
}

// RequestOption adjusts a single request.
type RequestOption func(*requestOpts)

// WithHeader attaches an extra header to the request.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOpts) {
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		o.headers[key] = value
	}
}

// Do executes one authenticated request against the BMC, absorbing the
// transport and auth failures that recur on management firmware: it follows
// trailing-slash redirects, renews or abandons the session on authorization
// failures, and retries connection-level errors with backoff. Non-auth
// HTTP error statuses are returned to the caller, not retried, because
// several firmware endpoints encode meaningful results in them.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	ro := requestOpts{}
	for _, opt := range opts {
		opt(&ro)
	}

	log := c.log.WithValues("requestID", uuid.NewString()[:8], "method", method, "path", path)

	// The attempt counter is local to this logical call.
	var lastErr error
	for attempt := 1; ; attempt++ {
		resp, err := c.attempt(ctx, log, method, path, body, ro)
		if err == nil {
			if resp.Status != http.StatusUnauthorized && resp.Status != http.StatusForbidden {
				return resp, nil
			}
			lastErr = fmt.Errorf("%w: status %d from %s", ErrAuthentication, resp.Status, path)
			// Renew before consulting the budget: a stale session must be
			// replaced even when this call has no attempts left.
			c.recoverAuth(ctx, log)
			if !c.policy.ShouldRetry(attempt) {
				return nil, exhaustedError(attempt, lastErr)
			}
			if !c.isDirect() {
				// Session was renewed, retry immediately.
				continue
			}
			// Direct mode has nothing to renew, wait out the BMC instead.
			delay := c.policy.Delay(attempt)
			log.V(1).Info("authorization failure, retrying", "attempt", attempt, "delay", delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = connError(err)
		if !c.policy.ShouldRetry(attempt) {
			return nil, exhaustedError(attempt, lastErr)
		}
		delay := c.policy.Delay(attempt)
		log.V(1).Info("connection failure, retrying", "attempt", attempt, "delay", delay, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
		// The failure may have been the BMC web service restarting, which
		// invalidates sessions. Re-establish one before the next attempt.
		if !c.isDirect() && c.currentSession() == nil {
			c.createSession(ctx)
		}
	}
}

// recoverAuth reacts to a 401/403: renew the session, or downgrade to
// direct mode for good when renewal fails.
func (c *Client) recoverAuth(ctx context.Context, log logr.Logger) {
	if c.isDirect() {
		return
	}
	log.V(1).Info("authorization failure, renewing session")
	if s := c.currentSession(); s != nil {
		_ = c.destroySession(ctx, s)
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
	}
	if !c.createSession(ctx) {
		c.downgrade("session renewal failed after authorization failure")
	}
}

// attempt performs one transport round trip, following redirects.
func (c *Client) attempt(ctx context.Context, log logr.Logger, method, path string, body any, ro requestOpts) (*Response, error) {
	hops := 0
	for {
		resp, err := c.roundTrip(ctx, method, path, body, ro.headers, true)
		if err != nil {
			return nil, err
		}
		if !isRedirect(resp.Status) {
			return resp, nil
		}
		loc := resp.Headers.Get(locationHeader)
		if loc == "" {
			return nil, protocolError("redirect from %s without Location", path)
		}
		hops++
		if hops > maxRedirectHops {
			return nil, protocolError("redirect loop at %s", path)
		}
		path = pathOnly(loc)
		log.V(1).Info("following redirect", "location", path)
	}
}

// roundTrip executes a single HTTP exchange with the current auth mode and
// returns the fully-read response. withAuth is false only for the session
// lifecycle calls, which carry their own credentials.
func (c *Client) roundTrip(ctx context.Context, method, path string, body any, headers map[string]string, withAuth bool) (*Response, error) {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, protocolError("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, reader)
	if err != nil {
		return nil, protocolError("building request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-Version", "4.0")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.HostHeader != "" {
		req.Host = c.cfg.HostHeader
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if withAuth {
		c.authorize(ctx, req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{Status: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}

// authorize attaches credentials per the current auth mode, creating the
// session lazily. Session creation failure downgrades to direct mode.
func (c *Client) authorize(ctx context.Context, req *http.Request) {
	if !c.isDirect() {
		if c.currentSession() == nil && !c.createSession(ctx) {
			c.downgrade("session establishment failed")
		}
		if s := c.currentSession(); s != nil {
			req.Header.Set(authTokenHeader, s.token)
			return
		}
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
}

func (c *Client) baseURL() string {
	scheme := "https"
	if c.cfg.NoTLS {
		scheme = "http"
	}
	c.mu.Lock()
	host := c.cfg.Host
	c.mu.Unlock()

	return fmt.Sprintf("%s://%s:%d", scheme, host, c.cfg.Port)
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}

	return false
}

// pathOnly rewrites an absolute redirect target to its path, keeping the
// request on the configured host and scheme.
func pathOnly(location string) string {
	if strings.HasPrefix(location, "/") {
		return location
	}
	u, err := url.Parse(location)
	if err != nil || u.Path == "" {
		return location
	}
	p := u.Path
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}

	return p
}
