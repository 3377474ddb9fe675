// Package redfish implements a resilient client for the Redfish-style REST
// API exposed by a server's baseboard management controller. It owns the
// request/session/async-task machinery that makes quirky firmware endpoints
// usable; the inventory and configuration readers built on top of it are
// plain one-document translators.
package redfish

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"github.com/rackbone/rackbone/pkg/retry"
)

// Config holds the connection settings for one BMC. Zero fields are filled
// from defaults at construction; after that the only mutations are the
// one-way direct-mode downgrade and SetHost.
type Config struct {
	// Host is the BMC address, without scheme or port.
	Host string
	// Username and Password authenticate both session login and direct mode.
	Username string
	Password string
	// Port of the management interface.
	Port int
	// NoTLS switches to plain HTTP. Some lab BMCs have TLS disabled.
	NoTLS bool
	// InsecureTLS skips certificate verification. BMCs almost universally
	// present self-signed certificates.
	InsecureTLS bool
	// DirectMode sends Basic credentials on every request instead of
	// establishing a session.
	DirectMode bool
	// RetryCount bounds transport-level retries for one logical request.
	RetryCount int
	// RetryDelay is the base delay fed into the backoff policy.
	RetryDelay time.Duration
	// HostHeader overrides the HTTP Host header, for BMCs reached through
	// a forwarding proxy that routes on it.
	HostHeader string
	// MediaVerifyAttempts and MediaVerifyInterval bound the loop that
	// confirms a virtual media mount after an insert.
	MediaVerifyAttempts int
	MediaVerifyInterval time.Duration
}

func defaultConfig() Config {
	p := retry.DefaultPolicy()

	return Config{
		Port:                443,
		RetryCount:          p.MaxAttempts,
		RetryDelay:          p.BaseDelay,
		MediaVerifyAttempts: 10,
		MediaVerifyInterval: 2 * time.Second,
	}
}

// Option configures a Client.
type Option func(*Config)

// WithPort sets the management interface port.
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithoutTLS switches to plain HTTP.
func WithoutTLS() Option {
	return func(c *Config) { c.NoTLS = true }
}

// WithInsecureTLS skips TLS certificate verification.
func WithInsecureTLS() Option {
	return func(c *Config) { c.InsecureTLS = true }
}

// WithDirectMode disables session authentication from the start.
func WithDirectMode() Option {
	return func(c *Config) { c.DirectMode = true }
}

// WithRetries sets the transport retry budget and base delay.
func WithRetries(count int, delay time.Duration) Option {
	return func(c *Config) {
		c.RetryCount = count
		c.RetryDelay = delay
	}
}

// WithHostHeader overrides the HTTP Host header on every request.
func WithHostHeader(host string) Option {
	return func(c *Config) { c.HostHeader = host }
}

// WithMediaVerify sets the attempt count and interval of the loop that
// confirms a virtual media mount after an insert.
func WithMediaVerify(attempts int, interval time.Duration) Option {
	return func(c *Config) {
		c.MediaVerifyAttempts = attempts
		c.MediaVerifyInterval = interval
	}
}

// Client manages exactly one BMC endpoint. It is not safe for concurrent
// use: the session token and auth mode are shared mutable state, so callers
// must serialize requests per instance.
type Client struct {
	cfg    Config
	log    logr.Logger
	http   *http.Client
	policy retry.Policy

	mu      sync.Mutex
	session *session
	direct  bool

	progress *progressIndicator
}

// New returns a Client for the BMC at host. No network traffic happens
// until Open or the first request.
func New(host, username, password string, opts ...Option) (*Client, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: host must not be empty", ErrInvalidTarget)
	}

	cfg := Config{
		Host:     host,
		Username: username,
		Password: password,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	defaults := defaultConfig()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}

	c := &Client{
		cfg: cfg,
		log: logr.Discard(),
		http: &http.Client{
			// Transport-level ceiling; logical timeouts are cooperative
			// and checked between poll iterations.
			Timeout: 90 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureTLS}, //nolint:gosec // self-signed BMC certs
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// Redirects are handled by the request engine so the auth
				// header can be re-attached per hop.
				return http.ErrUseLastResponse
			},
		},
		policy:   retry.Policy{MaxAttempts: cfg.RetryCount, BaseDelay: cfg.RetryDelay},
		direct:   cfg.DirectMode,
		progress: newProgressIndicator(os.Stdout),
	}

	return c, nil
}

// Config returns a copy of the effective configuration, defaults applied.
func (c *Client) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cfg
}

// SetLogger replaces the client's logger. The default discards everything.
func (c *Client) SetLogger(log logr.Logger) {
	c.log = log
}

// SetHost points the client at a new address. Only the network
// reconfiguration flow uses this, after moving the BMC to a different
// address; any session established against the old address is dropped.
func (c *Client) SetHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Host = host
	c.session = nil
}

// Open establishes the session eagerly. Failure is not fatal: the client
// downgrades to direct mode and stays usable, matching the lazy path.
func (c *Client) Open(ctx context.Context) error {
	if c.isDirect() {
		return nil
	}
	if !c.createSession(ctx) {
		c.downgrade("session establishment failed at login")
	}

	return nil
}

// Close releases the remote session, best effort. BMCs cap the number of
// concurrent sessions at a small number, so callers should pair every New
// with a deferred Close.
func (c *Client) Close(ctx context.Context) error {
	var errs *multierror.Error

	c.progress.Stop()

	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s != nil {
		if err := c.destroySession(ctx, s); err != nil {
			c.log.V(1).Info("session deletion failed on close", "error", err)
			errs = multierror.Append(errs, err)
		}
	}
	c.http.CloseIdleConnections()

	return errs.ErrorOrNil()
}

// isDirect reports the current auth mode.
func (c *Client) isDirect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.direct
}

// downgrade permanently switches to direct mode. There is no reverse
// transition for the lifetime of the client.
func (c *Client) downgrade(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.direct {
		return
	}
	c.direct = true
	c.session = nil
	c.log.Info("downgrading to direct authentication", "reason", reason)
}

// currentSession returns the session, or nil when absent.
func (c *Client) currentSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
