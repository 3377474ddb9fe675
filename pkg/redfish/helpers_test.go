package redfish_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/rackbone/rackbone/pkg/redfish"
)

// newTestClient starts a server for handler and returns a direct-mode
// client pointed at it with a minimal retry budget.
func newTestClient(t *testing.T, handler http.Handler, opts ...redfish.Option) *redfish.Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return newClientFor(t, srv.URL, opts...)
}

func newClientFor(t *testing.T, serverURL string, opts ...redfish.Option) *redfish.Client {
	t.Helper()

	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	base := []redfish.Option{
		redfish.WithoutTLS(),
		redfish.WithPort(port),
		redfish.WithRetries(2, time.Millisecond),
		redfish.WithMediaVerify(2, time.Millisecond),
		redfish.WithDirectMode(),
	}
	c, err := redfish.New(u.Hostname(), "admin", "secret", append(base, opts...)...)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	return c
}

// newSessionTestClient is newTestClient without the direct-mode shortcut,
// for tests exercising the session lifecycle.
func newSessionTestClient(t *testing.T, handler http.Handler, opts ...redfish.Option) *redfish.Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	base := []redfish.Option{
		redfish.WithoutTLS(),
		redfish.WithPort(port),
		redfish.WithRetries(2, time.Millisecond),
	}
	c, err := redfish.New(u.Hostname(), "admin", "secret", append(base, opts...)...)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	return c
}

// jsonResponse writes a JSON body with the given status.
func jsonResponse(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
