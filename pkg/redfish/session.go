package redfish

import (
	"context"
	"net/http"
	"path"
	"strings"
)

// session is the server-side login resource. Exactly one exists per client;
// access goes through Client.mu.
type session struct {
	token string
	id    string
}

// resource returns the path of the remote session member.
func (s *session) resource() string {
	return sessionsPath + "/" + s.id
}

// createSession logs in to the session collection and stores the resulting
// token. It reports success; failure is left to the caller, which either
// downgrades to direct mode or retries later. The call bypasses the request
// engine: credentials ride in the body and a retry storm during login would
// trip the BMC's login-failure lockout.
func (c *Client) createSession(ctx context.Context) bool {
	payload := map[string]string{
		"UserName": c.cfg.Username,
		"Password": c.cfg.Password,
	}
	resp, err := c.roundTrip(ctx, http.MethodPost, sessionsPath, payload, nil, false)
	if err != nil {
		c.log.V(1).Info("session login failed", "error", err)
		return false
	}
	if resp.Status != http.StatusCreated {
		c.log.V(1).Info("session login rejected", "status", resp.Status)
		return false
	}

	token := resp.Headers.Get(authTokenHeader)
	if token == "" {
		c.log.V(1).Info("session login response missing token header")
		return false
	}

	// The session identifier comes from the Location header; some firmware
	// omits it, so fall back to the Id field in the body.
	id := ""
	if loc := resp.Headers.Get(locationHeader); loc != "" {
		id = path.Base(strings.TrimSuffix(pathOnly(loc), "/"))
	}
	if id == "" {
		var doc struct {
			ID string `json:"Id"`
		}
		if err := resp.JSON(&doc); err == nil {
			id = doc.ID
		}
	}
	if id == "" {
		c.log.V(1).Info("session login response missing session identifier")
		return false
	}

	c.mu.Lock()
	c.session = &session{token: token, id: id}
	c.mu.Unlock()
	c.log.V(1).Info("session established", "sessionID", id)

	return true
}

// destroySession deletes the remote session resource. Errors are returned
// for logging but never block the caller: the session may already have
// expired on the BMC side.
func (c *Client) destroySession(ctx context.Context, s *session) error {
	hdrs := map[string]string{authTokenHeader: s.token}
	resp, err := c.roundTrip(ctx, http.MethodDelete, s.resource(), nil, hdrs, false)
	if err != nil {
		return connError(err)
	}
	if !resp.OK() && resp.Status != http.StatusNotFound {
		return protocolError("session deletion returned status %d", resp.Status)
	}

	return nil
}

// SessionValid probes the remote session resource. A false result means the
// next request will log in again.
func (c *Client) SessionValid(ctx context.Context) bool {
	s := c.currentSession()
	if s == nil {
		return false
	}
	hdrs := map[string]string{authTokenHeader: s.token}
	resp, err := c.roundTrip(ctx, http.MethodGet, s.resource(), nil, hdrs, false)
	if err != nil {
		return false
	}

	return resp.OK()
}
