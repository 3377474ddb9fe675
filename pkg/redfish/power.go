package redfish

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const powerTaskTimeout = time.Minute

// resetTypes maps the accepted friendly action names to the protocol's
// ResetType values.
var resetTypes = map[string]string{
	"on":     "On",
	"off":    "ForceOff",
	"soft":   "GracefulShutdown",
	"reset":  "ForceRestart",
	"cycle":  "PowerCycle",
	"status": "",
}

// PowerState reads the system's current power state.
func (c *Client) PowerState(ctx context.Context) (string, error) {
	resp, err := c.Do(ctx, http.MethodGet, systemPath, nil)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", protocolError("system resource returned status %d", resp.Status)
	}
	var doc struct {
		PowerState string `json:"PowerState"`
	}
	if err := resp.JSON(&doc); err != nil {
		return "", err
	}

	return doc.PowerState, nil
}

// SetPowerState submits a power action ("on", "off", "soft", "reset",
// "cycle") and waits out the async task if the firmware reports one. A
// retried action may run twice on the hardware if the BMC accepted the
// first attempt but the response was lost; see EjectMedia for the same
// trade-off.
func (c *Client) SetPowerState(ctx context.Context, action string) (bool, error) {
	resetType, ok := resetTypes[strings.ToLower(action)]
	if !ok || resetType == "" {
		return false, fmt.Errorf("%w: unsupported power action %q", ErrInvalidTarget, action)
	}

	resp, err := c.Do(ctx, http.MethodPost, systemResetPath, map[string]string{"ResetType": resetType})
	if err != nil {
		return false, err
	}

	switch {
	case resp.Accepted():
		result := c.WaitForTask(ctx, resp, powerTaskTimeout)
		if !result.Success {
			return false, fmt.Errorf("power action %s failed: %w", action, result.Err)
		}
	case resp.OK():
	default:
		return false, protocolError("power action %s returned status %d", action, resp.Status)
	}

	return true, nil
}
