package redfish

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// bootTargets maps accepted device names to BootSourceOverrideTarget values.
var bootTargets = map[string]string{
	"pxe":   "Pxe",
	"disk":  "Hdd",
	"cdrom": "Cd",
	"usb":   "Usb",
	"bios":  "BiosSetup",
	"none":  "None",
}

// SetBootDevice sets the boot source override for the next boot, or every
// boot when persistent is true. efiBoot selects UEFI over legacy mode.
func (c *Client) SetBootDevice(ctx context.Context, device string, persistent, efiBoot bool) (bool, error) {
	target, ok := bootTargets[strings.ToLower(device)]
	if !ok {
		return false, fmt.Errorf("%w: unsupported boot device %q", ErrInvalidTarget, device)
	}

	enabled := "Once"
	if persistent {
		enabled = "Continuous"
	}
	mode := "Legacy"
	if efiBoot {
		mode = "UEFI"
	}

	payload := map[string]any{
		"Boot": map[string]string{
			"BootSourceOverrideTarget":  target,
			"BootSourceOverrideEnabled": enabled,
			"BootSourceOverrideMode":    mode,
		},
	}
	resp, err := c.Do(ctx, http.MethodPatch, systemPath, payload)
	if err != nil {
		return false, err
	}
	if !resp.OK() && !resp.Accepted() {
		return false, protocolError("boot override returned status %d", resp.Status)
	}

	return true, nil
}
