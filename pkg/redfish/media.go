package redfish

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// DummyImageURL is the placeholder address the firmware treats as "no
// media". Inserting it is the documented way to force an eject when the
// eject action is unavailable, and a device showing it is by definition
// empty no matter what its other fields claim.
const DummyImageURL = "http://0.0.0.0/dummy.iso"

const (
	// mediaInsertAttempts caps the eject-and-retry loop for a device that
	// keeps reporting itself occupied.
	mediaInsertAttempts = 3
	// mediaTaskTimeout bounds the async insert/eject task wait.
	mediaTaskTimeout = 2 * time.Minute
)

// ConnectionState is the normalized ConnectedVia value of a media device.
type ConnectionState string

const (
	// ConnectedURI means an image is attached over the network and the
	// device is bootable. This is the only state that proves a mount.
	ConnectedURI ConnectionState = "URI"
	// NotConnected means no backing image.
	NotConnected ConnectionState = "NotConnected"
	// ConnectedOther covers every undocumented value; the raw string is
	// kept on the device record.
	ConnectedOther ConnectionState = "Other"
)

func parseConnectionState(raw string) ConnectionState {
	switch ConnectionState(raw) {
	case ConnectedURI, NotConnected:
		return ConnectionState(raw)
	}

	return ConnectedOther
}

// VirtualMedia is a snapshot of one remote media device. Snapshots are
// always re-fetched, never cached: the BMC mutates this state on its own.
type VirtualMedia struct {
	ID           string
	Inserted     bool
	Connected    ConnectionState
	RawConnected string
	Image        string
	ImageName    string
	InsertTarget string
	EjectTarget  string
	MediaTypes   []string
}

// IsInserted decides whether the device currently holds media. The firmware
// populates only a subset of the relevant fields depending on model and
// version, so any positive signal counts: the Inserted flag, a real image
// URL, a live connection state, or an image name. The dummy URL overrides
// them all; it is the eject marker, not media.
func (m VirtualMedia) IsInserted() bool {
	if m.Image == DummyImageURL {
		return false
	}
	if m.Inserted {
		return true
	}
	if m.Image != "" {
		return true
	}
	if m.Connected != NotConnected {
		return true
	}

	return m.ImageName != ""
}

// mediaDocument is the wire shape of a virtual media member.
type mediaDocument struct {
	ID           string   `json:"Id"`
	Inserted     bool     `json:"Inserted"`
	ConnectedVia string   `json:"ConnectedVia"`
	Image        string   `json:"Image"`
	ImageName    string   `json:"ImageName"`
	MediaTypes   []string `json:"MediaTypes"`
	Actions      struct {
		Insert struct {
			Target string `json:"target"`
		} `json:"#VirtualMedia.InsertMedia"`
		Eject struct {
			Target string `json:"target"`
		} `json:"#VirtualMedia.EjectMedia"`
	} `json:"Actions"`
}

func (d *mediaDocument) record() VirtualMedia {
	return VirtualMedia{
		ID:           d.ID,
		Inserted:     d.Inserted,
		Connected:    parseConnectionState(d.ConnectedVia),
		RawConnected: d.ConnectedVia,
		Image:        d.Image,
		ImageName:    d.ImageName,
		InsertTarget: pathOnly(d.Actions.Insert.Target),
		EjectTarget:  pathOnly(d.Actions.Eject.Target),
		MediaTypes:   d.MediaTypes,
	}
}

// VirtualMediaStatus fetches a fresh snapshot of every media device.
func (c *Client) VirtualMediaStatus(ctx context.Context) ([]VirtualMedia, error) {
	resp, err := c.Do(ctx, http.MethodGet, virtualMediaPath, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, protocolError("virtual media collection returned status %d", resp.Status)
	}

	var collection struct {
		Members []struct {
			ODataID string `json:"@odata.id"`
		} `json:"Members"`
	}
	if err := resp.JSON(&collection); err != nil {
		return nil, err
	}

	devices := make([]VirtualMedia, 0, len(collection.Members))
	for _, m := range collection.Members {
		memberResp, err := c.Do(ctx, http.MethodGet, pathOnly(m.ODataID), nil)
		if err != nil {
			return nil, err
		}
		if !memberResp.OK() {
			return nil, protocolError("virtual media member %s returned status %d", m.ODataID, memberResp.Status)
		}
		var doc mediaDocument
		if err := memberResp.JSON(&doc); err != nil {
			return nil, err
		}
		devices = append(devices, doc.record())
	}

	return devices, nil
}

// InsertMedia attaches the image to a media device and confirms the mount
// is bootable. An empty device selects one automatically, preferring
// CD/DVD. The sequence always ejects first, retries a device that reports
// itself occupied, and treats a URI connection state as the only proof of
// success.
func (c *Client) InsertMedia(ctx context.Context, imageURL, device string) error {
	u, err := url.Parse(imageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: image URL %q is not usable", ErrInvalidTarget, imageURL)
	}

	if u.Scheme == "http" || u.Scheme == "https" {
		licensed, lerr := c.RemoteMediaLicensed(ctx)
		switch {
		case lerr != nil:
			// Inconclusive probe. The insert may still work, so warn and
			// carry on rather than failing a possibly licensed system.
			c.log.Info("license query inconclusive, proceeding with insert", "error", lerr)
		case !licensed:
			return fmt.Errorf("%w: remote image mounting requires a media license", ErrLicense)
		}
	}

	var errs *multierror.Error
	for attempt := 1; attempt <= mediaInsertAttempts; attempt++ {
		target, err := c.selectDevice(ctx, device)
		if err != nil {
			return err
		}

		// Eject even when the device looks empty. The firmware sometimes
		// holds a half-attached image it does not report, and ejecting an
		// empty drive is harmless.
		if _, err := c.ejectDevice(ctx, target); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		retryable, err := c.insertOnce(ctx, target, imageURL)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		c.log.V(1).Info("device busy, ejecting and retrying insert", "device", target.ID, "attempt", attempt)
		errs = multierror.Append(errs, err)
	}

	return exhaustedError(mediaInsertAttempts, errs.ErrorOrNil())
}

// insertOnce submits one insert action and verifies the result. The bool
// reports whether the failure is the retryable device-occupied case.
func (c *Client) insertOnce(ctx context.Context, device VirtualMedia, imageURL string) (bool, error) {
	if device.InsertTarget == "" {
		return false, fmt.Errorf("%w: device %s has no insert action", ErrInvalidTarget, device.ID)
	}

	payload := map[string]any{
		"Image":    imageURL,
		"Inserted": true,
	}
	resp, err := c.Do(ctx, http.MethodPost, device.InsertTarget, payload)
	if err != nil {
		return false, err
	}

	switch {
	case resp.Accepted():
		result := c.WaitForTask(ctx, resp, mediaTaskTimeout)
		if !result.Success {
			return false, fmt.Errorf("insert task for %s failed: %w", device.ID, result.Err)
		}
	case resp.OK():
		// Synchronous firmware path. Give it a beat before verifying.
		if err := sleepCtx(ctx, c.cfg.MediaVerifyInterval); err != nil {
			return false, err
		}
	case resp.Status == http.StatusBadRequest || resp.Status == http.StatusConflict:
		// The device already holds media; the caller ejects and retries.
		return true, fmt.Errorf("device %s reports media already inserted (status %d)", device.ID, resp.Status)
	default:
		return false, protocolError("insert action on %s returned status %d", device.ID, resp.Status)
	}

	return false, c.verifyInserted(ctx, device.ID)
}

// verifyInserted re-reads the device until its connection state proves a
// bootable mount. The Inserted flag alone is not trusted: firmware raises
// it before the image is actually reachable.
func (c *Client) verifyInserted(ctx context.Context, deviceID string) error {
	for i := 0; i < c.cfg.MediaVerifyAttempts; i++ {
		devices, err := c.VirtualMediaStatus(ctx)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if d.ID == deviceID && d.Connected == ConnectedURI {
				c.log.V(1).Info("virtual media mount verified", "device", deviceID, "image", d.Image)
				return nil
			}
		}
		if err := sleepCtx(ctx, c.cfg.MediaVerifyInterval); err != nil {
			return err
		}
	}

	return fmt.Errorf("device %s never reached connection state %s", deviceID, ConnectedURI)
}

// EjectMedia detaches media from the named device, or from the
// auto-selected one when none is named. It returns false without error
// when the selected device holds nothing, which callers may treat as
// already done.
func (c *Client) EjectMedia(ctx context.Context, device string) (bool, error) {
	target, err := c.selectDevice(ctx, device)
	if err != nil {
		return false, err
	}
	if !target.IsInserted() {
		return false, nil
	}

	return c.ejectDevice(ctx, target)
}

// ejectDevice performs the eject with the firmware's quirk: the dedicated
// eject action only works while the Inserted flag is raised. In any other
// state it can be unavailable, so the eject is done by inserting the dummy
// URL instead. That is the documented workaround, not a bug.
func (c *Client) ejectDevice(ctx context.Context, device VirtualMedia) (bool, error) {
	var resp *Response
	var err error

	switch {
	case device.Inserted && device.EjectTarget != "":
		resp, err = c.Do(ctx, http.MethodPost, device.EjectTarget, map[string]any{})
	case device.InsertTarget != "":
		payload := map[string]any{
			"Image":    DummyImageURL,
			"Inserted": false,
		}
		resp, err = c.Do(ctx, http.MethodPost, device.InsertTarget, payload)
	default:
		return false, fmt.Errorf("%w: device %s has no usable eject path", ErrInvalidTarget, device.ID)
	}
	if err != nil {
		return false, err
	}

	switch {
	case resp.Accepted():
		result := c.WaitForTask(ctx, resp, mediaTaskTimeout)
		if !result.Success {
			return false, fmt.Errorf("eject task for %s failed: %w", device.ID, result.Err)
		}
	case resp.OK():
	case resp.Status == http.StatusBadRequest || resp.Status == http.StatusConflict:
		// Nothing mounted to eject. A soft outcome, not an error.
		return false, nil
	default:
		return false, protocolError("eject action on %s returned status %d", device.ID, resp.Status)
	}

	return true, nil
}

// selectDevice resolves the named device, or picks one by fixed priority:
// CD/DVD first, then removable media, then whatever is listed first.
func (c *Client) selectDevice(ctx context.Context, device string) (VirtualMedia, error) {
	devices, err := c.VirtualMediaStatus(ctx)
	if err != nil {
		return VirtualMedia{}, err
	}
	if len(devices) == 0 {
		return VirtualMedia{}, fmt.Errorf("%w: BMC exposes no virtual media devices", ErrInvalidTarget)
	}

	if device != "" {
		for _, d := range devices {
			if d.ID == device {
				return d, nil
			}
		}
		return VirtualMedia{}, fmt.Errorf("%w: no virtual media device %q", ErrInvalidTarget, device)
	}

	if d, ok := matchDevice(devices, "CD", "DVD"); ok {
		return d, nil
	}
	if d, ok := matchDevice(devices, "USB", "Removable", "Floppy"); ok {
		return d, nil
	}

	return devices[0], nil
}

// matchDevice returns the first device whose media types or identifier
// mention one of the given kinds.
func matchDevice(devices []VirtualMedia, kinds ...string) (VirtualMedia, bool) {
	for _, d := range devices {
		for _, kind := range kinds {
			if strings.Contains(strings.ToUpper(d.ID), strings.ToUpper(kind)) {
				return d, true
			}
			for _, mt := range d.MediaTypes {
				if strings.Contains(strings.ToUpper(mt), strings.ToUpper(kind)) {
					return d, true
				}
			}
		}
	}

	return VirtualMedia{}, false
}
