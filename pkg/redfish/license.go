package redfish

import (
	"context"
	"net/http"
	"strings"
)

// remoteMediaLicenseMarkers are the substrings a qualifying license
// advertises in its name or description. The exact product naming varies
// across firmware generations.
var remoteMediaLicenseMarkers = []string{"media", "advanced", "premium"}

// RemoteMediaLicensed reports whether the BMC holds a license that covers
// mounting images over HTTP. An error means the probe was inconclusive,
// which is distinct from a definite "not licensed".
func (c *Client) RemoteMediaLicensed(ctx context.Context) (bool, error) {
	resp, err := c.Do(ctx, http.MethodGet, licenseServicePath, nil)
	if err != nil {
		return false, err
	}
	if !resp.OK() {
		return false, protocolError("license collection returned status %d", resp.Status)
	}

	var collection struct {
		Members []struct {
			ODataID string `json:"@odata.id"`
		} `json:"Members"`
	}
	if err := resp.JSON(&collection); err != nil {
		return false, err
	}

	for _, m := range collection.Members {
		memberResp, err := c.Do(ctx, http.MethodGet, pathOnly(m.ODataID), nil)
		if err != nil {
			return false, err
		}
		if !memberResp.OK() {
			return false, protocolError("license member %s returned status %d", m.ODataID, memberResp.Status)
		}
		var doc struct {
			Name        string `json:"Name"`
			Description string `json:"Description"`
			Status      struct {
				State string `json:"State"`
			} `json:"Status"`
		}
		if err := memberResp.JSON(&doc); err != nil {
			return false, err
		}
		if doc.Status.State != "" && doc.Status.State != "Enabled" {
			continue
		}
		haystack := strings.ToLower(doc.Name + " " + doc.Description)
		for _, marker := range remoteMediaLicenseMarkers {
			if strings.Contains(haystack, marker) {
				return true, nil
			}
		}
	}

	return false, nil
}
