package redfish_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackbone/rackbone/pkg/redfish"
)

func TestIsInserted(t *testing.T) {
	tests := map[string]struct {
		media redfish.VirtualMedia
		want  bool
	}{
		"empty device": {
			media: redfish.VirtualMedia{Connected: redfish.NotConnected},
			want:  false,
		},
		"inserted flag alone": {
			media: redfish.VirtualMedia{Inserted: true, Connected: redfish.NotConnected},
			want:  true,
		},
		"image alone": {
			media: redfish.VirtualMedia{Image: "http://images/os.iso", Connected: redfish.NotConnected},
			want:  true,
		},
		"connection state alone": {
			media: redfish.VirtualMedia{Connected: redfish.ConnectedURI},
			want:  true,
		},
		"image name alone": {
			media: redfish.VirtualMedia{ImageName: "os.iso", Connected: redfish.NotConnected},
			want:  true,
		},
		"image and connection override a false flag": {
			media: redfish.VirtualMedia{Inserted: false, Image: "http://real/os.iso", Connected: redfish.ConnectedURI},
			want:  true,
		},
		"dummy url overrides every signal": {
			media: redfish.VirtualMedia{Inserted: true, Image: redfish.DummyImageURL, Connected: redfish.ConnectedURI, ImageName: "dummy.iso"},
			want:  false,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := tt.media.IsInserted(); got != tt.want {
				t.Fatalf("IsInserted() = %v, want %v", got, tt.want)
			}
		})
	}
}

// mediaFixture simulates a BMC with one CD device and records every action
// request in order.
type mediaFixture struct {
	mu       sync.Mutex
	actions  []map[string]any // bodies POSTed to the insert/eject targets
	device   map[string]any
	licensed bool
	// licenseStatus overrides the license endpoint status; 0 means 200.
	licenseStatus int
	// insertStatus is returned for real-image inserts; 0 means 200.
	insertStatus int
	// flagOnlyInsert raises the Inserted flag on insert but leaves the
	// connection state down, like firmware whose mount never comes up.
	flagOnlyInsert bool
}

func newMediaFixture() *mediaFixture {
	return &mediaFixture{
		device: map[string]any{
			"Id":           "CD1",
			"Inserted":     false,
			"ConnectedVia": "NotConnected",
			"Image":        "",
			"MediaTypes":   []string{"CD", "DVD"},
			"Actions": map[string]any{
				"#VirtualMedia.InsertMedia": map[string]any{"target": "/redfish/v1/Managers/1/VirtualMedia/CD1/Actions/VirtualMedia.InsertMedia"},
				"#VirtualMedia.EjectMedia":  map[string]any{"target": "/redfish/v1/Managers/1/VirtualMedia/CD1/Actions/VirtualMedia.EjectMedia"},
			},
		},
		licensed: true,
	}
}

func (f *mediaFixture) recorded() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]map[string]any{}, f.actions...)
}

func (f *mediaFixture) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/redfish/v1/Managers/1/VirtualMedia", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, `{"Members":[{"@odata.id":"/redfish/v1/Managers/1/VirtualMedia/CD1"}]}`)
	})
	mux.HandleFunc("/redfish/v1/Managers/1/VirtualMedia/CD1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		doc, _ := json.Marshal(f.device)
		f.mu.Unlock()
		jsonResponse(w, http.StatusOK, string(doc))
	})
	mux.HandleFunc("/redfish/v1/Managers/1/VirtualMedia/CD1/Actions/VirtualMedia.InsertMedia", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)

		f.mu.Lock()
		f.actions = append(f.actions, payload)
		image, _ := payload["Image"].(string)
		status := http.StatusOK
		if image == redfish.DummyImageURL {
			// Eject via dummy insert: clear the device.
			f.device["Inserted"] = false
			f.device["ConnectedVia"] = "NotConnected"
			f.device["Image"] = ""
		} else if f.insertStatus != 0 {
			status = f.insertStatus
		} else if f.flagOnlyInsert {
			f.device["Inserted"] = true
			f.device["Image"] = image
		} else {
			f.device["Inserted"] = true
			f.device["ConnectedVia"] = "URI"
			f.device["Image"] = image
		}
		f.mu.Unlock()
		w.WriteHeader(status)
	})
	mux.HandleFunc("/redfish/v1/Managers/1/VirtualMedia/CD1/Actions/VirtualMedia.EjectMedia", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.actions = append(f.actions, map[string]any{"eject": true})
		f.device["Inserted"] = false
		f.device["ConnectedVia"] = "NotConnected"
		f.device["Image"] = ""
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/redfish/v1/Managers/1/LicenseService/Licenses", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.licenseStatus
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		jsonResponse(w, http.StatusOK, `{"Members":[{"@odata.id":"/redfish/v1/Managers/1/LicenseService/Licenses/1"}]}`)
	})
	mux.HandleFunc("/redfish/v1/Managers/1/LicenseService/Licenses/1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		licensed := f.licensed
		f.mu.Unlock()
		name := "Basic Management"
		if licensed {
			name = "Advanced Remote Media"
		}
		jsonResponse(w, http.StatusOK, fmt.Sprintf(`{"Name":%q,"Status":{"State":"Enabled"}}`, name))
	})

	return mux
}

func TestInsertMediaEjectsFirst(t *testing.T) {
	f := newMediaFixture()
	c := newTestClient(t, f.handler())

	err := c.InsertMedia(context.Background(), "http://images/os.iso", "")
	require.NoError(t, err)

	actions := f.recorded()
	require.GreaterOrEqual(t, len(actions), 2, "expected an eject call before the insert call")

	// The device reported "not inserted", so the eject rides the insert
	// action with the dummy URL and a lowered Inserted flag.
	assert.Equal(t, redfish.DummyImageURL, actions[0]["Image"])
	assert.Equal(t, false, actions[0]["Inserted"])

	assert.Equal(t, "http://images/os.iso", actions[1]["Image"])
	assert.Equal(t, true, actions[1]["Inserted"])
}

func TestInsertMediaFailsFastWithoutLicense(t *testing.T) {
	f := newMediaFixture()
	f.licensed = false
	c := newTestClient(t, f.handler())

	err := c.InsertMedia(context.Background(), "http://images/os.iso", "")
	require.ErrorIs(t, err, redfish.ErrLicense)
	assert.Empty(t, f.recorded(), "no eject or insert may run before the license gate")
}

func TestInsertMediaProceedsOnInconclusiveLicenseQuery(t *testing.T) {
	f := newMediaFixture()
	f.licenseStatus = http.StatusInternalServerError
	c := newTestClient(t, f.handler())

	err := c.InsertMedia(context.Background(), "http://images/os.iso", "")
	require.NoError(t, err, "an inconclusive license query warns and proceeds")
	assert.NotEmpty(t, f.recorded())
}

func TestInsertMediaSkipsLicenseForNonHTTPImages(t *testing.T) {
	f := newMediaFixture()
	f.licensed = false
	c := newTestClient(t, f.handler())

	err := c.InsertMedia(context.Background(), "nfs://images/os.iso", "")
	require.NoError(t, err)
}

func TestInsertMediaRejectsUnusableURL(t *testing.T) {
	f := newMediaFixture()
	c := newTestClient(t, f.handler())

	err := c.InsertMedia(context.Background(), "not a url", "")
	require.ErrorIs(t, err, redfish.ErrInvalidTarget)
}

func TestInsertMediaFailsWhenConnectionNeverComesUp(t *testing.T) {
	f := newMediaFixture()
	f.flagOnlyInsert = true
	c := newTestClient(t, f.handler())

	// The Inserted flag alone does not prove a bootable mount; only the
	// URI connection state does.
	err := c.InsertMedia(context.Background(), "http://images/os.iso", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never reached connection state")
}

func TestInsertMediaExhaustsRetriesWhenDeviceStaysBusy(t *testing.T) {
	f := newMediaFixture()
	f.insertStatus = http.StatusConflict
	c := newTestClient(t, f.handler())

	err := c.InsertMedia(context.Background(), "http://images/os.iso", "")
	require.ErrorIs(t, err, redfish.ErrExhausted)
}

func TestInsertMediaUnknownDevice(t *testing.T) {
	f := newMediaFixture()
	c := newTestClient(t, f.handler())

	err := c.InsertMedia(context.Background(), "http://images/os.iso", "USB9")
	require.ErrorIs(t, err, redfish.ErrInvalidTarget)
}

func TestEjectMediaNothingMounted(t *testing.T) {
	f := newMediaFixture()
	c := newTestClient(t, f.handler())

	ejected, err := c.EjectMedia(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ejected, "an empty drive is a soft outcome, not an error")
	assert.Empty(t, f.recorded())
}

func TestEjectMediaUsesEjectActionWhenFlagRaised(t *testing.T) {
	f := newMediaFixture()
	f.device["Inserted"] = true
	f.device["ConnectedVia"] = "URI"
	f.device["Image"] = "http://images/os.iso"
	c := newTestClient(t, f.handler())

	ejected, err := c.EjectMedia(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, ejected)

	actions := f.recorded()
	require.Len(t, actions, 1)
	assert.Equal(t, true, actions[0]["eject"], "inserted flag raised, the dedicated eject action applies")
}

func TestEjectMediaDummyInsertWorkaround(t *testing.T) {
	f := newMediaFixture()
	// The firmware half-reports the mount: image present, flag down. The
	// dedicated eject action is unavailable in this state.
	f.device["Inserted"] = false
	f.device["ConnectedVia"] = "URI"
	f.device["Image"] = "http://images/os.iso"
	c := newTestClient(t, f.handler())

	ejected, err := c.EjectMedia(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, ejected)

	actions := f.recorded()
	require.Len(t, actions, 1)
	assert.Equal(t, redfish.DummyImageURL, actions[0]["Image"])
	assert.Equal(t, false, actions[0]["Inserted"])
}

func TestVirtualMediaStatusIsFresh(t *testing.T) {
	f := newMediaFixture()
	c := newTestClient(t, f.handler())

	before, err := c.VirtualMediaStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.False(t, before[0].IsInserted())

	f.mu.Lock()
	f.device["Inserted"] = true
	f.device["ConnectedVia"] = "URI"
	f.device["Image"] = "http://images/os.iso"
	f.mu.Unlock()

	after, err := c.VirtualMediaStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, after[0].IsInserted(), "status must re-fetch, never cache")
}

func TestDeviceAutoSelectionPrefersCD(t *testing.T) {
	mux := http.NewServeMux()
	var inserted []map[string]any
	var mu sync.Mutex

	devices := map[string]map[string]any{
		"Floppy1": {
			"Id": "Floppy1", "Inserted": false, "ConnectedVia": "NotConnected",
			"MediaTypes": []string{"Floppy", "USBStick"},
			"Actions": map[string]any{
				"#VirtualMedia.InsertMedia": map[string]any{"target": "/redfish/v1/Managers/1/VirtualMedia/Floppy1/Actions/VirtualMedia.InsertMedia"},
			},
		},
		"CD1": {
			"Id": "CD1", "Inserted": false, "ConnectedVia": "NotConnected",
			"MediaTypes": []string{"CD", "DVD"},
			"Actions": map[string]any{
				"#VirtualMedia.InsertMedia": map[string]any{"target": "/redfish/v1/Managers/1/VirtualMedia/CD1/Actions/VirtualMedia.InsertMedia"},
			},
		},
	}
	mux.HandleFunc("/redfish/v1/Managers/1/VirtualMedia", func(w http.ResponseWriter, r *http.Request) {
		// Floppy listed first; selection priority must still pick the CD.
		jsonResponse(w, http.StatusOK, `{"Members":[
			{"@odata.id":"/redfish/v1/Managers/1/VirtualMedia/Floppy1"},
			{"@odata.id":"/redfish/v1/Managers/1/VirtualMedia/CD1"}]}`)
	})
	for id, doc := range devices {
		d := doc
		mux.HandleFunc("/redfish/v1/Managers/1/VirtualMedia/"+id, func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			body, _ := json.Marshal(d)
			mu.Unlock()
			jsonResponse(w, http.StatusOK, string(body))
		})
	}
	mux.HandleFunc("/redfish/v1/Managers/1/VirtualMedia/CD1/Actions/VirtualMedia.InsertMedia", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		mu.Lock()
		inserted = append(inserted, payload)
		if img, _ := payload["Image"].(string); img != redfish.DummyImageURL {
			devices["CD1"]["Inserted"] = true
			devices["CD1"]["ConnectedVia"] = "URI"
			devices["CD1"]["Image"] = img
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	c := newTestClient(t, mux)
	err := c.InsertMedia(context.Background(), "nfs://images/os.iso", "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	if assert.NotEmpty(t, inserted) {
		assert.Equal(t, "nfs://images/os.iso", inserted[len(inserted)-1]["Image"])
	}
}
