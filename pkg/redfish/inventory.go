package redfish

import (
	"context"
	"net/http"
)

// The inventory readers are stateless translators: one remote document in,
// one plain record out. They ride on Do for everything interesting.

// SystemInfo is a summary of the managed server.
type SystemInfo struct {
	Manufacturer string
	Model        string
	SerialNumber string
	PowerState   string
	BIOSVersion  string
	MemoryGiB    float64
	CPUCount     int
}

// Processor describes one CPU.
type Processor struct {
	ID           string
	Manufacturer string
	Model        string
	Cores        int
	Threads      int
}

// MemoryModule describes one DIMM.
type MemoryModule struct {
	ID           string
	Manufacturer string
	PartNumber   string
	CapacityMiB  int
}

// System fetches the server summary.
func (c *Client) System(ctx context.Context) (SystemInfo, error) {
	resp, err := c.Do(ctx, http.MethodGet, systemPath, nil)
	if err != nil {
		return SystemInfo{}, err
	}
	if !resp.OK() {
		return SystemInfo{}, protocolError("system resource returned status %d", resp.Status)
	}

	var doc struct {
		Manufacturer   string `json:"Manufacturer"`
		Model          string `json:"Model"`
		SerialNumber   string `json:"SerialNumber"`
		PowerState     string `json:"PowerState"`
		BiosVersion    string `json:"BiosVersion"`
		MemorySummary  struct {
			TotalSystemMemoryGiB float64 `json:"TotalSystemMemoryGiB"`
		} `json:"MemorySummary"`
		ProcessorSummary struct {
			Count int `json:"Count"`
		} `json:"ProcessorSummary"`
	}
	if err := resp.JSON(&doc); err != nil {
		return SystemInfo{}, err
	}

	return SystemInfo{
		Manufacturer: doc.Manufacturer,
		Model:        doc.Model,
		SerialNumber: doc.SerialNumber,
		PowerState:   doc.PowerState,
		BIOSVersion:  doc.BiosVersion,
		MemoryGiB:    doc.MemorySummary.TotalSystemMemoryGiB,
		CPUCount:     doc.ProcessorSummary.Count,
	}, nil
}

// Processors fetches every CPU record.
func (c *Client) Processors(ctx context.Context) ([]Processor, error) {
	members, err := c.collectionMembers(ctx, processorsPath)
	if err != nil {
		return nil, err
	}

	out := make([]Processor, 0, len(members))
	for _, member := range members {
		var doc struct {
			ID           string `json:"Id"`
			Manufacturer string `json:"Manufacturer"`
			Model        string `json:"Model"`
			TotalCores   int    `json:"TotalCores"`
			TotalThreads int    `json:"TotalThreads"`
		}
		if err := c.getJSON(ctx, member, &doc); err != nil {
			return nil, err
		}
		out = append(out, Processor{
			ID:           doc.ID,
			Manufacturer: doc.Manufacturer,
			Model:        doc.Model,
			Cores:        doc.TotalCores,
			Threads:      doc.TotalThreads,
		})
	}

	return out, nil
}

// Memory fetches every DIMM record.
func (c *Client) Memory(ctx context.Context) ([]MemoryModule, error) {
	members, err := c.collectionMembers(ctx, memoryPath)
	if err != nil {
		return nil, err
	}

	out := make([]MemoryModule, 0, len(members))
	for _, member := range members {
		var doc struct {
			ID           string `json:"Id"`
			Manufacturer string `json:"Manufacturer"`
			PartNumber   string `json:"PartNumber"`
			CapacityMiB  int    `json:"CapacityMiB"`
		}
		if err := c.getJSON(ctx, member, &doc); err != nil {
			return nil, err
		}
		out = append(out, MemoryModule{
			ID:           doc.ID,
			Manufacturer: doc.Manufacturer,
			PartNumber:   doc.PartNumber,
			CapacityMiB:  doc.CapacityMiB,
		})
	}

	return out, nil
}

// collectionMembers lists the member paths of a collection resource.
func (c *Client) collectionMembers(ctx context.Context, path string) ([]string, error) {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, protocolError("collection %s returned status %d", path, resp.Status)
	}
	var collection struct {
		Members []struct {
			ODataID string `json:"@odata.id"`
		} `json:"Members"`
	}
	if err := resp.JSON(&collection); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(collection.Members))
	for _, m := range collection.Members {
		out = append(out, pathOnly(m.ODataID))
	}

	return out, nil
}

// getJSON fetches a resource and unmarshals it into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return protocolError("resource %s returned status %d", path, resp.Status)
	}

	return resp.JSON(v)
}
