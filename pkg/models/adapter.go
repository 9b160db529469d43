package models

import "time"

// AdapterInstance describes one configured adapter connection as reported by
// the adapter registry. SourceID is unique per instance; AdapterType groups
// instances of the same connector.
type AdapterInstance struct {
	SourceID    string `json:"source_id"`
	AdapterType string `json:"adapter_type"`
	BaseURL     string `json:"base_url"`
	// SampleRateSeconds is the instance's fetch period. Zero means use the
	// service default.
	SampleRateSeconds int `json:"sample_rate_seconds,omitempty"`
	// LocalIDPath is a JMESPath expression locating the device identifier
	// inside each raw item the adapter returns.
	LocalIDPath string `json:"local_id_path"`
}

// SampleRate returns the instance's fetch period, falling back to def.
func (a AdapterInstance) SampleRate(def time.Duration) time.Duration {
	if a.SampleRateSeconds <= 0 {
		return def
	}
	return time.Duration(a.SampleRateSeconds) * time.Second
}

// RegistryResponse is the adapter registry's poll payload.
type RegistryResponse struct {
	Adapters []AdapterInstance `json:"adapters"`
}

// AdapterClient is one configured client (credential set) on an adapter
// instance. Its label is carried onto every record fetched through it.
type AdapterClient struct {
	Label string `json:"label"`
}

// RawBatch is one adapter fetch response for a single client.
type RawBatch struct {
	ClientLabel string           `json:"client_label"`
	Items       []map[string]any `json:"items"`
}
