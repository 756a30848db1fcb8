package model

import "time"

// GeoLocation is a single geographic fix captured at scan time.
type GeoLocation struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// ScanRecord captures one read of an RFID tag.
// Records are immutable once created except for the Synced latch.
type ScanRecord struct {
	ID        string       `json:"id"`
	TagID     string       `json:"tagId"`
	Timestamp time.Time    `json:"timestamp"`
	Location  *GeoLocation `json:"location"`
	DeviceID  string       `json:"deviceId"`
	Synced    bool         `json:"synced"`
}

// DeviceStats is derived from the local records and never stored.
type DeviceStats struct {
	TotalScans int       `json:"totalScans"`
	ScansToday int       `json:"scansToday"`
	LastSync   time.Time `json:"lastSync"`
}

// SyncResponse is the body returned by the remote batch endpoint.
type SyncResponse struct {
	Success   bool     `json:"success"`
	SyncedIDs []string `json:"syncedIds"`
	Message   string   `json:"message,omitempty"`
}
