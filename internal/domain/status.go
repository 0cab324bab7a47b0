package domain

import "time"

// FetchStatus is a point-in-time report from the fetch engine.
type FetchStatus struct {
	Progress    float64
	HasMetadata bool
	Seeding     bool
	Peers       int
	Closed      bool
}

// StreamStatus is the externally visible view of a media session.
type StreamStatus struct {
	Fingerprint     Fingerprint `json:"fingerprint"`
	Title           string      `json:"title,omitempty"`
	State           StreamState `json:"state"`
	Progress        float64     `json:"progress"`
	TargetFile      string      `json:"targetFile,omitempty"`
	Peers           int         `json:"peers"`
	CanStream       bool        `json:"canStream"`
	HasMetadata     bool        `json:"hasMetadata"`
	MetadataTimeout bool        `json:"metadataTimeout,omitempty"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}
