package models

import "time"

// AuditEntry records a single request or key lifecycle event.
type AuditEntry struct {
	ID             int64          `json:"id"`
	RequestID      string         `json:"request_id"`
	Timestamp      time.Time      `json:"timestamp"`
	ActorID        string         `json:"actor_id,omitempty"`
	Operation      string         `json:"operation"`
	Path           string         `json:"path,omitempty"`
	Status         string         `json:"status"`
	ResponseCode   int            `json:"response_code,omitempty"`
	ResponseTimeMs int64          `json:"response_time_ms,omitempty"`
	ClientIP       string         `json:"client_ip,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// InitData holds the key-protection provider's initialization state.
// The root key and its shares are never stored; CheckBlob lets unseal
// verify that a reconstructed root key is the right one.
type InitData struct {
	CheckBlob     []byte
	Shares        int
	Threshold     int
	InitializedAt time.Time
}
