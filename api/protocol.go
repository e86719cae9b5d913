package api

import (
	"encoding/json"
	"time"

	"event-store/relay"
)

const (
	postEventMaxSize     = 64 * 1024 // 64 KiB
	maxIdempotencyKeyLen = 255
	serviceName          = "event-store"
)

// POST /events request body. category, target and data are accepted as
// aliases of type, resource and metadata. result defaults to "success".
type appendRequest struct {
	Type     string          `json:"type"`
	Category string          `json:"category"`
	Actor    string          `json:"actor"`
	Action   string          `json:"action"`
	Resource string          `json:"resource"`
	Target   string          `json:"target"`
	Result   string          `json:"result"`
	Error    string          `json:"error"`
	Metadata json.RawMessage `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

// POST /events response body
type appendResponse struct {
	ID           string    `json:"id"`
	Sequence     uint64    `json:"sequence"`
	Hash         string    `json:"hash"`
	PreviousHash string    `json:"previous_hash"`
	StoredAt     time.Time `json:"stored_at"`
}

// GET /health response body
type healthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// GET /status response body
type statusResponse struct {
	TotalEvents    uint64       `json:"total_events"`
	LastSequence   *uint64      `json:"last_sequence"`
	LastHash       string       `json:"last_hash"`
	FirstEventTime *time.Time   `json:"first_event_time"`
	LastEventTime  *time.Time   `json:"last_event_time"`
	SegmentCount   int          `json:"segment_count"`
	TotalSizeBytes int64        `json:"total_size_bytes"`
	Relay          *relay.Stats `json:"relay,omitempty"`
}
