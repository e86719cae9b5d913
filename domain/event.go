package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const eventIDPrefix = "evt_"

// Event is a single committed entry of the log.
type Event struct {
	Sequence     uint64          `json:"sequence"`
	ID           string          `json:"id"`
	Category     string          `json:"type"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	Resource     string          `json:"resource"`
	Result       string          `json:"result"`
	Error        string          `json:"error,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// Draft carries the caller supplied part of an event before it is sequenced.
type Draft struct {
	Category string
	Actor    string
	Action   string
	Resource string
	// Result defaults to ResultSuccess when empty.
	Result   string
	Error    string
	Metadata json.RawMessage
}

// ResultSuccess is the outcome recorded when a caller does not supply one.
const ResultSuccess = "success"

// Attributes returns the filterable fields of e.
func (e *Event) Attributes() Attributes {
	return Attributes{
		Category:  e.Category,
		Actor:     e.Actor,
		Action:    e.Action,
		Resource:  e.Resource,
		Timestamp: e.Timestamp,
	}
}

// EventID derives the external identifier of the event at seq.
func EventID(seq uint64) string {
	return fmt.Sprintf("%s%016x", eventIDPrefix, seq)
}

// ParseEventID is the inverse of EventID.
func ParseEventID(id string) (uint64, bool) {
	hex, ok := strings.CutPrefix(id, eventIDPrefix)
	if !ok || len(hex) != 16 {
		return 0, false
	}
	seq, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
