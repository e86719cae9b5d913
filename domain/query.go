package domain

import (
	"strings"
	"time"
)

// Attributes are the fields of an event a Filter looks at.
type Attributes struct {
	Category  string
	Actor     string
	Action    string
	Resource  string
	Timestamp time.Time
}

// Filter selects events. Zero-valued fields match everything.
type Filter struct {
	Category string
	Actor    string
	// Action matches any event whose action contains it.
	Action   string
	Resource string
	// Since is inclusive.
	Since *time.Time
	// Until is exclusive.
	Until *time.Time
}

// Matches reports whether an event with the given attributes passes f.
func (f Filter) Matches(a Attributes) bool {
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	if f.Actor != "" && a.Actor != f.Actor {
		return false
	}
	if f.Action != "" && !strings.Contains(a.Action, f.Action) {
		return false
	}
	if f.Resource != "" && a.Resource != f.Resource {
		return false
	}
	if f.Since != nil && a.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !a.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}

// Page is one page of query results.
type Page struct {
	Events     []Event `json:"events"`
	Total      int     `json:"total"`
	HasMore    bool    `json:"has_more"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid           bool    `json:"valid"`
	EventsVerified  int     `json:"events_verified"`
	FirstDivergence *uint64 `json:"first_divergence"`
	Reason          string  `json:"reason,omitempty"`
}
