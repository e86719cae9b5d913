package api

import (
	"context"

	"event-store/domain"
	"event-store/relay"
	"event-store/storage"
)

// Appender admits new events into the chain.
type Appender interface {
	Append(ctx context.Context, d domain.Draft) (domain.Event, error)
}

// Querier answers reads over committed events.
type Querier interface {
	Query(ctx context.Context, f domain.Filter, cursor string, limit int) (domain.Page, error)
	Get(ctx context.Context, id string) (domain.Event, error)
}

// Verifier checks the hash chain.
type Verifier interface {
	Verify(ctx context.Context, from uint64) (domain.VerifyResult, error)
}

// LogStatus exposes the size and tail of the durable log.
type LogStatus interface {
	Stats() storage.Stats
	ReadTail() (storage.Tail, bool)
}

// RelayStatus reports commit relay progress.
type RelayStatus interface {
	Stats() relay.Stats
}

// Reservation is the outcome of claiming an idempotency key.
type Reservation struct {
	// Reserved is true when the caller now owns the key.
	Reserved bool
	// Pending is true while another request holding the key is still running.
	Pending bool
	// EventID is the event stored for the key by an earlier request.
	EventID string
}

// Deduper tracks Idempotency-Key values across appends.
type Deduper interface {
	Reserve(ctx context.Context, key string) (Reservation, error)
	Complete(ctx context.Context, key, eventID string) error
	Release(ctx context.Context, key string) error
}
