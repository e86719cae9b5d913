// Package query answers filtered, paginated reads over the committed log.
package query

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"

	log "github.com/sirupsen/logrus"

	"event-store/domain"
	"event-store/storage"
)

const (
	DefaultLimit = 100
	MaxLimit     = 500
)

// Log is the read side of the durable log used by the Engine.
type Log interface {
	Len() uint64
	Scan(from, to uint64, fn func(storage.Summary) bool) error
	ReadRange(from, to uint64) ([]domain.Event, error)
}

// Engine runs queries against a consistent snapshot of the committed prefix.
type Engine struct {
	log      Log
	maxLimit int
	logger   *log.Logger
}

// NewEngine returns an Engine capping pages at maxLimit (MaxLimit when <= 0).
func NewEngine(l Log, maxLimit int, logger *log.Logger) *Engine {
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{log: l, maxLimit: maxLimit, logger: logger}
}

// EncodeCursor returns the cursor resuming after seq.
func EncodeCursor(seq uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatUint(seq, 10)))
}

// DecodeCursor is the inverse of EncodeCursor.
func DecodeCursor(cursor string) (uint64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(raw) == 0 {
		return 0, domain.Validation("invalid cursor").WithDetail("field", "cursor")
	}
	seq, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, domain.Validation("invalid cursor").WithDetail("field", "cursor")
	}
	return seq, nil
}

// Query returns the first limit events matching f after cursor. Total counts
// every match in the snapshot taken when the call starts. Limits above the
// engine maximum are capped.
func (e *Engine) Query(ctx context.Context, f domain.Filter, cursor string, limit int) (domain.Page, error) {
	if limit <= 0 {
		return domain.Page{}, domain.Validation("limit must be a positive integer").WithDetail("field", "limit")
	}
	if limit > e.maxLimit {
		limit = e.maxLimit
	}
	var (
		after    uint64
		hasAfter bool
	)
	if cursor != "" {
		seq, err := DecodeCursor(cursor)
		if err != nil {
			return domain.Page{}, err
		}
		after, hasAfter = seq, true
	}

	snapshot := e.log.Len()
	page := make([]uint64, 0, min(limit, 64))
	total := 0
	hasMore := false
	err := e.log.Scan(0, snapshot, func(s storage.Summary) bool {
		if !f.Matches(s.Attributes) {
			return true
		}
		total++
		if hasAfter && s.Sequence <= after {
			return true
		}
		if len(page) < limit {
			page = append(page, s.Sequence)
		} else {
			hasMore = true
		}
		return true
	})
	if err != nil {
		return domain.Page{}, e.readFailure(err)
	}
	if err := ctx.Err(); err != nil {
		return domain.Page{}, domain.Unavailable(err, "query aborted")
	}

	events, err := e.load(page)
	if err != nil {
		return domain.Page{}, e.readFailure(err)
	}

	out := domain.Page{Events: events, Total: total, HasMore: hasMore}
	if hasMore {
		out.NextCursor = EncodeCursor(page[len(page)-1])
	}
	return out, nil
}

// load reads the events at seqs, which are ascending, one contiguous run at
// a time.
func (e *Engine) load(seqs []uint64) ([]domain.Event, error) {
	events := make([]domain.Event, 0, len(seqs))
	for i := 0; i < len(seqs); {
		j := i + 1
		for j < len(seqs) && seqs[j] == seqs[j-1]+1 {
			j++
		}
		run, err := e.log.ReadRange(seqs[i], seqs[j-1]+1)
		if err != nil {
			return nil, err
		}
		events = append(events, run...)
		i = j
	}
	return events, nil
}

// Get returns the event with the given id.
func (e *Engine) Get(ctx context.Context, id string) (domain.Event, error) {
	seq, ok := domain.ParseEventID(id)
	if !ok || seq >= e.log.Len() {
		return domain.Event{}, domain.NotFound("event %s not found", id).WithDetail("id", id)
	}
	events, err := e.log.ReadRange(seq, seq+1)
	if err != nil {
		return domain.Event{}, e.readFailure(err)
	}
	if len(events) != 1 {
		return domain.Event{}, domain.NotFound("event %s not found", id).WithDetail("id", id)
	}
	return events[0], nil
}

func (e *Engine) readFailure(err error) error {
	var corrupt *storage.CorruptRecordError
	if errors.As(err, &corrupt) {
		e.logger.WithError(err).WithField("sequence", corrupt.Sequence).Error("unreadable record in event log")
		return domain.Unavailable(err, "event %s cannot be read", domain.EventID(corrupt.Sequence))
	}
	e.logger.WithError(err).Warn("event log read failed")
	return domain.Unavailable(err, "event log unavailable")
}
