package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"event-store/domain"
	"event-store/storage"
)

const (
	MaxCategoryBytes = 128
	MaxActionBytes   = 128
	MaxActorBytes    = 256
	MaxResourceBytes = 256
	MaxResultBytes   = 64
	MaxErrorBytes    = 1024
	MaxMetadataBytes = 32 * 1024
)

// Appender is the part of the durable log the Sequencer writes to.
type Appender interface {
	WriteDurable(ev *domain.Event) error
	ReadTail() (storage.Tail, bool)
}

// Sequencer owns the chain tail. Appends are serialized through a single
// slot; everything else reads the committed log directly.
type Sequencer struct {
	log    Appender
	logger *log.Logger
	now    func() time.Time

	slot chan struct{}

	// Guarded by slot.
	next     uint64
	lastHash string
	lastTime time.Time

	listenersMu sync.Mutex
	listeners   []chan struct{}
}

// NewSequencer seeds the tail from l.
func NewSequencer(l Appender, logger *log.Logger) *Sequencer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Sequencer{
		log:      l,
		logger:   logger,
		now:      time.Now,
		slot:     make(chan struct{}, 1),
		lastHash: Genesis,
	}
	if tail, ok := l.ReadTail(); ok {
		s.next = tail.Sequence + 1
		s.lastHash = tail.Hash
		s.lastTime = tail.Timestamp
	}
	return s
}

// Subscribe returns a channel that receives a value after commits. Bursts of
// commits may be coalesced into a single notification.
func (s *Sequencer) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, ch)
	s.listenersMu.Unlock()
	return ch
}

func (s *Sequencer) notify() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Append validates d, chains it onto the tail and returns once it is durable.
// ctx only bounds the wait for the write slot; an append holding the slot
// always runs to completion.
func (s *Sequencer) Append(ctx context.Context, d domain.Draft) (domain.Event, error) {
	metadata, err := ValidateDraft(d)
	if err != nil {
		return domain.Event{}, err
	}
	if d.Result == "" {
		d.Result = domain.ResultSuccess
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return domain.Event{}, domain.Unavailable(ctx.Err(), "timed out waiting for the write section")
	}
	defer func() { <-s.slot }()

	ts := s.now().UTC()
	if ts.Before(s.lastTime) {
		ts = s.lastTime
	}

	ev := domain.Event{
		Sequence:     s.next,
		ID:           domain.EventID(s.next),
		Category:     d.Category,
		Actor:        d.Actor,
		Action:       d.Action,
		Resource:     d.Resource,
		Result:       d.Result,
		Error:        d.Error,
		Metadata:     metadata,
		Timestamp:    ts,
		PreviousHash: s.lastHash,
	}
	ev.Hash, err = Hash(&ev)
	if err != nil {
		s.logger.WithError(err).WithField("sequence", ev.Sequence).Error("hashing event failed")
		return domain.Event{}, domain.Internal(err, "failed to hash event")
	}

	if err := s.log.WriteDurable(&ev); err != nil {
		if errors.Is(err, storage.ErrSequenceMismatch) {
			s.logger.WithError(err).WithField("sequence", ev.Sequence).Error("sequencer and log disagree on the tail")
			return domain.Event{}, domain.Internal(err, "event log out of sync")
		}
		s.logger.WithError(err).WithField("sequence", ev.Sequence).Warn("durable write failed")
		return domain.Event{}, domain.Unavailable(err, "event log unavailable")
	}

	s.next++
	s.lastHash = ev.Hash
	s.lastTime = ev.Timestamp

	s.logger.WithFields(log.Fields{
		"sequence": ev.Sequence,
		"type":     ev.Category,
		"actor":    ev.Actor,
		"hash":     shortHash(ev.Hash),
	}).Debug("event appended")

	s.notify()
	return ev, nil
}

// ValidateDraft checks d and returns its metadata in compact form.
func ValidateDraft(d domain.Draft) (json.RawMessage, error) {
	if strings.TrimSpace(d.Category) == "" {
		return nil, domain.Validation("type is required").WithDetail("field", "type")
	}
	if strings.TrimSpace(d.Action) == "" {
		return nil, domain.Validation("action is required").WithDetail("field", "action")
	}
	for _, f := range []struct {
		name  string
		value string
		max   int
	}{
		{"type", d.Category, MaxCategoryBytes},
		{"action", d.Action, MaxActionBytes},
		{"actor", d.Actor, MaxActorBytes},
		{"resource", d.Resource, MaxResourceBytes},
		{"result", d.Result, MaxResultBytes},
		{"error", d.Error, MaxErrorBytes},
	} {
		if len(f.value) > f.max {
			return nil, domain.Validation("%s exceeds %d bytes", f.name, f.max).
				WithDetail("field", f.name).
				WithDetail("max_bytes", f.max)
		}
	}
	return normalizeMetadata(d.Metadata)
}

func normalizeMetadata(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, domain.Validation("metadata must be a JSON object").WithDetail("field", "metadata")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, domain.Validation("metadata is not valid JSON").WithDetail("field", "metadata")
	}
	if buf.Len() > MaxMetadataBytes {
		return nil, domain.Validation("metadata exceeds %d bytes", MaxMetadataBytes).
			WithDetail("field", "metadata").
			WithDetail("max_bytes", MaxMetadataBytes)
	}
	return json.RawMessage(buf.Bytes()), nil
}
