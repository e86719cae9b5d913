package chain

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"event-store/domain"
	"event-store/storage"
)

const verifyBatch = 256

// Reader is the read side of the durable log.
type Reader interface {
	ReadRange(from, to uint64) ([]domain.Event, error)
	Len() uint64
}

// Verifier recomputes the hash chain over committed events. It never writes.
type Verifier struct {
	log    Reader
	logger *log.Logger
}

func NewVerifier(r Reader, logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Verifier{log: r, logger: logger}
}

// Verify checks events from sequence from up to the tail observed when the
// call starts and reports the first divergence.
func (v *Verifier) Verify(ctx context.Context, from uint64) (domain.VerifyResult, error) {
	end := v.log.Len()
	if from > end || (from == end && end > 0) {
		return domain.VerifyResult{}, domain.NotFound("sequence %d is beyond the tail", from).
			WithDetail("from", from).
			WithDetail("total_events", end)
	}

	expected := Genesis
	if from > 0 {
		prev, err := v.log.ReadRange(from-1, from)
		if err != nil {
			var corrupt *storage.CorruptRecordError
			if errors.As(err, &corrupt) {
				return diverged(0, from-1, "record cannot be decoded"), nil
			}
			return domain.VerifyResult{}, domain.Unavailable(err, "failed to read event log")
		}
		if len(prev) != 1 {
			return domain.VerifyResult{}, domain.Internal(fmt.Errorf("missing event %d", from-1), "event log out of sync")
		}
		expected = prev[0].Hash
	}

	verified := 0
	for pos := from; pos < end; {
		if err := ctx.Err(); err != nil {
			return domain.VerifyResult{}, domain.Unavailable(err, "verification aborted")
		}
		to := min(pos+verifyBatch, end)
		events, err := v.log.ReadRange(pos, to)
		// Events before a corrupt record are still checked.
		for i := range events {
			ev := &events[i]
			if reason := check(ev, pos+uint64(i), expected); reason != "" {
				v.logDivergence(ev.Sequence, reason)
				return diverged(verified, pos+uint64(i), reason), nil
			}
			expected = ev.Hash
			verified++
		}
		if err != nil {
			var corrupt *storage.CorruptRecordError
			if errors.As(err, &corrupt) {
				v.logDivergence(corrupt.Sequence, corrupt.Reason)
				return diverged(verified, corrupt.Sequence, "record cannot be decoded"), nil
			}
			return domain.VerifyResult{}, domain.Unavailable(err, "failed to read event log")
		}
		if uint64(len(events)) != to-pos {
			return domain.VerifyResult{}, domain.Internal(
				fmt.Errorf("read %d events, want %d", len(events), to-pos), "event log out of sync")
		}
		pos = to
	}

	return domain.VerifyResult{Valid: true, EventsVerified: verified}, nil
}

// check returns why ev breaks the chain, or "" when it is intact.
func check(ev *domain.Event, seq uint64, expectedPrev string) string {
	if ev.Sequence != seq {
		return fmt.Sprintf("sequence %d stored at position %d", ev.Sequence, seq)
	}
	if ev.ID != domain.EventID(seq) {
		return "id does not match sequence"
	}
	if ev.PreviousHash != expectedPrev {
		return "previous_hash does not match preceding event"
	}
	h, err := Hash(ev)
	if err != nil {
		return "hash input cannot be encoded"
	}
	if h != ev.Hash {
		return "hash does not match event content"
	}
	return ""
}

func diverged(verified int, seq uint64, reason string) domain.VerifyResult {
	return domain.VerifyResult{
		Valid:           false,
		EventsVerified:  verified,
		FirstDivergence: &seq,
		Reason:          reason,
	}
}

func (v *Verifier) logDivergence(seq uint64, reason string) {
	v.logger.WithFields(log.Fields{
		"sequence": seq,
		"reason":   reason,
	}).Warn("hash chain divergence detected")
}
