package chain

import (
	"errors"
	"sync"

	"event-store/domain"
	"event-store/storage"
)

// memLog is an in-memory log for tests.
type memLog struct {
	mu       sync.Mutex
	events   []domain.Event
	writeErr error
	writes   int
	corrupt  map[uint64]bool
}

func (m *memLog) WriteDurable(ev *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writeErr != nil {
		err := m.writeErr
		m.writeErr = nil
		return err
	}
	if ev.Sequence != uint64(len(m.events)) {
		return storage.ErrSequenceMismatch
	}
	m.events = append(m.events, *ev)
	return nil
}

func (m *memLog) ReadTail() (storage.Tail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return storage.Tail{}, false
	}
	last := m.events[len(m.events)-1]
	return storage.Tail{Sequence: last.Sequence, Hash: last.Hash, Timestamp: last.Timestamp}, true
}

func (m *memLog) ReadRange(from, to uint64) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := uint64(len(m.events)); to > n {
		to = n
	}
	var out []domain.Event
	for seq := from; seq < to; seq++ {
		if m.corrupt[seq] {
			return out, &storage.CorruptRecordError{Sequence: seq, Reason: "unreadable"}
		}
		out = append(out, m.events[seq])
	}
	return out, nil
}

func (m *memLog) Len() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.events))
}

var errDiskFull = errors.New("no space left on device")
