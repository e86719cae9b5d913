// Package relay forwards committed events to downstream sinks in sequence
// order, at least once.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"event-store/domain"
	"event-store/storage"
)

// Sink receives batches of committed events. A batch that returns an error is
// redelivered in full, so sinks must tolerate duplicates.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, events []domain.Event) error
}

// Source is the committed log the relay reads from.
type Source interface {
	ReadRange(from, to uint64) ([]domain.Event, error)
	Len() uint64
}

type Config struct {
	Checkpoint     string
	Batch          int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	PollInterval   time.Duration
	DeliverTimeout time.Duration
}

type checkpoint struct {
	Next      uint64    `json:"next_sequence"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats reports relay progress.
type Stats struct {
	Sinks     []string  `json:"sinks"`
	Cursor    uint64    `json:"cursor"`
	Lag       uint64    `json:"lag"`
	Delivered uint64    `json:"delivered"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type Relay struct {
	cfg    Config
	source Source
	sinks  []Sink
	wake   <-chan struct{}
	logger *log.Logger

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	next      uint64
	attempt   int
	lastErr   string
	delivered atomic.Uint64
	started   time.Time
}

// New creates a relay resuming from the checkpoint in cfg. wake may be nil,
// in which case the relay only polls.
func New(cfg Config, source Source, wake <-chan struct{}, logger *log.Logger, sinks ...Sink) (*Relay, error) {
	if len(sinks) == 0 {
		return nil, errors.New("relay needs at least one sink")
	}
	if cfg.Checkpoint == "" {
		return nil, errors.New("relay checkpoint path required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 64
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 30 * time.Second
	}

	next, err := loadCheckpoint(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	if n := source.Len(); next > n {
		return nil, fmt.Errorf("relay checkpoint %d is ahead of the log (%d events)", next, n)
	}

	return &Relay{
		cfg:     cfg,
		source:  source,
		sinks:   sinks,
		wake:    wake,
		logger:  logger,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		next:    next,
		started: time.Now().UTC(),
	}, nil
}

func loadCheckpoint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var cp checkpoint
	if err := sonic.Unmarshal(data, &cp); err != nil {
		return 0, fmt.Errorf("decode relay checkpoint %s: %w", path, err)
	}
	return cp.Next, nil
}

func (r *Relay) saveCheckpoint(next uint64) error {
	data, err := sonic.Marshal(checkpoint{Next: next, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(r.cfg.Checkpoint, data)
}

// Start runs the delivery loop until Shutdown.
func (r *Relay) Start() {
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	r.logger.WithFields(log.Fields{
		"sinks":  names,
		"cursor": r.cursor(),
	}).Info("event relay started")
	go r.run()
}

// Shutdown stops the loop and waits for an in-flight batch to finish.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.drain(); err != nil {
			r.mu.Lock()
			r.attempt++
			r.lastErr = err.Error()
			attempt := r.attempt
			r.mu.Unlock()

			delay := exponentialBackoff(attempt, r.cfg.RetryInitial, r.cfg.RetryMax)
			r.logger.WithError(err).WithFields(log.Fields{
				"cursor":  r.cursor(),
				"attempt": attempt,
				"retryIn": delay.String(),
			}).Error("event relay delivery failed")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
				continue
			case <-r.stopCh:
				timer.Stop()
				return
			}
		}

		select {
		case <-r.wake:
		case <-ticker.C:
		case <-r.stopCh:
			return
		}
	}
}

// drain delivers every committed event past the cursor.
func (r *Relay) drain() error {
	for {
		select {
		case <-r.stopCh:
			return nil
		default:
		}

		from := r.cursor()
		end := r.source.Len()
		if from >= end {
			return nil
		}
		to := min(from+uint64(r.cfg.Batch), end)
		events, err := r.source.ReadRange(from, to)
		if err != nil {
			return fmt.Errorf("read events %d-%d: %w", from, to, err)
		}
		if len(events) == 0 {
			return nil
		}

		if err := r.deliver(events); err != nil {
			return err
		}

		next := events[len(events)-1].Sequence + 1
		if err := r.saveCheckpoint(next); err != nil {
			// The batch went out; the worst case is redelivery after restart.
			r.logger.WithError(err).Warn("failed to persist relay checkpoint")
		}
		r.mu.Lock()
		r.next = next
		r.attempt = 0
		r.lastErr = ""
		r.mu.Unlock()
		r.delivered.Add(uint64(len(events)))
	}
}

func (r *Relay) deliver(events []domain.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DeliverTimeout)
	defer cancel()
	for _, sink := range r.sinks {
		if err := sink.Deliver(ctx, events); err != nil {
			return fmt.Errorf("sink %s: %w", sink.Name(), err)
		}
	}
	return nil
}

func (r *Relay) cursor() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// Stats returns a snapshot of relay progress.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	var lag uint64
	if n := r.source.Len(); n > r.next {
		lag = n - r.next
	}
	return Stats{
		Sinks:     names,
		Cursor:    r.next,
		Lag:       lag,
		Delivered: r.delivered.Load(),
		Attempt:   r.attempt,
		LastError: r.lastErr,
		StartedAt: r.started,
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
