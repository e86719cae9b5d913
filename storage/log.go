// Package storage implements the durable, append-only event log.
//
// The log is a directory of segment files. Every record is a frame of a
// 16-byte header (payload length, CRC-32C of the payload, sequence) followed
// by the JSON encoded event. A record becomes visible to readers only after
// it has been fsynced.
package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"event-store/domain"
)

const (
	frameHeaderSize     = 16
	maxFrameBytes       = 16 << 20
	defaultSegmentBytes = 100 << 20
	segmentGlob         = "segment-*.log"
)

var (
	ErrClosed           = errors.New("log closed")
	ErrCorrupt          = errors.New("log corrupt")
	ErrSequenceMismatch = errors.New("sequence mismatch")
	ErrNotFound         = errors.New("event not found")

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

// CorruptRecordError reports a stored record that can no longer be decoded.
type CorruptRecordError struct {
	Sequence uint64
	Reason   string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("record %d corrupt: %s", e.Sequence, e.Reason)
}

func (e *CorruptRecordError) Is(target error) bool { return target == ErrCorrupt }

// Config configures a Log.
type Config struct {
	Dir          string
	SegmentBytes int64
	Logger       *log.Logger
}

// Summary is the in-memory part of a committed record used for filtering.
type Summary struct {
	Sequence uint64
	domain.Attributes
}

func summarize(ev *domain.Event) Summary {
	return Summary{Sequence: ev.Sequence, Attributes: ev.Attributes()}
}

// Tail is the most recently committed record.
type Tail struct {
	Sequence  uint64
	Hash      string
	Timestamp time.Time
}

// Stats describes the on-disk footprint of the log.
type Stats struct {
	Events     uint64
	Segments   int
	Bytes      int64
	FirstEvent time.Time
	LastEvent  time.Time
}

type segment struct {
	path   string
	base   uint64
	file   *os.File
	writer *bufio.Writer
	size   int64
}

type indexEntry struct {
	Summary
	seg    *segment
	offset int64
	length uint32
}

// Log is the append-only event log. WriteDurable calls are serialized;
// reads run concurrently and only observe committed records.
type Log struct {
	cfg    Config
	logger *log.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	segments []*segment
	index    []indexEntry
	tail     Tail
	closed   bool
}

// Open opens or creates the log in cfg.Dir and recovers its committed index.
func Open(cfg Config) (*Log, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("log dir required")
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = defaultSegmentBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	l := &Log{cfg: cfg, logger: logger}

	paths, err := filepath.Glob(filepath.Join(cfg.Dir, segmentGlob))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	for i, path := range paths {
		last := i == len(paths)-1
		seg, err := l.loadSegment(path, last)
		if err != nil {
			l.closeFiles()
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}

	if len(l.segments) == 0 {
		if err := l.openSegmentLocked(0); err != nil {
			return nil, err
		}
	} else {
		active := l.segments[len(l.segments)-1]
		if _, err := active.file.Seek(active.size, io.SeekStart); err != nil {
			l.closeFiles()
			return nil, err
		}
		active.writer = bufio.NewWriterSize(active.file, 64*1024)
	}

	l.logger.WithFields(log.Fields{
		"dir":      cfg.Dir,
		"segments": len(l.segments),
		"events":   len(l.index),
	}).Info("event log opened")
	return l, nil
}

// loadSegment scans a segment file and appends its records to the index.
// Only the final frame of the final segment may be torn; it is truncated.
// A damaged record elsewhere is indexed at its position when the log can
// resynchronize past it, so the chain verifier can report it.
func (l *Log) loadSegment(path string, last bool) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	fileSize := fi.Size()

	seg := &segment{path: path, file: f, base: uint64(len(l.index))}
	reader := bufio.NewReaderSize(f, 64*1024)
	var pos int64

	fail := func(err error) (*segment, error) {
		f.Close()
		return nil, err
	}

	for {
		start := pos
		want := uint64(len(l.index))
		hdr := make([]byte, frameHeaderSize)
		n, err := io.ReadFull(reader, hdr)
		pos += int64(n)
		if errors.Is(err, io.EOF) {
			break
		}

		var (
			reason  string
			length  uint32
			crc     uint32
			seq     uint64
			payload []byte
			ev      domain.Event
		)
		switch {
		case errors.Is(err, io.ErrUnexpectedEOF):
			reason = "partial header"
		case err != nil:
			return fail(err)
		default:
			length = binary.LittleEndian.Uint32(hdr[0:4])
			crc = binary.LittleEndian.Uint32(hdr[4:8])
			seq = binary.LittleEndian.Uint64(hdr[8:16])
			if length == 0 || length > maxFrameBytes {
				reason = "invalid frame length"
				break
			}
			payload = make([]byte, length)
			n, err = io.ReadFull(reader, payload)
			pos += int64(n)
			switch {
			case errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF):
				reason = "partial payload"
			case err != nil:
				return fail(err)
			default:
				if derr := sonic.Unmarshal(payload, &ev); derr != nil {
					reason = "undecodable record"
				} else if ev.Sequence != seq {
					reason = fmt.Sprintf("payload sequence %d, header %d", ev.Sequence, seq)
				}
			}
		}

		if reason == "" && crc32.Checksum(payload, crcTable) != crc {
			if end, _, ok := resync(f, start, fileSize, want); ok && end != pos {
				reason = "record length changed"
			} else {
				// Kept as stored: the chain verifier reports it.
				l.logger.WithFields(log.Fields{
					"segment":  path,
					"sequence": seq,
				}).Warn("record checksum mismatch")
			}
		}

		if reason == "" {
			sum := summarize(&ev)
			if seq != want {
				// A frame out of place is indexed where it sits; reading it
				// reports the stored sequence.
				l.logger.WithFields(log.Fields{
					"segment":  path,
					"expected": want,
					"found":    seq,
				}).Warn("record out of sequence")
				sum.Sequence = want
			}
			l.index = append(l.index, indexEntry{Summary: sum, seg: seg, offset: start, length: length})
			l.tail = Tail{Sequence: want, Hash: ev.Hash, Timestamp: ev.Timestamp}
			continue
		}

		end, damaged, ok := resync(f, start, fileSize, want)
		if !ok {
			tornTail := reason == "partial header" || reason == "partial payload" ||
				reason == "invalid frame length" || pos == fileSize
			if !last || !tornTail {
				return fail(fmt.Errorf("%w: %s at offset %d of %s", ErrCorrupt, reason, start, path))
			}
			l.logger.WithFields(log.Fields{
				"segment": path,
				"offset":  start,
				"reason":  reason,
			}).Warn("truncating torn record at log tail")
			if err := f.Truncate(start); err != nil {
				return fail(err)
			}
			pos = start
			break
		}

		sum := Summary{Sequence: want}
		sum.Timestamp = l.tail.Timestamp
		var hash string
		if damaged != nil {
			sum = summarize(damaged)
			hash = damaged.Hash
		}
		l.index = append(l.index, indexEntry{
			Summary: sum,
			seg:     seg,
			offset:  start,
			length:  uint32(end - start - frameHeaderSize),
		})
		l.tail = Tail{Sequence: want, Hash: hash, Timestamp: sum.Timestamp}
		l.logger.WithFields(log.Fields{
			"segment":  path,
			"sequence": want,
			"offset":   start,
			"reason":   reason,
		}).Warn("damaged record kept for verification")

		if _, err := f.Seek(end, io.SeekStart); err != nil {
			return fail(err)
		}
		reader.Reset(f)
		pos = end
	}

	seg.size = pos
	return seg, nil
}

// resync finds where the damaged record seq starting at start ends: at the
// next intact frame carrying seq+1, or at the end of the file when the rest
// still decodes as record seq. The decoded record is returned when the
// damaged bytes still parse.
func resync(f *os.File, start, fileSize int64, seq uint64) (int64, *domain.Event, bool) {
	from := start + frameHeaderSize
	if from > fileSize {
		return 0, nil, false
	}
	rest := make([]byte, fileSize-from)
	if _, err := f.ReadAt(rest, from); err != nil {
		return 0, nil, false
	}
	for i := 0; i+frameHeaderSize <= len(rest); i++ {
		if binary.LittleEndian.Uint64(rest[i+8:i+16]) != seq+1 {
			continue
		}
		length := int(binary.LittleEndian.Uint32(rest[i : i+4]))
		end := i + frameHeaderSize + length
		if length == 0 || length > maxFrameBytes || end > len(rest) {
			continue
		}
		if crc32.Checksum(rest[i+frameHeaderSize:end], crcTable) != binary.LittleEndian.Uint32(rest[i+4:i+8]) {
			continue
		}
		return from + int64(i), decodeDamaged(rest[:i], seq), true
	}
	if ev := decodeDamaged(rest, seq); ev != nil {
		return fileSize, ev, true
	}
	return 0, nil, false
}

func decodeDamaged(buf []byte, seq uint64) *domain.Event {
	if len(buf) == 0 {
		return nil
	}
	var ev domain.Event
	if err := sonic.Unmarshal(buf, &ev); err != nil || ev.Sequence != seq {
		return nil
	}
	return &ev
}

func segmentName(base uint64) string {
	return fmt.Sprintf("segment-%020d.log", base)
}

func (l *Log) openSegmentLocked(base uint64) error {
	path := filepath.Join(l.cfg.Dir, segmentName(base))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := syncDir(l.cfg.Dir); err != nil {
		f.Close()
		return err
	}
	l.segments = append(l.segments, &segment{
		path:   path,
		base:   base,
		file:   f,
		writer: bufio.NewWriterSize(f, 64*1024),
	})
	return nil
}

// rotateLocked seals the active segment and opens a new one starting at next.
// Sealed segments stay open for reads.
func (l *Log) rotateLocked(next uint64) error {
	current := l.segments[len(l.segments)-1]
	if err := current.writer.Flush(); err != nil {
		return err
	}
	if err := current.file.Sync(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.openSegmentLocked(next); err != nil {
		return err
	}
	current.writer = nil
	l.logger.WithFields(log.Fields{
		"sealed":  current.path,
		"size":    current.size,
		"next":    next,
		"segment": len(l.segments),
	}).Info("event log segment rotated")
	return nil
}

// WriteDurable appends ev and returns once it is on stable storage. On error
// nothing of ev remains in the log.
func (l *Log) WriteDurable(ev *domain.Event) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	closed := l.closed
	next := uint64(len(l.index))
	l.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if ev.Sequence != next {
		return fmt.Errorf("%w: got %d, log expects %d", ErrSequenceMismatch, ev.Sequence, next)
	}

	payload, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.Sequence, err)
	}
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("encode event %d: record of %d bytes exceeds frame limit", ev.Sequence, len(payload))
	}

	current := l.segments[len(l.segments)-1]
	if current.size > 0 && current.size >= l.cfg.SegmentBytes {
		if err := l.rotateLocked(next); err != nil {
			return fmt.Errorf("rotate segment: %w", err)
		}
		current = l.segments[len(l.segments)-1]
	}

	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint64(header[8:16], ev.Sequence)

	start := current.size
	if err := writeFrame(current, header, payload); err != nil {
		if rbErr := rollbackSegment(current, start); rbErr != nil {
			l.logger.WithError(rbErr).WithField("segment", current.path).Error("log rollback failed")
		}
		return fmt.Errorf("write event %d: %w", ev.Sequence, err)
	}

	l.mu.Lock()
	current.size = start + int64(len(header)+len(payload))
	l.index = append(l.index, indexEntry{
		Summary: summarize(ev),
		seg:     current,
		offset:  start,
		length:  uint32(len(payload)),
	})
	l.tail = Tail{Sequence: ev.Sequence, Hash: ev.Hash, Timestamp: ev.Timestamp}
	l.mu.Unlock()
	return nil
}

func writeFrame(seg *segment, header, payload []byte) error {
	if _, err := seg.writer.Write(header); err != nil {
		return err
	}
	if _, err := seg.writer.Write(payload); err != nil {
		return err
	}
	if err := seg.writer.Flush(); err != nil {
		return err
	}
	return seg.file.Sync()
}

func rollbackSegment(seg *segment, size int64) error {
	if err := seg.file.Truncate(size); err != nil {
		return err
	}
	if _, err := seg.file.Seek(size, io.SeekStart); err != nil {
		return err
	}
	seg.writer = bufio.NewWriterSize(seg.file, 64*1024)
	return seg.file.Sync()
}

// ReadRange returns committed events with from <= sequence < to, in order.
// to is clamped to the committed length.
func (l *Log) ReadRange(from, to uint64) ([]domain.Event, error) {
	entries, err := l.entries(from, to)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(entries))
	for i := range entries {
		ev, err := readEntry(&entries[i])
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Get returns the committed event at seq.
func (l *Log) Get(seq uint64) (domain.Event, error) {
	events, err := l.ReadRange(seq, seq+1)
	if err != nil {
		return domain.Event{}, err
	}
	if len(events) == 0 {
		return domain.Event{}, ErrNotFound
	}
	return events[0], nil
}

func (l *Log) entries(from, to uint64) ([]indexEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	n := uint64(len(l.index))
	if to > n {
		to = n
	}
	if from >= to {
		return nil, nil
	}
	// Committed entries are never modified, so the sub-slice stays valid
	// after the lock is released even if the index grows.
	return l.index[from:to:to], nil
}

func readEntry(e *indexEntry) (domain.Event, error) {
	buf := make([]byte, e.length)
	if _, err := e.seg.file.ReadAt(buf, e.offset+frameHeaderSize); err != nil {
		return domain.Event{}, fmt.Errorf("read event %d: %w", e.Sequence, err)
	}
	var ev domain.Event
	if err := sonic.Unmarshal(buf, &ev); err != nil {
		return domain.Event{}, &CorruptRecordError{Sequence: e.Sequence, Reason: err.Error()}
	}
	if ev.Sequence != e.Sequence {
		return domain.Event{}, &CorruptRecordError{
			Sequence: e.Sequence,
			Reason:   fmt.Sprintf("stored sequence %d", ev.Sequence),
		}
	}
	return ev, nil
}

// Scan calls fn for the summaries of committed records with
// from <= sequence < to until fn returns false.
func (l *Log) Scan(from, to uint64, fn func(Summary) bool) error {
	entries, err := l.entries(from, to)
	if err != nil {
		return err
	}
	for i := range entries {
		if !fn(entries[i].Summary) {
			return nil
		}
	}
	return nil
}

// Len returns the number of committed records.
func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.index))
}

// ReadTail returns the last committed record, or false when the log is empty.
func (l *Log) ReadTail() (Tail, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.index) == 0 {
		return Tail{}, false
	}
	return l.tail, true
}

// Stats reports the size of the log.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Stats{Events: uint64(len(l.index)), Segments: len(l.segments)}
	for _, seg := range l.segments {
		st.Bytes += seg.size
	}
	if len(l.index) > 0 {
		st.FirstEvent = l.index[0].Timestamp
		st.LastEvent = l.index[len(l.index)-1].Timestamp
	}
	return st
}

// Dir returns the directory holding the segments.
func (l *Log) Dir() string { return l.cfg.Dir }

// Close flushes the active segment and releases all files.
func (l *Log) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var firstErr error
	if n := len(l.segments); n > 0 {
		active := l.segments[n-1]
		if active.writer != nil {
			if err := active.writer.Flush(); err != nil {
				firstErr = err
			}
			if err := active.file.Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := l.closeFiles(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (l *Log) closeFiles() error {
	var firstErr error
	for _, seg := range l.segments {
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
