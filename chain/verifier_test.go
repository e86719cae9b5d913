package chain

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sirupsen/logrus/hooks/test"

	"event-store/domain"
	"event-store/storage"
)

func buildChain(t *testing.T, n int) *memLog {
	t.Helper()
	l := &memLog{}
	s := newTestSequencer(t, l)
	for i := 0; i < n; i++ {
		if _, err := s.Append(context.Background(), draft("user.action")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return l
}

func TestVerifyEmptyLog(t *testing.T) {
	v := NewVerifier(&memLog{}, nil)
	res, err := v.Verify(context.Background(), 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.EventsVerified != 0 || res.FirstDivergence != nil {
		t.Fatalf("unexpected result: %#v", res)
	}
	if _, err := v.Verify(context.Background(), 1); domain.CodeOf(err) != domain.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestVerifyFromCheckpoint(t *testing.T) {
	l := buildChain(t, 10)
	v := NewVerifier(l, nil)

	res, err := v.Verify(context.Background(), 6)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.EventsVerified != 4 {
		t.Fatalf("unexpected result: %#v", res)
	}

	for _, from := range []uint64{10, 11} {
		if _, err := v.Verify(context.Background(), from); domain.CodeOf(err) != domain.CodeNotFound {
			t.Fatalf("from=%d: expected NOT_FOUND, got %v", from, err)
		}
	}
}

func TestVerifyAcrossBatches(t *testing.T) {
	l := buildChain(t, verifyBatch*2+3)
	res, err := NewVerifier(l, nil).Verify(context.Background(), 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.EventsVerified != verifyBatch*2+3 {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestVerifyReportsCorruptRecord(t *testing.T) {
	l := buildChain(t, 5)
	l.corrupt = map[uint64]bool{3: true}

	res, err := NewVerifier(l, nil).Verify(context.Background(), 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.FirstDivergence == nil || *res.FirstDivergence != 3 || res.EventsVerified != 3 {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestVerifyDetectsIDMismatch(t *testing.T) {
	l := buildChain(t, 3)
	l.events[1].ID = "evt_ffffffffffffffff"

	res, err := NewVerifier(l, nil).Verify(context.Background(), 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || *res.FirstDivergence != 1 {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestVerifyIsIdempotent(t *testing.T) {
	l := buildChain(t, 7)
	l.events[4].Action = "forged"
	v := NewVerifier(l, nil)

	first, err := v.Verify(context.Background(), 2)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	second, err := v.Verify(context.Background(), 2)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("verification not idempotent: %#v vs %#v", first, second)
	}
	if *first.FirstDivergence != 4 || first.EventsVerified != 2 {
		t.Fatalf("unexpected result: %#v", first)
	}
}

func TestVerifyDetectsTamperedSegment(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	l, err := storage.Open(storage.Config{Dir: dir, Logger: logger})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	s := NewSequencer(l, logger)
	var events []domain.Event
	for i := 0; i < 4; i++ {
		ev, err := s.Append(context.Background(), draft("user.action"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		events = append(events, ev)
	}

	path := filepath.Join(dir, "segment-00000000000000000000.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	target := []byte(`"hash":"` + events[2].Hash)
	forged := []byte(`"hash":"` + flipFirst(events[2].Hash))
	tampered := bytes.Replace(data, target, forged, 1)
	if bytes.Equal(data, tampered) {
		t.Fatal("stored hash not found")
	}
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	res, err := NewVerifier(l, logger).Verify(context.Background(), 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.FirstDivergence == nil || *res.FirstDivergence != 2 {
		t.Fatalf("expected divergence at 2, got %#v", res)
	}
}

func TestVerifyDetectsResizedRecordAfterReopen(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	l, err := storage.Open(storage.Config{Dir: dir, Logger: logger})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := NewSequencer(l, logger)
	for i := 0; i < 3; i++ {
		if _, err := s.Append(context.Background(), draft("user.action")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, "segment-00000000000000000000.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	tampered := bytes.Replace(data, []byte(`"actor":"admin"`), []byte(`"actor":"root"`), 1)
	if bytes.Equal(data, tampered) {
		t.Fatal("stored actor not found")
	}
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	reopened, err := storage.Open(storage.Config{Dir: dir, Logger: logger})
	if err != nil {
		t.Fatalf("reopen after edit: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	res, err := NewVerifier(reopened, logger).Verify(context.Background(), 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.FirstDivergence == nil || *res.FirstDivergence != 0 {
		t.Fatalf("expected divergence at 0, got %#v", res)
	}
	if res.EventsVerified != 0 {
		t.Fatalf("expected no verified events, got %d", res.EventsVerified)
	}
}

func flipFirst(h string) string {
	if h[0] == '0' {
		return "1" + h[1:]
	}
	return "0" + h[1:]
}

func TestChainValidityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("verify(0) accepts any appended chain", prop.ForAll(
		func(n int) bool {
			l := buildChain(t, n)
			res, err := NewVerifier(l, nil).Verify(context.Background(), 0)
			return err == nil && res.Valid && res.EventsVerified == n && res.FirstDivergence == nil
		},
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func TestTamperDetectionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("altering hash or previous_hash of event k diverges at k", prop.ForAll(
		func(n, k int, previous bool) bool {
			k %= n
			l := buildChain(t, n)
			if previous {
				l.events[k].PreviousHash = flipFirst(l.events[k].PreviousHash)
			} else {
				l.events[k].Hash = flipFirst(l.events[k].Hash)
			}
			res, err := NewVerifier(l, nil).Verify(context.Background(), 0)
			return err == nil && !res.Valid && res.FirstDivergence != nil &&
				*res.FirstDivergence == uint64(k) && res.EventsVerified == k
		},
		gen.IntRange(1, 30),
		gen.IntRange(0, 1000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
