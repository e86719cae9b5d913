package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return m, client
}

func TestRedisDeduperLifecycle(t *testing.T) {
	_, client := newTestRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	first, err := deduper.Reserve(ctx, "k1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !first.Reserved {
		t.Fatalf("expected first reservation to succeed: %#v", first)
	}

	inFlight, err := deduper.Reserve(ctx, "k1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if inFlight.Reserved || !inFlight.Pending {
		t.Fatalf("expected pending duplicate: %#v", inFlight)
	}

	if err := deduper.Complete(ctx, "k1", "evt_0000000000000003"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, err := deduper.Reserve(ctx, "k1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if done.Reserved || done.Pending || done.EventID != "evt_0000000000000003" {
		t.Fatalf("expected stored event id: %#v", done)
	}
}

func TestRedisDeduperReleaseAllowsRetry(t *testing.T) {
	_, client := newTestRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	if _, err := deduper.Reserve(ctx, "k1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := deduper.Release(ctx, "k1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := deduper.Reserve(ctx, "k1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !again.Reserved {
		t.Fatalf("expected key to be reservable after release: %#v", again)
	}
}

func TestRedisDeduperKeysExpire(t *testing.T) {
	m, client := newTestRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	if err := deduper.Complete(ctx, "k1", "evt_0000000000000000"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !m.Exists("eventstore:idem:k1") {
		t.Fatal("expected namespaced key to exist")
	}
	if ttl := m.TTL("eventstore:idem:k1"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	m.FastForward(2 * time.Minute)
	res, err := deduper.Reserve(ctx, "k1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.Reserved {
		t.Fatalf("expected expired key to be reservable: %#v", res)
	}
}

func TestRedisDeduperReportsBackendFailure(t *testing.T) {
	m, client := newTestRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	m.Close()

	if _, err := deduper.Reserve(context.Background(), "k1"); err == nil {
		t.Fatal("expected error when redis is down")
	}
}
