//go:build integration

package redis_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/hapivet/modelgate"
	ledgerredis "github.com/hapivet/modelgate/ledger/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *ledgerredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := ledgerredis.New(client, ledgerredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func newEvent(userID, provider string, tokens int64, cost float64) modelgate.UsageEvent {
	return modelgate.UsageEvent{
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   provider,
		Model:      "test-model",
		TokensUsed: tokens,
		Cost:       cost,
		Timestamp:  time.Now().UTC(),
	}
}

func TestRecordAndUsage(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	if err := store.Record(ctx, newEvent("u1", "openai", 100, 0.002)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Record(ctx, newEvent("u1", "google", 200, 0)); err != nil {
		t.Fatalf("record: %v", err)
	}

	agg, err := store.Usage(ctx, "u1", "*", modelgate.WindowHour)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if agg.Tokens != 300 || agg.Requests != 2 {
		t.Fatalf("expected tokens=300 requests=2, got %+v", agg)
	}

	agg, err = store.Usage(ctx, "u1", "openai", modelgate.WindowHour)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if agg.Tokens != 100 || agg.Requests != 1 {
		t.Fatalf("expected tokens=100 requests=1, got %+v", agg)
	}
}

func TestDuplicateEventID(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	e := newEvent("u1", "openai", 100, 0.002)
	if err := store.Record(ctx, e); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := store.Record(ctx, e); !errors.Is(err, modelgate.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	agg, _ := store.Usage(ctx, "u1", "*", modelgate.WindowHour)
	if agg.Tokens != 100 {
		t.Fatalf("duplicate must not double-count, got tokens=%d", agg.Tokens)
	}
}

func TestEmptyEventIDSkipsDedup(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	e1 := newEvent("u1", "openai", 100, 0)
	e1.ID = ""
	e2 := newEvent("u1", "openai", 200, 0)
	e2.ID = ""

	if err := store.Record(ctx, e1); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := store.Record(ctx, e2); err != nil {
		t.Fatalf("second record: %v", err)
	}

	agg, err := store.Usage(ctx, "u1", "*", modelgate.WindowHour)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if agg.Tokens != 300 || agg.Requests != 2 {
		t.Fatalf("expected both ID-less events counted, got %+v", agg)
	}
}

func TestFreeTierDraining(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	store.SetFreeTier("google", 1000)

	remaining, err := store.RemainingFreeTier(ctx, "google")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 1000 {
		t.Fatalf("expected 1000, got %d", remaining)
	}

	if err := store.Record(ctx, newEvent("u1", "google", 400, 0)); err != nil {
		t.Fatalf("record: %v", err)
	}

	remaining, _ = store.RemainingFreeTier(ctx, "google")
	if remaining != 600 {
		t.Fatalf("expected 600, got %d", remaining)
	}
}

func TestFreeTierOvershootGoesNegative(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	store.SetFreeTier("google", 100)

	if err := store.Record(ctx, newEvent("u1", "google", 250, 0)); err != nil {
		t.Fatalf("record: %v", err)
	}

	remaining, _ := store.RemainingFreeTier(ctx, "google")
	if remaining != -150 {
		t.Fatalf("expected -150, got %d", remaining)
	}
}

func TestProviderUsageSnapshot(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	store.SetFreeTier("google", 1000)
	_ = store.Record(ctx, newEvent("u1", "google", 250, 0))
	_ = store.Record(ctx, newEvent("u2", "google", 250, 0))

	pu, err := store.ProviderUsage(ctx, "google")
	if err != nil {
		t.Fatalf("provider usage: %v", err)
	}
	if pu.TokensUsed != 500 || pu.Requests != 2 {
		t.Fatalf("unexpected snapshot: %+v", pu)
	}
	if pu.PercentUsed != 50 {
		t.Fatalf("expected 50%% used, got %v", pu.PercentUsed)
	}
}

func TestMonthlyReset(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	store.SetFreeTier("google", 1000)
	_ = store.Record(ctx, newEvent("u1", "google", 900, 0))

	// Simulate a budget hash left over from last month.
	prefix := "test:" + t.Name() + ":"
	client.HSet(ctx, prefix+"provider:google", "cycle", "2000-01")

	remaining, err := store.RemainingFreeTier(ctx, "google")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 1000 {
		t.Fatalf("expected fresh allowance 1000 after cycle change, got %d", remaining)
	}

	// A new record re-stamps the current cycle and starts from zero.
	if err := store.Record(ctx, newEvent("u1", "google", 100, 0)); err != nil {
		t.Fatalf("record: %v", err)
	}
	remaining, _ = store.RemainingFreeTier(ctx, "google")
	if remaining != 900 {
		t.Fatalf("expected 900 after reset + 100 tokens, got %d", remaining)
	}
}

func TestEventsSince(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	old := newEvent("u1", "openai", 10, 0)
	old.Timestamp = time.Now().UTC().Add(-2 * time.Hour)
	_ = store.Record(ctx, old)
	_ = store.Record(ctx, newEvent("u1", "openai", 20, 0))

	events, err := store.Events(ctx, "u1", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].TokensUsed != 20 {
		t.Fatalf("expected only the recent event, got %+v", events)
	}
}

func TestConcurrentRecords(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	var wg sync.WaitGroup
	var failed atomic.Int64

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Record(ctx, newEvent("u1", "openai", 10, 0)); err != nil {
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if failed.Load() != 0 {
		t.Fatalf("%d records failed", failed.Load())
	}

	agg, err := store.Usage(ctx, "u1", "*", modelgate.WindowHour)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if agg.Tokens != 500 || agg.Requests != 50 {
		t.Fatalf("expected tokens=500 requests=50, got %+v", agg)
	}
}

func TestKeyPrefixIsolation(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	s1 := ledgerredis.New(client, ledgerredis.WithKeyPrefix("test:iso1:"))
	s2 := ledgerredis.New(client, ledgerredis.WithKeyPrefix("test:iso2:"))
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "test:iso*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})

	s1.SetFreeTier("google", 100)
	s2.SetFreeTier("google", 200)

	r1, _ := s1.RemainingFreeTier(ctx, "google")
	r2, _ := s2.RemainingFreeTier(ctx, "google")

	if r1 != 100 {
		t.Fatalf("s1 expected 100, got %d", r1)
	}
	if r2 != 200 {
		t.Fatalf("s2 expected 200, got %d", r2)
	}
}
