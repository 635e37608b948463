package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newKeys(t *testing.T) (*Keys, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, time.Hour), mr
}

func TestClaimCompleteReplay(t *testing.T) {
	ctx := context.Background()
	keys, mr := newKeys(t)

	existing, err := keys.Claim(ctx, "acme", "req-1")
	if err != nil || existing != "" {
		t.Fatalf("first claim should own the key, got %q %v", existing, err)
	}
	if _, err := keys.Claim(ctx, "acme", "req-1"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected in-flight error, got %v", err)
	}
	if err := keys.Complete(ctx, "acme", "req-1", "job-9"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	existing, err = keys.Claim(ctx, "acme", "req-1")
	if err != nil || existing != "job-9" {
		t.Fatalf("expected replay of job-9, got %q %v", existing, err)
	}
	if ttl := mr.TTL("render:idem:acme:req-1"); ttl != time.Hour {
		t.Fatalf("completed key should carry the configured ttl, got %s", ttl)
	}
}

func TestKeysAreScopedByTenant(t *testing.T) {
	ctx := context.Background()
	keys, _ := newKeys(t)
	if _, err := keys.Claim(ctx, "a", "same"); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if existing, err := keys.Claim(ctx, "b", "same"); err != nil || existing != "" {
		t.Fatalf("tenant b should own its key, got %q %v", existing, err)
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	keys, _ := newKeys(t)
	if _, err := keys.Claim(ctx, "acme", "req-2"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := keys.Release(ctx, "acme", "req-2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if existing, err := keys.Claim(ctx, "acme", "req-2"); err != nil || existing != "" {
		t.Fatalf("released key should be claimable, got %q %v", existing, err)
	}
}

func TestCompleteWithoutClaimIsNoop(t *testing.T) {
	ctx := context.Background()
	keys, mr := newKeys(t)
	if err := keys.Complete(ctx, "acme", "never", "job-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if mr.Exists("render:idem:acme:never") {
		t.Fatal("complete must not create an unclaimed key")
	}
}
