package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/litanlitudan/soc-validation/internal/store"
)

func newTestClient(t *testing.T) *store.Client {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := store.Open(context.Background(), store.Config{URL: "redis://" + mr.Addr()}, nil, nil)
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := store.Open(context.Background(), store.Config{URL: "not-a-url"}, nil, nil)
	if err == nil {
		t.Fatalf("expected error for malformed URL")
	}
}

func TestOpenFailsWhenUnreachable(t *testing.T) {
	cfg := store.Config{
		URL:         "redis://127.0.0.1:1", // nothing listens here
		DialTimeout: 200 * time.Millisecond,
	}
	_, err := store.Open(context.Background(), cfg, nil, nil)
	if err == nil {
		t.Fatalf("expected connection error")
	}
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestGetSetDelete(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "absent"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}

	if err := c.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, err := c.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(val) != "v1" {
		t.Fatalf("expected v1, got %q", val)
	}

	n, err := c.Delete(ctx, "k1", "absent")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, err := c.Get(ctx, "k1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSetNXWinsOnlyOnce(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	won, err := c.SetNX(ctx, "claim", []byte("first"), time.Minute)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if !won {
		t.Fatalf("first SetNX should win")
	}

	won, err = c.SetNX(ctx, "claim", []byte("second"), time.Minute)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if won {
		t.Fatalf("second SetNX must not overwrite")
	}

	val, err := c.Get(ctx, "claim")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(val) != "first" {
		t.Fatalf("value clobbered: %q", val)
	}
}

func TestTTLSentinels(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := store.Open(context.Background(), store.Config{URL: "redis://" + mr.Addr()}, nil, nil)
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	d, err := c.TTL(ctx, "absent")
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if d != store.TTLMissing {
		t.Fatalf("expected TTLMissing for absent key, got %v", d)
	}

	if err := c.Set(ctx, "forever", []byte("x"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	d, err = c.TTL(ctx, "forever")
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if d != store.TTLNone {
		t.Fatalf("expected TTLNone for key without expiry, got %v", d)
	}

	if err := c.Set(ctx, "bounded", []byte("x"), 30*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	d, err = c.TTL(ctx, "bounded")
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if d <= 0 || d > 30*time.Second {
		t.Fatalf("expected positive bounded TTL, got %v", d)
	}

	ok, err := c.Expire(ctx, "forever", 10*time.Second)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if !ok {
		t.Fatalf("expire should report success on existing key")
	}

	mr.FastForward(11 * time.Second)
	if _, err := c.Get(ctx, "forever"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected key to expire, got %v", err)
	}
}

func TestScanWalksAllMatches(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	const total = 25
	for i := 0; i < total; i++ {
		if err := c.Set(ctx, fmt.Sprintf("item:%02d", i), []byte("x"), 0); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if err := c.Set(ctx, "other:zz", []byte("x"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	seen := make(map[string]bool)
	var cursor uint64
	for {
		keys, next, err := c.Scan(ctx, cursor, "item:*", 10)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		for _, k := range keys {
			seen[k] = true
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if len(seen) != total {
		t.Fatalf("expected %d keys, saw %d", total, len(seen))
	}
	if seen["other:zz"] {
		t.Fatalf("scan matched key outside pattern")
	}
}

func TestEvalRunsScriptAtomically(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if err := c.Set(ctx, "guarded", []byte("owner-1"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	script := `if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end`

	res, err := c.Eval(ctx, script, []string{"guarded"}, "wrong-owner")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if n, _ := res.(int64); n != 0 {
		t.Fatalf("script deleted key despite mismatched value")
	}

	res, err = c.Eval(ctx, script, []string{"guarded"}, "owner-1")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if n, _ := res.(int64); n != 1 {
		t.Fatalf("script should delete on matching value, got %v", res)
	}

	if _, err := c.Get(ctx, "guarded"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected key gone after scripted delete, got %v", err)
	}
}
