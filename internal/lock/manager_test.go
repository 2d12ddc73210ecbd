package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/litanlitudan/soc-validation/internal/lock"
	"github.com/litanlitudan/soc-validation/internal/store"
)

func newTestManager(t *testing.T, opts lock.Options) (*lock.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	st, err := store.Open(context.Background(), store.Config{URL: "redis://" + mr.Addr()}, nil, nil)
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return lock.NewManager(st, opts, nil, nil), mr
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, lock.Options{})
	ctx := context.Background()

	token, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a token on uncontended acquire")
	}

	second, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{})
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != "" {
		t.Fatalf("held lock must not be re-acquired, got token %q", second)
	}

	released, err := m.Release(ctx, "board-001", token)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released {
		t.Fatalf("owner release must succeed")
	}

	third, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{})
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if third == "" {
		t.Fatalf("expected acquire to succeed after release")
	}
	if third == token {
		t.Fatalf("fresh acquisition must mint a fresh token")
	}
}

func TestReleaseRequiresOwnership(t *testing.T) {
	m, _ := newTestManager(t, lock.Options{})
	ctx := context.Background()

	token, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{})
	if err != nil || token == "" {
		t.Fatalf("acquire: token=%q err=%v", token, err)
	}

	released, err := m.Release(ctx, "board-001", "not-the-token")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released {
		t.Fatalf("release with wrong token must fail")
	}

	locked, err := m.IsLocked(ctx, "board-001")
	if err != nil {
		t.Fatalf("islocked: %v", err)
	}
	if !locked {
		t.Fatalf("lock must survive a stranger's release attempt")
	}

	released, err = m.Release(ctx, "board-001", token)
	if err != nil || !released {
		t.Fatalf("owner release: released=%v err=%v", released, err)
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	m, mr := newTestManager(t, lock.Options{})
	ctx := context.Background()

	token, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{TTL: 2 * time.Second})
	if err != nil || token == "" {
		t.Fatalf("acquire: token=%q err=%v", token, err)
	}

	mr.FastForward(3 * time.Second)

	locked, err := m.IsLocked(ctx, "board-001")
	if err != nil {
		t.Fatalf("islocked: %v", err)
	}
	if locked {
		t.Fatalf("lock should have expired")
	}

	// The old holder's release must be a no-op now.
	released, err := m.Release(ctx, "board-001", token)
	if err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if released {
		t.Fatalf("release of an expired lock must report false")
	}

	next, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{TTL: 2 * time.Second})
	if err != nil || next == "" {
		t.Fatalf("reacquire after expiry: token=%q err=%v", next, err)
	}
}

func TestStaleReleaseCannotClobberNewOwner(t *testing.T) {
	m, mr := newTestManager(t, lock.Options{})
	ctx := context.Background()

	tokenA, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{TTL: time.Second})
	if err != nil || tokenA == "" {
		t.Fatalf("A acquire: token=%q err=%v", tokenA, err)
	}

	mr.FastForward(2 * time.Second)

	tokenB, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{TTL: time.Minute})
	if err != nil || tokenB == "" {
		t.Fatalf("B acquire: token=%q err=%v", tokenB, err)
	}
	if tokenB == tokenA {
		t.Fatalf("expected distinct tokens")
	}

	released, err := m.Release(ctx, "board-001", tokenA)
	if err != nil {
		t.Fatalf("A stale release: %v", err)
	}
	if released {
		t.Fatalf("stale release must not succeed")
	}

	info, err := m.LockInfo(ctx, "board-001")
	if err != nil {
		t.Fatalf("lockinfo: %v", err)
	}
	if info == nil || info.Token != tokenB {
		t.Fatalf("B's lock clobbered by stale release: %+v", info)
	}
}

func TestExtendRequiresOwnership(t *testing.T) {
	m, mr := newTestManager(t, lock.Options{})
	ctx := context.Background()

	token, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{TTL: 5 * time.Second})
	if err != nil || token == "" {
		t.Fatalf("acquire: token=%q err=%v", token, err)
	}

	extended, err := m.Extend(ctx, "board-001", "wrong-token", time.Minute)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if extended {
		t.Fatalf("extend with wrong token must fail")
	}

	extended, err = m.Extend(ctx, "board-001", token, time.Minute)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !extended {
		t.Fatalf("owner extend must succeed")
	}

	// Past the original 5s TTL but inside the extension.
	mr.FastForward(30 * time.Second)
	locked, err := m.IsLocked(ctx, "board-001")
	if err != nil {
		t.Fatalf("islocked: %v", err)
	}
	if !locked {
		t.Fatalf("lock should still be held after extension")
	}

	mr.FastForward(31 * time.Second)
	locked, err = m.IsLocked(ctx, "board-001")
	if err != nil {
		t.Fatalf("islocked: %v", err)
	}
	if locked {
		t.Fatalf("lock should expire after the extended TTL")
	}
}

func TestLockInfo(t *testing.T) {
	m, _ := newTestManager(t, lock.Options{})
	ctx := context.Background()

	info, err := m.LockInfo(ctx, "board-001")
	if err != nil {
		t.Fatalf("lockinfo: %v", err)
	}
	if info != nil {
		t.Fatalf("expected nil info for unlocked resource, got %+v", info)
	}

	token, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{TTL: time.Minute})
	if err != nil || token == "" {
		t.Fatalf("acquire: token=%q err=%v", token, err)
	}

	info, err = m.LockInfo(ctx, "board-001")
	if err != nil {
		t.Fatalf("lockinfo: %v", err)
	}
	if info == nil {
		t.Fatalf("expected info for held lock")
	}
	if info.Token != token {
		t.Fatalf("token mismatch: %q vs %q", info.Token, token)
	}
	if !info.IsLocalOwner {
		t.Fatalf("acquiring manager should see itself as local owner")
	}
	if info.TTL <= 0 || info.TTL > time.Minute {
		t.Fatalf("unexpected TTL %v", info.TTL)
	}
}

func TestBlockingAcquireWaitsForRelease(t *testing.T) {
	m, _ := newTestManager(t, lock.Options{
		BlockingTimeout: 3 * time.Second,
		RetryInterval:   10 * time.Millisecond,
	})
	ctx := context.Background()

	holder, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{TTL: time.Minute})
	if err != nil || holder == "" {
		t.Fatalf("holder acquire: token=%q err=%v", holder, err)
	}

	go func() {
		time.Sleep(150 * time.Millisecond)
		_, _ = m.Release(context.Background(), "board-001", holder)
	}()

	start := time.Now()
	token, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{TTL: time.Minute, Blocking: true})
	if err != nil {
		t.Fatalf("blocking acquire: %v", err)
	}
	if token == "" {
		t.Fatalf("blocking acquire should win once the holder releases")
	}
	if waited := time.Since(start); waited < 100*time.Millisecond {
		t.Fatalf("blocking acquire returned before the release, waited %v", waited)
	}
}

func TestBlockingAcquireTimesOut(t *testing.T) {
	m, _ := newTestManager(t, lock.Options{
		BlockingTimeout: 200 * time.Millisecond,
		RetryInterval:   20 * time.Millisecond,
	})
	ctx := context.Background()

	holder, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{TTL: time.Minute})
	if err != nil || holder == "" {
		t.Fatalf("holder acquire: token=%q err=%v", holder, err)
	}

	token, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{TTL: time.Minute, Blocking: true})
	if err != nil {
		t.Fatalf("blocking acquire: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token after blocking timeout")
	}
}

func TestWithLockReleasesOnAllPaths(t *testing.T) {
	m, _ := newTestManager(t, lock.Options{})
	ctx := context.Background()

	var sawToken string
	err := m.WithLock(ctx, "board-001", lock.AcquireOptions{}, func(token string) error {
		sawToken = token
		return nil
	})
	if err != nil {
		t.Fatalf("withlock: %v", err)
	}
	if sawToken == "" {
		t.Fatalf("fn should receive the token")
	}

	locked, err := m.IsLocked(ctx, "board-001")
	if err != nil {
		t.Fatalf("islocked: %v", err)
	}
	if locked {
		t.Fatalf("lock must be released after fn returns")
	}

	// fn errors still release.
	boom := errors.New("boom")
	err = m.WithLock(ctx, "board-001", lock.AcquireOptions{}, func(string) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error back, got %v", err)
	}
	locked, _ = m.IsLocked(ctx, "board-001")
	if locked {
		t.Fatalf("lock must be released after fn fails")
	}

	// Contended WithLock reports ErrNotAcquired.
	holder, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{})
	if err != nil || holder == "" {
		t.Fatalf("holder acquire: token=%q err=%v", holder, err)
	}
	err = m.WithLock(ctx, "board-001", lock.AcquireOptions{}, func(string) error { return nil })
	if !errors.Is(err, lock.ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}

func TestAcquireAllRollsBackOnPartialFailure(t *testing.T) {
	m, _ := newTestManager(t, lock.Options{})
	ctx := context.Background()

	// Pre-hold the middle resource so the batch cannot complete.
	blocker, err := m.Acquire(ctx, "board-002", lock.AcquireOptions{})
	if err != nil || blocker == "" {
		t.Fatalf("blocker acquire: token=%q err=%v", blocker, err)
	}

	tokens, err := m.AcquireAll(ctx, []string{"board-001", "board-002", "board-003"}, lock.AcquireOptions{})
	if err != nil {
		t.Fatalf("acquireall: %v", err)
	}
	if tokens != nil {
		t.Fatalf("partial batch must return nil, got %v", tokens)
	}

	for _, resource := range []string{"board-001", "board-003"} {
		locked, err := m.IsLocked(ctx, resource)
		if err != nil {
			t.Fatalf("islocked %s: %v", resource, err)
		}
		if locked {
			t.Fatalf("resource %s leaked from rolled-back batch", resource)
		}
	}

	// With the blocker gone, the batch succeeds and each lock is released.
	if _, err := m.Release(ctx, "board-002", blocker); err != nil {
		t.Fatalf("release blocker: %v", err)
	}
	tokens, err = m.AcquireAll(ctx, []string{"board-001", "board-002", "board-003"}, lock.AcquireOptions{})
	if err != nil {
		t.Fatalf("acquireall: %v", err)
	}
	if len(tokens) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(tokens))
	}

	results := m.ReleaseAll(ctx, tokens)
	for resource, ok := range results {
		if !ok {
			t.Fatalf("release of %s failed", resource)
		}
	}
}

func TestSweepUnexpiredRepairsLocksWithoutTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := store.Open(context.Background(), store.Config{URL: "redis://" + mr.Addr()}, nil, nil)
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	m := lock.NewManager(st, lock.Options{DefaultTTL: 30 * time.Second}, nil, nil)
	ctx := context.Background()

	// A well-formed lock and one written without an expiry, as an
	// interrupted writer would leave it.
	if _, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{TTL: time.Minute}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := st.Set(ctx, "lock:board:board-999", []byte("orphan-token"), 0); err != nil {
		t.Fatalf("set orphan: %v", err)
	}

	repaired, err := m.SweepUnexpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if repaired != 1 {
		t.Fatalf("expected 1 repaired lock, got %d", repaired)
	}

	ttl, err := st.TTL(ctx, "lock:board:board-999")
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("orphan lock should now carry a TTL, got %v", ttl)
	}

	mr.FastForward(31 * time.Second)
	locked, err := m.IsLocked(ctx, "board-999")
	if err != nil {
		t.Fatalf("islocked: %v", err)
	}
	if locked {
		t.Fatalf("repaired lock should expire")
	}
}

func TestForceUnlock(t *testing.T) {
	m, _ := newTestManager(t, lock.Options{})
	ctx := context.Background()

	token, err := m.Acquire(ctx, "board-001", lock.AcquireOptions{})
	if err != nil || token == "" {
		t.Fatalf("acquire: token=%q err=%v", token, err)
	}

	removed, err := m.ForceUnlock(ctx, "board-001")
	if err != nil || !removed {
		t.Fatalf("force unlock: removed=%v err=%v", removed, err)
	}

	removed, err = m.ForceUnlock(ctx, "board-001")
	if err != nil {
		t.Fatalf("force unlock: %v", err)
	}
	if removed {
		t.Fatalf("second force unlock should find nothing")
	}
}

func TestMutualExclusionUnderContention(t *testing.T) {
	m, _ := newTestManager(t, lock.Options{})
	ctx := context.Background()

	const (
		resource = "board-001"
		workers  = 50
		rounds   = 20
	)

	var (
		acquireOK   int64
		acquireFail int64
		releaseOK   int64
		inCritical  int64
		violations  int64
	)

	wg := sync.WaitGroup{}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				token, err := m.Acquire(ctx, resource, lock.AcquireOptions{TTL: time.Minute})
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if token == "" {
					atomic.AddInt64(&acquireFail, 1)
					time.Sleep(time.Millisecond)
					continue
				}
				atomic.AddInt64(&acquireOK, 1)

				if atomic.AddInt64(&inCritical, 1) != 1 {
					atomic.AddInt64(&violations, 1)
				}
				time.Sleep(200 * time.Microsecond)
				atomic.AddInt64(&inCritical, -1)

				ok, err := m.Release(ctx, resource, token)
				if err != nil {
					t.Errorf("release: %v", err)
					return
				}
				if ok {
					atomic.AddInt64(&releaseOK, 1)
				}
			}
		}()
	}
	wg.Wait()

	if violations != 0 {
		t.Fatalf("mutual exclusion violated %d times", violations)
	}
	if acquireOK == 0 {
		t.Fatalf("no successful acquisitions; test exercised nothing")
	}
	if releaseOK != acquireOK {
		t.Fatalf("every successful acquire must release: acquired=%d released=%d", acquireOK, releaseOK)
	}

	t.Log("\n================= Board Lock Contention Report =================")
	t.Logf("Workers:           %d x %d rounds", workers, rounds)
	t.Logf("Acquire Success:   %d", acquireOK)
	t.Logf("Acquire Contended: %d", acquireFail)
	t.Logf("Release Success:   %d", releaseOK)
	t.Logf("Violations:        %d", violations)
	t.Log("Safety Property:   PASS (at most one holder at a time)")
	t.Log("================================================================")
}
