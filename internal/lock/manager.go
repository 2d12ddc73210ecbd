// Package lock implements the distributed board lock on top of the shared
// store. A lock is a single key whose value is an opaque token; ownership is
// proven only by presenting that exact token, and release/extend run as one
// atomic script so a stale holder can never clobber a re-acquired lock.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/litanlitudan/soc-validation/internal/obs"
	"github.com/litanlitudan/soc-validation/internal/store"
)

const keyPrefix = "lock:board:"

// ErrNotAcquired is returned by WithLock when the lock could not be taken.
var ErrNotAcquired = errors.New("lock: not acquired")

// Atomic check-and-delete: the lock is removed only if the caller still owns
// it. Closes the check/expire/re-acquire race window entirely.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end`

// Atomic check-and-extend, same ownership discipline as release.
const extendScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("expire", KEYS[1], ARGV[2])
else
    return 0
end`

type Options struct {
	DefaultTTL      time.Duration // lock expiry when the caller supplies none
	BlockingTimeout time.Duration // max wait in blocking acquisition
	RetryInterval   time.Duration // poll interval while blocked
}

func (o Options) withDefaults() Options {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 30 * time.Second
	}
	if o.BlockingTimeout <= 0 {
		o.BlockingTimeout = 10 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	return o
}

type Manager struct {
	store   *store.Client
	opts    Options
	logger  *obs.Logger
	metrics *obs.Metrics

	mu    sync.Mutex
	owned map[string]string // advisory only; the store is the source of truth
}

func NewManager(st *store.Client, opts Options, logger *obs.Logger, metrics *obs.Metrics) *Manager {
	return &Manager{
		store:   st,
		opts:    opts.withDefaults(),
		logger:  logger,
		metrics: metrics,
		owned:   make(map[string]string),
	}
}

type AcquireOptions struct {
	TTL      time.Duration // lock expiry; DefaultTTL when zero
	Blocking bool          // poll until BlockingTimeout instead of failing fast
	Token    string        // caller-supplied token; generated when empty
}

// Info describes a held lock.
type Info struct {
	Resource     string
	Token        string
	TTL          time.Duration
	IsLocalOwner bool
}

// Acquire takes the lock for resource. It returns the fencing token on
// success and "" when the lock is held by someone else; contention is not an
// error. Store failures are.
func (m *Manager) Acquire(ctx context.Context, resource string, opts AcquireOptions) (string, error) {
	token := opts.Token
	if token == "" {
		token = uuid.NewString()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}

	start := time.Now()
	ok, err := m.trySet(ctx, resource, token, ttl)
	if err != nil {
		m.observe("acquire", "error", start)
		return "", err
	}
	if ok {
		m.observe("acquire", "success", start)
		return token, nil
	}
	if !opts.Blocking {
		m.observe("acquire", "contended", start)
		return "", nil
	}

	deadline := time.Now().Add(m.opts.BlockingTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.opts.RetryInterval):
		}

		ok, err := m.trySet(ctx, resource, token, ttl)
		if err != nil {
			m.observe("acquire", "error", start)
			return "", err
		}
		if ok {
			m.logger.Debug(map[string]interface{}{
				"component": "lock",
				"msg":       "acquired after wait",
				"resource":  resource,
				"waited_ms": time.Since(start).Milliseconds(),
			})
			m.observe("acquire", "success", start)
			return token, nil
		}
	}

	m.logger.Warn(map[string]interface{}{
		"component": "lock",
		"msg":       "blocking acquire timed out",
		"resource":  resource,
		"timeout_s": m.opts.BlockingTimeout.Seconds(),
	})
	m.observe("acquire", "contended", start)
	return "", nil
}

func (m *Manager) trySet(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	ok, err := m.store.SetNX(ctx, keyPrefix+resource, []byte(token), ttl)
	if err != nil {
		return false, err
	}
	if ok {
		m.mu.Lock()
		m.owned[resource] = token
		m.mu.Unlock()
	}
	return ok, nil
}

// Release drops the lock iff token still owns it. A false return means the
// lock had already expired or been taken over; that is an expected outcome.
func (m *Manager) Release(ctx context.Context, resource, token string) (bool, error) {
	start := time.Now()
	res, err := m.store.Eval(ctx, releaseScript, []string{keyPrefix + resource}, token)
	if err != nil {
		m.observe("release", "error", start)
		return false, err
	}

	if n, _ := res.(int64); n > 0 {
		m.forget(resource, token)
		m.observe("release", "success", start)
		return true, nil
	}

	m.logger.Warn(map[string]interface{}{
		"component": "lock",
		"msg":       "release without ownership",
		"resource":  resource,
	})
	m.observe("release", "contended", start)
	return false, nil
}

// Extend resets the lock's TTL iff token still owns it.
func (m *Manager) Extend(ctx context.Context, resource, token string, additional time.Duration) (bool, error) {
	start := time.Now()
	secs := int64(additional / time.Second)
	if secs <= 0 {
		secs = 1
	}

	res, err := m.store.Eval(ctx, extendScript, []string{keyPrefix + resource}, token, secs)
	if err != nil {
		m.observe("extend", "error", start)
		return false, err
	}

	if n, _ := res.(int64); n > 0 {
		m.observe("extend", "success", start)
		return true, nil
	}
	m.observe("extend", "contended", start)
	return false, nil
}

func (m *Manager) IsLocked(ctx context.Context, resource string) (bool, error) {
	_, err := m.store.Get(ctx, keyPrefix+resource)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LockInfo returns the current holder's token and remaining TTL, or nil when
// the resource is unlocked.
func (m *Manager) LockInfo(ctx context.Context, resource string) (*Info, error) {
	val, err := m.store.Get(ctx, keyPrefix+resource)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ttl, err := m.store.TTL(ctx, keyPrefix+resource)
	if err != nil {
		return nil, err
	}

	token := string(val)
	m.mu.Lock()
	local := m.owned[resource] == token
	m.mu.Unlock()

	return &Info{
		Resource:     resource,
		Token:        token,
		TTL:          ttl,
		IsLocalOwner: local,
	}, nil
}

// WithLock runs fn while holding the lock, releasing on every exit path.
// Returns ErrNotAcquired when the lock could not be taken.
func (m *Manager) WithLock(ctx context.Context, resource string, opts AcquireOptions, fn func(token string) error) error {
	token, err := m.Acquire(ctx, resource, opts)
	if err != nil {
		return err
	}
	if token == "" {
		return ErrNotAcquired
	}
	defer func() {
		// Release even if ctx was cancelled inside fn.
		_, _ = m.Release(context.WithoutCancel(ctx), resource, token)
	}()
	return fn(token)
}

// AcquireAll takes every lock in resources or none of them: the first
// failure rolls back all locks taken in this call.
func (m *Manager) AcquireAll(ctx context.Context, resources []string, opts AcquireOptions) (map[string]string, error) {
	acquired := make(map[string]string, len(resources))

	for _, resource := range resources {
		token, err := m.Acquire(ctx, resource, AcquireOptions{TTL: opts.TTL, Blocking: opts.Blocking})
		if err != nil || token == "" {
			for rid, tok := range acquired {
				_, _ = m.Release(context.WithoutCancel(ctx), rid, tok)
			}
			return nil, err
		}
		acquired[resource] = token
	}

	return acquired, nil
}

// ReleaseAll releases a set of held locks, reporting per-resource outcomes.
func (m *Manager) ReleaseAll(ctx context.Context, tokens map[string]string) map[string]bool {
	results := make(map[string]bool, len(tokens))
	for resource, token := range tokens {
		ok, err := m.Release(ctx, resource, token)
		results[resource] = ok && err == nil
	}
	return results
}

// SweepUnexpired gives DefaultTTL to any lock key missing an expiry. Such
// keys should not exist; this is repair, not normal operation.
func (m *Manager) SweepUnexpired(ctx context.Context) (int, error) {
	repaired := 0
	var cursor uint64

	for {
		keys, next, err := m.store.Scan(ctx, cursor, keyPrefix+"*", 100)
		if err != nil {
			return repaired, err
		}

		for _, key := range keys {
			ttl, err := m.store.TTL(ctx, key)
			if err != nil {
				return repaired, err
			}
			if ttl == store.TTLNone {
				if _, err := m.store.Expire(ctx, key, m.opts.DefaultTTL); err != nil {
					return repaired, err
				}
				repaired++
				m.logger.Warn(map[string]interface{}{
					"component": "lock",
					"msg":       "set expiry on lock without TTL",
					"key":       key,
				})
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return repaired, nil
}

// ForceUnlock removes a lock regardless of ownership. Admin escape hatch.
func (m *Manager) ForceUnlock(ctx context.Context, resource string) (bool, error) {
	n, err := m.store.Delete(ctx, keyPrefix+resource)
	if err != nil {
		return false, err
	}
	if n > 0 {
		m.mu.Lock()
		delete(m.owned, resource)
		m.mu.Unlock()
		m.logger.Warn(map[string]interface{}{
			"component": "lock",
			"msg":       "force unlocked",
			"resource":  resource,
		})
		return true, nil
	}
	return false, nil
}

func (m *Manager) forget(resource, token string) {
	m.mu.Lock()
	if m.owned[resource] == token {
		delete(m.owned, resource)
	}
	m.mu.Unlock()
}

func (m *Manager) observe(op, result string, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.LockOpsTotal.WithLabelValues(op, result).Inc()
	m.metrics.LockOpLatency.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}
