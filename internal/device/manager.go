// Package device orchestrates board allocation: candidate selection by
// strategy, lock acquisition with bounded retries, lease lifecycle, and
// failure-driven quarantine. The lock/lease store decides who holds a
// board; catalog health is only a coarse eligibility filter.
package device

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/litanlitudan/soc-validation/internal/board"
	"github.com/litanlitudan/soc-validation/internal/lock"
	"github.com/litanlitudan/soc-validation/internal/obs"
	"github.com/litanlitudan/soc-validation/internal/store"
)

// ErrBoardNotFound reports an unknown board ID.
var ErrBoardNotFound = errors.New("device: board not found")

// Strategy orders allocation candidates.
type Strategy int

const (
	FirstAvailable Strategy = iota
	LeastUsed
	Random
	// LocationAffinity is accepted but currently allocates in catalog
	// order, like FirstAvailable.
	LocationAffinity
)

var strategyNames = map[Strategy]string{
	FirstAvailable:   "first_available",
	LeastUsed:        "least_used",
	Random:           "random",
	LocationAffinity: "location_affinity",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return FirstAvailable, nil
	}
	for strategy, name := range strategyNames {
		if name == s {
			return strategy, nil
		}
	}
	return FirstAvailable, fmt.Errorf("device: unknown strategy %q", s)
}

type Options struct {
	DefaultLeaseTTL     time.Duration // lease/lock lifetime when a request has none
	MaxRetries          int           // outer allocation passes
	RetryBackoff        time.Duration // base of the linear-growth backoff
	QuarantineThreshold int           // failures before auto-quarantine
}

func (o Options) withDefaults() Options {
	if o.DefaultLeaseTTL <= 0 {
		o.DefaultLeaseTTL = 30 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.QuarantineThreshold <= 0 {
		o.QuarantineThreshold = 3
	}
	return o
}

// Request asks for one board of a family.
type Request struct {
	Family   string
	Timeout  time.Duration // lease lifetime; DefaultLeaseTTL when zero
	Priority int           // 1=high, 2=normal, 3=low
	Strategy Strategy
}

// ReleaseResult distinguishes a full release from a partial one where the
// underlying lock was already gone (expired or taken over). The lease
// record's removal is the authoritative released signal either way.
type ReleaseResult struct {
	Released     bool
	LockReleased bool
}

// BoardStatus merges static catalog fields with live lock and lease state.
type BoardStatus struct {
	BoardID      string             `json:"board_id"`
	SoCFamily    string             `json:"soc_family"`
	Location     string             `json:"location"`
	Health       board.HealthStatus `json:"health_status"`
	FailureCount int                `json:"failure_count"`
	Locked       bool               `json:"is_locked"`
	LockTTL      time.Duration      `json:"-"`
	LeaseID      string             `json:"lease_id,omitempty"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
	LastUsed     *time.Time         `json:"last_used,omitempty"`
}

type FamilyStatus struct {
	Total     int `json:"total"`
	Available int `json:"available"`
}

type QueueStatus struct {
	TotalBoards         int                     `json:"total_boards"`
	HealthyBoards       int                     `json:"healthy_boards"`
	ActiveLeases        int                     `json:"active_leases"`
	AvailableBoards     int                     `json:"available_boards"`
	Families            map[string]FamilyStatus `json:"families"`
	QuarantineThreshold int                     `json:"quarantine_threshold"`
}

type Manager struct {
	catalog *board.Catalog
	locks   *lock.Manager
	store   *store.Client
	opts    Options
	logger  *obs.Logger
	metrics *obs.Metrics

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewManager(catalog *board.Catalog, locks *lock.Manager, st *store.Client, opts Options, logger *obs.Logger, metrics *obs.Metrics) *Manager {
	m := &Manager{
		catalog: catalog,
		locks:   locks,
		store:   st,
		opts:    opts.withDefaults(),
		logger:  logger,
		metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	logger.Info(map[string]interface{}{
		"component":   "device",
		"msg":         "manager initialized",
		"boards":      catalog.Len(),
		"lease_ttl_s": m.opts.DefaultLeaseTTL.Seconds(),
		"max_retries": m.opts.MaxRetries,
	})
	return m
}

// AcquireBoard allocates one healthy board of the requested family. A nil
// lease with nil error means no board is available right now; that is a
// routine outcome, not a fault.
func (m *Manager) AcquireBoard(ctx context.Context, req Request) (*Lease, error) {
	candidates := m.candidates(req.Family, req.Strategy)
	if len(candidates) == 0 {
		m.logger.Warn(map[string]interface{}{
			"component": "device",
			"msg":       "no candidate boards",
			"family":    req.Family,
		})
		m.countAcquire("no_boards")
		return nil, nil
	}

	ttl := req.Timeout
	if ttl <= 0 {
		ttl = m.opts.DefaultLeaseTTL
	}

	for attempt := 0; attempt < m.opts.MaxRetries; attempt++ {
		for _, b := range candidates {
			lease, err := m.tryAcquire(ctx, b, req, ttl)
			if err != nil {
				m.countAcquire("error")
				return nil, err
			}
			if lease != nil {
				m.logger.Info(map[string]interface{}{
					"component": "device",
					"msg":       "board acquired",
					"board_id":  b.ID,
					"family":    req.Family,
					"lease_id":  lease.LeaseID,
					"attempt":   attempt + 1,
				})
				m.countAcquire("success")
				return lease, nil
			}
		}

		if attempt < m.opts.MaxRetries-1 {
			backoff := m.opts.RetryBackoff * time.Duration(attempt+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	m.logger.Warn(map[string]interface{}{
		"component": "device",
		"msg":       "allocation exhausted",
		"family":    req.Family,
		"attempts":  m.opts.MaxRetries,
	})
	m.countAcquire("exhausted")
	return nil, nil
}

func (m *Manager) tryAcquire(ctx context.Context, b board.Board, req Request, ttl time.Duration) (*Lease, error) {
	// Re-check health: the candidate list is a snapshot and the board may
	// have been quarantined since.
	if current, ok := m.catalog.ByID(b.ID); !ok || current.Health != board.Healthy {
		return nil, nil
	}

	token, err := m.locks.Acquire(ctx, b.ID, lock.AcquireOptions{TTL: ttl, Blocking: false})
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil // held by someone else, try the next board
	}

	now := time.Now()
	lease := &Lease{
		LeaseID:    uuid.NewString(),
		BoardID:    b.ID,
		Address:    b.Address,
		TelnetPort: b.TelnetPort,
		LockToken:  token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		Priority:   req.Priority,
		Status:     LeaseActive,
	}

	if err := m.putLease(ctx, lease); err != nil {
		// Undo the lock so the board is not stranded until TTL.
		_, _ = m.locks.Release(context.WithoutCancel(ctx), b.ID, token)
		return nil, err
	}

	m.catalog.TouchLastUsed(b.ID, now)
	if m.metrics != nil {
		m.metrics.ActiveLeases.Inc()
	}
	return lease, nil
}

// ReleaseBoard ends a lease. A missing lease yields {Released: false}. A
// failed lock release does not fail the operation: the lease record is
// removed regardless and the partial outcome is reported explicitly.
func (m *Manager) ReleaseBoard(ctx context.Context, leaseID string) (ReleaseResult, error) {
	lease, err := m.GetLease(ctx, leaseID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if lease == nil {
		m.logger.Warn(map[string]interface{}{
			"component": "device",
			"msg":       "release of unknown lease",
			"lease_id":  leaseID,
		})
		return ReleaseResult{}, nil
	}

	lockReleased, err := m.locks.Release(ctx, lease.BoardID, lease.LockToken)
	if err != nil {
		m.logger.Error(map[string]interface{}{
			"component": "device",
			"msg":       "lock release failed",
			"lease_id":  leaseID,
			"board_id":  lease.BoardID,
			"error":     err.Error(),
		})
		lockReleased = false
	} else if !lockReleased {
		m.logger.Warn(map[string]interface{}{
			"component": "device",
			"msg":       "lock already expired or taken over",
			"lease_id":  leaseID,
			"board_id":  lease.BoardID,
		})
	}

	if _, err := m.store.Delete(ctx, lease.key()); err != nil {
		return ReleaseResult{}, err
	}

	if m.metrics != nil {
		m.metrics.ActiveLeases.Dec()
	}
	m.logger.Info(map[string]interface{}{
		"component":     "device",
		"msg":           "board released",
		"lease_id":      leaseID,
		"board_id":      lease.BoardID,
		"lock_released": lockReleased,
	})
	return ReleaseResult{Released: true, LockReleased: lockReleased}, nil
}

// ExtendLease grants a lease more time, but only if the underlying lock
// extension succeeds first; the record must never claim more time than the
// lock actually has.
func (m *Manager) ExtendLease(ctx context.Context, leaseID string, additional time.Duration) (bool, error) {
	lease, err := m.GetLease(ctx, leaseID)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}

	extended, err := m.locks.Extend(ctx, lease.BoardID, lease.LockToken, additional)
	if err != nil {
		return false, err
	}
	if !extended {
		m.logger.Warn(map[string]interface{}{
			"component": "device",
			"msg":       "lock extend refused",
			"lease_id":  leaseID,
			"board_id":  lease.BoardID,
		})
		return false, nil
	}

	lease.ExpiresAt = time.Now().Add(additional)
	if err := m.putLease(ctx, lease); err != nil {
		return false, err
	}

	m.logger.Info(map[string]interface{}{
		"component":    "device",
		"msg":          "lease extended",
		"lease_id":     leaseID,
		"board_id":     lease.BoardID,
		"additional_s": additional.Seconds(),
	})
	return true, nil
}

// GetLease fetches a lease record; nil when it does not exist, whether
// released or expired. The store keeps no tombstones.
func (m *Manager) GetLease(ctx context.Context, leaseID string) (*Lease, error) {
	raw, err := m.store.Get(ctx, leaseKeyPrefix+leaseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLease(raw)
}

// ReportFailure bumps a board's failure count and quarantines it once the
// threshold is reached. Returns whether the board was quarantined now or
// previously. Quarantine is sticky until an operator resets health.
func (m *Manager) ReportFailure(boardID, reason string, autoQuarantine bool) (bool, error) {
	count, ok := m.catalog.RecordFailure(boardID)
	if !ok {
		return false, ErrBoardNotFound
	}

	m.logger.Warn(map[string]interface{}{
		"component": "device",
		"msg":       "board failure reported",
		"board_id":  boardID,
		"failures":  count,
		"reason":    reason,
	})

	if autoQuarantine && count >= m.opts.QuarantineThreshold {
		m.catalog.Quarantine(boardID)
		if m.metrics != nil {
			m.metrics.QuarantineTotal.Inc()
		}
		m.logger.Error(map[string]interface{}{
			"component": "device",
			"msg":       "board quarantined",
			"board_id":  boardID,
			"failures":  count,
			"reason":    reason,
		})
		return true, nil
	}
	return false, nil
}

// BoardStatus reports a board's catalog state plus live lock/lease info.
func (m *Manager) BoardStatus(ctx context.Context, boardID string) (*BoardStatus, error) {
	b, ok := m.catalog.ByID(boardID)
	if !ok {
		return nil, ErrBoardNotFound
	}

	status := &BoardStatus{
		BoardID:      b.ID,
		SoCFamily:    b.SoCFamily,
		Location:     b.Location,
		Health:       b.Health,
		FailureCount: b.FailureCount,
		LastUsed:     b.LastUsed,
	}

	info, err := m.locks.LockInfo(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if info != nil {
		status.Locked = true
		status.LockTTL = info.TTL
		if lease, err := m.findLeaseByBoard(ctx, boardID); err == nil && lease != nil {
			status.LeaseID = lease.LeaseID
			status.ExpiresAt = &lease.ExpiresAt
		}
	}
	return status, nil
}

// QueueStatus aggregates allocation pressure for operators.
func (m *Manager) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	active, err := m.countActiveLeases(ctx)
	if err != nil {
		return nil, err
	}

	healthy := m.catalog.CountHealthy()
	families := make(map[string]FamilyStatus)
	for _, family := range m.catalog.Families() {
		boards := m.catalog.ByFamily(family)
		available := 0
		for _, b := range boards {
			if b.Health == board.Healthy {
				available++
			}
		}
		families[family] = FamilyStatus{Total: len(boards), Available: available}
	}

	return &QueueStatus{
		TotalBoards:         m.catalog.Len(),
		HealthyBoards:       healthy,
		ActiveLeases:        active,
		AvailableBoards:     healthy - active,
		Families:            families,
		QuarantineThreshold: m.opts.QuarantineThreshold,
	}, nil
}

func (m *Manager) candidates(family string, strategy Strategy) []board.Board {
	boards := m.catalog.Healthy(family)

	switch strategy {
	case LeastUsed:
		boards = board.SortedLeastUsed(boards)
	case Random:
		m.rngMu.Lock()
		m.rng.Shuffle(len(boards), func(i, j int) {
			boards[i], boards[j] = boards[j], boards[i]
		})
		m.rngMu.Unlock()
	}
	return boards
}

func (m *Manager) putLease(ctx context.Context, lease *Lease) error {
	raw, err := lease.encode()
	if err != nil {
		return err
	}
	ttl := time.Until(lease.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("device: lease %s already expired", lease.LeaseID)
	}
	return m.store.Set(ctx, lease.key(), raw, ttl)
}

// findLeaseByBoard scans lease records for one bound to boardID. O(active
// leases), which is bounded by board count.
func (m *Manager) findLeaseByBoard(ctx context.Context, boardID string) (*Lease, error) {
	var cursor uint64
	for {
		keys, next, err := m.store.Scan(ctx, cursor, leaseKeyPrefix+"*", 100)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			raw, err := m.store.Get(ctx, key)
			if errors.Is(err, store.ErrNotFound) {
				continue // expired between scan and get
			}
			if err != nil {
				return nil, err
			}
			lease, err := decodeLease(raw)
			if err != nil {
				continue
			}
			if lease.BoardID == boardID {
				return lease, nil
			}
		}
		cursor = next
		if cursor == 0 {
			return nil, nil
		}
	}
}

func (m *Manager) countActiveLeases(ctx context.Context) (int, error) {
	count := 0
	var cursor uint64
	for {
		keys, next, err := m.store.Scan(ctx, cursor, leaseKeyPrefix+"*", 100)
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func (m *Manager) countAcquire(result string) {
	if m.metrics != nil {
		m.metrics.AcquireTotal.WithLabelValues(result).Inc()
	}
}
