package device

import (
	"encoding/json"
	"fmt"
	"time"
)

const leaseKeyPrefix = "lease:"

// LeaseStatus tracks a lease's lifecycle. Expired leases are never written
// back: the record simply vanishes when its store TTL elapses.
type LeaseStatus int

const (
	LeaseActive LeaseStatus = iota
	LeaseReleased
	LeaseExpired
)

var leaseStatusNames = map[LeaseStatus]string{
	LeaseActive:   "active",
	LeaseReleased: "released",
	LeaseExpired:  "expired",
}

func (s LeaseStatus) String() string {
	if name, ok := leaseStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("lease(%d)", int(s))
}

func (s LeaseStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *LeaseStatus) UnmarshalText(b []byte) error {
	for status, name := range leaseStatusNames {
		if name == string(b) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("device: unknown lease status %q", string(b))
}

// Lease is the fixed-schema record persisted at the store boundary. The
// LockToken is the fencing token for the underlying board lock, distinct
// from the LeaseID handed to callers. Address and port are embedded so a
// worker can open a console session without a catalog lookup.
type Lease struct {
	LeaseID    string      `json:"lease_id"`
	BoardID    string      `json:"board_id"`
	Address    string      `json:"board_ip"`
	TelnetPort int         `json:"telnet_port"`
	LockToken  string      `json:"lock_token"`
	AcquiredAt time.Time   `json:"acquired_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Priority   int         `json:"priority"`
	Status     LeaseStatus `json:"status"`
}

func (l *Lease) key() string { return leaseKeyPrefix + l.LeaseID }

func (l *Lease) encode() ([]byte, error) {
	return json.Marshal(l)
}

func decodeLease(raw []byte) (*Lease, error) {
	var l Lease
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("device: decode lease: %w", err)
	}
	return &l, nil
}
