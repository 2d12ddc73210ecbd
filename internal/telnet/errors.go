package telnet

import (
	"fmt"
	"time"
)

// ConnectionError reports a failed or unusable console connection.
type ConnectionError struct {
	Host     string
	Port     int
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("telnet: connect %s:%d failed after %d attempts: %v",
			e.Host, e.Port, e.Attempts, e.Err)
	}
	return fmt.Sprintf("telnet: %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports an operation that did not satisfy its read condition
// within its bound, carrying both so callers can tell "still contended"
// from "remote unresponsive".
type TimeoutError struct {
	Op   string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("telnet: %s timed out after %s", e.Op, e.Wait)
}
