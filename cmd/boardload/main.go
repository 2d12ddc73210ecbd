// boardload hammers a running boardfarmd with concurrent acquire/hold/release
// cycles against a single SoC family and reports whether any two workers ever
// held the same board at once.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type acquireResp struct {
	LeaseID    string `json:"lease_id"`
	BoardID    string `json:"board_id"`
	BoardIP    string `json:"board_ip"`
	TelnetPort int    `json:"telnet_port"`
	Reason     string `json:"reason,omitempty"`
}

type releaseResp struct {
	Released     bool `json:"released"`
	LockReleased bool `json:"lock_released"`
}

// boardLedger tracks which worker currently holds each board. A second
// holder on the same board is a mutual exclusion violation.
type boardLedger struct {
	mu         sync.Mutex
	holders    map[string]int
	violations int64
}

func (bl *boardLedger) claim(boardID string, worker int) bool {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if _, held := bl.holders[boardID]; held {
		bl.violations++
		return false
	}
	bl.holders[boardID] = worker
	return true
}

func (bl *boardLedger) drop(boardID string) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	delete(bl.holders, boardID)
}

func (bl *boardLedger) stats() int64 {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.violations
}

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "boardfarmd base URL")
		family   = flag.String("family", "snapdragon", "SoC family to contend over")
		workers  = flag.Int("workers", 20, "number of concurrent workers")
		duration = flag.Duration("duration", 20*time.Second, "test duration")
		hold     = flag.Duration("hold", 50*time.Millisecond, "time spent holding each board")
		jitter   = flag.Duration("jitter", 30*time.Millisecond, "extra random sleep while holding")
	)
	flag.Parse()

	httpc := &http.Client{Timeout: 10 * time.Second}
	ledger := &boardLedger{holders: make(map[string]int)}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var (
		acqOK     int64
		acqDenied int64
		relOK     int64
		errCount  int64
	)

	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 0; i < *workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()

			for ctx.Err() == nil {
				lease, ok, err := acquire(ctx, httpc, *baseURL, *family)
				if err != nil {
					if ctx.Err() == nil {
						atomic.AddInt64(&errCount, 1)
					}
					continue
				}
				if !ok {
					atomic.AddInt64(&acqDenied, 1)
					time.Sleep(20 * time.Millisecond)
					continue
				}

				atomic.AddInt64(&acqOK, 1)
				ledger.claim(lease.BoardID, i)

				time.Sleep(*hold + time.Duration(rand.Int63n(int64(*jitter)+1)))

				ledger.drop(lease.BoardID)
				rr, err := release(ctx, httpc, *baseURL, lease.LeaseID)
				if err != nil {
					if ctx.Err() == nil {
						atomic.AddInt64(&errCount, 1)
					}
				} else if rr.Released {
					atomic.AddInt64(&relOK, 1)
				}

				time.Sleep(5 * time.Millisecond)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("=== boardfarm contention test ===")
	fmt.Printf("duration: %s, workers: %d, family: %s\n", elapsed, *workers, *family)
	fmt.Printf("acquire_success: %d\n", acqOK)
	fmt.Printf("acquire_denied:  %d\n", acqDenied)
	fmt.Printf("release_success: %d\n", relOK)
	fmt.Printf("violations:      %d\n", ledger.stats())
	fmt.Printf("errors:          %d\n", errCount)
}

func acquire(ctx context.Context, c *http.Client, baseURL, family string) (acquireResp, bool, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"board_family": family,
	})

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/boards/acquire", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return acquireResp{}, false, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)

	var ar acquireResp
	if err := json.Unmarshal(data, &ar); err != nil {
		return acquireResp{}, false, fmt.Errorf("decode acquire: %v body=%s", err, string(data))
	}

	if resp.StatusCode == http.StatusOK && ar.LeaseID != "" {
		return ar, true, nil
	}
	if resp.StatusCode == http.StatusConflict {
		return ar, false, nil
	}
	return ar, false, fmt.Errorf("acquire unexpected status=%d body=%s", resp.StatusCode, string(data))
}

func release(ctx context.Context, c *http.Client, baseURL, leaseID string) (releaseResp, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/leases/%s/release", baseURL, leaseID), bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return releaseResp{}, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	var rr releaseResp
	if err := json.Unmarshal(data, &rr); err != nil {
		return releaseResp{}, fmt.Errorf("decode release: %v body=%s", err, string(data))
	}
	if resp.StatusCode != http.StatusOK {
		return rr, fmt.Errorf("release unexpected status=%d body=%s", resp.StatusCode, string(data))
	}
	return rr, nil
}
