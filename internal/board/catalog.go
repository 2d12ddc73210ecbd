package board

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog is the registry of boards. Reads return copies; all mutation goes
// through the catalog so concurrent allocation attempts stay race-free.
type Catalog struct {
	mu     sync.RWMutex
	boards []*Board
	byID   map[string]*Board
}

type catalogFile struct {
	Boards []Board `yaml:"boards"`
}

// Load reads a boards catalog from a YAML file. Structural problems
// (unparseable file, unknown health status) fail here; semantic conflicts
// are reported by Validate.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("board: read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("board: parse catalog: %w", err)
	}
	return NewCatalog(file.Boards), nil
}

// NewCatalog builds a catalog from in-memory board records.
func NewCatalog(boards []Board) *Catalog {
	c := &Catalog{byID: make(map[string]*Board, len(boards))}
	for i := range boards {
		b := boards[i]
		b.applyDefaults()
		p := &b
		c.boards = append(c.boards, p)
		if _, dup := c.byID[b.ID]; !dup {
			c.byID[b.ID] = p
		}
	}
	return c
}

// Report is the outcome of catalog validation. Errors abort startup;
// warnings are logged and tolerated.
type Report struct {
	Errors   []string
	Warnings []string
}

func (r Report) OK() bool { return len(r.Errors) == 0 }

// Validate checks catalog consistency: duplicate board IDs and shared PDU
// outlets are fatal (two live boards on one outlet is a wiring defect);
// duplicate network endpoints are suspicious but survivable.
func (c *Catalog) Validate() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var r Report
	seenID := make(map[string]bool)
	seenAddr := make(map[string]string)
	seenOutlet := make(map[string]string)

	for _, b := range c.boards {
		if b.ID == "" {
			r.Errors = append(r.Errors, "board with empty board_id")
			continue
		}
		if seenID[b.ID] {
			r.Errors = append(r.Errors, fmt.Sprintf("duplicate board_id %q", b.ID))
		}
		seenID[b.ID] = true

		addr := fmt.Sprintf("%s:%d", b.Address, b.TelnetPort)
		if other, ok := seenAddr[addr]; ok {
			r.Warnings = append(r.Warnings,
				fmt.Sprintf("boards %q and %q share endpoint %s", other, b.ID, addr))
		} else {
			seenAddr[addr] = b.ID
		}

		if b.PDUHost != "" {
			outlet := fmt.Sprintf("%s#%d", b.PDUHost, b.PDUOutlet)
			if other, ok := seenOutlet[outlet]; ok {
				r.Errors = append(r.Errors,
					fmt.Sprintf("boards %q and %q share PDU outlet %s", other, b.ID, outlet))
			} else {
				seenOutlet[outlet] = b.ID
			}
		}
	}
	return r
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.boards)
}

// ByID returns a copy of the board, if present.
func (c *Catalog) ByID(id string) (Board, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.byID[id]
	if !ok {
		return Board{}, false
	}
	return *b, true
}

// Families lists the distinct SoC families in catalog order.
func (c *Catalog) Families() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	var families []string
	for _, b := range c.boards {
		if !seen[b.SoCFamily] {
			seen[b.SoCFamily] = true
			families = append(families, b.SoCFamily)
		}
	}
	return families
}

// All returns copies of every board in catalog order.
func (c *Catalog) All() []Board {
	return c.filter(func(*Board) bool { return true })
}

// ByFamily returns copies of every board of a family, in catalog order.
func (c *Catalog) ByFamily(family string) []Board {
	return c.filter(func(b *Board) bool { return b.SoCFamily == family })
}

// ByLocation returns copies of every board at a location.
func (c *Catalog) ByLocation(location string) []Board {
	return c.filter(func(b *Board) bool { return b.Location == location })
}

// Healthy returns copies of the healthy boards of a family, in catalog
// order. An empty family matches every board.
func (c *Catalog) Healthy(family string) []Board {
	return c.filter(func(b *Board) bool {
		if family != "" && b.SoCFamily != family {
			return false
		}
		return b.Health == Healthy
	})
}

func (c *Catalog) CountHealthy() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, b := range c.boards {
		if b.Health == Healthy {
			n++
		}
	}
	return n
}

func (c *Catalog) filter(keep func(*Board) bool) []Board {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Board
	for _, b := range c.boards {
		if keep(b) {
			out = append(out, *b)
		}
	}
	return out
}

// SortedLeastUsed returns boards ordered by ascending LastUsed with
// never-used boards first, preserving catalog order within ties.
func SortedLeastUsed(boards []Board) []Board {
	out := make([]Board, len(boards))
	copy(out, boards)
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := out[i].LastUsed, out[j].LastUsed
		switch {
		case li == nil && lj == nil:
			return false
		case li == nil:
			return true
		case lj == nil:
			return false
		default:
			return li.Before(*lj)
		}
	})
	return out
}

// RecordFailure increments a board's failure count and returns the new
// count. The second return is false when the board is unknown.
func (c *Catalog) RecordFailure(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.byID[id]
	if !ok {
		return 0, false
	}
	b.FailureCount++
	return b.FailureCount, true
}

// SetHealth replaces a board's health state. This is also the only way out
// of quarantine.
func (c *Catalog) SetHealth(id string, h HealthStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.byID[id]
	if !ok {
		return false
	}
	b.Health = h
	return true
}

// Quarantine marks a board quarantined. Sticky: nothing in this service
// clears it automatically.
func (c *Catalog) Quarantine(id string) bool {
	return c.SetHealth(id, Quarantined)
}

// TouchLastUsed stamps the board's last allocation time.
func (c *Catalog) TouchLastUsed(id string, t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.byID[id]
	if !ok {
		return false
	}
	b.LastUsed = &t
	return true
}
