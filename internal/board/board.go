// Package board holds the static catalog of physical test boards and their
// runtime health state. The catalog is loaded once at startup and never
// grows or shrinks; only health, failure counts and last-used change.
package board

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// HealthStatus is the advisory eligibility state of a board. It filters
// allocation candidates; mutual exclusion is the lock manager's job.
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Degraded
	Unhealthy
	Quarantined
)

var healthNames = map[HealthStatus]string{
	Healthy:     "healthy",
	Degraded:    "degraded",
	Unhealthy:   "unhealthy",
	Quarantined: "quarantined",
}

func (h HealthStatus) String() string {
	if s, ok := healthNames[h]; ok {
		return s
	}
	return fmt.Sprintf("health(%d)", int(h))
}

func ParseHealthStatus(s string) (HealthStatus, error) {
	for h, name := range healthNames {
		if name == s {
			return h, nil
		}
	}
	return Healthy, fmt.Errorf("board: unknown health status %q", s)
}

func (h HealthStatus) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *HealthStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseHealthStatus(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func (h HealthStatus) MarshalYAML() (interface{}, error) {
	return h.String(), nil
}

func (h *HealthStatus) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return h.UnmarshalText([]byte(s))
}

// Board is one physical device entry. The zero HealthStatus is Healthy, so
// catalog files only carry the field for boards parked out of rotation.
type Board struct {
	ID         string `yaml:"board_id" json:"board_id"`
	SoCFamily  string `yaml:"soc_family" json:"soc_family"`
	Address    string `yaml:"board_ip" json:"board_ip"`
	TelnetPort int    `yaml:"telnet_port" json:"telnet_port"`

	PDUHost   string `yaml:"pdu_host,omitempty" json:"pdu_host,omitempty"`
	PDUOutlet int    `yaml:"pdu_outlet,omitempty" json:"pdu_outlet,omitempty"`
	Location  string `yaml:"location" json:"location"`

	// Console credentials for the terminal driver.
	Username string `yaml:"username,omitempty" json:"-"`
	Password string `yaml:"password,omitempty" json:"-"`

	// Per-board prompt overrides; the driver's defaults cover the usual
	// busybox consoles.
	LoginPrompt    string `yaml:"login_prompt,omitempty" json:"-"`
	PasswordPrompt string `yaml:"password_prompt,omitempty" json:"-"`
	ShellPrompt    string `yaml:"shell_prompt,omitempty" json:"-"`

	Health       HealthStatus `yaml:"health_status" json:"health_status"`
	FailureCount int          `yaml:"-" json:"failure_count"`
	LastUsed     *time.Time   `yaml:"-" json:"last_used,omitempty"`
}

func (b *Board) applyDefaults() {
	if b.TelnetPort == 0 {
		b.TelnetPort = 23
	}
	if b.Location == "" {
		b.Location = "unknown"
	}
}
