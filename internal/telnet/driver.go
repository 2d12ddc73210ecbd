// Package telnet drives one stateful console session to a board over a raw
// byte stream. No RFC-854 negotiation: the boards expose plain pass-through
// text consoles. A Driver is single-owner; callers must not share one
// across goroutines without external serialization.
package telnet

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/litanlitudan/soc-validation/internal/obs"
)

// State is the session lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticated
	Failed
)

var stateNames = map[State]string{
	Disconnected:  "disconnected",
	Connecting:    "connecting",
	Connected:     "connected",
	Authenticated: "authenticated",
	Failed:        "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	LoginPrompt    string // literal substring
	PasswordPrompt string // literal substring
	ShellPrompt    string // regex

	Timeout        time.Duration // per command / login step
	ConnectTimeout time.Duration
	RetryCount     int
	RetryDelay     time.Duration
	BufferSize     int
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 23
	}
	if c.LoginPrompt == "" {
		c.LoginPrompt = "login:"
	}
	if c.PasswordPrompt == "" {
		c.PasswordPrompt = "Password:"
	}
	if c.ShellPrompt == "" {
		c.ShellPrompt = `[$#>]\s*$`
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	return c
}

// Exchange is one command and its processed output.
type Exchange struct {
	Command string
	Output  string
}

type Driver struct {
	cfg     Config
	prompt  *regexp.Regexp
	conn    net.Conn
	state   State
	history []Exchange
	logger  *obs.Logger
	metrics *obs.Metrics
}

func NewDriver(cfg Config, logger *obs.Logger, metrics *obs.Metrics) (*Driver, error) {
	cfg = cfg.withDefaults()
	prompt, err := regexp.Compile(cfg.ShellPrompt)
	if err != nil {
		return nil, fmt.Errorf("telnet: shell prompt: %w", err)
	}
	return &Driver{
		cfg:     cfg,
		prompt:  prompt,
		state:   Disconnected,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (d *Driver) State() State { return d.state }

func (d *Driver) addr() string {
	return net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
}

// Connect opens the console with bounded retries, then logs in when a
// username is configured. After the last attempt fails the driver lands in
// the Failed state and the error carries the last underlying cause.
func (d *Driver) Connect(ctx context.Context) error {
	if d.state == Connected || d.state == Authenticated {
		return nil
	}
	d.state = Connecting

	var lastErr error
	for attempt := 0; attempt < d.cfg.RetryCount; attempt++ {
		d.logger.Info(map[string]interface{}{
			"component": "telnet",
			"msg":       "connecting",
			"addr":      d.addr(),
			"attempt":   attempt + 1,
		})

		dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", d.addr())
		if err == nil {
			d.conn = conn
			d.state = Connected

			if d.cfg.Username != "" {
				if err := d.login(ctx); err != nil {
					_ = conn.Close()
					d.conn = nil
					d.state = Failed
					d.countOp("connect", "failure")
					return err
				}
			}
			d.countOp("connect", "success")
			return nil
		}

		lastErr = err
		d.logger.Warn(map[string]interface{}{
			"component": "telnet",
			"msg":       "connect attempt failed",
			"addr":      d.addr(),
			"attempt":   attempt + 1,
			"error":     err.Error(),
		})
		if ctx.Err() != nil {
			break
		}
		if attempt < d.cfg.RetryCount-1 {
			select {
			case <-ctx.Done():
			case <-time.After(d.cfg.RetryDelay):
			}
		}
	}

	d.state = Failed
	d.countOp("connect", "failure")
	return &ConnectionError{Host: d.cfg.Host, Port: d.cfg.Port, Attempts: d.cfg.RetryCount, Err: lastErr}
}

func (d *Driver) login(ctx context.Context) error {
	if _, err := d.readUntilLiteral(ctx, d.cfg.LoginPrompt, d.cfg.Timeout); err != nil {
		return d.loginErr(err)
	}
	if err := d.write(d.cfg.Username + "\n"); err != nil {
		return d.loginErr(err)
	}

	if d.cfg.Password != "" {
		if _, err := d.readUntilLiteral(ctx, d.cfg.PasswordPrompt, d.cfg.Timeout); err != nil {
			return d.loginErr(err)
		}
		if err := d.write(d.cfg.Password + "\n"); err != nil {
			return d.loginErr(err)
		}
	}

	if _, err := d.readUntilRegex(ctx, d.prompt, d.cfg.Timeout); err != nil {
		return d.loginErr(err)
	}

	d.state = Authenticated
	d.logger.Info(map[string]interface{}{
		"component": "telnet",
		"msg":       "logged in",
		"addr":      d.addr(),
		"user":      d.cfg.Username,
	})
	return nil
}

// loginErr keeps timeouts distinct from other login faults.
func (d *Driver) loginErr(err error) error {
	var te *TimeoutError
	if errors.As(err, &te) {
		return &TimeoutError{Op: "login", Wait: te.Wait}
	}
	return &ConnectionError{Host: d.cfg.Host, Port: d.cfg.Port, Err: fmt.Errorf("login: %w", err)}
}

// Execute runs a command with the configured timeout, waiting for the shell
// prompt.
func (d *Driver) Execute(ctx context.Context, command string) (string, error) {
	return d.ExecuteOpts(ctx, command, d.cfg.Timeout, true)
}

// ExecuteOpts runs a command. With expectPrompt the read completes on the
// shell prompt regex; otherwise on a ~1s quiet period. Output has the
// echoed command line and the trailing prompt line stripped.
func (d *Driver) ExecuteOpts(ctx context.Context, command string, timeout time.Duration, expectPrompt bool) (string, error) {
	if d.state != Connected && d.state != Authenticated {
		return "", &ConnectionError{Host: d.cfg.Host, Port: d.cfg.Port, Err: errors.New("not connected")}
	}
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}

	// A previous command's trailing bytes must not bleed into this one.
	d.drain()

	if err := d.write(command + "\n"); err != nil {
		d.countOp("command", "failure")
		return "", &ConnectionError{Host: d.cfg.Host, Port: d.cfg.Port, Err: err}
	}

	var (
		raw string
		err error
	)
	if expectPrompt {
		raw, err = d.readUntilRegex(ctx, d.prompt, timeout)
	} else {
		raw, err = d.readQuiet(ctx, timeout)
	}
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			err = &TimeoutError{Op: fmt.Sprintf("command %q", command), Wait: timeout}
		}
		d.countOp("command", "failure")
		return "", err
	}

	output := d.trimOutput(command, raw, expectPrompt)
	d.history = append(d.history, Exchange{Command: command, Output: output})
	d.countOp("command", "success")
	return output, nil
}

// ExecuteAll runs commands sequentially, aborting on the first failure.
func (d *Driver) ExecuteAll(ctx context.Context, commands []string) ([]string, error) {
	outputs := make([]string, 0, len(commands))
	for _, cmd := range commands {
		out, err := d.Execute(ctx, cmd)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// SendFile uploads a local file by piping base64 chunks through the remote
// shell, then verifies the remote byte count. Transfer failures are
// expected hardware hiccups: logged and reported as false, never raised.
func (d *Driver) SendFile(ctx context.Context, localPath, remotePath string) bool {
	content, err := os.ReadFile(localPath)
	if err != nil {
		d.logger.Error(map[string]interface{}{
			"component": "telnet",
			"msg":       "send_file read failed",
			"path":      localPath,
			"error":     err.Error(),
		})
		d.countOp("send_file", "failure")
		return false
	}

	encoded := base64.StdEncoding.EncodeToString(content)

	// 1024-char chunks keep each echo under remote line-length limits.
	const chunkSize = 1024
	var chunks []string
	for i := 0; i < len(encoded); i += chunkSize {
		end := i + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		chunks = append(chunks, encoded[i:end])
	}

	for i, chunk := range chunks {
		redirect := ">>"
		if i == 0 {
			redirect = ">"
		}
		cmd := fmt.Sprintf("echo '%s' | base64 -d %s %s", chunk, redirect, remotePath)
		if _, err := d.Execute(ctx, cmd); err != nil {
			d.logger.Error(map[string]interface{}{
				"component": "telnet",
				"msg":       "send_file chunk failed",
				"remote":    remotePath,
				"chunk":     i,
				"error":     err.Error(),
			})
			d.countOp("send_file", "failure")
			return false
		}
	}

	sizeOut, err := d.Execute(ctx, "wc -c "+remotePath)
	if err != nil {
		d.countOp("send_file", "failure")
		return false
	}
	fields := strings.Fields(sizeOut)
	if len(fields) == 0 {
		d.countOp("send_file", "failure")
		return false
	}
	remoteSize, err := strconv.Atoi(fields[0])
	if err != nil || remoteSize != len(content) {
		d.logger.Error(map[string]interface{}{
			"component":   "telnet",
			"msg":         "send_file size mismatch",
			"remote":      remotePath,
			"local_size":  len(content),
			"remote_size": remoteSize,
		})
		d.countOp("send_file", "failure")
		return false
	}

	d.logger.Info(map[string]interface{}{
		"component": "telnet",
		"msg":       "file transferred",
		"local":     localPath,
		"remote":    remotePath,
		"bytes":     len(content),
	})
	d.countOp("send_file", "success")
	return true
}

// ReadFile returns a remote file's contents; ok=false on any fault.
func (d *Driver) ReadFile(ctx context.Context, remotePath string) (string, bool) {
	out, err := d.Execute(ctx, "cat "+remotePath)
	if err != nil {
		d.logger.Error(map[string]interface{}{
			"component": "telnet",
			"msg":       "read_file failed",
			"remote":    remotePath,
			"error":     err.Error(),
		})
		return "", false
	}
	return out, true
}

// IsAlive probes the session with a short echo. Any fault means not alive.
func (d *Driver) IsAlive(ctx context.Context) bool {
	if d.state != Connected && d.state != Authenticated {
		return false
	}
	out, err := d.ExecuteOpts(ctx, "echo alive", 5*time.Second, true)
	if err != nil {
		return false
	}
	return strings.Contains(out, "alive")
}

// History returns a copy of the (command, output) log.
func (d *Driver) History() []Exchange {
	out := make([]Exchange, len(d.history))
	copy(out, d.history)
	return out
}

func (d *Driver) ClearHistory() { d.history = nil }

// Disconnect sends a best-effort exit, then closes the transport and
// resets to Disconnected no matter what.
func (d *Driver) Disconnect() {
	if d.conn != nil {
		_ = d.write("exit\n")
		time.Sleep(500 * time.Millisecond)
		_ = d.conn.Close()
		d.conn = nil
	}
	d.state = Disconnected
	d.logger.Info(map[string]interface{}{
		"component": "telnet",
		"msg":       "disconnected",
		"addr":      d.addr(),
	})
}

// --- stream helpers ---

func (d *Driver) write(s string) error {
	if d.conn == nil {
		return errors.New("not connected")
	}
	_ = d.conn.SetWriteDeadline(time.Now().Add(d.cfg.Timeout))
	_, err := d.conn.Write([]byte(s))
	return err
}

// readChunk reads whatever is available within wait. A nil, nil return
// means no data arrived before the deadline.
func (d *Driver) readChunk(wait time.Duration) ([]byte, error) {
	_ = d.conn.SetReadDeadline(time.Now().Add(wait))
	buf := make([]byte, d.cfg.BufferSize)
	n, err := d.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return nil, nil
}

// readUntilLiteral accumulates until pattern appears, within an overall
// deadline enforced by short per-read timeouts rather than one unbounded
// read.
func (d *Driver) readUntilLiteral(ctx context.Context, pattern string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var b strings.Builder

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		chunk, err := d.readChunk(100 * time.Millisecond)
		if err != nil {
			return "", d.streamErr(err)
		}
		if len(chunk) > 0 {
			b.Write(chunk)
			if strings.Contains(b.String(), pattern) {
				return b.String(), nil
			}
		}
	}
	return "", &TimeoutError{Op: fmt.Sprintf("await %q", pattern), Wait: timeout}
}

func (d *Driver) readUntilRegex(ctx context.Context, re *regexp.Regexp, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var b strings.Builder

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		chunk, err := d.readChunk(100 * time.Millisecond)
		if err != nil {
			return "", d.streamErr(err)
		}
		if len(chunk) > 0 {
			b.Write(chunk)
			if re.MatchString(b.String()) {
				return b.String(), nil
			}
		}
	}
	return "", &TimeoutError{Op: fmt.Sprintf("await /%s/", re.String()), Wait: timeout}
}

// readQuiet accumulates until the stream goes idle for ~1s, within the
// overall timeout.
func (d *Driver) readQuiet(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	lastData := time.Now()
	var b strings.Builder

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		chunk, err := d.readChunk(100 * time.Millisecond)
		if err != nil {
			return "", d.streamErr(err)
		}
		if len(chunk) > 0 {
			b.Write(chunk)
			lastData = time.Now()
		} else if time.Since(lastData) > time.Second {
			break
		}
	}
	return b.String(), nil
}

// drain discards stray buffered bytes with short non-blocking reads.
func (d *Driver) drain() {
	for {
		chunk, err := d.readChunk(10 * time.Millisecond)
		if err != nil || len(chunk) == 0 {
			return
		}
	}
}

func (d *Driver) streamErr(err error) error {
	if errors.Is(err, io.EOF) {
		err = errors.New("connection closed by remote")
	}
	return &ConnectionError{Host: d.cfg.Host, Port: d.cfg.Port, Err: err}
}

func (d *Driver) trimOutput(command, raw string, expectPrompt bool) string {
	lines := strings.Split(raw, "\n")
	if len(lines) > 0 && strings.Contains(lines[0], command) {
		lines = lines[1:]
	}
	if expectPrompt && len(lines) > 0 && d.prompt.MatchString(lines[len(lines)-1]) {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (d *Driver) countOp(op, result string) {
	if d.metrics != nil {
		d.metrics.TelnetOpsTotal.WithLabelValues(op, result).Inc()
	}
}
