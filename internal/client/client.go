// Package client talks to a thermostage controller over the line protocol,
// either on a serial port or over TCP.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultBaudRate      = 115200
	DefaultTimeout       = 2 * time.Second
	DefaultSetpointLimit = 80.0
)

var (
	ErrTimeout       = errors.New("client: response timeout")
	ErrRemote        = errors.New("controller error")
	ErrSetpointLimit = errors.New("client: setpoint above limit")
	ErrNotOpenLoop   = errors.New("client: dac can only be set in OPEN_LOOP mode")
	ErrBadResponse   = errors.New("client: malformed response")
)

type Client struct {
	mu            sync.Mutex
	conn          io.ReadWriteCloser
	r             *bufio.Reader
	timeout       time.Duration
	setpointLimit float64
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithSetpointLimit bounds SetSetpoint before anything is sent.
func WithSetpointLimit(v float64) Option {
	return func(c *Client) { c.setpointLimit = v }
}

// New wraps an open connection.
func New(conn io.ReadWriteCloser, opts ...Option) *Client {
	c := &Client{conn: conn, timeout: DefaultTimeout, setpointLimit: DefaultSetpointLimit}
	for _, opt := range opts {
		opt(c)
	}
	c.r = bufio.NewReader(timeoutReader{conn})
	return c
}

// DialSerial opens a serial port. A baud rate of 0 selects DefaultBaudRate.
func DialSerial(port string, baud int, opts ...Option) (*Client, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", port, err)
	}
	c := New(p, opts...)
	if err := p.SetReadTimeout(c.timeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return c, nil
}

func DialTCP(addr string, opts ...Option) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Ports lists the serial ports present on the host.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// timeoutReader turns the empty reads of a timed-out serial port into
// ErrTimeout.
type timeoutReader struct{ r io.Reader }

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil {
		return 0, ErrTimeout
	}
	return n, err
}

type deadliner interface {
	SetDeadline(time.Time) error
}

func (c *Client) write(frames ...string) error {
	if d, ok := c.conn.(deadliner); ok {
		if err := d.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	var b strings.Builder
	for _, f := range frames {
		b.WriteByte('>')
		b.WriteString(f)
		b.WriteByte('\n')
	}
	_, err := io.WriteString(c.conn, b.String())
	return err
}

// readLine returns the next response line, skipping warnings.
func (c *Client) readLine() (string, error) {
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return "", ErrTimeout
			}
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "WARNING:") {
			continue
		}
		if msg, ok := strings.CutPrefix(line, "ERROR: "); ok {
			return "", fmt.Errorf("%w: %s", ErrRemote, msg)
		}
		return line, nil
	}
}

// Query sends one command and returns its single response line.
func (c *Client) Query(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write(cmd); err != nil {
		return "", err
	}
	return c.readLine()
}

// Set sends a set command. Set commands answer only on error, so a get_mode
// query follows the command: an ERROR line ahead of its answer
// belongs to the command.
func (c *Client) Set(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write(cmd, "get_mode"); err != nil {
		return err
	}
	_, err := c.readLine()
	if errors.Is(err, ErrRemote) {
		// consume the get_mode answer
		if _, perr := c.readLine(); perr != nil && !errors.Is(perr, ErrRemote) {
			return perr
		}
	}
	return err
}

func (c *Client) queryFloat(cmd string) (float64, error) {
	line, err := c.Query(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q", ErrBadResponse, cmd, line)
	}
	return v, nil
}

func (c *Client) queryFloats(cmd string, n int) ([]float64, error) {
	line, err := c.Query(cmd)
	if err != nil {
		return nil, err
	}
	fields := strings.Split(line, ",")
	if len(fields) != n {
		return nil, fmt.Errorf("%w: %s: want %d fields, got %q", ErrBadResponse, cmd, n, line)
	}
	out := make([]float64, n)
	for i, f := range fields {
		if out[i], err = strconv.ParseFloat(strings.TrimSpace(f), 64); err != nil {
			return nil, fmt.Errorf("%w: %s: %q", ErrBadResponse, cmd, line)
		}
	}
	return out, nil
}
