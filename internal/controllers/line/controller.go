// Package linectrl serves the host command protocol over a serial port and
// over TCP. Every frame is executed on the stage loop.
package linectrl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"go.bug.st/serial"

	"github.com/Agrid-Dev/thermostage/internal/ports"
	"github.com/Agrid-Dev/thermostage/internal/protocol"
)

const DefaultBaudRate = 115200

// Submitter runs fn on the stage loop and waits for it.
type Submitter interface {
	Submit(ctx context.Context, fn func()) error
}

type Config struct {
	SerialPort string
	BaudRate   int
	TCPAddr    string
}

type Controller struct {
	loop Submitter
	disp *protocol.Dispatcher
	cfg  Config

	mu sync.Mutex
	ln net.Listener
}

func New(svc ports.StageService, loop Submitter, version string, cfg Config) *Controller {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	return &Controller{loop: loop, disp: protocol.NewDispatcher(svc, version), cfg: cfg}
}

// Serve runs one session on rw until end of input, a write failure or ctx
// cancellation.
func (c *Controller) Serve(ctx context.Context, rw io.ReadWriter) error {
	sc := protocol.NewScanner(rw)
	for sc.Scan() {
		f := sc.Frame()
		var resp string
		if err := c.loop.Submit(ctx, func() { resp = c.disp.Handle(f) }); err != nil {
			return err
		}
		if resp == "" {
			continue
		}
		if _, err := io.WriteString(rw, resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return sc.Err()
}

// serveCloser runs a session and closes rwc when ctx is done, which unblocks
// the pending read.
func (c *Controller) serveCloser(ctx context.Context, rwc io.ReadWriteCloser) error {
	stop := context.AfterFunc(ctx, func() { _ = rwc.Close() })
	defer stop()
	defer rwc.Close()

	err := c.Serve(ctx, rwc)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Run serves the configured transports until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	if c.cfg.SerialPort == "" && c.cfg.TCPAddr == "" {
		return errors.New("line: no serial port or tcp address configured")
	}

	errCh := make(chan error, 2)
	n := 0
	if c.cfg.SerialPort != "" {
		n++
		go func() { errCh <- c.runSerial(ctx) }()
	}
	if c.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", c.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("line: listen %s: %w", c.cfg.TCPAddr, err)
		}
		c.mu.Lock()
		c.ln = ln
		c.mu.Unlock()
		n++
		go func() { errCh <- c.runTCP(ctx, ln) }()
	}

	var first error
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil && first == nil && !errors.Is(err, context.Canceled) {
			first = err
		}
	}
	if first != nil {
		return first
	}
	return ctx.Err()
}

func (c *Controller) runSerial(ctx context.Context) error {
	port, err := serial.Open(c.cfg.SerialPort, &serial.Mode{BaudRate: c.cfg.BaudRate})
	if err != nil {
		return fmt.Errorf("line: open serial port %s: %w", c.cfg.SerialPort, err)
	}
	log.Printf("line: serving %s at %d baud", c.cfg.SerialPort, c.cfg.BaudRate)
	return c.serveCloser(ctx, port)
}

func (c *Controller) runTCP(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	log.Printf("line: listening on %s", ln.Addr())
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("line: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.serveCloser(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("line: session %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// Addr returns the TCP listener address once Run has started listening.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}
