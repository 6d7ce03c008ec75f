// Package consumer drives a host object's transform from a landmark stream.
package consumer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ayusman/handlink/internal/host"
	"github.com/ayusman/handlink/internal/logging"
	"github.com/ayusman/handlink/internal/protocol"
	"github.com/ayusman/handlink/internal/transform"
)

var (
	// ErrNoActiveObject is returned by Start when the host has nothing selected.
	ErrNoActiveObject = errors.New("no active object found")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("controller stopped")
)

// readBufferSize matches a typical socket read; frames are about 1.2KB.
const readBufferSize = 4096

// Stats counts what happened to the frames of a session.
type Stats struct {
	Remote    string `json:"remote"`
	Running   bool   `json:"running"`
	Received  uint64 `json:"received"`
	Applied   uint64 `json:"applied"`
	Dropped   uint64 `json:"dropped"`
	Malformed uint64 `json:"malformed"`
}

// Controller owns one connection to the producer. Frames are read on a
// background goroutine and applied to the host's active object on the
// host's main loop.
type Controller struct {
	conn net.Conn
	host host.Host
	log  *zap.Logger

	running atomic.Bool
	base    transform.Baseline

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}

	received  atomic.Uint64
	applied   atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64
}

// Dial connects to the producer at addr. It does not retry.
func Dial(ctx context.Context, addr string, h host.Host, log *zap.Logger) (*Controller, error) {
	log = logging.Component(log, "consumer")

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.Error("failed to connect", zap.String("addr", addr), zap.Error(err))
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	log.Info("connected to hand tracking server", zap.String("addr", addr))

	return newController(conn, h, log), nil
}

func newController(conn net.Conn, h host.Host, log *zap.Logger) *Controller {
	return &Controller{
		conn: conn,
		host: h,
		log:  log,
		done: make(chan struct{}),
	}
}

// Start captures the active object's transform as the baseline and starts
// the receive loop. Without an active object it returns ErrNoActiveObject
// and nothing is started.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.stopped:
		return ErrStopped
	case c.started:
		return ErrAlreadyStarted
	}

	obj := c.host.ActiveObject()
	if obj == nil {
		c.log.Warn("no active object found")
		return ErrNoActiveObject
	}
	c.base = transform.Baseline(obj.Transform())
	c.log.Info("initial transforms stored", zap.Any("baseline", c.base.Transform()))

	c.running.Store(true)
	c.started = true
	go c.receive()
	c.log.Info("hand tracking started")

	return nil
}

// Baseline returns the transform captured by Start.
func (c *Controller) Baseline() transform.Baseline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base
}

// Running reports whether updates are still being applied.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// Done is closed when the receive loop has ended, or on Stop if the loop
// never started.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Stop disables updates and closes the connection, which ends the receive
// loop. It does not wait; use Done for that. Stop is idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	c.running.Store(false)

	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debug("close connection", zap.Error(err))
	}
	if !c.started {
		close(c.done)
	}
}

// Wait blocks until the receive loop has ended or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the session counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Remote:    c.conn.RemoteAddr().String(),
		Running:   c.running.Load(),
		Received:  c.received.Load(),
		Applied:   c.applied.Load(),
		Dropped:   c.dropped.Load(),
		Malformed: c.malformed.Load(),
	}
}

func (c *Controller) receive() {
	defer close(c.done)
	defer c.log.Info("receive loop ended")

	r := bufio.NewReaderSize(c.conn, readBufferSize)
	for c.running.Load() {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// A trailing partial line is discarded.
			switch {
			case errors.Is(err, io.EOF):
				c.log.Info("connection closed by server")
			case !c.running.Load():
			default:
				c.log.Error("receive error", zap.Error(err))
			}
			return
		}

		frame, err := protocol.Decode(line)
		if err != nil {
			if errors.Is(err, protocol.ErrEmptyLine) {
				continue
			}
			c.malformed.Add(1)
			c.log.Warn("json decode error", zap.Error(err))
			continue
		}
		c.received.Add(1)

		if !c.host.Schedule(func() { c.apply(frame) }) {
			c.log.Info("host closed")
			return
		}
	}
}

// apply runs on the host's main loop.
func (c *Controller) apply(f *protocol.Frame) {
	if !c.running.Load() {
		c.dropped.Add(1)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.dropped.Add(1)
			c.log.Error("update error", zap.Any("panic", r))
		}
	}()

	obj := c.host.ActiveObject()
	if obj == nil {
		c.dropped.Add(1)
		return
	}

	t, err := transform.Apply(f, c.base)
	if err != nil {
		c.dropped.Add(1)
		if !errors.Is(err, transform.ErrTooFewLandmarks) {
			c.log.Warn("update error", zap.Error(err))
		}
		return
	}

	if err := obj.SetTransform(t); err != nil {
		c.dropped.Add(1)
		c.log.Warn("update error", zap.Error(err))
		return
	}
	c.host.Refresh()
	c.applied.Add(1)
}
