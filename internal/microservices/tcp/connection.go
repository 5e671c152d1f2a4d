package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"clusterhub/internal/protocol"
	"clusterhub/internal/workerpool"
)

// frames are small and bounded by the scanner buffer, so a peer costs us
// one read buffer plus its dispatch queue

const DefaultIdleTimeout = 5 * time.Minute // drop peers silent for this long
const DefaultMaxFailCount = 16             // protocol failures before we hang up
const writeTimeout = 10 * time.Second      // a stuck peer must not block routing

// Handler receives the traffic of every connection a server accepts.
// HandleMessage runs on the connection's dispatch worker, one message at a
// time and in arrival order.
type Handler interface {
	OnConnect(c *ClientConnection)
	HandleMessage(c *ClientConnection, msg protocol.Message)
	OnDisconnect(c *ClientConnection)
}

// Options bounds what a single peer may cost the server.
type Options struct {
	BufferSize   int
	IdleTimeout  time.Duration
	MaxFailCount int
	RateLimit    float64 // frames per second, 0 disables limiting
	RateBurst    int
	QueueSize    int
}

func DefaultOptions() Options {
	return Options{
		BufferSize:   protocol.DefaultBufferSize,
		IdleTimeout:  DefaultIdleTimeout,
		MaxFailCount: DefaultMaxFailCount,
		RateLimit:    1000,
		RateBurst:    2000,
		QueueSize:    64,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.MaxFailCount <= 0 {
		o.MaxFailCount = d.MaxFailCount
	}
	if o.RateBurst <= 0 {
		o.RateBurst = d.RateBurst
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	return o
}

type ClientConnection struct {
	ID      string // session id, key in the manager's map
	conn    net.Conn
	Manager *ConnectionManager
	Limiter *rate.Limiter // nil when limiting is disabled

	opts     Options
	handler  Handler           // receives every decoded frame
	scanner  *protocol.Scanner // reassembles frames split across reads
	dispatch *workerpool.Pool  // single worker keeps arrival order

	writeMu    sync.Mutex   // one frame on the wire at a time
	failCount  atomic.Int32 // protocol failures so far
	lastActive atomic.Int64 // unix nanos of the last successful read
	closeOnce  sync.Once
	done       chan struct{} // closed by Close
}

// NewClientConnection wraps conn. Nothing is read until Listen is called.
func NewClientConnection(conn net.Conn, manager *ConnectionManager, handler Handler, opts Options) *ClientConnection {
	opts = opts.withDefaults()
	c := &ClientConnection{
		ID:      uuid.NewString(),
		conn:    conn,
		Manager: manager,
		opts:    opts,
		handler: handler,
		done:    make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		// the limiter auto depletes tokens when Allow is called and refills over time
		c.Limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	c.scanner = protocol.NewScanner(opts.BufferSize, c.onBadFrame) // bad frames count as failures
	c.dispatch = workerpool.New("dispatch-"+c.ID, 1, opts.QueueSize, manager.logger)
	c.touch() // a fresh connection counts as active
	return c
}

// Listen reads frames until the peer goes away, idles out, or fails too
// often. It closes the connection and drains queued messages before
// returning.
func (c *ClientConnection) Listen() {
	defer func() {
		c.Close()         // close the connection
		c.dispatch.Wait() // let queued messages finish before OnDisconnect
	}()
	c.dispatch.Start()

	c.Manager.logger.Info("client_started_listening",
		"client_id", c.ID,
		"remote_addr", c.RemoteAddr(),
	)

	buf := make([]byte, c.opts.BufferSize)
	// Set initial deadline for read operations
	c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			// reset deadline on successful read
			c.touch()
			c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))

			for _, msg := range c.scanner.Write(buf[:n]) { // zero or more complete frames
				c.enqueue(msg)
			}
		}
		if err != nil { // EOF, timeout or a local close all end the loop
			c.logReadError(err)
			return
		}
		if c.IsClosed() { // Fail may have hit the threshold
			return
		}
	}
}

func (c *ClientConnection) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		c.Manager.logger.Info("client_disconnected",
			"client_id", c.ID,
		)
	case isTimeout(err):
		c.Manager.logger.Warn("client_read_timeout",
			"client_id", c.ID,
			"idle_timeout", c.opts.IdleTimeout.String(),
		)
	case c.IsClosed() || isClosedConnError(err):
		// closed locally, nothing to report
	default:
		c.Manager.logger.Error("client_read_error",
			"client_id", c.ID,
			"error", err.Error(),
		)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// On Windows the same condition surfaces as "connection was aborted" or
// "forcibly closed".
func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		strings.Contains(err.Error(), "closed network connection") ||
		strings.Contains(err.Error(), "connection was aborted") ||
		strings.Contains(err.Error(), "forcibly closed")
}

// hand msg to the dispatch worker, counting a failure if it cannot take it
func (c *ClientConnection) enqueue(msg protocol.Message) {
	// check rate limit
	if c.Limiter != nil && !c.Limiter.Allow() { // returns true if a token is available then consumes it
		c.Fail("rate_limit_exceeded")
		return
	}

	err := c.dispatch.TrySubmit(func(ctx context.Context) (err error) {
		defer func() {
			// a panicking handler must not take the worker down
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic on command %d: %v", msg.Command, r)
			}
		}()
		c.handler.HandleMessage(c, msg)
		return nil
	})
	if err != nil {
		c.Manager.logger.Warn("dispatch_dropped",
			"client_id", c.ID,
			"command", msg.Command,
			"error", err.Error(),
		)
		c.Fail("dispatch_queue_full")
	}
}

func (c *ClientConnection) onBadFrame(err error) {
	c.Manager.logger.Warn("bad_frame",
		"client_id", c.ID,
		"error", err.Error(),
	)
	c.Fail("bad_frame")
}

// Fail records a protocol failure and closes the connection once the
// threshold is reached. It returns the new count.
func (c *ClientConnection) Fail(reason string) int {
	n := int(c.failCount.Add(1))
	c.Manager.logger.Debug("connection_failure",
		"client_id", c.ID,
		"reason", reason,
		"fail_count", n,
	)
	if n == c.opts.MaxFailCount { // exactly once, later failures are already closing
		c.Manager.logger.Warn("fail_threshold_reached",
			"client_id", c.ID,
			"fail_count", n,
			"last_reason", reason,
		)
		c.Close()
	}
	return n
}

func (c *ClientConnection) FailCount() int {
	return int(c.failCount.Load())
}

func (c *ClientConnection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActivity is the time of the last successful read.
func (c *ClientConnection) LastActivity() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *ClientConnection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Send frames and writes msg.
func (c *ClientConnection) Send(msg protocol.Message) error {
	return c.SendRaw(msg.Frame())
}

// SendRaw writes an already framed message. Writes from any goroutine are
// serialized.
func (c *ClientConnection) SendRaw(frame []byte) error {
	if c.IsClosed() {
		return fmt.Errorf("failed to write frame: %w", net.ErrClosed)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) // per frame deadline
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close is safe to call more than once and from any goroutine.
func (c *ClientConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)        // wake everyone watching Done
		err = c.conn.Close() // unblocks the pending Read in Listen
	})
	return err
}

func (c *ClientConnection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed once the connection has been closed.
func (c *ClientConnection) Done() <-chan struct{} {
	return c.done
}
