// Package peer is the service side of the hub protocol: it registers a
// process with the hub, looks up other processes and exchanges routed
// messages with them.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"clusterhub/internal/protocol"
	"clusterhub/internal/router"
)

var (
	ErrClosed         = errors.New("peer: connection closed")
	ErrRequestPending = errors.New("peer: request already pending")
	ErrNotFound       = errors.New("peer: server not found")
	ErrNotRegistered  = errors.New("peer: not registered")
)

// ResultError is a non-OK result code in a hub reply.
type ResultError struct {
	Command uint16
	Result  uint16
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("peer: command %d failed with result %d", e.Command, e.Result)
}

func (e *ResultError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Result == protocol.ResultNotFound
	case ErrNotRegistered:
		return e.Result == protocol.ResultNotRegistered
	}
	return false
}

// RoutedMessage is a message another peer routed to this one.
type RoutedMessage struct {
	Command     uint16
	SenderIndex uint8
	SenderTag   uint8
	Mode        protocol.SendMode
	Target      uint16
	Payload     []byte
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithFrameSequence writes a message-number digit after every '#', as
// older services do.
func WithFrameSequence() Option {
	return func(c *Client) { c.useSeq = true }
}

// WithBufferSize bounds a single inbound frame.
func WithBufferSize(n int) Option {
	return func(c *Client) { c.bufferSize = n }
}

// Client is one connection to the hub. Requests wait for the reply with the
// matching result command; only one request per reply command may be in
// flight.
//
// OnRouted and OnResources handlers run on the read goroutine. They may call
// Route but must not wait on a request.
type Client struct {
	conn       net.Conn
	logger     *slog.Logger
	bufferSize int
	useSeq     bool

	writeMu sync.Mutex
	seq     byte

	mu          sync.Mutex
	pending     map[uint16]chan protocol.Message // key: reply command
	identity    protocol.ServerIdentity
	onRouted    func(RoutedMessage)
	onResources func([]protocol.ServerAddress)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the hub at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial hub %s: %w", addr, err)
	}
	return NewClient(conn, opts...), nil
}

// NewClient runs the protocol over an established connection.
func NewClient(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:       conn,
		bufferSize: protocol.DefaultBufferSize,
		pending:    make(map[uint16]chan protocol.Message),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.wg.Add(1)
	go c.readLoop()
	return c
}

func (c *Client) OnRouted(handler func(RoutedMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRouted = handler
}

// OnResources receives provider addresses the hub pushes after
// registration.
func (c *Client) OnResources(handler func([]protocol.ServerAddress)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResources = handler
}

// Identity is the identity assigned by the last successful Register.
func (c *Client) Identity() protocol.ServerIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Register announces this process to the hub.
func (c *Client) Register(ctx context.Context, info protocol.RegistrationInfo) (protocol.RegistrationResult, error) {
	reply, err := c.request(ctx, protocol.Message{
		Command: protocol.CmdRegisterServer,
		Payload: info.Marshal(),
	}, protocol.CmdRegisterServerResult)
	if err != nil {
		return protocol.RegistrationResult{}, err
	}
	if reply.Param1 != protocol.ResultOK {
		return protocol.RegistrationResult{}, &ResultError{Command: protocol.CmdRegisterServer, Result: reply.Param1}
	}
	res, err := protocol.UnmarshalRegistrationResult(reply.Payload)
	if err != nil {
		return protocol.RegistrationResult{}, fmt.Errorf("failed to read registration result: %w", err)
	}

	c.mu.Lock()
	c.identity = res.Identity
	c.mu.Unlock()
	return res, nil
}

// FindServer looks up a registered peer by type and exact name.
func (c *Client) FindServer(ctx context.Context, t protocol.ServerType, name string) (protocol.FindResult, error) {
	reply, err := c.request(ctx, protocol.Message{
		Command: protocol.CmdFindServer,
		Param1:  uint16(t),
		Payload: protocol.EncodeName(name),
	}, protocol.CmdFindServerResult)
	if err != nil {
		return protocol.FindResult{}, err
	}
	if reply.Param1 != protocol.ResultOK {
		return protocol.FindResult{}, &ResultError{Command: protocol.CmdFindServer, Result: reply.Param1}
	}
	res, err := protocol.UnmarshalFindResult(reply.Payload)
	if err != nil {
		return protocol.FindResult{}, fmt.Errorf("failed to read find result: %w", err)
	}
	return res, nil
}

// GetResourceAddress asks for up to count provider addresses.
func (c *Client) GetResourceAddress(ctx context.Context, count int) ([]protocol.ServerAddress, error) {
	reply, err := c.request(ctx, protocol.Message{
		Command: protocol.CmdGetResourceAddress,
		Param1:  uint16(count),
	}, protocol.CmdGetResourceAddressResult)
	if err != nil {
		return nil, err
	}
	if reply.Param1 != protocol.ResultOK {
		return nil, &ResultError{Command: protocol.CmdGetResourceAddress, Result: reply.Param1}
	}
	block, err := protocol.UnmarshalResourceBlock(reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource block: %w", err)
	}
	return block.Addresses, nil
}

// Route asks the hub to deliver subCommand and payload to the peers mode
// and target select. Delivery is not acknowledged.
func (c *Client) Route(mode protocol.SendMode, target uint16, subCommand uint16, payload []byte) error {
	return c.send(router.Envelope{
		OriginalCommand: subCommand,
		Mode:            mode,
		Target:          target,
		Payload:         payload,
	}.Message())
}

// Reply routes subCommand back to the sender of msg.
func (c *Client) Reply(msg RoutedMessage, subCommand uint16, payload []byte) error {
	return c.Route(protocol.ModeSingle, uint16(msg.SenderIndex), subCommand, payload)
}

func (c *Client) request(ctx context.Context, msg protocol.Message, replyCmd uint16) (protocol.Message, error) {
	ch := make(chan protocol.Message, 1)

	c.mu.Lock()
	if _, busy := c.pending[replyCmd]; busy {
		c.mu.Unlock()
		return protocol.Message{}, ErrRequestPending
	}
	c.pending[replyCmd] = ch
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		if c.pending[replyCmd] == ch {
			delete(c.pending, replyCmd)
		}
		c.mu.Unlock()
	}

	if err := c.send(msg); err != nil {
		release()
		return protocol.Message{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		release()
		return protocol.Message{}, ctx.Err()
	case <-c.done:
		release()
		return protocol.Message{}, ErrClosed
	}
}

func (c *Client) nextSeq() byte {
	if !c.useSeq {
		return 0
	}
	c.seq = c.seq%9 + 1
	return '0' + c.seq
}

func (c *Client) send(msg protocol.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	frame := protocol.EncodeFrame(msg.Marshal(), c.nextSeq())
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.Close()

	scanner := protocol.NewScanner(c.bufferSize, func(err error) {
		c.logger.Warn("hub_bad_frame", "error", err.Error())
	})
	buf := make([]byte, c.bufferSize)
	for {
		n, err := c.conn.Read(buf)
		for _, msg := range scanner.Write(buf[:n]) {
			c.dispatch(msg)
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) {
					c.logger.Warn("hub_read_failed", "error", err.Error())
				} else {
					c.logger.Info("hub_disconnected")
				}
			}
			return
		}
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	// pushes share the reply command but never answer a pending request
	push := msg.Command == protocol.CmdGetResourceAddressResult && msg.Param2 == protocol.ResourcePush

	c.mu.Lock()
	ch, waiting := c.pending[msg.Command]
	if waiting && !push {
		delete(c.pending, msg.Command)
	} else {
		waiting = false
	}
	onRouted, onResources := c.onRouted, c.onResources
	c.mu.Unlock()

	if waiting {
		ch <- msg
		return
	}

	switch msg.Command {
	case protocol.CmdGetResourceAddressResult:
		block, err := protocol.UnmarshalResourceBlock(msg.Payload)
		if err != nil {
			c.logger.Warn("resource_push_invalid", "error", err.Error())
			return
		}
		c.logger.Info("resources_received", "count", len(block.Addresses))
		if onResources != nil {
			onResources(block.Addresses)
		}
	case protocol.CmdRegisterServerResult, protocol.CmdFindServerResult:
		c.logger.Debug("unexpected_reply", "command", msg.Command)
	default:
		if onRouted == nil {
			c.logger.Debug("routed_message_unhandled", "command", msg.Command)
			return
		}
		onRouted(RoutedMessage{
			Command:     msg.Command,
			SenderIndex: uint8(msg.Param3),
			SenderTag:   uint8(msg.Flag),
			Mode:        protocol.SendMode(msg.Param1),
			Target:      msg.Param2,
			Payload:     msg.Payload,
		})
	}
}

// Done is closed when the connection to the hub is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close disconnects from the hub; the hub unregisters this process.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Wait blocks until the read goroutine has exited.
func (c *Client) Wait() {
	c.wg.Wait()
}
