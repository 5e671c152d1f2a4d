package tcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"go.uber.org/multierr"
)

type TCPServer struct {
	Addr    string
	Manager *ConnectionManager

	handler        Handler
	opts           Options
	maxConnections int
	logger         *slog.Logger

	mu       sync.Mutex     // guards listener
	listener net.Listener   // nil until Listen
	quitChan chan struct{}  // closed on Stop, tells the accept loop a listener error is expected
	stopOnce sync.Once      // Stop runs once
	wg       sync.WaitGroup // one per live connection goroutine
}

// NewServer returns a server that hands every accepted connection to
// handler. maxConnections <= 0 means unlimited.
func NewServer(addr string, handler Handler, opts Options, maxConnections int, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		Addr:           addr,
		Manager:        NewConnectionManager(logger),
		handler:        handler,
		opts:           opts.withDefaults(),
		maxConnections: maxConnections,
		logger:         logger,
		quitChan:       make(chan struct{}),
	}
}

// Listen binds the listening socket. Start calls it when needed.
func (s *TCPServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.listener = listener
	s.logger.Info("tcp_server_listening",
		"addr", listener.Addr().String(),
	)
	return nil
}

// ListenAddr is the bound address, useful when Addr asked for port 0.
func (s *TCPServer) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.Addr
	}
	return s.listener.Addr().String()
}

// Start accepts connections until Stop. Losing the listener for any other
// reason is returned as an error.
func (s *TCPServer) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	for {
		conn, err := listener.Accept() // blocks until a peer connects or the listener closes
		if err != nil {
			select {
			case <-s.quitChan: // Stop closed the listener
				return nil
			default:
			}
			s.logger.Error("accept_failed",
				"error", err.Error(),
			)
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		// the slot is taken here, on the accept loop, so a burst of accepts
		// cannot overshoot the limit
		client := NewClientConnection(conn, s.Manager, s.handler, s.opts)
		if !s.Manager.TryAddConnection(client, s.maxConnections) {
			s.logger.Warn("connection_limit_reached",
				"remote_addr", conn.RemoteAddr().String(),
				"max_connections", s.maxConnections,
			)
			client.Close()
			client.dispatch.Shutdown() // never started, just releases its context
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(client)
		}()
	}
}

// handle lifecycle of single client connection, already tracked by the manager
func (s *TCPServer) handleConnection(client *ClientConnection) {
	defer s.Manager.RemoveConnection(client) // free the slot last
	s.handler.OnConnect(client)
	client.Listen() // returns once the peer is gone
	s.handler.OnDisconnect(client)
}

// Stop closes the listener and every connection, then waits for their
// goroutines to finish.
func (s *TCPServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.quitChan)

		s.mu.Lock()
		if s.listener != nil {
			if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, cerr)
			}
		}
		s.mu.Unlock()

		err = multierr.Append(err, s.Manager.CloseAllConnections())
		s.wg.Wait()
		s.logger.Info("tcp_server_stopped")
	})
	return err
}
