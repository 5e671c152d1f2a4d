package tcp

import (
	"log/slog"
	"sync"

	"go.uber.org/multierr"
)

type ConnectionManager struct {
	clients map[string]*ClientConnection
	// every live peer connection
	// key: client ID, value: ClientConnection pointer
	mu     sync.RWMutex // read-write mutex for concurrent access
	logger *slog.Logger // shared with every connection it tracks
}

// constructor for ConnectionManager
func NewConnectionManager(logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		clients: make(map[string]*ClientConnection), // initialize empty map
		logger:  logger,
	}
}

// TryAddConnection tracks client unless limit connections are already
// tracked. limit <= 0 means unlimited.
func (m *ConnectionManager) TryAddConnection(client *ClientConnection, limit int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > 0 && len(m.clients) >= limit { // check and insert under one lock
		return false
	}
	m.clients[client.ID] = client
	m.logger.Info("client_added",
		"client_id", client.ID,
		"remote_addr", client.RemoteAddr(),
	)
	return true
}

func (m *ConnectionManager) RemoveConnection(client *ClientConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, client.ID) // no-op if already removed
	m.logger.Info("client_removed",
		"client_id", client.ID,
	)
}

func (m *ConnectionManager) Get(id string) (*ClientConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// number of tracked connections
func (m *ConnectionManager) Count() int {
	m.mu.RLock() // readers don't block each other
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CloseAllConnections closes every tracked connection. Each read loop then
// exits and removes its own entry.
func (m *ConnectionManager) CloseAllConnections() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var err error
	for id, client := range m.clients {
		// an already closed socket is not worth reporting
		if cerr := client.Close(); cerr != nil && !isClosedConnError(cerr) {
			err = multierr.Append(err, cerr)
		}
		m.logger.Info("client_connection_closed",
			"client_id", id,
		)
	}
	return err
}
