// Package hub is the central registry and router every cluster service
// connects to.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"clusterhub/internal/microservices/tcp"
	"clusterhub/internal/protocol"
	"clusterhub/internal/registry"
	"clusterhub/internal/router"
)

// State is where a connection is in its lifecycle.
type State int

const (
	StateConnected State = iota
	StateRegistered
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	default:
		return "disconnected"
	}
}

type session struct {
	state    State
	identity protocol.ServerIdentity
}

type Config struct {
	Addr           string
	MaxConnections int
	Connection     tcp.Options
	// how often mirrored entries are rewritten; 0 disables
	RefreshInterval time.Duration
}

type noopMirror struct{}

func (noopMirror) Put(registry.RegisteredServer) {}
func (noopMirror) Remove(protocol.ServerIdentity) {}
func (noopMirror) Refresh(func() []registry.RegisteredServer) {}
func (noopMirror) Close() error { return nil }

type Option func(*Hub)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// WithMirror copies membership changes to m.
func WithMirror(m Mirror) Option {
	return func(h *Hub) { h.mirror = m }
}

func WithMetrics(m *Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// Hub accepts peer connections, registers them and routes their messages.
type Hub struct {
	cfg      Config
	registry *registry.Registry
	router   *router.Router
	server   *tcp.TCPServer
	mirror   Mirror
	metrics  *Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session // key: connection ID

	stopRefresh chan struct{}
	refreshWG   sync.WaitGroup
	stopOnce    sync.Once
}

func New(cfg Config, opts ...Option) *Hub {
	h := &Hub{
		cfg:         cfg,
		sessions:    make(map[string]*session),
		stopRefresh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.mirror == nil {
		h.mirror = noopMirror{}
	}
	h.registry = registry.New(h.logger)
	h.router = router.New(h.registry, h.logger)
	h.server = tcp.NewServer(cfg.Addr, h, cfg.Connection, cfg.MaxConnections, h.logger)
	return h
}

func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

// Listen binds the hub's port without accepting yet.
func (h *Hub) Listen() error {
	return h.server.Listen()
}

// Addr is the bound listen address.
func (h *Hub) Addr() string {
	return h.server.ListenAddr()
}

// Start accepts connections until Stop is called. It returns an error only
// when the listener fails.
func (h *Hub) Start() error {
	if err := h.server.Listen(); err != nil {
		return err
	}
	if _, noop := h.mirror.(noopMirror); !noop && h.cfg.RefreshInterval > 0 {
		h.refreshWG.Add(1)
		go h.refreshLoop()
	}
	h.logger.Info("hub_started",
		"addr", h.Addr(),
	)
	return h.server.Start()
}

func (h *Hub) refreshLoop() {
	defer h.refreshWG.Done()
	ticker := time.NewTicker(h.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopRefresh:
			return
		case <-ticker.C:
			h.mirror.Refresh(h.registry.List)
		}
	}
}

// Stop stops accepting, closes every connection and flushes the mirror.
func (h *Hub) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.stopRefresh)
		h.refreshWG.Wait()

		err = multierr.Append(err, h.server.Stop())
		err = multierr.Append(err, h.mirror.Close())
		h.logger.Info("hub_stopped")
	})
	return err
}

// State reports the lifecycle state of the connection with the given ID.
func (h *Hub) State(connID string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[connID]; ok {
		return s.state
	}
	return StateDisconnected
}

func (h *Hub) session(c *tcp.ClientConnection) session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[c.ID]; ok {
		return *s
	}
	return session{state: StateDisconnected}
}

func (h *Hub) OnConnect(c *tcp.ClientConnection) {
	h.mu.Lock()
	h.sessions[c.ID] = &session{state: StateConnected}
	h.mu.Unlock()
	h.metrics.connOpened()
}

func (h *Hub) OnDisconnect(c *tcp.ClientConnection) {
	h.mu.Lock()
	s, ok := h.sessions[c.ID]
	delete(h.sessions, c.ID)
	h.mu.Unlock()
	h.metrics.connClosed()

	if !ok || s.state != StateRegistered {
		return
	}
	if h.registry.Unregister(s.identity) {
		h.mirror.Remove(s.identity)
		h.metrics.setRegistered(h.registry.CountByType())
		h.logger.Info("server_unregistered",
			"client_id", c.ID,
			"identity", s.identity.String(),
		)
	}
}

// HandleMessage dispatches one control command.
func (h *Hub) HandleMessage(c *tcp.ClientConnection, msg protocol.Message) {
	h.metrics.command(msg.Command)

	switch msg.Command {
	case protocol.CmdRegisterServer:
		h.handleRegister(c, msg)
	case protocol.CmdFindServer:
		h.handleFindServer(c, msg)
	case protocol.CmdGetResourceAddress:
		h.handleGetResourceAddress(c, msg)
	case protocol.CmdRouteMessage:
		h.handleRoute(c, msg)
	default:
		h.logger.Warn("unknown_command",
			"client_id", c.ID,
			"command", msg.Command,
		)
		c.Fail("unknown_command")
	}
}

func (h *Hub) reply(c *tcp.ClientConnection, msg protocol.Message) {
	if err := c.Send(msg); err != nil {
		h.logger.Warn("reply_failed",
			"client_id", c.ID,
			"command", msg.Command,
			"error", err.Error(),
		)
	}
}

func (h *Hub) rejectRegistration(c *tcp.ClientConnection, result uint16, reason string) {
	h.metrics.registration(result)
	h.reply(c, protocol.Message{
		Command: protocol.CmdRegisterServerResult,
		Param1:  result,
		Payload: protocol.RegistrationResult{}.Marshal(),
	})
	c.Fail(reason)
}

func (h *Hub) handleRegister(c *tcp.ClientConnection, msg protocol.Message) {
	if cur := h.session(c); cur.state == StateRegistered {
		h.logger.Error("duplicate_registration",
			"client_id", c.ID,
			"identity", cur.identity.String(),
		)
		h.rejectRegistration(c, protocol.ResultAlreadyRegistered, "duplicate_registration")
		return
	}

	info, err := protocol.UnmarshalRegistrationInfo(msg.Payload)
	if err != nil {
		h.logger.Warn("registration_payload_invalid",
			"client_id", c.ID,
			"error", err.Error(),
		)
		h.rejectRegistration(c, protocol.ResultBadPayload, "bad_registration_payload")
		return
	}

	res, err := h.registry.Register(c, info)
	if err != nil {
		result := protocol.ResultBadPayload
		switch {
		case errors.Is(err, registry.ErrUnknownServerType):
			result = protocol.ResultUnknownType
		case errors.Is(err, registry.ErrNoFreeIndex):
			result = protocol.ResultNoFreeIndex
		case errors.Is(err, registry.ErrAlreadyRegistered):
			result = protocol.ResultAlreadyRegistered
		}
		h.logger.Warn("registration_rejected",
			"client_id", c.ID,
			"server_type", info.Identity.Type.String(),
			"name", info.Name,
			"error", err.Error(),
		)
		h.rejectRegistration(c, result, "registration_rejected")
		return
	}

	h.mu.Lock()
	if s, ok := h.sessions[c.ID]; ok {
		s.state = StateRegistered
		s.identity = res.Server.Identity
	}
	h.mu.Unlock()

	h.metrics.registration(protocol.ResultOK)
	h.metrics.setRegistered(h.registry.CountByType())
	h.mirror.Put(res.Server)
	h.logger.Info("server_registered",
		"client_id", c.ID,
		"identity", res.Server.Identity.String(),
		"name", res.Server.Name,
		"address", res.Server.Address.String(),
		"resources", len(res.Resources),
	)

	h.reply(c, protocol.Message{
		Command: protocol.CmdRegisterServerResult,
		Param1:  protocol.ResultOK,
		Payload: protocol.RegistrationResult{
			Identity:  res.Server.Identity,
			Resources: protocol.ResourceBlock{Addresses: res.Resources},
		}.Marshal(),
	})

	if res.Server.Identity.Type == protocol.TypeDatabase {
		h.pushPendingResources()
	}
}

// pushPendingResources hands provider addresses to peers that registered
// before enough providers were available.
func (h *Hub) pushPendingResources() {
	deliveries := h.registry.AssignPendingResources()
	for _, d := range deliveries {
		err := d.Server.Send(protocol.Message{
			Command: protocol.CmdGetResourceAddressResult,
			Param1:  protocol.ResultOK,
			Param2:  protocol.ResourcePush,
			Payload: protocol.ResourceBlock{Addresses: d.Resources}.Marshal(),
		})
		if err != nil {
			h.logger.Warn("resource_push_failed",
				"identity", d.Server.Identity.String(),
				"error", err.Error(),
			)
			continue
		}
		h.logger.Info("resources_pushed",
			"identity", d.Server.Identity.String(),
			"count", len(d.Resources),
		)
	}
	h.metrics.pushed(len(deliveries))
}

func (h *Hub) handleFindServer(c *tcp.ClientConnection, msg protocol.Message) {
	if h.session(c).state != StateRegistered {
		h.logger.Warn("find_before_register",
			"client_id", c.ID,
		)
	}

	t := protocol.ServerType(msg.Param1)
	name := protocol.DecodeName(msg.Payload)
	s, ok := h.registry.Find(t, name)
	if !ok {
		h.logger.Debug("find_server_miss",
			"client_id", c.ID,
			"server_type", t.String(),
			"name", name,
		)
		h.reply(c, protocol.Message{
			Command: protocol.CmdFindServerResult,
			Param1:  protocol.ResultNotFound,
			Payload: protocol.FindResult{}.Marshal(),
		})
		return
	}

	h.reply(c, protocol.Message{
		Command: protocol.CmdFindServerResult,
		Param1:  protocol.ResultOK,
		Payload: protocol.FindResult{
			Identity: s.Identity,
			Address:  s.Address,
			Name:     s.Name,
		}.Marshal(),
	})
}

func (h *Hub) handleGetResourceAddress(c *tcp.ClientConnection, msg protocol.Message) {
	cur := h.session(c)
	if cur.state != StateRegistered {
		h.logger.Warn("resource_request_before_register",
			"client_id", c.ID,
		)
		h.reply(c, protocol.Message{
			Command: protocol.CmdGetResourceAddressResult,
			Param1:  protocol.ResultNotRegistered,
			Payload: protocol.ResourceBlock{}.Marshal(),
		})
		c.Fail("resource_request_before_register")
		return
	}

	count := int(msg.Param1)
	if count <= 0 {
		count = 1
	}
	if count > protocol.MaxResources {
		count = protocol.MaxResources
	}

	addrs := h.registry.PickRoundRobin(protocol.TypeDatabase, count)
	result := protocol.ResultOK
	if len(addrs) == 0 {
		result = protocol.ResultNotFound
	} else {
		h.registry.MarkResourcesSent(cur.identity.Index, len(addrs))
	}
	h.reply(c, protocol.Message{
		Command: protocol.CmdGetResourceAddressResult,
		Param1:  result,
		Payload: protocol.ResourceBlock{Addresses: addrs}.Marshal(),
	})
}

func (h *Hub) handleRoute(c *tcp.ClientConnection, msg protocol.Message) {
	cur := h.session(c)
	if cur.state != StateRegistered {
		h.logger.Warn("route_before_register",
			"client_id", c.ID,
			"command", msg.Param3,
		)
	}

	env := router.FromMessage(cur.identity, msg)
	delivered := h.router.Route(env)
	h.metrics.routedTo(env.Mode, delivered)
}
