package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"clusterhub/internal/protocol"
)

var (
	ErrUnknownServerType = errors.New("registry: unknown server type")
	ErrNoFreeIndex       = errors.New("registry: no free index")
	ErrAlreadyRegistered = errors.New("registry: connection already registered")
)

// MaxIndex is the highest assignable index. Index 0 means "unassigned".
const MaxIndex = 255

// Sender is the write side of a peer connection.
type Sender interface {
	Send(msg protocol.Message) error
}

// RegisteredServer is one live, registered peer. Values handed out by the
// Registry are snapshots.
type RegisteredServer struct {
	Identity             protocol.ServerIdentity
	Address              protocol.ServerAddress
	Name                 string
	RegisteredAt         time.Time
	WantResources        int
	ResourcesAlreadySent int

	conn Sender
}

// Send writes msg to the peer's connection.
func (s RegisteredServer) Send(msg protocol.Message) error {
	return s.conn.Send(msg)
}

// RegisterResult is what a successful registration hands back.
type RegisterResult struct {
	Server    RegisteredServer
	Resources []protocol.ServerAddress
}

// Delivery is a resource push owed to a peer that registered before enough
// providers were available.
type Delivery struct {
	Server    RegisteredServer
	Resources []protocol.ServerAddress
}

// Registry is the in-memory directory of registered peers.
// One mutex guards membership and the round-robin cursors.
type Registry struct {
	mu      sync.Mutex
	servers map[uint8]*RegisteredServer
	byType  map[protocol.ServerType][]uint8
	cursor  map[protocol.ServerType]int
	now     func() time.Time
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		servers: make(map[uint8]*RegisteredServer),
		byType:  make(map[protocol.ServerType][]uint8),
		cursor:  make(map[protocol.ServerType]int),
		now:     time.Now,
		logger:  logger,
	}
}

// Register adds conn under a fresh index. Peers that are not themselves
// resource providers get up to WantResources provider addresses (default 1,
// at most protocol.MaxResources) picked round-robin.
func (r *Registry) Register(conn Sender, info protocol.RegistrationInfo) (RegisterResult, error) {
	if !info.Identity.Type.Valid() {
		return RegisterResult{}, ErrUnknownServerType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.servers {
		if s.conn == conn {
			return RegisterResult{}, ErrAlreadyRegistered
		}
	}

	index, ok := r.freeIndexLocked()
	if !ok {
		return RegisterResult{}, ErrNoFreeIndex
	}

	identity := info.Identity
	identity.Index = index
	entry := &RegisteredServer{
		Identity:     identity,
		Address:      info.Address,
		Name:         info.Name,
		RegisteredAt: r.now(),
		conn:         conn,
	}

	var resources []protocol.ServerAddress
	if identity.Type != protocol.TypeDatabase {
		entry.WantResources = wantedResources(info.WantResources)
		resources = r.pickLocked(protocol.TypeDatabase, entry.WantResources)
		entry.ResourcesAlreadySent = len(resources)
	}

	r.servers[index] = entry
	r.byType[identity.Type] = append(r.byType[identity.Type], index)

	return RegisterResult{Server: *entry, Resources: resources}, nil
}

func wantedResources(n uint32) int {
	switch {
	case n == 0:
		return 1
	case n > protocol.MaxResources:
		return protocol.MaxResources
	default:
		return int(n)
	}
}

// freeIndexLocked returns the lowest index not held by a live peer.
func (r *Registry) freeIndexLocked() (uint8, bool) {
	for i := 1; i <= MaxIndex; i++ {
		if _, taken := r.servers[uint8(i)]; !taken {
			return uint8(i), true
		}
	}
	return 0, false
}

// Unregister removes the peer holding identity. Unknown identities are
// ignored.
func (r *Registry) Unregister(identity protocol.ServerIdentity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.servers[identity.Index]
	if !ok || entry.Identity != identity {
		return false
	}
	delete(r.servers, identity.Index)

	list := r.byType[identity.Type]
	for pos, idx := range list {
		if idx != identity.Index {
			continue
		}
		list = append(list[:pos], list[pos+1:]...)
		if c := r.cursor[identity.Type]; pos < c {
			r.cursor[identity.Type] = c - 1
		}
		break
	}
	if len(list) == 0 {
		delete(r.byType, identity.Type)
		delete(r.cursor, identity.Type)
	} else {
		r.byType[identity.Type] = list
		r.cursor[identity.Type] %= len(list)
	}
	return true
}

// Find returns the first peer of type t registered under exactly name.
func (r *Registry) Find(t protocol.ServerType, name string) (RegisteredServer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, idx := range r.byType[t] {
		if s := r.servers[idx]; s.Name == name {
			return *s, true
		}
	}
	return RegisteredServer{}, false
}

// Get returns the peer holding index.
func (r *Registry) Get(index uint8) (RegisteredServer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.servers[index]
	if !ok {
		return RegisteredServer{}, false
	}
	return *s, true
}

// ByType returns the peers of type t in registration order.
func (r *Registry) ByType(t protocol.ServerType) []RegisteredServer {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.byType[t]
	out := make([]RegisteredServer, 0, len(list))
	for _, idx := range list {
		out = append(out, *r.servers[idx])
	}
	return out
}

// ByGroup returns the peers in group, ordered by index.
func (r *Registry) ByGroup(group uint8) []RegisteredServer {
	return r.filter(func(s *RegisteredServer) bool { return s.Identity.Group == group })
}

// List returns every registered peer ordered by index.
func (r *Registry) List() []RegisteredServer {
	return r.filter(func(*RegisteredServer) bool { return true })
}

func (r *Registry) filter(keep func(*RegisteredServer) bool) []RegisteredServer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []RegisteredServer
	for _, s := range r.servers {
		if keep(s) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Index < out[j].Identity.Index })
	return out
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// CountByType returns how many peers of each type are registered.
func (r *Registry) CountByType() map[protocol.ServerType]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[protocol.ServerType]int, len(r.byType))
	for t, list := range r.byType {
		out[t] = len(list)
	}
	return out
}

// PickRoundRobin returns up to count addresses of type t, continuing from
// where the previous pick for t stopped.
func (r *Registry) PickRoundRobin(t protocol.ServerType, count int) []protocol.ServerAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pickLocked(t, count)
}

func (r *Registry) pickLocked(t protocol.ServerType, count int) []protocol.ServerAddress {
	list := r.byType[t]
	if len(list) == 0 || count <= 0 {
		return nil
	}
	if count > len(list) {
		count = len(list)
	}

	c := r.cursor[t] % len(list)
	out := make([]protocol.ServerAddress, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, r.servers[list[c]].Address)
		c = (c + 1) % len(list)
	}
	r.cursor[t] = c

	r.logger.Debug("round_robin_pick",
		"server_type", t.String(),
		"count", count,
		"next_cursor", c,
	)
	return out
}

// MarkResourcesSent records that n provider addresses reached index.
func (r *Registry) MarkResourcesSent(index uint8, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.servers[index]; ok {
		s.ResourcesAlreadySent = n
	}
}

// AssignPendingResources picks providers for every peer still waiting for
// its first resource push, provided enough providers are registered to
// satisfy it. The peers are marked as served before returning, so each
// delivery is handed out once.
func (r *Registry) AssignPendingResources() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	providers := len(r.byType[protocol.TypeDatabase])
	if providers == 0 {
		return nil
	}

	indices := make([]int, 0, len(r.servers))
	for idx := range r.servers {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)

	var out []Delivery
	for _, idx := range indices {
		s := r.servers[uint8(idx)]
		if s.Identity.Type == protocol.TypeDatabase || s.ResourcesAlreadySent != 0 || s.WantResources > providers {
			continue
		}
		addrs := r.pickLocked(protocol.TypeDatabase, s.WantResources)
		s.ResourcesAlreadySent = len(addrs)
		out = append(out, Delivery{Server: *s, Resources: addrs})
	}
	return out
}
