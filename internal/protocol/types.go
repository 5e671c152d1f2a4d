package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ServerType names the role of a service in the cluster.
type ServerType uint8

const (
	TypeUnknown    ServerType = 0
	TypeDatabase   ServerType = 1
	TypeLogin      ServerType = 2
	TypeLoginAlt   ServerType = 3
	TypeCharSelect ServerType = 4
	TypeWorldAlt   ServerType = 5
	TypeWorld      ServerType = 6
)

// Valid reports whether t is a known, non-zero type.
func (t ServerType) Valid() bool {
	return t >= TypeDatabase && t <= TypeWorld
}

func (t ServerType) String() string {
	switch t {
	case TypeUnknown:
		return "unknown"
	case TypeDatabase:
		return "database"
	case TypeLogin:
		return "login"
	case TypeLoginAlt:
		return "login-alt"
	case TypeCharSelect:
		return "char-select"
	case TypeWorldAlt:
		return "world-alt"
	case TypeWorld:
		return "world"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseServerType accepts the names produced by String.
func ParseServerType(s string) (ServerType, error) {
	for t := TypeDatabase; t <= TypeWorld; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("protocol: unknown server type %q", s)
}

// Wire sizes of the positional blocks.
const (
	IdentitySize           = 4
	HostSize               = 16
	AddressSize            = HostSize + 4
	NameSize               = 32
	MaxResources           = 2
	ResourceBlockSize      = 4 + MaxResources*AddressSize
	RegistrationInfoSize   = IdentitySize + NameSize + AddressSize + 4
	RegistrationResultSize = IdentitySize + ResourceBlockSize
	FindResultSize         = IdentitySize + AddressSize + NameSize
)

// ErrBadPayload is returned when a block is shorter than its wire size.
var ErrBadPayload = errors.New("protocol: payload too short")

// ServerIdentity names a registered peer. Index is assigned by the hub.
type ServerIdentity struct {
	Type  ServerType
	Group uint8
	ID    uint8
	Index uint8
}

// Pack returns the identity as the 32-bit value legacy peers compare.
func (id ServerIdentity) Pack() uint32 {
	return uint32(id.Type) | uint32(id.Group)<<8 | uint32(id.ID)<<16 | uint32(id.Index)<<24
}

// UnpackIdentity is the inverse of Pack.
func UnpackIdentity(v uint32) ServerIdentity {
	return ServerIdentity{
		Type:  ServerType(v),
		Group: uint8(v >> 8),
		ID:    uint8(v >> 16),
		Index: uint8(v >> 24),
	}
}

func (id ServerIdentity) String() string {
	return fmt.Sprintf("%s/g%d/i%d/#%d", id.Type, id.Group, id.ID, id.Index)
}

func (id ServerIdentity) write(w *Writer) {
	w.WriteU8(uint8(id.Type)).WriteU8(id.Group).WriteU8(id.ID).WriteU8(id.Index)
}

func readIdentity(r *Reader) ServerIdentity {
	return ServerIdentity{
		Type:  ServerType(r.ReadU8()),
		Group: r.ReadU8(),
		ID:    r.ReadU8(),
		Index: r.ReadU8(),
	}
}

// ServerAddress is a dialable host and port.
type ServerAddress struct {
	Host string
	Port uint32
}

// String returns host:port.
func (a ServerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.FormatUint(uint64(a.Port), 10))
}

// IsZero reports an unused address slot.
func (a ServerAddress) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ParseServerAddress splits "host:port".
func ParseServerAddress(s string) (ServerAddress, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return ServerAddress{}, fmt.Errorf("invalid server address %q: %w", s, err)
	}
	p, err := strconv.ParseUint(port, 10, 32)
	if err != nil {
		return ServerAddress{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return ServerAddress{Host: host, Port: uint32(p)}, nil
}

func (a ServerAddress) write(w *Writer) {
	w.WriteFixedString(a.Host, HostSize).WriteU32(a.Port)
}

func readAddress(r *Reader) ServerAddress {
	return ServerAddress{
		Host: r.ReadFixedString(HostSize),
		Port: r.ReadU32(),
	}
}

// RegistrationInfo is what a peer sends with CmdRegisterServer.
type RegistrationInfo struct {
	Identity      ServerIdentity
	Name          string
	Address       ServerAddress
	WantResources uint32
}

func (ri RegistrationInfo) Marshal() []byte {
	w := NewWriter(RegistrationInfoSize)
	ri.Identity.write(w)
	w.WriteFixedString(ri.Name, NameSize)
	ri.Address.write(w)
	w.WriteU32(ri.WantResources)
	return w.Build()
}

func UnmarshalRegistrationInfo(p []byte) (RegistrationInfo, error) {
	if len(p) < RegistrationInfoSize {
		return RegistrationInfo{}, fmt.Errorf("%w: registration info is %d bytes, want %d", ErrBadPayload, len(p), RegistrationInfoSize)
	}
	r := NewReader(p)
	return RegistrationInfo{
		Identity:      readIdentity(r),
		Name:          r.ReadFixedString(NameSize),
		Address:       readAddress(r),
		WantResources: r.ReadU32(),
	}, nil
}

// ResourceBlock carries up to MaxResources provider addresses.
type ResourceBlock struct {
	Addresses []ServerAddress
}

func (rb ResourceBlock) write(w *Writer) {
	n := len(rb.Addresses)
	if n > MaxResources {
		n = MaxResources
	}
	w.WriteU32(uint32(n))
	for i := 0; i < MaxResources; i++ {
		if i < n {
			rb.Addresses[i].write(w)
			continue
		}
		ServerAddress{}.write(w)
	}
}

func readResourceBlock(r *Reader) ResourceBlock {
	n := int(r.ReadU32())
	if n > MaxResources {
		n = MaxResources
	}
	rb := ResourceBlock{Addresses: make([]ServerAddress, 0, n)}
	for i := 0; i < MaxResources; i++ {
		a := readAddress(r)
		if i < n {
			rb.Addresses = append(rb.Addresses, a)
		}
	}
	return rb
}

func (rb ResourceBlock) Marshal() []byte {
	w := NewWriter(ResourceBlockSize)
	rb.write(w)
	return w.Build()
}

func UnmarshalResourceBlock(p []byte) (ResourceBlock, error) {
	if len(p) < ResourceBlockSize {
		return ResourceBlock{}, fmt.Errorf("%w: resource block is %d bytes, want %d", ErrBadPayload, len(p), ResourceBlockSize)
	}
	return readResourceBlock(NewReader(p)), nil
}

// RegistrationResult is the hub's answer to CmdRegisterServer.
type RegistrationResult struct {
	Identity  ServerIdentity
	Resources ResourceBlock
}

func (rr RegistrationResult) Marshal() []byte {
	w := NewWriter(RegistrationResultSize)
	rr.Identity.write(w)
	rr.Resources.write(w)
	return w.Build()
}

func UnmarshalRegistrationResult(p []byte) (RegistrationResult, error) {
	if len(p) < RegistrationResultSize {
		return RegistrationResult{}, fmt.Errorf("%w: registration result is %d bytes, want %d", ErrBadPayload, len(p), RegistrationResultSize)
	}
	r := NewReader(p)
	return RegistrationResult{
		Identity:  readIdentity(r),
		Resources: readResourceBlock(r),
	}, nil
}

// FindResult is the hub's answer to CmdFindServer.
type FindResult struct {
	Identity ServerIdentity
	Address  ServerAddress
	Name     string
}

func (fr FindResult) Marshal() []byte {
	w := NewWriter(FindResultSize)
	fr.Identity.write(w)
	fr.Address.write(w)
	w.WriteFixedString(fr.Name, NameSize)
	return w.Build()
}

func UnmarshalFindResult(p []byte) (FindResult, error) {
	if len(p) < FindResultSize {
		return FindResult{}, fmt.Errorf("%w: find result is %d bytes, want %d", ErrBadPayload, len(p), FindResultSize)
	}
	r := NewReader(p)
	return FindResult{
		Identity: readIdentity(r),
		Address:  readAddress(r),
		Name:     r.ReadFixedString(NameSize),
	}, nil
}

// EncodeName lays out a name field for CmdFindServer.
func EncodeName(name string) []byte {
	return NewWriter(NameSize).WriteFixedString(name, NameSize).Build()
}

// DecodeName reads a CmdFindServer name field. Short payloads are read as-is.
func DecodeName(p []byte) string {
	if len(p) >= NameSize {
		return NewReader(p).ReadFixedString(NameSize)
	}
	return NewReader(p).ReadFixedString(len(p))
}
