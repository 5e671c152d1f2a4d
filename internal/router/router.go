package router

import (
	"log/slog"

	"clusterhub/internal/protocol"
	"clusterhub/internal/registry"
)

// Directory resolves routing targets. *registry.Registry satisfies it.
type Directory interface {
	Get(index uint8) (registry.RegisteredServer, bool)
	ByGroup(group uint8) []registry.RegisteredServer
	ByType(t protocol.ServerType) []registry.RegisteredServer
}

// Envelope is a routed message on its way from one peer to others.
type Envelope struct {
	SenderType      protocol.ServerType
	SenderIndex     uint8
	SenderTag       uint8
	OriginalCommand uint16
	Mode            protocol.SendMode
	Target          uint16
	Payload         []byte
}

// FromMessage unwraps a CmdRouteMessage sent by sender. The low byte of
// Flag is an explicit sender tag; zero means derive it.
func FromMessage(sender protocol.ServerIdentity, msg protocol.Message) Envelope {
	return Envelope{
		SenderType:      sender.Type,
		SenderIndex:     sender.Index,
		SenderTag:       uint8(msg.Flag),
		OriginalCommand: msg.Param3,
		Mode:            protocol.SendMode(msg.Param1),
		Target:          msg.Param2,
		Payload:         msg.Payload,
	}
}

// Message builds the CmdRouteMessage a peer sends to have env routed.
func (env Envelope) Message() protocol.Message {
	return protocol.Message{
		Flag:    uint32(env.SenderTag),
		Command: protocol.CmdRouteMessage,
		Param1:  uint16(env.Mode),
		Param2:  env.Target,
		Param3:  env.OriginalCommand,
		Payload: env.Payload,
	}
}

// Forwarded is the message delivered to each target: the original command
// with the sender tag in Flag and the full sender index in Param3.
func (env Envelope) Forwarded() protocol.Message {
	tag := env.SenderTag
	if tag == 0 {
		tag = SenderTag(env.SenderType, env.SenderIndex)
	}
	return protocol.Message{
		Flag:    uint32(tag),
		Command: env.OriginalCommand,
		Param1:  uint16(env.Mode),
		Param2:  env.Target,
		Param3:  uint16(env.SenderIndex),
		Payload: env.Payload,
	}
}

// SenderTag packs a sender's type and index into one byte. Only the low
// nibble of each survives.
func SenderTag(t protocol.ServerType, index uint8) uint8 {
	return (uint8(t)&0x0F)<<4 | index&0x0F
}

// DecodeSenderTag reverses SenderTag. Legacy peers also put a plain 0..2
// value in the tag byte; such values come back with packed == false. A
// packed tag of a type-0 peer with index 1 or 2 is indistinguishable from
// them, which is accepted since type 0 never registers.
func DecodeSenderTag(tag uint8) (t protocol.ServerType, index uint8, packed bool) {
	if tag <= 2 {
		return protocol.TypeUnknown, tag, false
	}
	return protocol.ServerType(tag >> 4), tag & 0x0F, true
}

// Router forwards envelopes to the peers their mode and target select.
type Router struct {
	dir    Directory
	logger *slog.Logger
}

func New(dir Directory, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{dir: dir, logger: logger}
}

// Route delivers env and returns how many peers received it. A target that
// is not connected is logged and dropped; routed messages have no reply
// channel.
func (r *Router) Route(env Envelope) int {
	targets := r.resolve(env)
	if len(targets) == 0 {
		r.logger.Warn("route_target_missing",
			"mode", env.Mode.String(),
			"target", env.Target,
			"command", env.OriginalCommand,
			"sender_index", env.SenderIndex,
		)
		return 0
	}

	msg := env.Forwarded()
	delivered := 0
	for _, t := range targets {
		if err := t.Send(msg); err != nil {
			r.logger.Warn("route_send_failed",
				"target_index", t.Identity.Index,
				"command", env.OriginalCommand,
				"error", err.Error(),
			)
			continue
		}
		delivered++
	}

	r.logger.Debug("message_routed",
		"mode", env.Mode.String(),
		"target", env.Target,
		"command", env.OriginalCommand,
		"sender_index", env.SenderIndex,
		"delivered", delivered,
	)
	return delivered
}

func (r *Router) resolve(env Envelope) []registry.RegisteredServer {
	if env.Target > 0xFF {
		return nil
	}
	sel := uint8(env.Target)

	switch env.Mode {
	case protocol.ModeSingle:
		if s, ok := r.dir.Get(sel); ok {
			return []registry.RegisteredServer{s}
		}
		return nil
	case protocol.ModeGroup:
		return r.dir.ByGroup(sel)
	case protocol.ModeType:
		return r.dir.ByType(protocol.ServerType(sel))
	default:
		r.logger.Warn("route_unknown_mode",
			"mode", env.Mode.String(),
			"sender_index", env.SenderIndex,
		)
		return nil
	}
}
