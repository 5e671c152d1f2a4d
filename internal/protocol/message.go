package protocol

import (
	"fmt"
)

// Frame markers.
const (
	FrameStart = '#'
	FrameEnd   = '!'
	FrameSync  = '*'
)

// HeaderSize is the decoded size of flag + command + three params.
const HeaderSize = 12

// DefaultBufferSize bounds a single frame and the per-connection read buffer.
const DefaultBufferSize = 8 * 1024

// Control commands understood by the hub. The numbers are part of the wire
// contract.
const (
	CmdRegisterServer           uint16 = 1000
	CmdRegisterServerResult     uint16 = 1001
	CmdFindServer               uint16 = 1002
	CmdFindServerResult         uint16 = 1003
	CmdGetResourceAddress       uint16 = 1004
	CmdGetResourceAddressResult uint16 = 1005
	CmdRouteMessage             uint16 = 1006
)

// Message-across-server sub-commands. They travel in Param3 of a
// CmdRouteMessage and become the command of the forwarded message.
const (
	MasCheckName        uint16 = 1100
	MasCheckNameResult  uint16 = 1101
	MasCreateAccount    uint16 = 1102
	MasCreateResult     uint16 = 1103
	MasValidateLogin    uint16 = 1104
	MasValidateResult   uint16 = 1105
	MasServerNotice     uint16 = 1106
	MasCharacterOnline  uint16 = 1107
	MasCharacterOffline uint16 = 1108
)

// Result codes carried in Param1 of reply messages.
const (
	ResultOK                uint16 = 0
	ResultUnknownType       uint16 = 1
	ResultBadPayload        uint16 = 2
	ResultNotFound          uint16 = 3
	ResultAlreadyRegistered uint16 = 4
	ResultNoFreeIndex       uint16 = 5
	ResultNotRegistered     uint16 = 6
)

// ResourcePush in Param2 of a CmdGetResourceAddressResult marks an
// unsolicited push, as opposed to the reply to a CmdGetResourceAddress.
const ResourcePush uint16 = 1

// SendMode selects how a routed message is addressed.
type SendMode uint16

const (
	ModeSingle SendMode = 0
	ModeGroup  SendMode = 1
	ModeType   SendMode = 2
)

func (m SendMode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeGroup:
		return "group"
	case ModeType:
		return "type"
	default:
		return fmt.Sprintf("mode(%d)", uint16(m))
	}
}

// Message is one decoded frame: a 12-byte header and an opaque payload.
type Message struct {
	Flag    uint32
	Command uint16
	Param1  uint16
	Param2  uint16
	Param3  uint16
	Payload []byte
}

// Marshal lays the message out as header + payload.
func (m Message) Marshal() []byte {
	return NewWriter(HeaderSize+len(m.Payload)).
		WriteU32(m.Flag).
		WriteU16(m.Command).
		WriteU16(m.Param1).
		WriteU16(m.Param2).
		WriteU16(m.Param3).
		WriteBytes(m.Payload).
		Build()
}

// Frame returns the message ready for the wire.
func (m Message) Frame() []byte {
	return EncodeFrame(m.Marshal(), 0)
}

// ParseMessage splits decoded bytes into header and payload. The payload is
// copied so it may outlive the scanner's buffer.
func ParseMessage(raw []byte) (Message, error) {
	if len(raw) < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrShortFrame, len(raw), HeaderSize)
	}
	r := NewReader(raw)
	m := Message{
		Flag:    r.ReadU32(),
		Command: r.ReadU16(),
		Param1:  r.ReadU16(),
		Param2:  r.ReadU16(),
		Param3:  r.ReadU16(),
	}
	if rest := r.Remaining(); len(rest) > 0 {
		m.Payload = append([]byte(nil), rest...)
	}
	return m, nil
}
