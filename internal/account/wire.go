package account

import (
	"fmt"

	"clusterhub/internal/protocol"
)

// Account reply codes carried in Reply.Code.
const (
	CodeOK                 uint32 = 0
	CodeNameInUse          uint32 = 1
	CodeInvalidCredentials uint32 = 2
	CodeInvalidRequest     uint32 = 3
	CodeInternalError      uint32 = 4
)

const (
	passwordSize  = 32
	accountIDSize = 40
	RequestSize   = protocol.NameSize + passwordSize
	ReplySize     = 4 + protocol.NameSize + accountIDSize
)

// Request is the payload of MasCheckName, MasCreateAccount and
// MasValidateLogin. The password is empty for MasCheckName.
type Request struct {
	Name     string
	Password string
}

func (r Request) Marshal() []byte {
	return protocol.NewWriter(RequestSize).
		WriteFixedString(r.Name, protocol.NameSize).
		WriteFixedString(r.Password, passwordSize).
		Build()
}

func UnmarshalRequest(p []byte) (Request, error) {
	if len(p) < RequestSize {
		return Request{}, fmt.Errorf("%w: account request is %d bytes, want %d", protocol.ErrBadPayload, len(p), RequestSize)
	}
	r := protocol.NewReader(p)
	return Request{
		Name:     r.ReadFixedString(protocol.NameSize),
		Password: r.ReadFixedString(passwordSize),
	}, nil
}

// Reply answers a Request.
type Reply struct {
	Code      uint32
	Name      string
	AccountID string
}

func (r Reply) Marshal() []byte {
	return protocol.NewWriter(ReplySize).
		WriteU32(r.Code).
		WriteFixedString(r.Name, protocol.NameSize).
		WriteFixedString(r.AccountID, accountIDSize).
		Build()
}

func UnmarshalReply(p []byte) (Reply, error) {
	if len(p) < ReplySize {
		return Reply{}, fmt.Errorf("%w: account reply is %d bytes, want %d", protocol.ErrBadPayload, len(p), ReplySize)
	}
	r := protocol.NewReader(p)
	return Reply{
		Code:      r.ReadU32(),
		Name:      r.ReadFixedString(protocol.NameSize),
		AccountID: r.ReadFixedString(accountIDSize),
	}, nil
}
