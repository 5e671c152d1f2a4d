package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"clusterhub/internal/logging"
	"clusterhub/internal/peer"
	"clusterhub/internal/protocol"
)

// MockService mocks the Service interface
type MockService struct {
	mock.Mock
}

func (m *MockService) NameExists(ctx context.Context, name string) (bool, error) {
	args := m.Called(name)
	return args.Bool(0), args.Error(1)
}

func (m *MockService) CreateAccount(ctx context.Context, name, password string) (*Account, error) {
	args := m.Called(name, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Account), args.Error(1)
}

func (m *MockService) ValidateCredentials(ctx context.Context, name, password string) (*Account, error) {
	args := m.Called(name, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Account), args.Error(1)
}

type sentReply struct {
	to      uint8
	command uint16
	reply   Reply
}

type recordingReplier struct {
	mu      sync.Mutex
	replies []sentReply
}

func (r *recordingReplier) Reply(msg peer.RoutedMessage, sub uint16, payload []byte) error {
	reply, err := UnmarshalReply(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, sentReply{to: msg.SenderIndex, command: sub, reply: reply})
	return nil
}

func (r *recordingReplier) all() []sentReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentReply(nil), r.replies...)
}

func routed(cmd uint16, from uint8, req Request) peer.RoutedMessage {
	return peer.RoutedMessage{Command: cmd, SenderIndex: from, Payload: req.Marshal()}
}

func runHandler(t *testing.T, svc Service, msgs ...peer.RoutedMessage) []sentReply {
	t.Helper()
	replier := &recordingReplier{}
	h := NewHandler(svc, replier, 2, logging.Discard())
	for _, m := range msgs {
		h.HandleRouted(m)
	}
	h.Close()
	return replier.all()
}

func TestHandler_CheckName(t *testing.T) {
	svc := new(MockService)
	svc.On("NameExists", "taken").Return(true, nil)

	replies := runHandler(t, svc, routed(protocol.MasCheckName, 3, Request{Name: "taken"}))

	require.Len(t, replies, 1)
	assert.Equal(t, uint8(3), replies[0].to)
	assert.Equal(t, protocol.MasCheckNameResult, replies[0].command)
	assert.Equal(t, CodeNameInUse, replies[0].reply.Code)
	assert.Equal(t, "taken", replies[0].reply.Name)
}

func TestHandler_CreateAccount(t *testing.T) {
	tests := []struct {
		name     string
		account  *Account
		err      error
		wantCode uint32
	}{
		{"created", &Account{ID: "acc-9", Name: "hero"}, nil, CodeOK},
		{"name in use", nil, ErrNameInUse, CodeNameInUse},
		{"weak password", nil, ErrWeakPassword, CodeInvalidRequest},
		{"database down", nil, errors.New("dial tcp: refused"), CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			svc.On("CreateAccount", "hero", "pw123456").Return(tt.account, tt.err)

			replies := runHandler(t, svc, routed(protocol.MasCreateAccount, 1, Request{Name: "hero", Password: "pw123456"}))

			require.Len(t, replies, 1)
			assert.Equal(t, protocol.MasCreateResult, replies[0].command)
			assert.Equal(t, tt.wantCode, replies[0].reply.Code)
			if tt.account != nil {
				assert.Equal(t, "acc-9", replies[0].reply.AccountID)
			}
		})
	}
}

func TestHandler_ValidateLogin(t *testing.T) {
	svc := new(MockService)
	svc.On("ValidateCredentials", "hero", "good").Return(&Account{ID: "acc-1", Name: "hero"}, nil)
	svc.On("ValidateCredentials", "hero", "bad").Return(nil, ErrInvalidCredentials)

	replies := runHandler(t, svc,
		routed(protocol.MasValidateLogin, 2, Request{Name: "hero", Password: "good"}),
		routed(protocol.MasValidateLogin, 2, Request{Name: "hero", Password: "bad"}),
	)

	require.Len(t, replies, 2)
	codes := []uint32{replies[0].reply.Code, replies[1].reply.Code}
	assert.ElementsMatch(t, []uint32{CodeOK, CodeInvalidCredentials}, codes)
	for _, r := range replies {
		assert.Equal(t, protocol.MasValidateResult, r.command)
	}
}

func TestHandler_BadPayloadAndIgnoredCommands(t *testing.T) {
	svc := new(MockService)

	replies := runHandler(t, svc,
		peer.RoutedMessage{Command: protocol.MasCheckName, SenderIndex: 4, Payload: []byte{1, 2}},
		peer.RoutedMessage{Command: protocol.MasServerNotice, SenderIndex: 4},
	)

	require.Len(t, replies, 1)
	assert.Equal(t, CodeInvalidRequest, replies[0].reply.Code)
	svc.AssertNotCalled(t, "NameExists", mock.Anything)
}

func TestHandler_CloseWaitsForRequests(t *testing.T) {
	svc := new(MockService)
	svc.On("NameExists", "slow").After(50*time.Millisecond).Return(false, nil)

	replies := runHandler(t, svc, routed(protocol.MasCheckName, 1, Request{Name: "slow"}))

	require.Len(t, replies, 1)
	assert.Equal(t, CodeOK, replies[0].reply.Code)
}
