package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clusterhub/internal/peer"
	"clusterhub/internal/protocol"
	"clusterhub/internal/workerpool"
)

// Replier sends a routed answer back to the sender of msg.
// *peer.Client satisfies it.
type Replier interface {
	Reply(msg peer.RoutedMessage, subCommand uint16, payload []byte) error
}

// Handler answers routed account sub-commands. Requests run on a worker
// pool so slow queries never stall the hub connection's read loop.
type Handler struct {
	svc     Service
	replier Replier
	pool    *workerpool.Pool
	timeout time.Duration
	logger  *slog.Logger
}

func NewHandler(svc Service, replier Replier, workers int, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	pool := workerpool.New("account-requests", workers, workers*64, logger)
	pool.Start()
	return &Handler{
		svc:     svc,
		replier: replier,
		pool:    pool,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// HandleRouted is meant for peer.Client.OnRouted.
func (h *Handler) HandleRouted(msg peer.RoutedMessage) {
	if _, ok := replyCommand(msg.Command); !ok {
		h.logger.Debug("routed_command_ignored",
			"command", msg.Command,
			"sender_index", msg.SenderIndex,
		)
		return
	}

	err := h.pool.TrySubmit(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		return h.process(ctx, msg)
	})
	if err != nil {
		h.logger.Warn("account_request_dropped",
			"command", msg.Command,
			"sender_index", msg.SenderIndex,
			"error", err.Error(),
		)
	}
}

func replyCommand(cmd uint16) (uint16, bool) {
	switch cmd {
	case protocol.MasCheckName:
		return protocol.MasCheckNameResult, true
	case protocol.MasCreateAccount:
		return protocol.MasCreateResult, true
	case protocol.MasValidateLogin:
		return protocol.MasValidateResult, true
	}
	return 0, false
}

func (h *Handler) process(ctx context.Context, msg peer.RoutedMessage) error {
	replyCmd, _ := replyCommand(msg.Command)

	req, err := UnmarshalRequest(msg.Payload)
	if err != nil {
		h.logger.Warn("account_request_invalid",
			"command", msg.Command,
			"sender_index", msg.SenderIndex,
			"error", err.Error(),
		)
		return h.send(msg, replyCmd, Reply{Code: CodeInvalidRequest})
	}

	reply := Reply{Name: req.Name}
	switch msg.Command {
	case protocol.MasCheckName:
		exists, err := h.svc.NameExists(ctx, req.Name)
		reply.Code = codeFor(err)
		if err == nil && exists {
			reply.Code = CodeNameInUse
		}
	case protocol.MasCreateAccount:
		account, err := h.svc.CreateAccount(ctx, req.Name, req.Password)
		reply.Code = codeFor(err)
		if err == nil {
			reply.AccountID = account.ID
			h.logger.Info("account_created",
				"account_id", account.ID,
				"name", account.Name,
			)
		}
	case protocol.MasValidateLogin:
		account, err := h.svc.ValidateCredentials(ctx, req.Name, req.Password)
		reply.Code = codeFor(err)
		if err == nil {
			reply.AccountID = account.ID
		}
	}

	if reply.Code == CodeInternalError {
		h.logger.Error("account_request_failed",
			"command", msg.Command,
			"sender_index", msg.SenderIndex,
		)
	}
	return h.send(msg, replyCmd, reply)
}

func codeFor(err error) uint32 {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNameInUse):
		return CodeNameInUse
	case errors.Is(err, ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrWeakPassword):
		return CodeInvalidRequest
	default:
		return CodeInternalError
	}
}

func (h *Handler) send(msg peer.RoutedMessage, replyCmd uint16, reply Reply) error {
	if err := h.replier.Reply(msg, replyCmd, reply.Marshal()); err != nil {
		return fmt.Errorf("failed to reply to index %d: %w", msg.SenderIndex, err)
	}
	return nil
}

// Close waits for in-flight requests.
func (h *Handler) Close() {
	h.pool.Wait()
}
