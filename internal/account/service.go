package account

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"clusterhub/internal/protocol"
)

var (
	ErrNameInUse          = errors.New("account name already in use")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidName        = errors.New("invalid account name")
	ErrWeakPassword       = errors.New("password too short")
)

const MinPasswordLength = 6

// dummyHash keeps failed lookups as slow as failed password checks.
var dummyHash, _ = HashPassword("clusterhub-unknown-account")

// Service is the account store the database service answers with.
type Service interface {
	NameExists(ctx context.Context, name string) (bool, error)
	CreateAccount(ctx context.Context, name, password string) (*Account, error)
	ValidateCredentials(ctx context.Context, name, password string) (*Account, error)
}

type service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) Service {
	return &service{repo: repo, now: time.Now}
}

// ValidateName accepts names that fit the fixed wire field.
func ValidateName(name string) error {
	if name == "" || len(name) > protocol.NameSize-1 || !utf8.ValidString(name) {
		return ErrInvalidName
	}
	return nil
}

func (s *service) NameExists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	_, err := s.repo.FindByName(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrAccountNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to look up account: %w", err)
	}
}

func (s *service) CreateAccount(ctx context.Context, name, password string) (*Account, error) {
	exists, err := s.NameExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrNameInUse
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}

	hashed, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	account := &Account{Name: name, Password: hashed}
	if err := s.repo.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

func (s *service) ValidateCredentials(ctx context.Context, name, password string) (*Account, error) {
	account, err := s.repo.FindByName(ctx, name)
	if err != nil {
		VerifyPassword(dummyHash, password)
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	if err := VerifyPassword(account.Password, password); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if err := s.repo.TouchLogin(ctx, account.ID, now); err == nil {
		account.LastLogin = &now
	}
	return account, nil
}
