package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var ErrAccountNotFound = errors.New("account not found")

// Repository is account persistence.
type Repository interface {
	Create(ctx context.Context, account *Account) error
	FindByName(ctx context.Context, name string) (*Account, error)
	TouchLogin(ctx context.Context, id string, at time.Time) error
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// Connect opens the account database and migrates the accounts table.
func Connect(databaseURL string, logger *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&Account{}); err != nil {
		return nil, fmt.Errorf("failed to migrate accounts: %w", err)
	}
	logger.Info("account_database_connected")
	return db, nil
}

func (r *gormRepository) Create(ctx context.Context, account *Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *gormRepository) FindByName(ctx context.Context, name string) (*Account, error) {
	var account Account
	// return nil on miss, a zero Account would read as found
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Update("last_login", at).Error
}
