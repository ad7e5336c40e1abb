package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/dkenzh/vidqueue/pkg/core"
)

// GormLedger implements core.Ledger on the users table.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger creates a new GORM-backed ledger.
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// Migrate creates the users table.
func (l *GormLedger) Migrate(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(&core.User{})
}

// CreateUser inserts an account with a zero balance. Existing accounts are
// left untouched.
func (l *GormLedger) CreateUser(ctx context.Context, userID int64, username string) error {
	var user core.User
	return l.db.WithContext(ctx).
		Where(core.User{UserID: userID}).
		Attrs(core.User{Username: username}).
		FirstOrCreate(&user).Error
}

// Debit subtracts amount from the balance. The balance check and the
// subtraction are one conditional update, so two concurrent debits cannot
// overdraw the account.
func (l *GormLedger) Debit(ctx context.Context, userID int64, amount float64) error {
	result := l.db.WithContext(ctx).
		Model(&core.User{}).
		Where("user_id = ? AND credits >= ?", userID, amount).
		Update("credits", gorm.Expr("credits - ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrInsufficientCredits
	}
	return nil
}

// Credit adds amount to the balance.
func (l *GormLedger) Credit(ctx context.Context, userID int64, amount float64) error {
	result := l.db.WithContext(ctx).
		Model(&core.User{}).
		Where("user_id = ?", userID).
		Update("credits", gorm.Expr("credits + ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrUserNotFound
	}
	return nil
}

// Balance returns the current balance.
func (l *GormLedger) Balance(ctx context.Context, userID int64) (float64, error) {
	var user core.User
	err := l.db.WithContext(ctx).First(&user, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, core.ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	return user.Credits, nil
}
