package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/adflow/adflow/pkg/model"
)

var (
	// ErrInsufficientBalance means the conditional decrement matched no row
	// for an existing account.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateTransaction means the (workflow, unit, type) entry already
	// exists.
	ErrDuplicateTransaction = errors.New("duplicate credit transaction")
)

type CreditRepository struct {
	db *gorm.DB
}

func NewCreditRepository(db *gorm.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

func (r *CreditRepository) GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	var account model.CreditAccount
	if err := r.db.WithContext(ctx).First(&account, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// EnsureAccount inserts the account with grant if it does not exist yet and
// records the grant. created is false when the account was already there.
func (r *CreditRepository) EnsureAccount(ctx context.Context, userID string, grant int) (*model.CreditAccount, bool, error) {
	var account model.CreditAccount
	created := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := model.CreditAccount{UserID: userID, Balance: grant}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			created = true
			if grant > 0 {
				entry := &model.CreditTransaction{
					UserID:       userID,
					Amount:       grant,
					Type:         model.CreditInitialGrant,
					Description:  "initial credit grant",
					BalanceAfter: grant,
				}
				if err := tx.Create(entry).Error; err != nil {
					return err
				}
			}
		}
		return tx.First(&account, "user_id = ?", userID).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &account, created, nil
}

// Deduct atomically decrements the balance by entry.Amount (a positive
// number) if the balance covers it and appends a usage entry.
func (r *CreditRepository) Deduct(ctx context.Context, entry *model.CreditTransaction) (int, error) {
	amount := entry.Amount
	var balance int

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if entry.WorkflowID != nil {
			exists, err := transactionExists(tx, *entry.WorkflowID, entry.Unit, model.CreditUsage)
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicateTransaction
			}
		}

		res := tx.Model(&model.CreditAccount{}).
			Where("user_id = ? AND balance >= ?", entry.UserID, amount).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance - ?", amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var account model.CreditAccount
			if err := tx.First(&account, "user_id = ?", entry.UserID).Error; err != nil {
				return err
			}
			return ErrInsufficientBalance
		}

		var err error
		balance, err = currentBalance(tx, entry.UserID)
		if err != nil {
			return err
		}

		entry.Type = model.CreditUsage
		entry.Amount = -amount
		entry.BalanceAfter = balance
		return createTransaction(tx, entry)
	})
	if err != nil {
		entry.Amount = amount
		return 0, err
	}
	return balance, nil
}

// Credit atomically increments the balance and appends entry.
func (r *CreditRepository) Credit(ctx context.Context, entry *model.CreditTransaction) (int, error) {
	var balance int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = credit(tx, entry)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Refund returns the usage charged for (workflowID, unit) exactly once and
// reports the amount given back. The amount is zero when there was no such
// charge or it was already refunded.
func (r *CreditRepository) Refund(ctx context.Context, userID string, workflowID uuid.UUID, unit, description string) (int, int, error) {
	var balance, refunded int

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var usage model.CreditTransaction
		err := tx.Where("workflow_id = ? AND unit = ? AND type = ?", workflowID, unit, model.CreditUsage).
			First(&usage).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			balance, err = currentBalance(tx, userID)
			return err
		}
		if err != nil {
			return err
		}

		exists, err := transactionExists(tx, workflowID, unit, model.CreditRefund)
		if err != nil {
			return err
		}
		if exists {
			balance, err = currentBalance(tx, userID)
			return err
		}

		id := workflowID
		balance, err = credit(tx, &model.CreditTransaction{
			UserID:      usage.UserID,
			Amount:      -usage.Amount,
			Type:        model.CreditRefund,
			Description: description,
			WorkflowID:  &id,
			Unit:        unit,
		})
		if err != nil {
			return err
		}
		refunded = -usage.Amount
		return nil
	})
	if errors.Is(err, ErrDuplicateTransaction) {
		account, getErr := r.GetAccount(ctx, userID)
		if getErr != nil {
			return 0, 0, getErr
		}
		return account.Balance, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return balance, refunded, nil
}

func (r *CreditRepository) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, int64, error) {
	var entries []model.CreditTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	return entries, total, err
}

func (r *CreditRepository) ListForWorkflow(ctx context.Context, workflowID uuid.UUID) ([]model.CreditTransaction, error) {
	var entries []model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

func credit(tx *gorm.DB, entry *model.CreditTransaction) (int, error) {
	res := tx.Model(&model.CreditAccount{}).
		Where("user_id = ?", entry.UserID).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", entry.Amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}

	balance, err := currentBalance(tx, entry.UserID)
	if err != nil {
		return 0, err
	}
	entry.BalanceAfter = balance
	if err := createTransaction(tx, entry); err != nil {
		return 0, err
	}
	return balance, nil
}

func createTransaction(tx *gorm.DB, entry *model.CreditTransaction) error {
	if err := tx.Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateTransaction
		}
		return err
	}
	return nil
}

func currentBalance(tx *gorm.DB, userID string) (int, error) {
	var account model.CreditAccount
	if err := tx.Select("balance").First(&account, "user_id = ?", userID).Error; err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func transactionExists(tx *gorm.DB, workflowID uuid.UUID, unit string, kind model.CreditTransactionType) (bool, error) {
	var count int64
	err := tx.Model(&model.CreditTransaction{}).
		Where("workflow_id = ? AND unit = ? AND type = ?", workflowID, unit, kind).
		Count(&count).Error
	return count > 0, err
}
