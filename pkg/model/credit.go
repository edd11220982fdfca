package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CreditTransactionType string

const (
	CreditUsage        CreditTransactionType = "usage"
	CreditRefund       CreditTransactionType = "refund"
	CreditPurchase     CreditTransactionType = "purchase"
	CreditInitialGrant CreditTransactionType = "initial_grant"
)

// CreditAccount caches a user's balance. The transaction log is the audit
// trail; the balance is only ever moved by conditional updates.
type CreditAccount struct {
	UserID    string `gorm:"type:varchar(255);primaryKey"`
	Balance   int    `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CreditAccount) TableName() string {
	return "user_credits"
}

// CreditTransaction is append-only. A workflow charge or refund is unique per
// (workflow, unit, type).
type CreditTransaction struct {
	ID           uuid.UUID             `gorm:"type:uuid;primaryKey"`
	UserID       string                `gorm:"type:varchar(255);not null;index"`
	Amount       int                   `gorm:"not null"`
	Type         CreditTransactionType `gorm:"type:varchar(32);not null;uniqueIndex:idx_credit_tx_unit,priority:3"`
	Description  string
	WorkflowID   *uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_credit_tx_unit,priority:1"`
	Unit         string     `gorm:"type:varchar(128);uniqueIndex:idx_credit_tx_unit,priority:2"`
	BalanceAfter int
	CreatedAt    time.Time `gorm:"index"`
}

func (CreditTransaction) TableName() string {
	return "credit_transactions"
}

func (t *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
