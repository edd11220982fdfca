package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/adflow/adflow/pkg/metrics"
	"github.com/adflow/adflow/pkg/model"
	"github.com/adflow/adflow/pkg/store/postgres"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadyCharged      = errors.New("unit already charged")
	ErrUninitialized       = errors.New("credit account not initialized")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Repository is the storage the ledger needs.
type Repository interface {
	GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error)
	EnsureAccount(ctx context.Context, userID string, grant int) (*model.CreditAccount, bool, error)
	Deduct(ctx context.Context, entry *model.CreditTransaction) (int, error)
	Credit(ctx context.Context, entry *model.CreditTransaction) (int, error)
	Refund(ctx context.Context, userID string, workflowID uuid.UUID, unit, description string) (int, int, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, int64, error)
	ListForWorkflow(ctx context.Context, workflowID uuid.UUID) ([]model.CreditTransaction, error)
}

// Charge identifies what a movement pays for. WorkflowID and Unit are empty
// for movements that are not tied to a job.
type Charge struct {
	WorkflowID  uuid.UUID
	Unit        string
	Description string
}

type CheckResult struct {
	Sufficient bool
	Current    int
}

type Ledger struct {
	repo   Repository
	logger *zap.Logger
}

func NewLedger(repo Repository, logger *zap.Logger) *Ledger {
	return &Ledger{repo: repo, logger: logger}
}

// Check reports whether userID can pay amount. It never mutates.
func (l *Ledger) Check(ctx context.Context, userID string, amount int) (CheckResult, error) {
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{Sufficient: balance >= amount, Current: balance}, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	account, err := l.repo.GetAccount(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrUninitialized
	}
	if err != nil {
		return 0, fmt.Errorf("get credit account: %w", err)
	}
	return account.Balance, nil
}

// EnsureAccount creates the account with the initial grant on first use.
func (l *Ledger) EnsureAccount(ctx context.Context, userID string, grant int) (int, bool, error) {
	account, created, err := l.repo.EnsureAccount(ctx, userID, grant)
	if err != nil {
		return 0, false, fmt.Errorf("ensure credit account: %w", err)
	}
	if created {
		metrics.CreditMovements.WithLabelValues(string(model.CreditInitialGrant)).Add(float64(grant))
		l.logger.Info("credit account initialized", zap.String("user_id", userID), zap.Int("grant", grant))
	}
	return account.Balance, created, nil
}

// Deduct charges amount for charge. It fails with ErrInsufficientCredits
// without touching the balance, and with ErrAlreadyCharged when the
// workflow unit has been paid before.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int, charge Charge) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	entry := &model.CreditTransaction{
		UserID:      userID,
		Amount:      amount,
		Description: charge.Description,
		Unit:        charge.Unit,
	}
	if charge.WorkflowID != uuid.Nil {
		id := charge.WorkflowID
		entry.WorkflowID = &id
	}

	balance, err := l.repo.Deduct(ctx, entry)
	switch {
	case err == nil:
	case errors.Is(err, postgres.ErrInsufficientBalance):
		return 0, ErrInsufficientCredits
	case errors.Is(err, postgres.ErrDuplicateTransaction):
		return 0, ErrAlreadyCharged
	case errors.Is(err, gorm.ErrRecordNotFound):
		return 0, ErrUninitialized
	default:
		return 0, fmt.Errorf("deduct credits: %w", err)
	}

	metrics.CreditMovements.WithLabelValues(string(model.CreditUsage)).Add(float64(amount))
	l.logger.Info("credits deducted",
		zap.String("user_id", userID),
		zap.Int("amount", amount),
		zap.String("unit", charge.Unit),
		zap.Int("balance", balance),
	)
	return balance, nil
}

// Add credits the account, e.g. after a purchase.
func (l *Ledger) Add(ctx context.Context, userID string, amount int, kind model.CreditTransactionType, description string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := l.repo.Credit(ctx, &model.CreditTransaction{
		UserID:      userID,
		Amount:      amount,
		Type:        kind,
		Description: description,
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrUninitialized
	}
	if err != nil {
		return 0, fmt.Errorf("add credits: %w", err)
	}
	metrics.CreditMovements.WithLabelValues(string(kind)).Add(float64(amount))
	return balance, nil
}

// Refund returns exactly what was deducted for the workflow unit and
// reports that amount. Refunding an unknown or already refunded unit is a
// no-op returning zero.
func (l *Ledger) Refund(ctx context.Context, userID string, workflowID uuid.UUID, unit, reason string) (int, int, error) {
	balance, amount, err := l.repo.Refund(ctx, userID, workflowID, unit, reason)
	if err != nil {
		return 0, 0, fmt.Errorf("refund credits: %w", err)
	}
	if amount > 0 {
		metrics.CreditMovements.WithLabelValues(string(model.CreditRefund)).Add(float64(amount))
		l.logger.Info("credits refunded",
			zap.String("user_id", userID),
			zap.String("workflow_id", workflowID.String()),
			zap.String("unit", unit),
			zap.Int("amount", amount),
			zap.Int("balance", balance),
		)
	}
	return balance, amount, nil
}

func (l *Ledger) History(ctx context.Context, userID string, limit, offset int) ([]model.CreditTransaction, int64, error) {
	return l.repo.ListTransactions(ctx, userID, limit, offset)
}

// Charges lists every movement tied to a workflow, oldest first.
func (l *Ledger) Charges(ctx context.Context, workflowID uuid.UUID) ([]model.CreditTransaction, error) {
	entries, err := l.repo.ListForWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow credits: %w", err)
	}
	return entries, nil
}
