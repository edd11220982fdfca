package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/apiserver/middleware"
	"github.com/adflow/adflow/pkg/credits"
	"github.com/adflow/adflow/pkg/model"
)

type CreditsHandler struct {
	ledger       *credits.Ledger
	initialGrant int
	logger       *zap.Logger
}

func NewCreditsHandler(ledger *credits.Ledger, initialGrant int, logger *zap.Logger) *CreditsHandler {
	return &CreditsHandler{ledger: ledger, initialGrant: initialGrant, logger: logger}
}

type transactionResponse struct {
	ID           string `json:"id"`
	Amount       int    `json:"amount"`
	Type         string `json:"type"`
	Description  string `json:"description,omitempty"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	BalanceAfter int    `json:"balance_after"`
	CreatedAt    string `json:"created_at"`
}

// Get returns the balance and recent transactions. Users without an
// account yet see a zero balance.
func (h *CreditsHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	balance, err := h.ledger.Balance(ctx, userID)
	if errors.Is(err, credits.ErrUninitialized) {
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"initialized":  false,
			"balance":      0,
			"transactions": []transactionResponse{},
			"total":        0,
		})
		return
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	history, total, err := h.ledger.History(ctx, userID, parseLimit(c.Query("limit"), 20), parseOffset(c.Query("offset")))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	transactions := make([]transactionResponse, 0, len(history))
	for _, tx := range history {
		transactions = append(transactions, mapTransaction(tx))
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"initialized":  true,
		"balance":      balance,
		"transactions": transactions,
		"total":        total,
	})
}

// Initialize grants the signup credits once; repeated calls are harmless.
func (h *CreditsHandler) Initialize(c *gin.Context) {
	balance, created, err := h.ledger.EnsureAccount(c.Request.Context(), middleware.UserID(c), h.initialGrant)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"created": created,
		"balance": balance,
	})
}

func mapTransaction(tx model.CreditTransaction) transactionResponse {
	resp := transactionResponse{
		ID:           tx.ID.String(),
		Amount:       tx.Amount,
		Type:         string(tx.Type),
		Description:  tx.Description,
		BalanceAfter: tx.BalanceAfter,
		CreatedAt:    tx.CreatedAt.UTC().Format(timeRFC3339Nano),
	}
	if tx.WorkflowID != nil {
		resp.WorkflowID = tx.WorkflowID.String()
	}
	return resp
}
