package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"
)

type UserHandler struct {
	accounts Accounts
	jwt      *services.JWTService
	logger   *zap.Logger
}

func NewUserHandler(accounts Accounts, jwt *services.JWTService, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		accounts: accounts,
		jwt:      jwt,
		logger:   logger.Named("users"),
	}
}

type tokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// IssueToken signs a session for the given user id. It is only mounted for
// development; production tokens come from the identity service sharing
// JWT_SECRET.
func (h *UserHandler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	token, err := h.jwt.GenerateToken(req.UserID)
	if err != nil {
		h.logger.Error("failed to sign token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"token":   token,
		"user_id": req.UserID,
	})
}

func (h *UserHandler) GetBalance(c *gin.Context) {
	userID := c.GetString("user_id")
	ctx := c.Request.Context()

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	balance, err := h.accounts.Balance(ctx, userID)
	if err != nil {
		h.logger.Error("failed to read balance", zap.String("user", userID), zap.Error(err))
		respondError(c, err)
		return
	}
	history, err := h.accounts.Transactions(ctx, userID, limit)
	if err != nil {
		h.logger.Error("failed to read transactions", zap.String("user", userID), zap.Error(err))
		respondError(c, err)
		return
	}
	if history == nil {
		history = []*models.Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"balance":      models.BalanceResponse{UserID: userID, Balance: balance},
		"transactions": history,
	})
}

type depositRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// Deposit tops up the caller's account. Development only.
func (h *UserHandler) Deposit(c *gin.Context) {
	userID := c.GetString("user_id")
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	balance, err := h.accounts.Deposit(c.Request.Context(), userID, req.Amount, "Development top-up")
	if err != nil {
		respondError(c, err)
		return
	}
	h.logger.Info("account topped up", zap.String("user", userID), zap.Int64("amount", req.Amount))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"balance": models.BalanceResponse{UserID: userID, Balance: balance},
	})
}
