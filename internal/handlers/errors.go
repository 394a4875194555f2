package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"
)

// retryAfterSeconds is what SYSTEM_BUSY responses suggest to the client.
const retryAfterSeconds = 1

func statusFor(err error) int {
	var ge *models.GameError
	switch {
	case errors.Is(err, services.ErrTableNotFound):
		return http.StatusNotFound
	case errors.As(err, &ge):
		switch ge.Code {
		case models.CodeInvalidState:
			return http.StatusConflict
		case models.CodeInsufficientFunds:
			return http.StatusPaymentRequired
		case models.CodeInvalidAction:
			return http.StatusBadRequest
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusServiceUnavailable
	}
}

// respondError writes err with the status its code maps to. Anything that is
// not a GameError is reported as SYSTEM_BUSY.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var ge *models.GameError
	switch {
	case status == http.StatusNotFound:
		body["code"] = "NOT_FOUND"
	case errors.As(err, &ge):
		body["code"] = ge.Code
		body["error"] = ge.Message
	default:
		body["code"] = models.CodeSystemBusy
		body["error"] = "temporary failure, retry"
	}
	if status == http.StatusServiceUnavailable {
		body["retry_after"] = retryAfterSeconds
		c.Header("Retry-After", "1")
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    models.CodeInvalidAction,
		"error":   "Invalid request",
		"details": err.Error(),
	})
}
