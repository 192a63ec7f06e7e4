// Package httpx holds what every handler needs: the caller and the mapping
// from service errors to responses
package httpx

import (
	"errors"
	"net/http"

	"bitwise74/content-api/internal/access"
	"bitwise74/content-api/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Requester builds the caller from what the JWT middleware stored
func Requester(c *gin.Context) service.Requester {
	return service.Requester{
		UserID: c.GetString("userID"),
		OrgID:  c.GetString("orgID"),
		Admin:  c.GetBool("admin"),
	}
}

func status(err error) (int, string) {
	var forbidden *access.Forbidden

	switch {
	case errors.As(err, &forbidden):
		return http.StatusForbidden, forbidden.Reason
	case errors.Is(err, service.ErrFileTooLarge), errors.Is(err, service.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge, err.Error()
	case service.IsValidation(err):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "File not found"
	case errors.Is(err, service.ErrProcessingInProgress),
		errors.Is(err, service.ErrSweepInProgress),
		errors.Is(err, service.ErrNotProcessed):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrQueueFull):
		return http.StatusServiceUnavailable, "Server is busy, try again later"
	}

	return http.StatusInternalServerError, "Internal server error"
}

// Error writes the response for err. Only unexpected errors are logged.
func Error(c *gin.Context, err error) {
	requestID := c.GetString("requestID")
	code, msg := status(err)

	if code == http.StatusInternalServerError {
		zap.L().Error("Request failed",
			zap.String("requestID", requestID),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.JSON(code, gin.H{
		"error":     msg,
		"requestID": requestID,
	})
}

// BadRequest is for input rejected before it reaches a service
func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":     msg,
		"requestID": c.GetString("requestID"),
	})
}
