package file

import (
	"net/http"

	"bitwise74/content-api/app/httpx"
	"bitwise74/content-api/internal"
	"bitwise74/content-api/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func FileUpdate(c *gin.Context, d *internal.Deps) {
	requestID := c.MustGet("requestID").(string)

	var req service.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "Malformed or invalid JSON request body")

		zap.L().Debug("Failed to read JSON body", zap.Error(err), zap.String("requestID", requestID))
		return
	}

	if req.Tags == nil && req.AccessLevel == nil && req.ExpiresAt == nil && !req.ClearExpiry {
		httpx.BadRequest(c, "No edit options provided")
		return
	}

	f, err := d.Files.UpdateFile(c.Request.Context(), c.Param("id"), httpx.Requester(c), req)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, f)
}
