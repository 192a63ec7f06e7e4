package file

import (
	"net/http"

	"bitwise74/content-api/app/httpx"
	"bitwise74/content-api/internal"
	"bitwise74/content-api/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// FileIntent validates an upload and returns the presigned URL the client
// sends the bytes to
func FileIntent(c *gin.Context, d *internal.Deps) {
	requestID := c.MustGet("requestID").(string)

	var req service.IntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "Malformed or invalid JSON request body")

		zap.L().Debug("Failed to read JSON body", zap.Error(err), zap.String("requestID", requestID))
		return
	}

	intent, err := d.Uploads.GenerateUploadIntent(c.Request.Context(), req, httpx.Requester(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, intent)
}
