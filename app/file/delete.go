package file

import (
	"net/http"

	"bitwise74/content-api/app/httpx"
	"bitwise74/content-api/internal"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func FileDelete(c *gin.Context, d *internal.Deps) {
	fileID := c.Param("id")

	if err := d.Files.DeleteFile(c.Request.Context(), fileID, httpx.Requester(c)); err != nil {
		httpx.Error(c, err)
		return
	}

	zap.L().Debug("File deleted", zap.String("file_id", fileID), zap.String("requestID", c.GetString("requestID")))
	c.Status(http.StatusNoContent)
}
