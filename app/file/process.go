package file

import (
	"net/http"
	"strconv"

	"bitwise74/content-api/app/httpx"
	"bitwise74/content-api/internal"
	"bitwise74/content-api/internal/service"

	"github.com/gin-gonic/gin"
)

// FileProcess queues a pipeline run once the client finished uploading
func FileProcess(c *gin.Context, d *internal.Deps) {
	force, err := strconv.ParseBool(c.DefaultQuery("force", "false"))
	if err != nil {
		httpx.BadRequest(c, "Invalid force value provided")
		return
	}

	opts := service.ProcessOptions{
		Force:  force,
		Reason: c.Query("reason"),
	}

	err = d.Files.RequestProcessing(c.Request.Context(), d.Dispatcher, c.Param("id"), httpx.Requester(c), opts)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"fileId": c.Param("id"),
		"status": "queued",
	})
}
