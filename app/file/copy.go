package file

import (
	"net/http"

	"bitwise74/content-api/app/httpx"
	"bitwise74/content-api/internal"

	"github.com/gin-gonic/gin"
)

func FileCopy(c *gin.Context, d *internal.Deps) {
	f, err := d.Files.CopyFile(c.Request.Context(), c.Param("id"), httpx.Requester(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, f)
}
