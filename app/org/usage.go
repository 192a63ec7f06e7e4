package org

import (
	"net/http"

	"bitwise74/content-api/app/httpx"
	"bitwise74/content-api/internal"

	"github.com/gin-gonic/gin"
)

// OrgUsage returns storage usage of an organization to its members
func OrgUsage(c *gin.Context, d *internal.Deps) {
	usage, err := d.Files.Usage(c.Request.Context(), c.Param("id"), httpx.Requester(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, usage)
}
