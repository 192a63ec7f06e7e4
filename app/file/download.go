package file

import (
	"net/http"
	"time"

	"bitwise74/content-api/app/httpx"
	"bitwise74/content-api/internal"
	"bitwise74/content-api/internal/service"

	"github.com/gin-gonic/gin"
)

const maxDownloadTTL = 7 * 24 * time.Hour

// FileDownload returns a URL the file can be fetched from. ttl is a Go
// duration, e.g. 15m
func FileDownload(c *gin.Context, d *internal.Deps) {
	ttl := service.DefaultDownloadTTL

	if raw := c.Query("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 || parsed > maxDownloadTTL {
			httpx.BadRequest(c, "Invalid ttl provided")
			return
		}

		ttl = parsed
	}

	url, err := d.Files.GenerateDownloadURL(c.Request.Context(), c.Param("id"), httpx.Requester(c), ttl)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":       url,
		"expiresIn": int(ttl.Seconds()),
	})
}
