package retention

import (
	"net/http"
	"strconv"

	"bitwise74/content-api/app/httpx"
	"bitwise74/content-api/internal"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Sweep runs a retention sweep right away and returns what it reclaimed
func Sweep(c *gin.Context, d *internal.Deps) {
	res, err := d.Retention.RunSweep(c.Request.Context())
	if err != nil {
		httpx.Error(c, err)
		return
	}

	zap.L().Info("Manual retention sweep done",
		zap.String("userID", c.GetString("userID")),
		zap.Int64("bytes_reclaimed", res.BytesReclaimed))

	c.JSON(http.StatusOK, res)
}

// Archive archives files older than days that nobody accessed lately
func Archive(c *gin.Context, d *internal.Deps) {
	days, err := strconv.Atoi(c.Query("days"))
	if err != nil || days <= 0 {
		httpx.BadRequest(c, "Invalid days provided")
		return
	}

	n, err := d.Retention.ArchiveOldFiles(c.Request.Context(), days)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"archived": n})
}
