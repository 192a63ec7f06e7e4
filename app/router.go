package app

import (
	"time"

	"bitwise74/content-api/app/file"
	"bitwise74/content-api/app/org"
	"bitwise74/content-api/app/retention"
	"bitwise74/content-api/app/root"
	"bitwise74/content-api/internal"
	"bitwise74/content-api/pkg/middleware"

	cache "github.com/chenyahui/gin-cache"
	"github.com/chenyahui/gin-cache/persist"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	CORSOrigins []string
	JWTSecret   []byte
	// RateLimiter guards every authenticated route when set. Its owner
	// closes it.
	RateLimiter *middleware.RateLimiter
}

func NewRouter(d *internal.Deps, o Options) *gin.Engine {
	router := gin.New()

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	if len(o.CORSOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = o.CORSOrigins
	}

	router.Use(
		cors.New(corsConfig),
		gin.Recovery(),
		middleware.NewRequestIDMiddleware(),
		ginzap.GinzapWithConfig(zap.L(), &ginzap.Config{
			TimeFormat: "15:04:05.000",
			UTC:        true,
			Skipper: func(c *gin.Context) bool {
				return c.Request.Method == "HEAD"
			},
			Context: func(c *gin.Context) []zapcore.Field {
				fields := []zapcore.Field{}

				if v := c.GetString("requestID"); v != "" {
					fields = append(fields, zap.String("request_id", v))
				}

				if v := c.GetString("userID"); v != "" {
					fields = append(fields, zap.String("userID", v))
				}

				return fields
			},
		}),
	)

	router.HandleMethodNotAllowed = true
	router.RedirectFixedPath = true

	jwt := middleware.NewJWTMiddleware(o.JWTSecret)
	jsonBody := middleware.BodySizeLimiter(1 << 20)
	store := persist.NewMemoryStore(time.Minute)

	m := router.Group("/api")
	{
		// HEAD /api/heartbeat 			-> Used to check if the server is alive
		m.HEAD("/heartbeat", root.Heartbeat)
	}

	api := m.Group("")
	if o.RateLimiter != nil {
		api.Use(o.RateLimiter.Middleware())
	}
	api.Use(jwt)

	ff := api.Group("/files")
	{
		// POST /api/files/intents		-> Validates an upload and returns a presigned upload URL
		ff.POST("/intents", jsonBody, func(c *gin.Context) { file.FileIntent(c, d) })

		// POST /api/files/:id/process		-> Queues processing of an uploaded file
		ff.POST("/:id/process", func(c *gin.Context) { file.FileProcess(c, d) })

		// GET /api/files/:id			-> Returns the metadata of a file
		ff.GET("/:id", func(c *gin.Context) { file.FileFetch(c, d) })

		// GET /api/files/:id/download		-> Returns a download URL
		ff.GET("/:id/download", func(c *gin.Context) { file.FileDownload(c, d) })

		// PATCH /api/files/:id			-> Updates tags, access level or expiry
		ff.PATCH("/:id", jsonBody, func(c *gin.Context) { file.FileUpdate(c, d) })

		// POST /api/files/:id/copy		-> Copies a file into the caller's scope
		ff.POST("/:id/copy", func(c *gin.Context) { file.FileCopy(c, d) })

		// DELETE /api/files/:id		-> Deletes a file and its objects
		ff.DELETE("/:id", func(c *gin.Context) { file.FileDelete(c, d) })
	}

	orgs := api.Group("/organizations")
	{
		// GET /api/organizations/:id/usage	-> Returns the storage usage of an organization
		orgs.GET("/:id/usage", cachePerUser(store, 30), func(c *gin.Context) { org.OrgUsage(c, d) })
	}

	admin := api.Group("/admin", middleware.RequireAdmin())
	{
		// POST /api/admin/retention/sweep	-> Runs a retention sweep now
		admin.POST("/retention/sweep", func(c *gin.Context) { retention.Sweep(c, d) })

		// POST /api/admin/retention/archive	-> Archives old files nobody accessed lately
		admin.POST("/retention/archive", func(c *gin.Context) { retention.Archive(c, d) })
	}

	return router
}

// cachePerUser caches successful responses for sec seconds, keyed by the
// caller and the request URI
func cachePerUser(store persist.CacheStore, sec int) gin.HandlerFunc {
	ttl := time.Second * time.Duration(sec)

	return cache.Cache(store, ttl, cache.WithCacheStrategyByRequest(func(c *gin.Context) (bool, cache.Strategy) {
		return true, cache.Strategy{
			CacheKey:      c.GetString("userID") + ":" + c.Request.RequestURI,
			CacheDuration: ttl,
		}
	}))
}
