package api

import (
	"canopy/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config, uploadLimiter *RateLimiter) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	e.GET("/health", handler.HandleHealth)

	api := e.Group("/api", JWTAuth([]byte(cfg.JWTSecret)))

	// Hierarchy
	api.GET("/folders", handler.HandleList)
	api.POST("/folders", handler.HandleCreateFolder)
	api.PATCH("/items/:id", handler.HandleRename)
	api.DELETE("/items/:id", handler.HandleDelete)
	api.POST("/items/move", handler.HandleMove)
	api.POST("/items/delete", handler.HandleDeleteMany)
	api.GET("/files/:id/download", handler.HandleDownload)
	api.POST("/files/:id/convert", handler.HandleConvert)
	api.GET("/search", handler.HandleSearch)

	// Access
	api.PUT("/items/:id/password", handler.HandleSetPassword)
	api.POST("/items/:id/password/remove", handler.HandleRemovePassword)
	api.POST("/items/:id/verify", handler.HandleVerify)

	// Upload (rate-limited)
	api.POST("/upload/chunk", handler.HandleUploadChunk, uploadLimiter.Middleware())
	api.GET("/upload/status", handler.HandleUploadStatus)

	// Archives and jobs
	api.POST("/archives/compress", handler.HandleCompress)
	api.POST("/archives/decompress", handler.HandleDecompress)
	api.GET("/archives/:id/conflicts", handler.HandleConflicts)
	api.POST("/archives/:id/items", handler.HandleAddToArchive)
	api.GET("/jobs/:id", handler.HandleJob)
	api.DELETE("/jobs/:id", handler.HandleCancelJob)
	api.POST("/jobs/:id/conflict", handler.HandleResolveConflict)

	return e
}
