package handler

import (
	"net/http"

	"frame-index-go/internal/middleware"
	"frame-index-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// Handlers 汇总了所有需要注册路由的处理器。
type Handlers struct {
	Ingest *IngestHandler
	Upload *UploadHandler
	Search *SearchHandler
	Item   *ItemHandler
}

// RegisterRoutes 在 /api/v1 下注册全部路由，除健康检查外均需要 JWT 认证。
func RegisterRoutes(r *gin.Engine, jwtManager *token.JWTManager, h Handlers) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(jwtManager))

	// Ingest 路由组
	ingest := apiV1.Group("/ingest")
	ingest.Use(middleware.RequireScope(token.ScopeIngest))
	{
		ingest.POST("", h.Ingest.Ingest)
		ingest.POST("/batch", h.Ingest.IngestBatch)
		ingest.POST("/async", h.Ingest.IngestAsync)
		ingest.GET("/stream", h.Ingest.Stream)
	}
	apiV1.POST("/frames", middleware.RequireScope(token.ScopeIngest), h.Upload.UploadFrame)

	// Search 路由组
	search := apiV1.Group("")
	search.Use(middleware.RequireScope(token.ScopeSearch))
	{
		search.POST("/search", h.Search.Search)
		search.GET("/references/:referenceId/consistency", h.Item.Consistency)
		search.GET("/items/:referenceId", h.Item.Get)
	}

	// 删除需要管理员权限
	apiV1.DELETE("/items/:referenceId", middleware.AdminAuthMiddleware(), h.Item.Delete)
}
