package middleware

import (
	"net/http"

	"frame-index-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// RequireScope 检查调用方是否具有给定权限。
// 此中间件必须在 AuthMiddleware 之后使用。
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			// AuthMiddleware 未能写入 claims，属于路由配置错误
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法获取调用方信息", "data": nil})
			return
		}
		if !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "权限不足，需要 " + scope + " 权限", "data": nil})
			return
		}
		c.Next()
	}
}

// AdminAuthMiddleware 检查调用方是否具有管理员权限。
func AdminAuthMiddleware() gin.HandlerFunc {
	return RequireScope(token.ScopeAdmin)
}
