// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"frame-index-go/internal/model"
	"frame-index-go/internal/pipeline"
	"frame-index-go/internal/service"

	"github.com/gin-gonic/gin"
)

// statusFor 把错误分类映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrTransientIO), errors.Is(err, service.ErrAsyncDisabled),
		errors.Is(err, service.ErrStorageDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": nil})
}

func failErr(c *gin.Context, err error) {
	fail(c, statusFor(err), err.Error())
}

// resultStatus 返回单个入库结果的 HTTP 状态码：item 写入失败按原因映射，
// 部分失败仍返回 200，错误在 errors[] 中。
func resultStatus(r pipeline.Result) int {
	if r.Success {
		return http.StatusOK
	}
	if err := r.Err(); err != nil {
		return statusFor(err)
	}
	return http.StatusInternalServerError
}
