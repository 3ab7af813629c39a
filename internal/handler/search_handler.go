package handler

import (
	"net/http"

	"frame-index-go/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SearchHandler 结构体定义了检索相关的处理器。
type SearchHandler struct {
	searchService service.SearchService
	log           *zap.SugaredLogger
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService, logger *zap.SugaredLogger) *SearchHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SearchHandler{searchService: searchService, log: logger}
}

// Search 按查询文本或向量检索相似的帧与分块。
func (h *SearchHandler) Search(c *gin.Context) {
	var req service.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("[SearchHandler] 请求参数错误: %v", err)
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	results, err := h.searchService.Search(c.Request.Context(), req)
	if err != nil {
		h.log.Errorf("[SearchHandler] 检索失败, error: %v", err)
		failErr(c, err)
		return
	}
	h.log.Infof("[SearchHandler] 检索成功, 返回 %d 条结果", len(results))
	ok(c, results)
}
