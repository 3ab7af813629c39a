package handler

import (
	"net/http"

	"frame-index-go/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ItemHandler 负责 item 的查询、删除与一致性检查。
type ItemHandler struct {
	itemService service.ItemService
	log         *zap.SugaredLogger
}

// NewItemHandler 创建一个新的 ItemHandler 实例。
func NewItemHandler(itemService service.ItemService, logger *zap.SugaredLogger) *ItemHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ItemHandler{itemService: itemService, log: logger}
}

// Get 返回 item、分块、处理记录以及图像的预签名地址。
func (h *ItemHandler) Get(c *gin.Context) {
	ref := c.Param("referenceId")
	detail, err := h.itemService.Get(c.Request.Context(), ref)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, detail)
}

// Delete 删除 item 及其在两组表中的全部数据。
func (h *ItemHandler) Delete(c *gin.Context) {
	ref := c.Param("referenceId")
	if err := h.itemService.Delete(c.Request.Context(), ref); err != nil {
		h.log.Errorf("[ItemHandler] 删除 item 失败, reference_id: %s, error: %v", ref, err)
		failErr(c, err)
		return
	}
	ok(c, gin.H{"reference_id": ref})
}

// Consistency 检查引用 ID 是否同时存在于两组表中。
func (h *ItemHandler) Consistency(c *gin.Context) {
	ref := c.Param("referenceId")
	consistent, err := h.itemService.CheckConsistency(c.Request.Context(), ref)
	if err != nil {
		failErr(c, err)
		return
	}
	if !consistent {
		h.log.Warnf("[ItemHandler] 引用 ID 不一致: %s", ref)
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"reference_id": ref, "consistent": consistent}})
}
