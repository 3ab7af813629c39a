package handler

import (
	"encoding/json"
	"net/http"

	"frame-index-go/internal/model"
	"frame-index-go/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源，鉴权由 token 完成
	},
}

// IngestRequest 是单个 item 的入库请求，入库参数与 item 平级。
type IngestRequest struct {
	Item model.ItemDescriptor `json:"item" binding:"required"`
	model.IngestOptions
}

// BatchIngestRequest 是批量入库请求。
type BatchIngestRequest struct {
	Items []model.ItemDescriptor `json:"items" binding:"required,min=1"`
	model.IngestOptions
}

// IngestHandler 负责入库相关的接口。
type IngestHandler struct {
	ingestService service.IngestService
	log           *zap.SugaredLogger
}

// NewIngestHandler 创建一个新的 IngestHandler 实例。
func NewIngestHandler(ingestService service.IngestService, logger *zap.SugaredLogger) *IngestHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &IngestHandler{ingestService: ingestService, log: logger}
}

// Ingest 同步入库单个 item。
func (h *IngestHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("[IngestHandler] 请求参数错误: %v", err)
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	result := h.ingestService.Ingest(c.Request.Context(), req.Item, req.IngestOptions)
	status := resultStatus(result)
	c.JSON(status, gin.H{"code": status, "message": messageFor(result.Success), "data": result})
}

// IngestBatch 同步批量入库。单个 item 的失败体现在对应的结果中，不影响整体状态码。
func (h *IngestHandler) IngestBatch(c *gin.Context) {
	var req BatchIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("[IngestHandler] 请求参数错误: %v", err)
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	switch req.Mode {
	case "", model.IngestSequential, model.IngestParallel:
	default:
		fail(c, http.StatusBadRequest, "mode 只能是 sequential 或 parallel")
		return
	}

	results := h.ingestService.IngestBatch(c.Request.Context(), req.Items, req.IngestOptions)
	ok(c, results)
}

// IngestAsync 把入库任务投递到 Kafka，返回任务 ID。
func (h *IngestHandler) IngestAsync(c *gin.Context) {
	var req BatchIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	taskID, err := h.ingestService.Enqueue(c.Request.Context(), req.Items, req.IngestOptions)
	if err != nil {
		h.log.Errorf("[IngestHandler] 投递入库任务失败: %v", err)
		failErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "accepted", "data": gin.H{"task_id": taskID}})
}

// Stream 通过 WebSocket 逐条接收入库请求并回写结果。
// 每条消息是一个 IngestRequest，同一连接上的请求按到达顺序处理。
func (h *IngestHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorf("[IngestHandler] WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()
	h.log.Info("[IngestHandler] WebSocket 连接已建立")

	ctx := c.Request.Context()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warnf("[IngestHandler] 从 WebSocket 读取消息失败: %v", err)
			}
			return
		}

		var req IngestRequest
		if err := json.Unmarshal(message, &req); err != nil {
			if werr := conn.WriteJSON(gin.H{"type": "error", "message": "无法解析消息: " + err.Error()}); werr != nil {
				return
			}
			continue
		}

		result := h.ingestService.Ingest(ctx, req.Item, req.IngestOptions)
		if err := conn.WriteJSON(gin.H{"type": "result", "data": result}); err != nil {
			h.log.Warnf("[IngestHandler] 写回结果失败: %v", err)
			return
		}
	}
}

func messageFor(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}
