package handler

import (
	"encoding/json"
	"net/http"

	"frame-index-go/internal/model"
	"frame-index-go/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UploadHandler 负责帧图像上传。上传成功后立即入库，async=true 时改为投递任务。
type UploadHandler struct {
	uploadService service.UploadService
	ingestService service.IngestService
	log           *zap.SugaredLogger
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService, ingestService service.IngestService, logger *zap.SugaredLogger) *UploadHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &UploadHandler{uploadService: uploadService, ingestService: ingestService, log: logger}
}

// UploadFrame 处理 multipart 上传：file 为图像，group 与 metadata（JSON 对象）可选。
func (h *UploadHandler) UploadFrame(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "缺少 file 参数")
		return
	}

	var meta model.Metadata
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			fail(c, http.StatusBadRequest, "metadata 必须是 JSON 对象")
			return
		}
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.log.Errorf("[UploadHandler] 打开上传文件失败: %v", err)
		fail(c, http.StatusInternalServerError, "无法读取上传文件")
		return
	}
	defer file.Close()

	item, err := h.uploadService.UploadFrame(c.Request.Context(), service.FrameUpload{
		Name:        fileHeader.Filename,
		Group:       c.PostForm("group"),
		Metadata:    meta,
		Reader:      file,
		Size:        fileHeader.Size,
		ContentType: fileHeader.Header.Get("Content-Type"),
	})
	if err != nil {
		failErr(c, err)
		return
	}

	if c.PostForm("async") == "true" {
		taskID, err := h.ingestService.Enqueue(c.Request.Context(), []model.ItemDescriptor{item}, model.IngestOptions{})
		if err != nil {
			failErr(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "accepted", "data": gin.H{"task_id": taskID, "item": item}})
		return
	}

	result := h.ingestService.Ingest(c.Request.Context(), item, model.IngestOptions{})
	status := resultStatus(result)
	c.JSON(status, gin.H{"code": status, "message": messageFor(result.Success), "data": result})
}
