// Package tasks 定义了通过 Kafka 投递的异步任务结构。
package tasks

import (
	"time"

	"frame-index-go/internal/model"

	"github.com/google/uuid"
)

// IngestTask 是一个异步入库任务。
type IngestTask struct {
	TaskID     string                 `json:"task_id"`
	Items      []model.ItemDescriptor `json:"items"`
	Options    model.IngestOptions    `json:"options"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
}

// NewIngestTask 创建一个带新任务 ID 的入库任务。
func NewIngestTask(items []model.ItemDescriptor, opts model.IngestOptions) IngestTask {
	return IngestTask{
		TaskID:     uuid.NewString(),
		Items:      items,
		Options:    opts,
		EnqueuedAt: time.Now().UTC(),
	}
}
