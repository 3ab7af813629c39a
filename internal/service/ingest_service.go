package service

import (
	"context"
	"errors"
	"fmt"

	"frame-index-go/internal/model"
	"frame-index-go/internal/pipeline"
	"frame-index-go/pkg/tasks"

	"go.uber.org/zap"
)

// ErrAsyncDisabled 表示没有配置 Kafka，无法异步入库。
var ErrAsyncDisabled = errors.New("async ingestion is not configured")

// Ingestor 是 pipeline.Orchestrator 提供的入库能力。
type Ingestor interface {
	Ingest(ctx context.Context, item model.ItemDescriptor, opts model.IngestOptions) pipeline.Result
	IngestAll(ctx context.Context, items []model.ItemDescriptor, opts model.IngestOptions) []pipeline.Result
}

// TaskQueue 投递异步入库任务。
type TaskQueue interface {
	Produce(ctx context.Context, task tasks.IngestTask) error
}

// IngestService 接口定义了入库操作。
type IngestService interface {
	Ingest(ctx context.Context, item model.ItemDescriptor, opts model.IngestOptions) pipeline.Result
	IngestBatch(ctx context.Context, items []model.ItemDescriptor, opts model.IngestOptions) []pipeline.Result
	Enqueue(ctx context.Context, items []model.ItemDescriptor, opts model.IngestOptions) (string, error)
	// Process 执行一个异步任务，实现 kafka.TaskProcessor。
	Process(ctx context.Context, task tasks.IngestTask) error
}

type ingestService struct {
	ingestor Ingestor
	queue    TaskQueue
	log      *zap.SugaredLogger
}

// NewIngestService 创建一个新的 IngestService 实例。queue 为 nil 时不支持异步入库。
func NewIngestService(ingestor Ingestor, queue TaskQueue, logger *zap.SugaredLogger) IngestService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ingestService{ingestor: ingestor, queue: queue, log: logger}
}

func (s *ingestService) Ingest(ctx context.Context, item model.ItemDescriptor, opts model.IngestOptions) pipeline.Result {
	return s.ingestor.Ingest(ctx, item, opts)
}

func (s *ingestService) IngestBatch(ctx context.Context, items []model.ItemDescriptor, opts model.IngestOptions) []pipeline.Result {
	s.log.Infof("[IngestService] 批量入库开始, items: %d, mode: %s", len(items), opts.Mode)
	results := s.ingestor.IngestAll(ctx, items, opts)
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	s.log.Infof("[IngestService] 批量入库结束, 成功 %d / %d", succeeded, len(results))
	return results
}

func (s *ingestService) Enqueue(ctx context.Context, items []model.ItemDescriptor, opts model.IngestOptions) (string, error) {
	if s.queue == nil {
		return "", ErrAsyncDisabled
	}
	if len(items) == 0 {
		return "", fmt.Errorf("no items: %w", model.ErrInvalid)
	}
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return "", err
		}
	}
	task := tasks.NewIngestTask(items, opts)
	if err := s.queue.Produce(ctx, task); err != nil {
		s.log.Errorf("[IngestService] 投递入库任务失败: %v", err)
		return "", fmt.Errorf("enqueue task: %w", model.ErrTransientIO)
	}
	s.log.Infof("[IngestService] 入库任务已投递, task_id: %s, items: %d", task.TaskID, len(items))
	return task.TaskID, nil
}

// Process 只在有 item 写入失败时返回错误，让消费者重投。
// 部分 chunk 失败已记录在处理记录中，不再重试。
func (s *ingestService) Process(ctx context.Context, task tasks.IngestTask) error {
	results := s.ingestor.IngestAll(ctx, task.Items, task.Options)
	var failed []string
	for _, r := range results {
		if !r.Success {
			failed = append(failed, r.ReferenceID)
		} else if len(r.Errors) > 0 {
			s.log.Warnf("[IngestService] 任务 %s 中 %s 部分失败: %v", task.TaskID, r.ReferenceID, r.Errors)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("task %s: %d item(s) failed: %v", task.TaskID, len(failed), failed)
	}
	return nil
}
