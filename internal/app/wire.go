// Package app 负责按配置创建并连接各个组件，供 server 与 framectl 共用。
package app

import (
	"context"
	"errors"
	"fmt"

	"frame-index-go/internal/config"
	"frame-index-go/internal/pipeline"
	"frame-index-go/internal/repository"
	"frame-index-go/internal/service"
	"frame-index-go/pkg/database"
	"frame-index-go/pkg/embedding"
	"frame-index-go/pkg/es"
	"frame-index-go/pkg/kafka"
	"frame-index-go/pkg/llm"
	"frame-index-go/pkg/log"
	"frame-index-go/pkg/retry"
	"frame-index-go/pkg/storage"
	"frame-index-go/pkg/tika"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App 持有所有已连接的组件。可选组件未配置时为 nil。
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Redis    *redis.Client
	Store    repository.VectorStore
	Embedder *embedding.RateLimitedClient
	Images   *storage.ImageStore
	Producer *kafka.Producer

	Orchestrator *pipeline.Orchestrator
	Ingest       service.IngestService
	Search       service.SearchService
	Items        service.ItemService
	Upload       service.UploadService

	log *zap.SugaredLogger
}

// Wire 按配置创建全部组件。关系库与嵌入服务是必需的，
// ES、MinIO、Redis、Kafka、Tika、LLM 未配置时跳过。
func Wire(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*App, error) {
	logger = log.OrNop(logger)
	a := &App{Config: cfg, log: logger}

	// 1. 关系库
	db, err := database.OpenDB(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return nil, err
	}
	if err := repository.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	a.DB = db

	// 2. ANN 索引
	var ann repository.ANNIndex
	if cfg.Elasticsearch.Enabled() {
		client, err := es.NewClient(cfg.Elasticsearch)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("es client: %w", err)
		}
		idx, err := es.NewIndex(ctx, client, cfg.Elasticsearch.IndexName, cfg.Embedding.Dimensions, logger)
		if err != nil {
			// ES 只是加速，不可用时检索退回精确扫描
			logger.Warnf("[App] ES 索引不可用, 检索将使用精确扫描: %v", err)
		} else {
			ann = idx
		}
	}

	policy := retry.Default()
	if cfg.Ingestion.StoreRetries > 0 {
		policy.MaxAttempts = cfg.Ingestion.StoreRetries
	}
	a.Store = repository.NewGormVectorStore(db, repository.Options{
		Dimension: cfg.Embedding.Dimensions,
		Retry:     policy,
		ANN:       ann,
		Logger:    logger,
	})

	// 3. 嵌入服务
	a.Embedder, err = embedding.NewClient(cfg.Embedding, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("embedding client: %w", err)
	}

	// 4. 可选协作方
	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	var presigner service.Presigner
	var images service.ImagePutter
	if cfg.MinIO.Enabled() {
		a.Images, err = storage.NewImageStore(ctx, cfg.MinIO, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, pipeline.WithImageLoader(a.Images))
		presigner, images = a.Images, a.Images
	}
	if cfg.Tika.Enabled() {
		opts = append(opts, pipeline.WithTextExtractor(tika.NewClient(cfg.Tika)))
	}
	if cfg.LLM.Enabled() {
		opts = append(opts, pipeline.WithCategorizer(llm.NewClient(cfg.LLM)))
	}

	var cache service.QueryCache
	if cfg.Database.Redis.Enabled() {
		a.Redis, err = database.NewRedis(ctx, cfg.Database.Redis)
		if err != nil {
			// 缓存与重试计数都可以没有 Redis
			logger.Warnf("[App] Redis 不可用, 查询向量缓存已关闭: %v", err)
		} else {
			cache = service.NewRedisQueryCache(a.Redis)
		}
	}

	var queue service.TaskQueue
	if cfg.Kafka.Enabled() {
		a.Producer = kafka.NewProducer(cfg.Kafka)
		queue = a.Producer
	}

	// 5. 流水线与服务
	a.Orchestrator = pipeline.New(a.Store, a.Embedder, cfg.Ingestion, opts...)
	a.Ingest = service.NewIngestService(a.Orchestrator, queue, logger)
	a.Search = service.NewSearchService(a.Store, a.Embedder, a.Embedder.Model(), cache, cfg.Search, logger)
	a.Items = service.NewItemService(a.Store, presigner, logger)
	a.Upload = service.NewUploadService(images, logger)
	return a, nil
}

// NewConsumer 创建处理异步入库任务的 Kafka 消费者。未配置 Kafka 时返回 nil。
func (a *App) NewConsumer() *kafka.Consumer {
	if !a.Config.Kafka.Enabled() {
		return nil
	}
	var attempts kafka.AttemptCounter
	if a.Redis != nil {
		attempts = kafka.NewRedisAttempts(a.Redis)
	}
	return kafka.NewConsumer(a.Config.Kafka, a.Ingest, attempts, a.log)
}

// Close 释放所有连接。
func (a *App) Close() error {
	var errs []error
	if a.Producer != nil {
		errs = append(errs, a.Producer.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
