// Package main 是 HTTP 服务的入口点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"frame-index-go/internal/app"
	"frame-index-go/internal/config"
	"frame-index-go/internal/handler"
	"frame-index-go/internal/middleware"
	"frame-index-go/internal/model"
	"frame-index-go/pkg/log"
	"frame-index-go/pkg/token"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// seedDir 下的帧图像会在启动时上传并入库，已入库的会被 upsert。
const seedDir = "initfile"

// annResyncInterval 是检查 ANN 索引是否需要重新同步的间隔。
const annResyncInterval = time.Minute

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to config file")
	flag.Parse()

	// 1. 初始化配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志记录器
	logger, err := log.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	logger.Info("日志记录器初始化成功")

	if err := run(cfg, logger); err != nil {
		logger.Errorf("服务异常退出: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 初始化存储、嵌入服务与流水线
	a, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var wg sync.WaitGroup

	// 4. 启动后台 Kafka 消费者
	if consumer := a.NewConsumer(); consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.Errorf("Kafka 消费者退出: %v", err)
			}
		}()
	}

	// 4.1 导入 initfile 目录中的帧图像
	wg.Add(1)
	go func() {
		defer wg.Done()
		seedFrames(ctx, a, seedDir, logger)
	}()

	// 4.2 ANN 镜像失败后定期重新同步
	if cfg.Elasticsearch.Enabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resyncANN(ctx, a, annResyncInterval, logger)
		}()
	}

	// 5. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(logger), gin.Recovery())
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenExpireHours)
	handler.RegisterRoutes(r, jwtManager, handler.Handlers{
		Ingest: handler.NewIngestHandler(a.Ingest, logger),
		Upload: handler.NewUploadHandler(a.Upload, a.Ingest, logger),
		Search: handler.NewSearchHandler(a.Search, logger),
		Item:   handler.NewItemHandler(a.Items, logger),
	})

	// 6. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("接收到停机信号，正在关闭服务...")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP 服务监听失败: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 等待消费者处理完当前消息
	stop()
	wg.Wait()
	logger.Info("服务已优雅关闭")
	return nil
}

// seedFrames 上传目录下的帧图像并入库（幂等）。配置了 Kafka 时投递任务，否则同步并行入库。
func seedFrames(ctx context.Context, a *app.App, dir string, logger *zap.SugaredLogger) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		logger.Infof("seedFrames: 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}
	items, err := a.Upload.UploadDir(ctx, dir, model.DefaultGroup)
	if err != nil {
		logger.Warnf("seedFrames: 上传帧图像失败: %v", err)
		if len(items) == 0 {
			return
		}
	}

	opts := model.IngestOptions{Mode: model.IngestParallel}
	if taskID, err := a.Ingest.Enqueue(ctx, items, opts); err == nil {
		logger.Infof("seedFrames: 已投递入库任务 %s, items: %d", taskID, len(items))
		return
	}
	results := a.Ingest.IngestBatch(ctx, items, opts)
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	logger.Infof("seedFrames: 导入完成, 成功 %d, 失败 %d", len(results)-failed, failed)
}

// resyncANN 定期检查 ANN 索引是否落后，落后时用已提交的向量重写索引。
func resyncANN(ctx context.Context, a *app.App, interval time.Duration, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Store.ResyncANN(ctx); err != nil {
				logger.Warnf("[App] ANN 索引重新同步失败, 下次重试: %v", err)
			}
		}
	}
}
