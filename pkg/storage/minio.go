// Package storage 提供了与 MinIO 交互的帧图像存储。
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"frame-index-go/internal/config"
	"frame-index-go/internal/model"
	"frame-index-go/pkg/embedding"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// maxImageBytes 限制单帧图像的大小，嵌入服务对单张图片也有上限。
const maxImageBytes = 20 << 20

// ImageStore 把帧图像保存在一个 MinIO 存储桶里。
type ImageStore struct {
	client *minio.Client
	bucket string
	log    *zap.SugaredLogger
}

// NewImageStore 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewImageStore(ctx context.Context, cfg config.MinIOConfig, logger *zap.SugaredLogger) (*ImageStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	// 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w: %v", model.ErrTransientIO, err)
	}
	if !exists {
		logger.Infof("[Storage] 存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}
	logger.Infof("[Storage] MinIO 就绪, bucket: %s", cfg.BucketName)
	return &ImageStore{client: client, bucket: cfg.BucketName, log: logger}, nil
}

// ObjectName 返回帧图像的对象名：{group}/{name}{ext}。
func ObjectName(group, name, ext string) string {
	if strings.TrimSpace(group) == "" {
		group = model.DefaultGroup
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(group, name+ext)
}

// Put 上传一张帧图像。contentType 为空时根据对象名后缀推断。
func (s *ImageStore) Put(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(objectName))
	}
	_, err := s.client.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("上传对象 %s 失败: %w", objectName, err)
	}
	return nil
}

// Load 读取一张帧图像，供多模态嵌入与 OCR 使用。
func (s *ImageStore) Load(ctx context.Context, objectName string) (*embedding.Image, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("读取对象 %s 失败: %w: %v", objectName, model.ErrTransientIO, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("对象 %s: %w", objectName, model.ErrNotFound)
		}
		return nil, fmt.Errorf("读取对象 %s 失败: %w: %v", objectName, model.ErrTransientIO, err)
	}
	if info.Size > maxImageBytes {
		return nil, fmt.Errorf("对象 %s 大小 %d 超过上限: %w", objectName, info.Size, model.ErrInvalid)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取对象 %s 失败: %w: %v", objectName, model.ErrTransientIO, err)
	}

	contentType := info.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mime.TypeByExtension(path.Ext(objectName))
	}
	return &embedding.Image{Data: data, MIMEType: contentType}, nil
}

// PresignedURL 生成一个临时下载链接。
func (s *ImageStore) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, nil)
	if err != nil {
		s.log.Errorf("[Storage] 生成预签名 URL 失败, object: %s, error: %v", objectName, err)
		return "", err
	}
	return u.String(), nil
}
