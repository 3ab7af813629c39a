package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"frame-index-go/internal/model"
	"frame-index-go/pkg/storage"

	"go.uber.org/zap"
)

// ErrStorageDisabled 表示没有配置对象存储，无法上传帧图像。
var ErrStorageDisabled = errors.New("image storage is not configured")

// frameExtensions 是目录导入时识别为帧图像的后缀。
var frameExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true,
}

// ImagePutter 上传帧图像。
type ImagePutter interface {
	Put(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error
}

// FrameUpload 是一次帧图像上传。
type FrameUpload struct {
	Name        string
	Group       string
	Metadata    model.Metadata
	Reader      io.Reader
	Size        int64
	ContentType string
}

// UploadService 负责把帧图像写入对象存储，并返回可入库的 item 描述。
type UploadService interface {
	UploadFrame(ctx context.Context, up FrameUpload) (model.ItemDescriptor, error)
	// UploadDir 上传目录下的全部帧图像，子目录名作为分组，根目录下的文件使用 group。
	UploadDir(ctx context.Context, dir, group string) ([]model.ItemDescriptor, error)
}

type uploadService struct {
	images ImagePutter
	log    *zap.SugaredLogger
}

// NewUploadService 创建一个新的 UploadService 实例。images 为 nil 时上传返回 ErrStorageDisabled。
func NewUploadService(images ImagePutter, logger *zap.SugaredLogger) UploadService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &uploadService{images: images, log: logger}
}

func (s *uploadService) UploadFrame(ctx context.Context, up FrameUpload) (model.ItemDescriptor, error) {
	if s.images == nil {
		return model.ItemDescriptor{}, ErrStorageDisabled
	}
	item := model.ItemDescriptor{Name: filepath.Base(strings.TrimSpace(up.Name)), Group: up.Group, Metadata: up.Metadata}
	if up.Name == "" || item.Name == "." || item.Name == "/" {
		return model.ItemDescriptor{}, fmt.Errorf("frame name is empty: %w", model.ErrInvalid)
	}
	item.ImageObject = storage.ObjectName(item.GroupOrDefault(), item.Name, "")

	if err := s.images.Put(ctx, item.ImageObject, up.Reader, up.Size, up.ContentType); err != nil {
		s.log.Errorf("[UploadService] 上传帧图像失败, object: %s, error: %v", item.ImageObject, err)
		return model.ItemDescriptor{}, fmt.Errorf("%v: %w", err, model.ErrTransientIO)
	}
	s.log.Infof("[UploadService] 帧图像已上传: %s (%d bytes)", item.ImageObject, up.Size)
	return item, nil
}

func (s *uploadService) UploadDir(ctx context.Context, dir, group string) ([]model.ItemDescriptor, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory: %w", dir, model.ErrInvalid)
	}

	var items []model.ItemDescriptor
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !frameExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		itemGroup := group
		if rel, _ := filepath.Rel(dir, filepath.Dir(path)); rel != "." && rel != "" {
			itemGroup = filepath.ToSlash(rel)
		}

		f, err := os.Open(path)
		if err != nil {
			s.log.Warnf("[UploadService] 打开文件失败: %s, err=%v", path, err)
			return nil
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil {
			return nil
		}

		item, err := s.UploadFrame(ctx, FrameUpload{
			Name:     d.Name(),
			Group:    itemGroup,
			Reader:   f,
			Size:     fi.Size(),
			Metadata: model.NewMetadata(map[string]any{"source_file": filepath.ToSlash(path)}),
		})
		if err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	if walkErr != nil {
		return items, walkErr
	}
	return items, nil
}
