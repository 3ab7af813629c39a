package service

import (
	"context"
	"time"

	"frame-index-go/internal/model"
	"frame-index-go/internal/repository"

	"go.uber.org/zap"
)

// imageURLExpiry 是帧图像预签名 URL 的有效期。
const imageURLExpiry = time.Hour

// Presigner 为对象生成临时下载地址。
type Presigner interface {
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// ItemDetail 是一个 item 的完整视图。
type ItemDetail struct {
	repository.ItemView
	Chunks   []repository.ChunkView   `json:"chunks"`
	Records  []model.ProcessingRecord `json:"processing_records"`
	ImageURL string                   `json:"image_url,omitempty"`
}

// ItemService 接口定义了 item 的查询与删除。
type ItemService interface {
	Get(ctx context.Context, referenceID string) (*ItemDetail, error)
	Delete(ctx context.Context, referenceID string) error
	CheckConsistency(ctx context.Context, referenceID string) (bool, error)
}

type itemService struct {
	store     repository.VectorStore
	presigner Presigner
	log       *zap.SugaredLogger
}

// NewItemService 创建一个新的 ItemService 实例。presigner 可以为 nil。
func NewItemService(store repository.VectorStore, presigner Presigner, logger *zap.SugaredLogger) ItemService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &itemService{store: store, presigner: presigner, log: logger}
}

func (s *itemService) Get(ctx context.Context, referenceID string) (*ItemDetail, error) {
	view, err := s.store.GetItem(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	chunks, err := s.store.ListChunks(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListProcessingRecords(ctx, view.Item.ID)
	if err != nil {
		return nil, err
	}
	detail := &ItemDetail{ItemView: *view, Chunks: chunks, Records: records}

	if s.presigner != nil && view.Item.ImageObject != "" {
		url, err := s.presigner.PresignedURL(ctx, view.Item.ImageObject, imageURLExpiry)
		if err != nil {
			// 图像地址不是必需的，失败时只记录日志
			s.log.Warnf("[ItemService] 生成预签名 URL 失败, object: %s, error: %v", view.Item.ImageObject, err)
		} else {
			detail.ImageURL = url
		}
	}
	return detail, nil
}

func (s *itemService) Delete(ctx context.Context, referenceID string) error {
	if err := s.store.DeleteItem(ctx, referenceID); err != nil {
		return err
	}
	s.log.Infof("[ItemService] 已删除 item: %s", referenceID)
	return nil
}

func (s *itemService) CheckConsistency(ctx context.Context, referenceID string) (bool, error) {
	return s.store.CheckConsistency(ctx, referenceID)
}
