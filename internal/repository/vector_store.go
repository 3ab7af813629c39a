// Package repository 负责 content/metadata 与 embeddings 两组表的读写。
package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"frame-index-go/internal/model"
	"frame-index-go/pkg/retry"

	"go.uber.org/zap"
)

// ChunkInput 是写入一个 chunk 所需的数据。
type ChunkInput struct {
	Sequence    int
	Content     string
	StartOffset *int
	EndOffset   *int
	Metadata    model.Metadata
}

// ItemHandle 是 StoreItem 的返回值。
type ItemHandle struct {
	ID          uint
	ReferenceID string
}

// ChunkHandle 是 StoreChunk 的返回值，可直接用于 StoreEmbedding。
type ChunkHandle struct {
	ID          uint
	ItemID      uint
	ReferenceID string
}

// ProcessingRecordInput 是写入一条处理记录所需的数据。ChunkID 为 0 表示 item 级记录。
type ProcessingRecordInput struct {
	ItemID    uint
	ChunkID   uint
	Status    string
	ChunkType string
	Format    string
	Metadata  model.Metadata
	Timestamp time.Time
}

// ItemView 是一个 item 及其元数据。
type ItemView struct {
	Item        model.ContentItem `json:"item"`
	ReferenceID string            `json:"reference_id"`
	Metadata    model.Metadata    `json:"metadata"`
}

// ChunkView 是一个 chunk 及其元数据。
type ChunkView struct {
	Chunk       model.ContentChunk `json:"chunk"`
	ReferenceID string             `json:"reference_id"`
	Metadata    model.Metadata     `json:"metadata"`
}

// VectorStore 是 item、chunk、向量与处理记录的唯一写入入口，
// 负责保证引用 ID 在两组表中同时存在或同时不存在。
type VectorStore interface {
	// StoreItem 按 (name, group) upsert item，并重写它的引用 ID 记录。
	// 重复入库时新旧元数据合并，新键覆盖旧键。
	StoreItem(ctx context.Context, item model.ItemDescriptor) (ItemHandle, error)
	// StoreChunk 写入 chunk 及其引用 ID 记录。item 引用 ID 不存在时返回 model.ErrNotFound。
	StoreChunk(ctx context.Context, itemReferenceID string, chunk ChunkInput) (ChunkHandle, error)
	// StoreEmbedding 在同一个事务里写入分类型向量表和统一检索表，按 (reference_id, model) upsert。
	StoreEmbedding(ctx context.Context, referenceID string, refType model.ReferenceType, vector []float32, modelName string) (uint, error)
	// StoreProcessingRecord 按 (item_id, chunk_id) upsert，后写覆盖先写。
	StoreProcessingRecord(ctx context.Context, rec ProcessingRecordInput) error
	// CheckConsistency 当且仅当引用 ID 同时存在于两组表中时返回 true。
	CheckConsistency(ctx context.Context, referenceID string) (bool, error)
	// Search 返回相似度严格大于阈值的结果，按相似度降序，同分按写入顺序。
	Search(ctx context.Context, q model.SearchQuery) ([]model.SearchResult, error)

	GetItem(ctx context.Context, referenceID string) (*ItemView, error)
	ListChunks(ctx context.Context, itemReferenceID string) ([]ChunkView, error)
	ListProcessingRecords(ctx context.Context, itemID uint) ([]model.ProcessingRecord, error)
	// DeleteItem 在一个事务里删除 item、它的 chunk、元数据、处理记录和全部向量。
	DeleteItem(ctx context.Context, referenceID string) error
	// PruneChunks 在一个事务里删除 item 下序号 >= keep 的 chunk 及其元数据、处理记录和向量，
	// 返回删除的 chunk 数。
	PruneChunks(ctx context.Context, itemReferenceID string, keep int) (int, error)
	// ResyncANN 在 ANN 镜像写入失败后补做删除并重写全部向量。索引未落后时直接返回。
	ResyncANN(ctx context.Context) error
}

// ANNIndex 是可选的近似最近邻索引。提交后的向量会镜像到这里，
// 检索时优先使用它，结果的阈值与排序语义与精确扫描一致。
// 镜像失败后到 ResyncANN 成功之前，检索只走精确扫描。
type ANNIndex interface {
	Upsert(ctx context.Context, doc model.EsVectorDocument) error
	Search(ctx context.Context, q model.SearchQuery) ([]model.SearchResult, error)
	Delete(ctx context.Context, docs []model.EsVectorDocument) error
}

// Options 是两种 VectorStore 实现共用的参数。
type Options struct {
	Dimension int          // 向量维度，0 表示不校验
	Retry     retry.Policy // 只对 TransientIO 重试
	ANN       ANNIndex
	Logger    *zap.SugaredLogger
}

func (o Options) normalize() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = retry.Default()
	}
	o.Retry.Retryable = model.IsRetryable
	return o
}

func validateItem(item model.ItemDescriptor) error {
	return item.Validate()
}

func validateEmbedding(referenceID string, refType model.ReferenceType, vector []float32, modelName string, dim int) error {
	if strings.TrimSpace(referenceID) == "" {
		return fmt.Errorf("empty reference id: %w", model.ErrInvalid)
	}
	if !refType.Valid() {
		return fmt.Errorf("unknown reference type %q: %w", refType, model.ErrInvalid)
	}
	if strings.TrimSpace(modelName) == "" {
		return fmt.Errorf("empty model name: %w", model.ErrInvalid)
	}
	return model.Vector(vector).Validate(dim)
}

func validateQuery(q model.SearchQuery, dim int) error {
	if q.Limit <= 0 {
		return fmt.Errorf("search limit must be > 0: %w", model.ErrInvalid)
	}
	if q.ReferenceType != "" && !q.ReferenceType.Valid() {
		return fmt.Errorf("unknown reference type %q: %w", q.ReferenceType, model.ErrInvalid)
	}
	return model.Vector(q.Vector).Validate(dim)
}

// rank 按相似度降序稳定排序并截断到 limit。输入须已按写入顺序排列。
func rank(results []model.SearchResult, limit int) []model.SearchResult {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// chunkMetadata 返回写入 chunk 详情表的元数据，带上引用 ID 与序号。
func chunkMetadata(in model.Metadata, referenceID string, sequence int) model.Metadata {
	seq := sequence
	return in.Merge(model.Metadata{ReferenceID: referenceID, Sequence: &seq})
}
