// Package service 提供了入库、检索与 item 查询的业务逻辑。
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"frame-index-go/internal/config"
	"frame-index-go/internal/model"
	"frame-index-go/internal/repository"
	"frame-index-go/pkg/embedding"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SearchRequest 是一次检索请求。Query 与 Vector 二选一，Vector 优先。
type SearchRequest struct {
	Query               string              `json:"query"`
	Vector              []float32           `json:"vector"`
	ReferenceType       model.ReferenceType `json:"reference_type"`
	TopK                int                 `json:"top_k"`
	SimilarityThreshold *float64            `json:"similarity_threshold"`
}

// SearchService 接口定义了检索操作。
type SearchService interface {
	Search(ctx context.Context, req SearchRequest) ([]model.SearchResult, error)
}

// QueryCache 缓存查询文本的向量。
type QueryCache interface {
	Get(ctx context.Context, key string) ([]float32, error)
	Set(ctx context.Context, key string, vector []float32, ttl time.Duration) error
}

// RedisQueryCache 把查询向量以 JSON 存在 Redis 中。
type RedisQueryCache struct {
	rdb *redis.Client
}

// NewRedisQueryCache 创建 RedisQueryCache。
func NewRedisQueryCache(rdb *redis.Client) *RedisQueryCache {
	return &RedisQueryCache{rdb: rdb}
}

// Get 读取缓存。未命中时返回 model.ErrNotFound。
func (c *RedisQueryCache) Get(ctx context.Context, key string) ([]float32, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// Set 写入缓存。
func (c *RedisQueryCache) Set(ctx context.Context, key string, vector []float32, ttl time.Duration) error {
	raw, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

// QueryCacheKey 返回查询向量的缓存 key：embedding:query:{model}:{sha256(query)}。
func QueryCacheKey(modelName, query string) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("embedding:query:%s:%s", modelName, hex.EncodeToString(sum[:]))
}

type searchService struct {
	store    repository.VectorStore
	embedder embedding.QueryEmbedder
	model    string
	cache    QueryCache
	cfg      config.SearchConfig
	log      *zap.SugaredLogger
}

// NewSearchService 创建一个新的 SearchService 实例。cache 可以为 nil。
func NewSearchService(store repository.VectorStore, embedder embedding.QueryEmbedder, modelName string, cache QueryCache, cfg config.SearchConfig, logger *zap.SugaredLogger) SearchService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &searchService{
		store:    store,
		embedder: embedder,
		model:    modelName,
		cache:    cache,
		cfg:      cfg,
		log:      logger,
	}
}

// Search 把查询文本向量化（或直接使用给定向量），在统一向量表中检索。
func (s *searchService) Search(ctx context.Context, req SearchRequest) ([]model.SearchResult, error) {
	q := model.SearchQuery{
		ReferenceType:       req.ReferenceType,
		SimilarityThreshold: s.cfg.SimilarityThreshold,
		Limit:               req.TopK,
	}
	if q.Limit == 0 {
		q.Limit = s.cfg.DefaultTopK
	}
	if req.SimilarityThreshold != nil {
		q.SimilarityThreshold = *req.SimilarityThreshold
	}

	switch {
	case len(req.Vector) > 0:
		q.Vector = req.Vector
	case strings.TrimSpace(req.Query) != "":
		vec, err := s.queryVector(ctx, strings.TrimSpace(req.Query))
		if err != nil {
			return nil, err
		}
		q.Vector = vec
	default:
		return nil, fmt.Errorf("query or vector is required: %w", model.ErrInvalid)
	}

	s.log.Infof("[SearchService] 开始检索, type: '%s', top_k: %d, threshold: %.3f", q.ReferenceType, q.Limit, q.SimilarityThreshold)
	results, err := s.store.Search(ctx, q)
	if err != nil {
		s.log.Errorf("[SearchService] 检索失败: %v", err)
		return nil, err
	}
	s.log.Infof("[SearchService] 检索完成, 命中 %d 条", len(results))
	return results, nil
}

func (s *searchService) queryVector(ctx context.Context, query string) ([]float32, error) {
	key := QueryCacheKey(s.model, query)
	if s.cache != nil {
		vec, err := s.cache.Get(ctx, key)
		if err == nil {
			s.log.Debugf("[SearchService] 查询向量命中缓存, key: %s", key)
			return vec, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			s.log.Warnf("[SearchService] 读取查询向量缓存失败: %v", err)
		}
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		s.log.Errorf("[SearchService] 向量化查询失败: %v", err)
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}

	if s.cache != nil && s.cfg.QueryCacheTTL > 0 {
		if err := s.cache.Set(ctx, key, vec, s.cfg.QueryCacheTTL); err != nil {
			s.log.Warnf("[SearchService] 写入查询向量缓存失败: %v", err)
		}
	}
	return vec, nil
}
