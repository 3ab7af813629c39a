// Package es 提供了基于 Elasticsearch dense_vector 的 ANN 向量索引。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"frame-index-go/internal/config"
	"frame-index-go/internal/model"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"
)

// minNumCandidates 是 kNN 检索每个分片的最少候选数。
const minNumCandidates = 100

// Index 把 embeddings_all_vectors 镜像到一个 ES 索引，并用 HNSW kNN 检索。
type Index struct {
	client *elasticsearch.Client
	name   string
	dims   int
	log    *zap.SugaredLogger
}

// NewClient 按配置创建 Elasticsearch 客户端。
func NewClient(cfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	var addresses []string
	for _, addr := range strings.Split(cfg.Addresses, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addresses = append(addresses, addr)
		}
	}
	return elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	})
}

// NewIndex 创建 Index 并确保索引存在。
func NewIndex(ctx context.Context, client *elasticsearch.Client, name string, dims int, logger *zap.SugaredLogger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	idx := &Index{client: client, name: name, dims: dims, log: logger}
	if err := idx.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// ensureIndex 检查索引是否存在，如果不存在则创建它
func (i *Index) ensureIndex(ctx context.Context) error {
	res, err := i.client.Indices.Exists([]string{i.name}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("检查索引是否存在时出错: %w", transient(err))
	}
	res.Body.Close()
	// 如果 res.StatusCode 是 200，说明索引已存在
	if res.StatusCode == http.StatusOK {
		i.log.Infof("[ES] 索引 '%s' 已存在", i.name)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", i.name, res.StatusCode)
	}

	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"reference_id": { "type": "keyword" },
				"reference_type": { "type": "keyword" },
				"model": { "type": "keyword" },
				"seq": { "type": "long" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				}
			}
		}
	}`, i.dims)

	res, err = i.client.Indices.Create(
		i.name,
		i.client.Indices.Create.WithBody(strings.NewReader(mapping)),
		i.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("创建索引 '%s' 失败: %w", i.name, transient(err))
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", i.name, res.String())
	}
	i.log.Infof("[ES] 索引 '%s' 创建成功", i.name)
	return nil
}

// Upsert 以 (reference_id, model) 为文档 ID 写入或覆盖一个向量。
func (i *Index) Upsert(ctx context.Context, doc model.EsVectorDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      i.name,
		DocumentID: doc.DocumentID(),
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return transient(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("index document", res)
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64                `json:"_score"`
			Source model.EsVectorDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search 执行 kNN 检索，语义与精确扫描一致：相似度严格大于阈值，按相似度降序，同分按 seq 升序。
func (i *Index) Search(ctx context.Context, q model.SearchQuery) ([]model.SearchResult, error) {
	knn := map[string]any{
		"field":          "vector",
		"query_vector":   q.Vector,
		"k":              q.Limit,
		"num_candidates": max(q.Limit*10, minNumCandidates),
	}
	if q.ReferenceType != "" {
		knn["filter"] = map[string]any{"term": map[string]any{"reference_type": q.ReferenceType}}
	}
	body, err := json.Marshal(map[string]any{
		"knn":     knn,
		"size":    q.Limit,
		"_source": []string{"reference_id", "reference_type", "model", "seq"},
	})
	if err != nil {
		return nil, err
	}

	res, err := i.client.Search(
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(i.name),
		i.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, transient(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("knn search", res)
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode knn response: %w", err)
	}
	type hit struct {
		seq    uint
		result model.SearchResult
	}
	hits := make([]hit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		// cosine 相似度下 ES 的分数为 (1 + cos) / 2
		sim := 2*h.Score - 1
		if sim <= q.SimilarityThreshold {
			continue
		}
		hits = append(hits, hit{seq: h.Source.Seq, result: model.SearchResult{
			ReferenceID:   h.Source.ReferenceID,
			ReferenceType: h.Source.ReferenceType,
			Similarity:    sim,
			ModelName:     h.Source.Model,
		}})
	}
	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].result.Similarity != hits[b].result.Similarity {
			return hits[a].result.Similarity > hits[b].result.Similarity
		}
		return hits[a].seq < hits[b].seq
	})
	out := make([]model.SearchResult, 0, min(len(hits), q.Limit))
	for _, h := range hits {
		if len(out) == q.Limit {
			break
		}
		out = append(out, h.result)
	}
	return out, nil
}

// Delete 通过 bulk 请求删除一组向量文档，不存在的文档忽略。
func (i *Index) Delete(ctx context.Context, docs []model.EsVectorDocument) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, d := range docs {
		line, err := json.Marshal(map[string]any{"delete": map[string]string{"_index": i.name, "_id": d.DocumentID()}})
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	res, err := i.client.Bulk(bytes.NewReader(buf.Bytes()),
		i.client.Bulk.WithContext(ctx),
		i.client.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return transient(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("bulk delete", res)
	}
	return nil
}

func transient(err error) error {
	return fmt.Errorf("%w: %v", model.ErrTransientIO, err)
}

func responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err := fmt.Errorf("elasticsearch %s: status %d: %s", op, res.StatusCode, strings.TrimSpace(string(body)))
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		return fmt.Errorf("%w: %v", model.ErrTransientIO, err)
	}
	return err
}
