package chunker

import (
	"context"
	"strings"
	"unicode/utf8"

	"frame-index-go/internal/model"
	"frame-index-go/pkg/embedding"

	"go.uber.org/zap"
)

// embedBatchSize 是语义合并时每次请求嵌入的分块数。
const embedBatchSize = 32

// Embedder 是语义合并所需的嵌入能力。
type Embedder interface {
	EmbedBatch(ctx context.Context, items []embedding.BatchItem) ([][]float32, error)
}

// Chunker 按 Options 切分文本，开启 Semantic 时合并语义相近的相邻分块。
type Chunker struct {
	opts     Options
	embedder Embedder
	log      *zap.SugaredLogger
}

// New 创建 Chunker。embedder 为 nil 时语义合并被跳过。
func New(opts Options, embedder Embedder, logger *zap.SugaredLogger) *Chunker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Chunker{opts: opts.Normalize(), embedder: embedder, log: logger}
}

// Options 返回规范化后的参数。
func (c *Chunker) Options() Options { return c.opts }

// Chunk 切分 text。语义合并失败时退化为普通切分结果，不返回错误。
func (c *Chunker) Chunk(ctx context.Context, text string) []string {
	chunks := split(text, c.opts)
	if !c.opts.Semantic || c.embedder == nil || len(chunks) < 2 {
		return truncate(chunks, c.opts.MaxChunks)
	}
	vectors, err := c.embedAll(ctx, chunks)
	if err != nil {
		c.log.Warnf("[Chunker] 语义合并获取向量失败, 退化为普通分块, error: %v", err)
		return truncate(chunks, c.opts.MaxChunks)
	}
	merged := MergeSemantic(chunks, vectors, c.opts.SimilarityThreshold, 2*c.opts.ChunkSize)
	c.log.Debugf("[Chunker] 语义合并完成, %d -> %d 个分块", len(chunks), len(merged))
	return truncate(merged, c.opts.MaxChunks)
}

// SplitSemantic 是一次性使用 Chunker 的便捷写法。
func SplitSemantic(ctx context.Context, text string, opts Options, embedder Embedder) []string {
	opts.Semantic = true
	return New(opts, embedder, nil).Chunk(ctx, text)
}

func (c *Chunker) embedAll(ctx context.Context, chunks []string) ([][]float32, error) {
	out := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		items := make([]embedding.BatchItem, 0, end-start)
		for _, ch := range chunks[start:end] {
			items = append(items, embedding.BatchItem{Texts: []string{ch}})
		}
		vectors, err := c.embedder.EmbedBatch(ctx, items)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(items) {
			return nil, model.ErrTransientIO
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// MergeSemantic 从左到右合并相邻分块：当前分块与下一个分块的余弦相似度
// 大于 threshold 且合并后不超过 maxLen 个字符时，下一个分块被并入。
// 比较只发生在相邻的原始分块之间，已完成的合并结果不会再被回看。
// vectors 与 chunks 数量不一致时原样返回 chunks。
func MergeSemantic(chunks []string, vectors [][]float32, threshold float64, maxLen int) []string {
	if len(chunks) < 2 || len(vectors) != len(chunks) {
		return chunks
	}
	out := []string{chunks[0]}
	for i := 1; i < len(chunks); i++ {
		last := out[len(out)-1]
		sim := model.CosineSimilarity(vectors[i-1], vectors[i])
		if sim > threshold {
			candidate := mergeText(last, chunks[i])
			if maxLen <= 0 || utf8.RuneCountInString(candidate) <= maxLen {
				out[len(out)-1] = candidate
				continue
			}
		}
		out = append(out, chunks[i])
	}
	return out
}

// mergeText 拼接 a 与 b，去掉 b 开头与 a 结尾重复的重叠部分。
// 重叠必须在两侧都落在空白边界上。
func mergeText(a, b string) string {
	for k := min(len(a), len(b)); k > 0; k-- {
		if k < len(b) && !isSpaceByte(b[k]) {
			continue
		}
		if k < len(a) && !isSpaceByte(a[len(a)-k-1]) {
			continue
		}
		if strings.HasSuffix(a, b[:k]) {
			return a + b[k:]
		}
	}
	return a + paragraphSep + b
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}
