// Package pipeline 定义了帧入库的核心流程：组装文本、分块、嵌入、写入双 schema 存储。
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"frame-index-go/internal/chunker"
	"frame-index-go/internal/config"
	"frame-index-go/internal/model"
	"frame-index-go/internal/repository"
	"frame-index-go/pkg/embedding"

	"go.uber.org/zap"
)

// State 是单个 item 在流水线中的状态。
type State string

const (
	StatePending   State = "pending"
	StateChunking  State = "chunking"
	StateEmbedding State = "embedding"
	StateStoring   State = "storing"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// 处理记录中的 chunk_type 取值。
const (
	ChunkTypeFrame = "frame"
	ChunkTypeText  = "text"
)

// chunkEmbedBatch 是一次批量嵌入的分块数，批量失败时逐个重试以隔离失败的分块。
const chunkEmbedBatch = 16

// Embedder 是流水线需要的嵌入能力。
type Embedder interface {
	embedding.Client
	Model() string
}

// ImageLoader 按对象名读取帧图像。
type ImageLoader interface {
	Load(ctx context.Context, objectName string) (*embedding.Image, error)
}

// TextExtractor 从帧图像中提取 OCR 文本。
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, fileName string) (string, error)
}

// Categorizer 为帧生成结构化分类。
type Categorizer interface {
	Categorize(ctx context.Context, text string, image *embedding.Image) (*model.Categorization, error)
}

// Result 是单个 item 的入库结果。errors 非空且 embeddings_created > 0 是正常的部分成功。
type Result struct {
	ReferenceID       string   `json:"reference_id"`
	Success           bool     `json:"success"`
	Status            State    `json:"status"`
	ChunksTotal       int      `json:"chunks_total"`
	EmbeddingsCreated int      `json:"embeddings_created"`
	Errors            []string `json:"errors"`
	DurationMs        int64    `json:"duration_ms"`

	cause error // item 失败的原因，保留错误分类
}

// Err 把结果转换成错误分类：item 失败返回具体原因，部分失败返回 model.ErrPartialFailure。
func (r Result) Err() error {
	switch {
	case !r.Success && r.cause != nil:
		return fmt.Errorf("%s: %w", r.ReferenceID, r.cause)
	case !r.Success && len(r.Errors) > 0:
		return errors.New(r.Errors[0])
	case !r.Success:
		return errors.New("ingestion failed")
	case len(r.Errors) > 0:
		return fmt.Errorf("%s: %d error(s): %w", r.ReferenceID, len(r.Errors), model.ErrPartialFailure)
	}
	return nil
}

// Orchestrator 负责单个 item 的状态机以及批量入库的调度。
type Orchestrator struct {
	store       repository.VectorStore
	embedder    Embedder
	images      ImageLoader
	ocr         TextExtractor
	categorizer Categorizer
	defaults    config.IngestionConfig
	log         *zap.SugaredLogger
}

// Option 配置 Orchestrator 的可选协作方。
type Option func(*Orchestrator)

// WithImageLoader 设置帧图像来源。
func WithImageLoader(l ImageLoader) Option { return func(o *Orchestrator) { o.images = l } }

// WithTextExtractor 设置 OCR。
func WithTextExtractor(e TextExtractor) Option { return func(o *Orchestrator) { o.ocr = e } }

// WithCategorizer 设置 LLM 分类。
func WithCategorizer(c Categorizer) Option { return func(o *Orchestrator) { o.categorizer = c } }

// WithLogger 设置日志。
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// New 创建 Orchestrator。defaults 提供请求未指定的入库参数。
func New(store repository.VectorStore, embedder Embedder, defaults config.IngestionConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		embedder: embedder,
		defaults: defaults,
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// chunkOptions 把请求参数与默认值合并成分块参数。
func (o *Orchestrator) chunkOptions(opts model.IngestOptions) chunker.Options {
	co := chunker.Options{
		ChunkSize:           o.defaults.ChunkSize,
		ChunkOverlap:        o.defaults.ChunkOverlap,
		MaxChunks:           o.defaults.MaxChunks,
		Semantic:            o.defaults.Semantic,
		SimilarityThreshold: o.defaults.SimilarityThreshold,
	}
	if opts.ChunkSize > 0 {
		co.ChunkSize = opts.ChunkSize
	}
	if opts.ChunkOverlap != nil {
		co.ChunkOverlap = *opts.ChunkOverlap
	}
	if opts.MaxChunks > 0 {
		co.MaxChunks = opts.MaxChunks
	}
	if opts.Semantic != nil {
		co.Semantic = *opts.Semantic
	}
	if opts.SimilarityThreshold > 0 {
		co.SimilarityThreshold = opts.SimilarityThreshold
	}
	return co.Normalize()
}

// run 记录单个 item 一次执行过程中的状态与错误。
type run struct {
	o      *Orchestrator
	result Result
	state  State
}

func (r *run) transition(s State) {
	r.state = s
	r.o.log.Infow("[Pipeline] 状态变更", "reference_id", r.result.ReferenceID, "state", string(s))
}

func (r *run) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.result.Errors = append(r.result.Errors, msg)
	r.o.log.Warnf("[Pipeline] %s, reference_id: %s", msg, r.result.ReferenceID)
}

// chunkWork 是单个分块在 embedding 与 storing 阶段之间传递的数据。
type chunkWork struct {
	seq    int
	text   string
	span   chunker.Span
	vector []float32
	err    error
}

// Ingest 处理单个 item。返回的 Result 总是带有统计信息，item 写入失败时 Success 为 false。
func (o *Orchestrator) Ingest(ctx context.Context, item model.ItemDescriptor, opts model.IngestOptions) (res Result) {
	start := time.Now()
	r := &run{o: o, result: Result{ReferenceID: item.ReferenceID(), Errors: []string{}}}
	defer func() {
		r.result.DurationMs = time.Since(start).Milliseconds()
		r.result.Status = r.state
		res = r.result
	}()
	r.transition(StatePending)

	if err := item.Validate(); err != nil {
		r.fail("invalid item: %v", err)
		r.result.cause = err
		r.transition(StateFailed)
		return r.result
	}
	if opts.Replace {
		if err := o.store.DeleteItem(ctx, r.result.ReferenceID); err != nil && !errors.Is(err, model.ErrNotFound) {
			r.fail("delete previous item: %v", err)
		}
	}

	image := o.loadImage(ctx, r, item)
	rawText := o.extractText(ctx, r, item, image)
	categorization := o.categorize(ctx, r, item, rawText, image)
	text := ComposeText(item.Metadata, categorization, rawText)

	// chunking
	r.transition(StateChunking)
	copts := o.chunkOptions(opts)
	chunks := chunker.New(copts, o.embedder, o.log).Chunk(ctx, text)
	spans := chunker.Locate(text, chunks)
	r.result.ChunksTotal = len(chunks)
	o.log.Infof("[Pipeline] 分块完成, reference_id: %s, 文本长度: %d, 分块数: %d", r.result.ReferenceID, len(text), len(chunks))

	// embedding
	r.transition(StateEmbedding)
	itemVector, itemErr := o.embedder.Embed(ctx, text, image)
	if itemErr != nil {
		r.fail("item embedding: %v", itemErr)
	}
	work := make([]chunkWork, len(chunks))
	for i, ch := range chunks {
		work[i] = chunkWork{seq: i, text: ch, span: spans[i]}
	}
	o.embedChunks(ctx, work)

	// storing
	r.transition(StateStoring)
	if categorization != nil && !categorization.IsEmpty() {
		// Merge 会复制 Extra，不改动调用方的 map
		item.Metadata = item.Metadata.Merge(model.Metadata{})
		item.Metadata.Set("categorization", categorization)
	}
	handle, err := o.store.StoreItem(ctx, item)
	if err != nil {
		r.fail("store item: %v", err)
		r.result.cause = err
		r.transition(StateFailed)
		return r.result
	}
	r.result.Success = true

	format := ChunkTypeText
	if image != nil {
		format = image.MIMEType
	}
	o.record(ctx, r, handle.ID, 0, model.StatusProcessing, ChunkTypeFrame, format, nil)

	var consistent []string
	itemStatus := model.StatusCompleted
	if itemErr != nil {
		itemStatus = model.StatusFailedEmbedding
	} else if _, err := o.store.StoreEmbedding(ctx, handle.ReferenceID, model.ReferenceTypeFrame, itemVector, o.embedder.Model()); err != nil {
		r.fail("store item embedding: %v", err)
		itemStatus = model.StatusError
	} else {
		r.result.EmbeddingsCreated++
		consistent = append(consistent, handle.ReferenceID)
	}

	// 重复入库时文本变短，旧的多余分块不能继续被检索到
	if n, err := o.store.PruneChunks(ctx, handle.ReferenceID, len(work)); err != nil {
		r.fail("prune stale chunks: %v", err)
	} else if n > 0 {
		o.log.Infof("[Pipeline] 删除旧分块, reference_id: %s, 数量: %d", handle.ReferenceID, n)
	}

	// 同一个 item 的分块按序号顺序写入
	for _, w := range work {
		if ref, ok := o.storeChunk(ctx, r, handle, w); ok {
			consistent = append(consistent, ref)
		}
	}

	o.record(ctx, r, handle.ID, 0, itemStatus, ChunkTypeFrame, format, itemErr)

	for _, ref := range consistent {
		ok, err := o.store.CheckConsistency(ctx, ref)
		switch {
		case err != nil:
			r.fail("consistency check %s: %v", ref, err)
		case !ok:
			r.fail("reference %s is missing from one of the schemas", ref)
		}
	}

	r.transition(StateDone)
	o.log.Infow("[Pipeline] item 入库完成",
		"reference_id", r.result.ReferenceID,
		"chunks_total", r.result.ChunksTotal,
		"embeddings_created", r.result.EmbeddingsCreated,
		"errors", len(r.result.Errors),
	)
	return r.result
}

// storeChunk 写入一个分块及其向量与处理记录，返回写入成功的引用 ID。
func (o *Orchestrator) storeChunk(ctx context.Context, r *run, item repository.ItemHandle, w chunkWork) (string, bool) {
	in := repository.ChunkInput{Sequence: w.seq, Content: w.text}
	if w.span.Found {
		startOff, endOff := w.span.Start, w.span.End
		in.StartOffset, in.EndOffset = &startOff, &endOff
	}
	chunk, err := o.store.StoreChunk(ctx, item.ReferenceID, in)
	if err != nil {
		r.fail("store chunk %d: %v", w.seq, err)
		return "", false
	}
	if w.err != nil {
		r.fail("chunk %d embedding: %v", w.seq, w.err)
		o.record(ctx, r, item.ID, chunk.ID, model.StatusFailedEmbedding, ChunkTypeText, ChunkTypeText, w.err)
		return "", false
	}
	if _, err := o.store.StoreEmbedding(ctx, chunk.ReferenceID, model.ReferenceTypeChunk, w.vector, o.embedder.Model()); err != nil {
		r.fail("store chunk %d embedding: %v", w.seq, err)
		o.record(ctx, r, item.ID, chunk.ID, model.StatusError, ChunkTypeText, ChunkTypeText, err)
		return "", false
	}
	r.result.EmbeddingsCreated++
	o.record(ctx, r, item.ID, chunk.ID, model.StatusCompleted, ChunkTypeText, ChunkTypeText, nil)
	return chunk.ReferenceID, true
}

// embedChunks 按批量请求分块向量，一批失败时逐个请求，使失败只落在具体的分块上。
func (o *Orchestrator) embedChunks(ctx context.Context, work []chunkWork) {
	for start := 0; start < len(work); start += chunkEmbedBatch {
		end := min(start+chunkEmbedBatch, len(work))
		batch := work[start:end]
		items := make([]embedding.BatchItem, len(batch))
		for i, w := range batch {
			items[i] = embedding.BatchItem{Texts: []string{w.text}}
		}
		vectors, err := o.embedder.EmbedBatch(ctx, items)
		if err == nil && len(vectors) == len(batch) {
			for i := range batch {
				batch[i].vector = vectors[i]
			}
			continue
		}
		o.log.Warnf("[Pipeline] 批量嵌入失败, 改为逐个请求, error: %v", err)
		for i := range batch {
			batch[i].vector, batch[i].err = o.embedder.Embed(ctx, batch[i].text, nil)
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, r *run, itemID, chunkID uint, status, chunkType, format string, cause error) {
	meta := model.Metadata{Status: status}
	meta.Set("model", o.embedder.Model())
	if cause != nil {
		meta.Set("error", cause.Error())
	}
	err := o.store.StoreProcessingRecord(ctx, repository.ProcessingRecordInput{
		ItemID:    itemID,
		ChunkID:   chunkID,
		Status:    status,
		ChunkType: chunkType,
		Format:    format,
		Metadata:  meta,
		Timestamp: time.Now(),
	})
	if err != nil {
		r.fail("store processing record (chunk %d): %v", chunkID, err)
	}
}

func (o *Orchestrator) loadImage(ctx context.Context, r *run, item model.ItemDescriptor) *embedding.Image {
	if o.images == nil || item.ImageObject == "" {
		return nil
	}
	image, err := o.images.Load(ctx, item.ImageObject)
	if err != nil {
		r.fail("load image %s: %v", item.ImageObject, err)
		return nil
	}
	return image
}

func (o *Orchestrator) extractText(ctx context.Context, r *run, item model.ItemDescriptor, image *embedding.Image) string {
	if item.RawText != "" || o.ocr == nil || image == nil {
		return item.RawText
	}
	text, err := o.ocr.ExtractText(ctx, bytes.NewReader(image.Data), item.ImageObject)
	if err != nil {
		r.fail("ocr: %v", err)
		return ""
	}
	return text
}

func (o *Orchestrator) categorize(ctx context.Context, r *run, item model.ItemDescriptor, rawText string, image *embedding.Image) *model.Categorization {
	if item.Categorization != nil || o.categorizer == nil {
		return item.Categorization
	}
	cat, err := o.categorizer.Categorize(ctx, ComposeText(item.Metadata, nil, rawText), image)
	if err != nil {
		r.fail("categorize: %v", err)
		return nil
	}
	return cat
}
