package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"frame-index-go/internal/model"
)

// 故障注入点，传给 MemoryVectorStore 的 FailHook。
const (
	FailPointItem          = "item"
	FailPointChunk         = "chunk"
	FailPointTypedVector   = "embedding.typed"
	FailPointUnifiedVector = "embedding.unified"
	FailPointProcessing    = "processing"
)

type vectorKey struct {
	referenceID string
	model       string
}

type processingKey struct {
	itemID  uint
	chunkID uint
}

type memoryVector struct {
	id      uint
	refType model.ReferenceType
	vector  model.Vector
}

// MemoryVectorStore 是基于 map 的 VectorStore，语义与 GORM 实现一致，用于测试与单机试跑。
type MemoryVectorStore struct {
	opts Options
	ann  *annSync

	mu           sync.RWMutex
	nextID       uint
	items        map[uint]model.ContentItem
	itemByKey    map[[2]string]uint
	itemDetails  map[uint]model.ItemDetail // key: item id
	itemByRef    map[string]uint
	chunks       map[uint]model.ContentChunk
	chunkByKey   map[[2]uint]uint // (item id, sequence) -> chunk id
	chunkDetails map[uint]model.ChunkDetail
	chunkByRef   map[string]uint
	itemVectors  map[vectorKey]memoryVector
	chunkVectors map[vectorKey]memoryVector
	unified      map[vectorKey]memoryVector
	processing   map[processingKey]model.ProcessingRecord

	failHook func(point, referenceID string) error
}

// NewMemoryVectorStore 创建一个空的内存 VectorStore。
func NewMemoryVectorStore(opts Options) *MemoryVectorStore {
	opts = opts.normalize()
	return &MemoryVectorStore{
		opts:         opts,
		ann:          newANNSync(opts),
		items:        make(map[uint]model.ContentItem),
		itemByKey:    make(map[[2]string]uint),
		itemDetails:  make(map[uint]model.ItemDetail),
		itemByRef:    make(map[string]uint),
		chunks:       make(map[uint]model.ContentChunk),
		chunkByKey:   make(map[[2]uint]uint),
		chunkDetails: make(map[uint]model.ChunkDetail),
		chunkByRef:   make(map[string]uint),
		itemVectors:  make(map[vectorKey]memoryVector),
		chunkVectors: make(map[vectorKey]memoryVector),
		unified:      make(map[vectorKey]memoryVector),
		processing:   make(map[processingKey]model.ProcessingRecord),
	}
}

// SetFailHook 设置故障注入函数。hook 返回非 nil 时当前写入步骤整体不生效。
func (s *MemoryVectorStore) SetFailHook(hook func(point, referenceID string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failHook = hook
}

func (s *MemoryVectorStore) fail(point, referenceID string) error {
	if s.failHook == nil {
		return nil
	}
	return s.failHook(point, referenceID)
}

func (s *MemoryVectorStore) newID() uint {
	s.nextID++
	return s.nextID
}

// write 以 retry 策略执行 fn；fn 在持有写锁时运行。
func (s *MemoryVectorStore) write(ctx context.Context, op string, fn func() error) error {
	err := s.opts.Retry.Do(ctx, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn()
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *MemoryVectorStore) StoreItem(ctx context.Context, item model.ItemDescriptor) (ItemHandle, error) {
	if err := validateItem(item); err != nil {
		return ItemHandle{}, err
	}
	group := item.GroupOrDefault()
	ref := item.ReferenceID()

	var handle ItemHandle
	err := s.write(ctx, "store item", func() error {
		if err := s.fail(FailPointItem, ref); err != nil {
			return err
		}
		key := [2]string{item.Name, group}
		id, ok := s.itemByKey[key]
		now := time.Now()
		row := s.items[id]
		if !ok {
			id = s.newID()
			row = model.ContentItem{ID: id, Name: item.Name, GroupPath: group, CreatedAt: now}
		}
		if item.SourceURL != "" {
			row.SourceURL = item.SourceURL
		}
		if item.ExternalID != "" {
			row.ExternalID = item.ExternalID
		}
		if item.ImageObject != "" {
			row.ImageObject = item.ImageObject
		}
		row.UpdatedAt = now

		detail, hasDetail := s.itemDetails[id]
		if !hasDetail {
			detail = model.ItemDetail{ID: s.newID(), ItemID: id}
		}
		detail.ReferenceID = ref
		detail.Metadata = detail.Metadata.Merge(item.Metadata).Merge(model.Metadata{ReferenceID: ref})
		detail.UpdatedAt = now

		s.items[id] = row
		s.itemByKey[key] = id
		s.itemDetails[id] = detail
		s.itemByRef[ref] = id
		handle = ItemHandle{ID: id, ReferenceID: ref}
		return nil
	})
	return handle, err
}

func (s *MemoryVectorStore) StoreChunk(ctx context.Context, itemReferenceID string, chunk ChunkInput) (ChunkHandle, error) {
	if chunk.Sequence < 0 {
		return ChunkHandle{}, fmt.Errorf("negative chunk sequence %d: %w", chunk.Sequence, model.ErrInvalid)
	}
	ref := model.ChunkReferenceID(itemReferenceID, chunk.Sequence)

	var handle ChunkHandle
	err := s.write(ctx, "store chunk", func() error {
		itemID, ok := s.itemByRef[itemReferenceID]
		if !ok {
			return fmt.Errorf("item %q: %w", itemReferenceID, model.ErrNotFound)
		}
		if err := s.fail(FailPointChunk, ref); err != nil {
			return err
		}
		key := [2]uint{itemID, uint(chunk.Sequence)}
		id, exists := s.chunkByKey[key]
		row := s.chunks[id]
		if !exists {
			id = s.newID()
			row = model.ContentChunk{ID: id, ItemID: itemID, Sequence: chunk.Sequence, CreatedAt: time.Now()}
		}
		row.Content = chunk.Content
		row.StartOffset = chunk.StartOffset
		row.EndOffset = chunk.EndOffset

		detail, hasDetail := s.chunkDetails[id]
		if !hasDetail {
			detail = model.ChunkDetail{ID: s.newID(), ChunkID: id}
		}
		detail.ReferenceID = ref
		detail.Metadata = chunkMetadata(chunk.Metadata, ref, chunk.Sequence)
		detail.UpdatedAt = time.Now()

		s.chunks[id] = row
		s.chunkByKey[key] = id
		s.chunkDetails[id] = detail
		s.chunkByRef[ref] = id
		handle = ChunkHandle{ID: id, ItemID: itemID, ReferenceID: ref}
		return nil
	})
	return handle, err
}

func (s *MemoryVectorStore) referenceExists(referenceID string, refType model.ReferenceType) bool {
	switch refType {
	case model.ReferenceTypeFrame:
		_, ok := s.itemByRef[referenceID]
		return ok
	case model.ReferenceTypeChunk:
		_, ok := s.chunkByRef[referenceID]
		return ok
	}
	return false
}

func (s *MemoryVectorStore) StoreEmbedding(ctx context.Context, referenceID string, refType model.ReferenceType, vector []float32, modelName string) (uint, error) {
	if err := validateEmbedding(referenceID, refType, vector, modelName, s.opts.Dimension); err != nil {
		return 0, err
	}
	vec := make(model.Vector, len(vector))
	copy(vec, vector)
	key := vectorKey{referenceID: referenceID, model: modelName}

	var id uint
	err := s.write(ctx, "store embedding", func() error {
		if !s.referenceExists(referenceID, refType) {
			return fmt.Errorf("%s %q: %w", refType, referenceID, model.ErrNotFound)
		}
		// 两张表的写入先全部校验，再一起生效
		if err := s.fail(FailPointTypedVector, referenceID); err != nil {
			return err
		}
		if err := s.fail(FailPointUnifiedVector, referenceID); err != nil {
			return err
		}

		typed := s.chunkVectors
		if refType == model.ReferenceTypeFrame {
			typed = s.itemVectors
		}
		tv, ok := typed[key]
		if !ok {
			tv = memoryVector{id: s.newID(), refType: refType}
		}
		tv.vector = vec
		typed[key] = tv

		uv, ok := s.unified[key]
		if !ok {
			uv = memoryVector{id: s.newID()}
		}
		uv.refType = refType
		uv.vector = vec
		s.unified[key] = uv
		id = uv.id
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.ann.upsert(ctx, model.EsVectorDocument{ReferenceID: referenceID, ReferenceType: refType, Model: modelName, Vector: vec, Seq: id})
	return id, nil
}

func (s *MemoryVectorStore) StoreProcessingRecord(ctx context.Context, rec ProcessingRecordInput) error {
	if rec.ItemID == 0 {
		return fmt.Errorf("processing record without item id: %w", model.ErrInvalid)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return s.write(ctx, "store processing record", func() error {
		if err := s.fail(FailPointProcessing, ""); err != nil {
			return err
		}
		key := processingKey{itemID: rec.ItemID, chunkID: rec.ChunkID}
		row, ok := s.processing[key]
		if !ok {
			row = model.ProcessingRecord{ID: s.newID(), ItemID: rec.ItemID, ChunkID: rec.ChunkID}
		}
		row.Status = rec.Status
		row.ChunkType = rec.ChunkType
		row.Format = rec.Format
		row.Metadata = rec.Metadata
		row.Timestamp = rec.Timestamp
		s.processing[key] = row
		return nil
	})
}

func (s *MemoryVectorStore) CheckConsistency(_ context.Context, referenceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var typed map[vectorKey]memoryVector
	switch {
	case s.referenceExists(referenceID, model.ReferenceTypeFrame):
		typed = s.itemVectors
	case s.referenceExists(referenceID, model.ReferenceTypeChunk):
		typed = s.chunkVectors
	default:
		return false, nil
	}
	hasUnified, hasTyped := false, false
	for k := range s.unified {
		if k.referenceID == referenceID {
			hasUnified = true
			break
		}
	}
	for k := range typed {
		if k.referenceID == referenceID {
			hasTyped = true
			break
		}
	}
	return hasUnified && hasTyped, nil
}

func (s *MemoryVectorStore) Search(ctx context.Context, q model.SearchQuery) ([]model.SearchResult, error) {
	if err := validateQuery(q, s.opts.Dimension); err != nil {
		return nil, err
	}
	if results, ok := s.ann.search(ctx, q); ok {
		return results, nil
	}

	s.mu.RLock()
	type candidate struct {
		id     uint
		result model.SearchResult
	}
	var candidates []candidate
	for k, v := range s.unified {
		if q.ReferenceType != "" && v.refType != q.ReferenceType {
			continue
		}
		sim := model.CosineSimilarity(q.Vector, v.vector)
		if sim <= q.SimilarityThreshold {
			continue
		}
		candidates = append(candidates, candidate{id: v.id, result: model.SearchResult{
			ReferenceID:   k.referenceID,
			ReferenceType: v.refType,
			Similarity:    sim,
			ModelName:     k.model,
		}})
	}
	s.mu.RUnlock()

	// 先按写入顺序排列，rank 的稳定排序据此处理同分
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })
	results := make([]model.SearchResult, len(candidates))
	for i, c := range candidates {
		results[i] = c.result
	}
	return rank(results, q.Limit), nil
}

func (s *MemoryVectorStore) GetItem(_ context.Context, referenceID string) (*ItemView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.itemByRef[referenceID]
	if !ok {
		return nil, fmt.Errorf("item %q: %w", referenceID, model.ErrNotFound)
	}
	detail := s.itemDetails[id]
	return &ItemView{Item: s.items[id], ReferenceID: detail.ReferenceID, Metadata: detail.Metadata}, nil
}

func (s *MemoryVectorStore) ListChunks(_ context.Context, itemReferenceID string) ([]ChunkView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	itemID, ok := s.itemByRef[itemReferenceID]
	if !ok {
		return nil, fmt.Errorf("item %q: %w", itemReferenceID, model.ErrNotFound)
	}
	var out []ChunkView
	for id, c := range s.chunks {
		if c.ItemID != itemID {
			continue
		}
		d := s.chunkDetails[id]
		out = append(out, ChunkView{Chunk: c, ReferenceID: d.ReferenceID, Metadata: d.Metadata})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chunk.Sequence < out[j].Chunk.Sequence })
	return out, nil
}

func (s *MemoryVectorStore) ListProcessingRecords(_ context.Context, itemID uint) ([]model.ProcessingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ProcessingRecord
	for k, rec := range s.processing {
		if k.itemID == itemID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out, nil
}

func (s *MemoryVectorStore) DeleteItem(ctx context.Context, referenceID string) error {
	var removed []model.EsVectorDocument
	err := s.write(ctx, "delete item", func() error {
		removed = removed[:0]
		itemID, ok := s.itemByRef[referenceID]
		if !ok {
			return fmt.Errorf("item %q: %w", referenceID, model.ErrNotFound)
		}
		refs := map[string]bool{referenceID: true}
		for id, c := range s.chunks {
			if c.ItemID != itemID {
				continue
			}
			d := s.chunkDetails[id]
			refs[d.ReferenceID] = true
			delete(s.chunkByRef, d.ReferenceID)
			delete(s.chunkDetails, id)
			delete(s.chunkByKey, [2]uint{itemID, uint(c.Sequence)})
			delete(s.chunks, id)
		}
		for k, v := range s.unified {
			if refs[k.referenceID] {
				removed = append(removed, model.EsVectorDocument{ReferenceID: k.referenceID, ReferenceType: v.refType, Model: k.model, Seq: v.id})
				delete(s.unified, k)
			}
		}
		for k := range s.itemVectors {
			if refs[k.referenceID] {
				delete(s.itemVectors, k)
			}
		}
		for k := range s.chunkVectors {
			if refs[k.referenceID] {
				delete(s.chunkVectors, k)
			}
		}
		for k := range s.processing {
			if k.itemID == itemID {
				delete(s.processing, k)
			}
		}
		row := s.items[itemID]
		delete(s.itemByKey, [2]string{row.Name, row.GroupPath})
		delete(s.items, itemID)
		delete(s.itemDetails, itemID)
		delete(s.itemByRef, referenceID)
		return nil
	})
	if err != nil {
		return err
	}
	s.ann.remove(ctx, removed)
	return nil
}

func (s *MemoryVectorStore) PruneChunks(ctx context.Context, itemReferenceID string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("negative chunk count %d: %w", keep, model.ErrInvalid)
	}
	var (
		removed []model.EsVectorDocument
		pruned  int
	)
	err := s.write(ctx, "prune chunks", func() error {
		removed, pruned = removed[:0], 0
		itemID, ok := s.itemByRef[itemReferenceID]
		if !ok {
			return fmt.Errorf("item %q: %w", itemReferenceID, model.ErrNotFound)
		}
		refs := map[string]bool{}
		for id, c := range s.chunks {
			if c.ItemID != itemID || c.Sequence < keep {
				continue
			}
			d := s.chunkDetails[id]
			refs[d.ReferenceID] = true
			delete(s.chunkByRef, d.ReferenceID)
			delete(s.chunkDetails, id)
			delete(s.chunkByKey, [2]uint{itemID, uint(c.Sequence)})
			delete(s.chunks, id)
			delete(s.processing, processingKey{itemID: itemID, chunkID: id})
			pruned++
		}
		for k, v := range s.unified {
			if refs[k.referenceID] {
				removed = append(removed, model.EsVectorDocument{ReferenceID: k.referenceID, ReferenceType: v.refType, Model: k.model, Seq: v.id})
				delete(s.unified, k)
			}
		}
		for k := range s.chunkVectors {
			if refs[k.referenceID] {
				delete(s.chunkVectors, k)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.ann.remove(ctx, removed)
	return pruned, nil
}

func (s *MemoryVectorStore) ResyncANN(ctx context.Context) error {
	return s.ann.resync(ctx, func(emit func(model.EsVectorDocument) error) error {
		s.mu.RLock()
		docs := make([]model.EsVectorDocument, 0, len(s.unified))
		for k, v := range s.unified {
			docs = append(docs, model.EsVectorDocument{ReferenceID: k.referenceID, ReferenceType: v.refType, Model: k.model, Vector: v.vector, Seq: v.id})
		}
		s.mu.RUnlock()
		sort.Slice(docs, func(i, j int) bool { return docs[i].Seq < docs[j].Seq })
		for _, doc := range docs {
			if err := emit(doc); err != nil {
				return err
			}
		}
		return nil
	})
}
