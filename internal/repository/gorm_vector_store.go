package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"frame-index-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// scanBatchSize 是精确检索时每批读取的向量行数。
const scanBatchSize = 500

// Models 返回需要迁移的全部表模型。
func Models() []any {
	return []any{
		&model.ContentItem{},
		&model.ContentChunk{},
		&model.ItemDetail{},
		&model.ChunkDetail{},
		&model.ProcessingRecord{},
		&model.ItemVector{},
		&model.ChunkVector{},
		&model.UnifiedVector{},
	}
}

// AutoMigrate 创建或更新全部表结构。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

type gormVectorStore struct {
	db   *gorm.DB
	opts Options
	ann  *annSync
}

// NewGormVectorStore 创建一个基于 GORM 的 VectorStore，支持 MySQL 与 SQLite。
func NewGormVectorStore(db *gorm.DB, opts Options) VectorStore {
	opts = opts.normalize()
	return &gormVectorStore{db: db, opts: opts, ann: newANNSync(opts)}
}

// write 在一个事务里执行 fn，TransientIO 错误按策略整体重试。
func (s *gormVectorStore) write(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	attempt := 0
	err := s.opts.Retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := classifyDBError(s.db.WithContext(ctx).Transaction(fn))
		if err != nil && model.IsRetryable(err) {
			s.opts.Logger.Warnf("[VectorStore] %s 遇到暂时性错误, attempt %d, error: %v", op, attempt, err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *gormVectorStore) StoreItem(ctx context.Context, item model.ItemDescriptor) (ItemHandle, error) {
	if err := validateItem(item); err != nil {
		return ItemHandle{}, err
	}
	group := item.GroupOrDefault()
	ref := item.ReferenceID()

	var handle ItemHandle
	err := s.write(ctx, "store item", func(tx *gorm.DB) error {
		var row model.ContentItem
		err := tx.Where("name = ? AND group_path = ?", item.Name, group).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = model.ContentItem{
				Name:        item.Name,
				GroupPath:   group,
				SourceURL:   item.SourceURL,
				ExternalID:  item.ExternalID,
				ImageObject: item.ImageObject,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			updates := map[string]any{}
			if item.SourceURL != "" {
				updates["source_url"] = item.SourceURL
			}
			if item.ExternalID != "" {
				updates["external_id"] = item.ExternalID
			}
			if item.ImageObject != "" {
				updates["image_object"] = item.ImageObject
			}
			if len(updates) > 0 {
				if err := tx.Model(&row).Updates(updates).Error; err != nil {
					return err
				}
			}
		}

		var detail model.ItemDetail
		err = tx.Where("item_id = ?", row.ID).First(&detail).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		meta := detail.Metadata.Merge(item.Metadata).Merge(model.Metadata{ReferenceID: ref})
		detail.ItemID = row.ID
		detail.ReferenceID = ref
		detail.Metadata = meta
		if err := tx.Save(&detail).Error; err != nil {
			return err
		}
		handle = ItemHandle{ID: row.ID, ReferenceID: ref}
		return nil
	})
	return handle, err
}

func (s *gormVectorStore) StoreChunk(ctx context.Context, itemReferenceID string, chunk ChunkInput) (ChunkHandle, error) {
	if chunk.Sequence < 0 {
		return ChunkHandle{}, fmt.Errorf("negative chunk sequence %d: %w", chunk.Sequence, model.ErrInvalid)
	}
	ref := model.ChunkReferenceID(itemReferenceID, chunk.Sequence)

	var handle ChunkHandle
	err := s.write(ctx, "store chunk", func(tx *gorm.DB) error {
		var itemDetail model.ItemDetail
		if err := tx.Where("reference_id = ?", itemReferenceID).First(&itemDetail).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("item %q: %w", itemReferenceID, model.ErrNotFound)
			}
			return err
		}

		row := model.ContentChunk{
			ItemID:      itemDetail.ItemID,
			Sequence:    chunk.Sequence,
			Content:     chunk.Content,
			StartOffset: chunk.StartOffset,
			EndOffset:   chunk.EndOffset,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_id"}, {Name: "sequence"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "start_offset", "end_offset"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		// upsert 命中已有行时部分驱动不会回填主键，这里统一重新读取
		if err := tx.Where("item_id = ? AND sequence = ?", row.ItemID, row.Sequence).First(&row).Error; err != nil {
			return err
		}

		detail := model.ChunkDetail{
			ChunkID:     row.ID,
			ReferenceID: ref,
			Metadata:    chunkMetadata(chunk.Metadata, ref, chunk.Sequence),
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chunk_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"reference_id", "metadata", "updated_at"}),
		}).Create(&detail).Error
		if err != nil {
			return err
		}
		handle = ChunkHandle{ID: row.ID, ItemID: row.ItemID, ReferenceID: ref}
		return nil
	})
	return handle, err
}

// referenceExists 判断引用 ID 是否存在于 content/metadata 表中。
func referenceExists(tx *gorm.DB, referenceID string, refType model.ReferenceType) (bool, error) {
	var count int64
	var err error
	switch refType {
	case model.ReferenceTypeFrame:
		err = tx.Model(&model.ItemDetail{}).
			Joins("JOIN content_items ON content_items.id = metadata_item_details.item_id").
			Where("metadata_item_details.reference_id = ?", referenceID).
			Count(&count).Error
	case model.ReferenceTypeChunk:
		err = tx.Model(&model.ChunkDetail{}).
			Joins("JOIN content_chunks ON content_chunks.id = metadata_chunk_details.chunk_id").
			Where("metadata_chunk_details.reference_id = ?", referenceID).
			Count(&count).Error
	default:
		return false, fmt.Errorf("unknown reference type %q: %w", refType, model.ErrInvalid)
	}
	return count > 0, err
}

// resolveReferenceType 根据 content/metadata 表推断引用 ID 的类型。
func resolveReferenceType(tx *gorm.DB, referenceID string) (model.ReferenceType, bool, error) {
	for _, t := range []model.ReferenceType{model.ReferenceTypeFrame, model.ReferenceTypeChunk} {
		ok, err := referenceExists(tx, referenceID, t)
		if err != nil {
			return "", false, err
		}
		if ok {
			return t, true, nil
		}
	}
	return "", false, nil
}

func (s *gormVectorStore) StoreEmbedding(ctx context.Context, referenceID string, refType model.ReferenceType, vector []float32, modelName string) (uint, error) {
	if err := validateEmbedding(referenceID, refType, vector, modelName, s.opts.Dimension); err != nil {
		return 0, err
	}
	vec := model.Vector(vector)

	var unified model.UnifiedVector
	err := s.write(ctx, "store embedding", func(tx *gorm.DB) error {
		ok, err := referenceExists(tx, referenceID, refType)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s %q: %w", refType, referenceID, model.ErrNotFound)
		}

		vectorConflict := clause.OnConflict{
			Columns:   []clause.Column{{Name: "reference_id"}, {Name: "model"}},
			DoUpdates: clause.AssignmentColumns([]string{"vector", "updated_at"}),
		}
		switch refType {
		case model.ReferenceTypeFrame:
			err = tx.Clauses(vectorConflict).Create(&model.ItemVector{ReferenceID: referenceID, Model: modelName, Vector: vec}).Error
		default:
			err = tx.Clauses(vectorConflict).Create(&model.ChunkVector{ReferenceID: referenceID, Model: modelName, Vector: vec}).Error
		}
		if err != nil {
			return err
		}

		unified = model.UnifiedVector{ReferenceID: referenceID, ReferenceType: refType, Model: modelName, Vector: vec}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reference_id"}, {Name: "model"}},
			DoUpdates: clause.AssignmentColumns([]string{"reference_type", "vector", "updated_at"}),
		}).Create(&unified).Error
		if err != nil {
			return err
		}
		return tx.Where("reference_id = ? AND model = ?", referenceID, modelName).First(&unified).Error
	})
	if err != nil {
		return 0, err
	}

	s.ann.upsert(ctx, model.EsVectorDocument{
		ReferenceID:   referenceID,
		ReferenceType: refType,
		Model:         modelName,
		Vector:        vector,
		Seq:           unified.ID,
	})
	return unified.ID, nil
}

func (s *gormVectorStore) StoreProcessingRecord(ctx context.Context, rec ProcessingRecordInput) error {
	if rec.ItemID == 0 {
		return fmt.Errorf("processing record without item id: %w", model.ErrInvalid)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	row := model.ProcessingRecord{
		ItemID:    rec.ItemID,
		ChunkID:   rec.ChunkID,
		Status:    rec.Status,
		ChunkType: rec.ChunkType,
		Format:    rec.Format,
		Metadata:  rec.Metadata,
		Timestamp: rec.Timestamp,
	}
	return s.write(ctx, "store processing record", func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_id"}, {Name: "chunk_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "chunk_type", "format", "metadata", "timestamp"}),
		}).Create(&row).Error
	})
}

func (s *gormVectorStore) CheckConsistency(ctx context.Context, referenceID string) (bool, error) {
	db := s.db.WithContext(ctx)
	refType, inContent, err := resolveReferenceType(db, referenceID)
	if err != nil {
		return false, classifyDBError(err)
	}
	if !inContent {
		return false, nil
	}

	var unified int64
	if err := db.Model(&model.UnifiedVector{}).Where("reference_id = ?", referenceID).Count(&unified).Error; err != nil {
		return false, classifyDBError(err)
	}
	var typed int64
	typedModel := any(&model.ChunkVector{})
	if refType == model.ReferenceTypeFrame {
		typedModel = &model.ItemVector{}
	}
	if err := db.Model(typedModel).Where("reference_id = ?", referenceID).Count(&typed).Error; err != nil {
		return false, classifyDBError(err)
	}
	return unified > 0 && typed > 0, nil
}

func (s *gormVectorStore) Search(ctx context.Context, q model.SearchQuery) ([]model.SearchResult, error) {
	if err := validateQuery(q, s.opts.Dimension); err != nil {
		return nil, err
	}
	if results, ok := s.ann.search(ctx, q); ok {
		return results, nil
	}
	return s.exactSearch(ctx, q)
}

func (s *gormVectorStore) exactSearch(ctx context.Context, q model.SearchQuery) ([]model.SearchResult, error) {
	// FindInBatches 按主键顺序分批读取，即写入顺序
	query := s.db.WithContext(ctx).Model(&model.UnifiedVector{})
	if q.ReferenceType != "" {
		query = query.Where("reference_type = ?", q.ReferenceType)
	}

	var (
		results []model.SearchResult
		batch   []model.UnifiedVector
	)
	err := query.FindInBatches(&batch, scanBatchSize, func(tx *gorm.DB, _ int) error {
		for _, row := range batch {
			sim := model.CosineSimilarity(q.Vector, row.Vector)
			if sim > q.SimilarityThreshold {
				results = append(results, model.SearchResult{
					ReferenceID:   row.ReferenceID,
					ReferenceType: row.ReferenceType,
					Similarity:    sim,
					ModelName:     row.Model,
				})
			}
		}
		return nil
	}).Error
	if err != nil {
		return nil, classifyDBError(err)
	}
	return rank(results, q.Limit), nil
}

func (s *gormVectorStore) GetItem(ctx context.Context, referenceID string) (*ItemView, error) {
	db := s.db.WithContext(ctx)
	var detail model.ItemDetail
	if err := db.Where("reference_id = ?", referenceID).First(&detail).Error; err != nil {
		return nil, fmt.Errorf("item %q: %w", referenceID, classifyDBError(err))
	}
	var item model.ContentItem
	if err := db.First(&item, detail.ItemID).Error; err != nil {
		return nil, fmt.Errorf("item %q: %w", referenceID, classifyDBError(err))
	}
	return &ItemView{Item: item, ReferenceID: detail.ReferenceID, Metadata: detail.Metadata}, nil
}

func (s *gormVectorStore) ListChunks(ctx context.Context, itemReferenceID string) ([]ChunkView, error) {
	view, err := s.GetItem(ctx, itemReferenceID)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	var chunks []model.ContentChunk
	if err := db.Where("item_id = ?", view.Item.ID).Order("sequence").Find(&chunks).Error; err != nil {
		return nil, classifyDBError(err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	ids := make([]uint, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	var details []model.ChunkDetail
	if err := db.Where("chunk_id IN ?", ids).Find(&details).Error; err != nil {
		return nil, classifyDBError(err)
	}
	byChunk := make(map[uint]model.ChunkDetail, len(details))
	for _, d := range details {
		byChunk[d.ChunkID] = d
	}
	out := make([]ChunkView, 0, len(chunks))
	for _, c := range chunks {
		d := byChunk[c.ID]
		out = append(out, ChunkView{Chunk: c, ReferenceID: d.ReferenceID, Metadata: d.Metadata})
	}
	return out, nil
}

func (s *gormVectorStore) ListProcessingRecords(ctx context.Context, itemID uint) ([]model.ProcessingRecord, error) {
	var records []model.ProcessingRecord
	err := s.db.WithContext(ctx).Where("item_id = ?", itemID).Order("chunk_id").Find(&records).Error
	if err != nil {
		return nil, classifyDBError(err)
	}
	return records, nil
}

func (s *gormVectorStore) DeleteItem(ctx context.Context, referenceID string) error {
	var removed []model.EsVectorDocument
	err := s.write(ctx, "delete item", func(tx *gorm.DB) error {
		removed = removed[:0]
		var detail model.ItemDetail
		if err := tx.Where("reference_id = ?", referenceID).First(&detail).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("item %q: %w", referenceID, model.ErrNotFound)
			}
			return err
		}

		var chunkIDs []uint
		if err := tx.Model(&model.ContentChunk{}).Where("item_id = ?", detail.ItemID).Pluck("id", &chunkIDs).Error; err != nil {
			return err
		}
		refs := []string{referenceID}
		if len(chunkIDs) > 0 {
			var chunkRefs []string
			if err := tx.Model(&model.ChunkDetail{}).Where("chunk_id IN ?", chunkIDs).Pluck("reference_id", &chunkRefs).Error; err != nil {
				return err
			}
			refs = append(refs, chunkRefs...)
		}

		var vectors []model.UnifiedVector
		if err := tx.Select("id", "reference_id", "reference_type", "model").Where("reference_id IN ?", refs).Find(&vectors).Error; err != nil {
			return err
		}
		for _, v := range vectors {
			removed = append(removed, model.EsVectorDocument{ReferenceID: v.ReferenceID, ReferenceType: v.ReferenceType, Model: v.Model, Seq: v.ID})
		}

		steps := []struct {
			model any
			where string
			arg   any
		}{
			{&model.UnifiedVector{}, "reference_id IN ?", refs},
			{&model.ItemVector{}, "reference_id IN ?", refs},
			{&model.ChunkVector{}, "reference_id IN ?", refs},
			{&model.ProcessingRecord{}, "item_id = ?", detail.ItemID},
			{&model.ChunkDetail{}, "reference_id IN ?", refs},
			{&model.ContentChunk{}, "item_id = ?", detail.ItemID},
			{&model.ItemDetail{}, "item_id = ?", detail.ItemID},
			{&model.ContentItem{}, "id = ?", detail.ItemID},
		}
		for _, step := range steps {
			if err := tx.Where(step.where, step.arg).Delete(step.model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.ann.remove(ctx, removed)
	return nil
}

func (s *gormVectorStore) PruneChunks(ctx context.Context, itemReferenceID string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("negative chunk count %d: %w", keep, model.ErrInvalid)
	}
	var (
		removed []model.EsVectorDocument
		pruned  int
	)
	err := s.write(ctx, "prune chunks", func(tx *gorm.DB) error {
		removed, pruned = removed[:0], 0
		var detail model.ItemDetail
		if err := tx.Where("reference_id = ?", itemReferenceID).First(&detail).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("item %q: %w", itemReferenceID, model.ErrNotFound)
			}
			return err
		}

		var chunkIDs []uint
		if err := tx.Model(&model.ContentChunk{}).Where("item_id = ? AND sequence >= ?", detail.ItemID, keep).Pluck("id", &chunkIDs).Error; err != nil {
			return err
		}
		if len(chunkIDs) == 0 {
			return nil
		}
		var refs []string
		if err := tx.Model(&model.ChunkDetail{}).Where("chunk_id IN ?", chunkIDs).Pluck("reference_id", &refs).Error; err != nil {
			return err
		}

		if len(refs) > 0 {
			var vectors []model.UnifiedVector
			if err := tx.Select("id", "reference_id", "reference_type", "model").Where("reference_id IN ?", refs).Find(&vectors).Error; err != nil {
				return err
			}
			for _, v := range vectors {
				removed = append(removed, model.EsVectorDocument{ReferenceID: v.ReferenceID, ReferenceType: v.ReferenceType, Model: v.Model, Seq: v.ID})
			}
			if err := tx.Where("reference_id IN ?", refs).Delete(&model.UnifiedVector{}).Error; err != nil {
				return err
			}
			if err := tx.Where("reference_id IN ?", refs).Delete(&model.ChunkVector{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("item_id = ? AND chunk_id IN ?", detail.ItemID, chunkIDs).Delete(&model.ProcessingRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chunk_id IN ?", chunkIDs).Delete(&model.ChunkDetail{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", chunkIDs).Delete(&model.ContentChunk{}).Error; err != nil {
			return err
		}
		pruned = len(chunkIDs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.ann.remove(ctx, removed)
	return pruned, nil
}

func (s *gormVectorStore) ResyncANN(ctx context.Context) error {
	return s.ann.resync(ctx, func(emit func(model.EsVectorDocument) error) error {
		var batch []model.UnifiedVector
		return s.db.WithContext(ctx).Model(&model.UnifiedVector{}).FindInBatches(&batch, scanBatchSize, func(_ *gorm.DB, _ int) error {
			for _, v := range batch {
				doc := model.EsVectorDocument{ReferenceID: v.ReferenceID, ReferenceType: v.ReferenceType, Model: v.Model, Vector: v.Vector, Seq: v.ID}
				if err := emit(doc); err != nil {
					return err
				}
			}
			return nil
		}).Error
	})
}
