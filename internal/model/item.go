// Package model 定义了领域类型以及与数据库表对应的 Go 结构体。
package model

import (
	"fmt"
	"strings"
	"time"
)

// ReferenceType 标识向量所属的实体类型。
type ReferenceType string

const (
	ReferenceTypeFrame ReferenceType = "frame"
	ReferenceTypeChunk ReferenceType = "chunk"
)

// Valid 判断是否是已知的引用类型。
func (t ReferenceType) Valid() bool {
	return t == ReferenceTypeFrame || t == ReferenceTypeChunk
}

// 处理记录的状态取值。
const (
	StatusProcessing      = "processing"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusFailedEmbedding = "failed_embedding"
	StatusError           = "error"
)

// DefaultGroup 是未指定分组时使用的分组名。
const DefaultGroup = "default"

// ItemReferenceID 计算 item 的引用 ID：{group}_{name}。
func ItemReferenceID(group, name string) string {
	if group == "" {
		group = DefaultGroup
	}
	return fmt.Sprintf("%s_%s", group, name)
}

// ChunkReferenceID 计算 chunk 的引用 ID：{itemRef}_chunk_{seq}。
func ChunkReferenceID(itemReferenceID string, sequence int) string {
	return fmt.Sprintf("%s_chunk_%d", itemReferenceID, sequence)
}

// Categorization 是 LLM 分类协作方返回的结构化结果。
type Categorization struct {
	Topics        []string `json:"topics,omitempty"`
	ContentTypes  []string `json:"content_types,omitempty"`
	URLs          []string `json:"urls,omitempty"`
	Flagged       bool     `json:"flagged"`
	SensitiveInfo string   `json:"sensitive_info,omitempty"`
}

// IsEmpty 判断分类结果是否没有任何信息。
func (c *Categorization) IsEmpty() bool {
	return c == nil || (len(c.Topics) == 0 && len(c.ContentTypes) == 0 && len(c.URLs) == 0 && !c.Flagged && c.SensitiveInfo == "")
}

// ItemDescriptor 描述一次入库请求中的单个 item（帧）。
type ItemDescriptor struct {
	Name           string          `json:"name" binding:"required"`
	Group          string          `json:"group"`
	Metadata       Metadata        `json:"metadata"`
	SourceURL      string          `json:"source_url,omitempty"`
	ExternalID     string          `json:"external_id,omitempty"`
	ImageObject    string          `json:"image_object,omitempty"` // MinIO 中的对象名
	RawText        string          `json:"raw_text,omitempty"`     // OCR 文本，可为空
	Categorization *Categorization `json:"categorization,omitempty"`
}

// GroupOrDefault 返回分组名，未指定时为 DefaultGroup。
func (d ItemDescriptor) GroupOrDefault() string {
	if strings.TrimSpace(d.Group) == "" {
		return DefaultGroup
	}
	return d.Group
}

// ReferenceID 返回 item 的引用 ID。
func (d ItemDescriptor) ReferenceID() string {
	return ItemReferenceID(d.GroupOrDefault(), d.Name)
}

// Validate 校验描述是否可入库。
func (d ItemDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("item name is empty: %w", ErrInvalid)
	}
	return nil
}

// ContentItem 对应 content_items 表。
type ContentItem struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"type:varchar(255);not null;uniqueIndex:uk_item_name_group,priority:1" json:"name"`
	GroupPath   string    `gorm:"type:varchar(255);not null;uniqueIndex:uk_item_name_group,priority:2" json:"group"`
	SourceURL   string    `gorm:"type:varchar(1024)" json:"sourceUrl,omitempty"`
	ExternalID  string    `gorm:"type:varchar(255)" json:"externalId,omitempty"`
	ImageObject string    `gorm:"type:varchar(512)" json:"imageObject,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (ContentItem) TableName() string {
	return "content_items"
}

// ContentChunk 对应 content_chunks 表。
type ContentChunk struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ItemID      uint      `gorm:"not null;uniqueIndex:uk_chunk_item_seq,priority:1" json:"itemId"`
	Sequence    int       `gorm:"not null;uniqueIndex:uk_chunk_item_seq,priority:2" json:"sequence"`
	Content     string    `gorm:"type:text" json:"content"`
	StartOffset *int      `json:"startOffset,omitempty"`
	EndOffset   *int      `json:"endOffset,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (ContentChunk) TableName() string {
	return "content_chunks"
}

// ItemDetail 对应 metadata_item_details 表，保存 item 的引用 ID 与元数据。
type ItemDetail struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ItemID      uint      `gorm:"not null;uniqueIndex" json:"itemId"`
	ReferenceID string    `gorm:"type:varchar(512);not null;uniqueIndex" json:"referenceId"`
	Metadata    Metadata  `gorm:"type:text" json:"metadata"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (ItemDetail) TableName() string {
	return "metadata_item_details"
}

// ChunkDetail 对应 metadata_chunk_details 表。
type ChunkDetail struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ChunkID     uint      `gorm:"not null;uniqueIndex" json:"chunkId"`
	ReferenceID string    `gorm:"type:varchar(512);not null;uniqueIndex" json:"referenceId"`
	Metadata    Metadata  `gorm:"type:text" json:"metadata"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (ChunkDetail) TableName() string {
	return "metadata_chunk_details"
}

// ProcessingRecord 对应 metadata_processing_status 表。
// 以 (item_id, chunk_id) 为键，后写覆盖先写；item 级记录的 chunk_id 为 0。
type ProcessingRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ItemID    uint      `gorm:"not null;uniqueIndex:uk_processing_item_chunk,priority:1" json:"itemId"`
	ChunkID   uint      `gorm:"not null;uniqueIndex:uk_processing_item_chunk,priority:2" json:"chunkId"`
	Status    string    `gorm:"type:varchar(32);not null" json:"status"`
	ChunkType string    `gorm:"type:varchar(64)" json:"chunkType"`
	Format    string    `gorm:"type:varchar(64)" json:"format"`
	Metadata  Metadata  `gorm:"type:text" json:"metadata"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
}

func (ProcessingRecord) TableName() string {
	return "metadata_processing_status"
}
