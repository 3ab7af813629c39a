package model

import (
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Vector 是定长的 float32 向量，落库时编码为小端序的二进制 blob。
type Vector []float32

// Value 实现 driver.Valuer。
func (v Vector) Value() (driver.Value, error) {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}

// Scan 实现 sql.Scanner。
func (v *Vector) Scan(value any) error {
	var raw []byte
	switch b := value.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		raw = b
	case string:
		raw = []byte(b)
	default:
		return fmt.Errorf("unsupported vector column type %T", value)
	}
	if len(raw)%4 != 0 {
		return fmt.Errorf("vector blob length %d is not a multiple of 4", len(raw))
	}
	out := make(Vector, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	*v = out
	return nil
}

// Validate 检查向量维度与取值。dim 为 0 时只检查非空。
func (v Vector) Validate(dim int) error {
	if len(v) == 0 {
		return fmt.Errorf("empty vector: %w", ErrInvalid)
	}
	if dim > 0 && len(v) != dim {
		return fmt.Errorf("vector dimension %d, want %d: %w", len(v), dim, ErrInvalid)
	}
	for i, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("vector component %d is not finite: %w", i, ErrInvalid)
		}
	}
	return nil
}

// CosineSimilarity 计算两个向量的余弦相似度（1 - 余弦距离）。
// 维度不一致或存在零向量时返回 0。
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ItemVector 对应 embeddings_item_vectors 表。
type ItemVector struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	ReferenceID string    `gorm:"type:varchar(512);not null;uniqueIndex:uk_item_vec_ref_model,priority:1"`
	Model       string    `gorm:"type:varchar(128);not null;uniqueIndex:uk_item_vec_ref_model,priority:2"`
	Vector      Vector    `gorm:"type:blob;not null"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (ItemVector) TableName() string {
	return "embeddings_item_vectors"
}

// ChunkVector 对应 embeddings_chunk_vectors 表。
type ChunkVector struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	ReferenceID string    `gorm:"type:varchar(512);not null;uniqueIndex:uk_chunk_vec_ref_model,priority:1"`
	Model       string    `gorm:"type:varchar(128);not null;uniqueIndex:uk_chunk_vec_ref_model,priority:2"`
	Vector      Vector    `gorm:"type:blob;not null"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (ChunkVector) TableName() string {
	return "embeddings_chunk_vectors"
}

// UnifiedVector 对应 embeddings_all_vectors 表，search 只读这张表。
type UnifiedVector struct {
	ID            uint          `gorm:"primaryKey;autoIncrement"`
	ReferenceID   string        `gorm:"type:varchar(512);not null;uniqueIndex:uk_all_vec_ref_model,priority:1"`
	ReferenceType ReferenceType `gorm:"type:varchar(16);not null;index"`
	Model         string        `gorm:"type:varchar(128);not null;uniqueIndex:uk_all_vec_ref_model,priority:2"`
	Vector        Vector        `gorm:"type:blob;not null"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime"`
}

func (UnifiedVector) TableName() string {
	return "embeddings_all_vectors"
}

// SearchResult 是一条相似度检索结果。
type SearchResult struct {
	ReferenceID   string        `json:"reference_id"`
	ReferenceType ReferenceType `json:"reference_type"`
	Similarity    float64       `json:"similarity"`
	ModelName     string        `json:"model_name"`
}

// SearchQuery 是向量检索的参数。
type SearchQuery struct {
	Vector              []float32
	ReferenceType       ReferenceType // 为空表示不过滤
	SimilarityThreshold float64
	Limit               int
}
