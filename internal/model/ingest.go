package model

// IngestMode 决定批量入库时 item 之间是否并行。
type IngestMode string

const (
	IngestSequential IngestMode = "sequential"
	IngestParallel   IngestMode = "parallel"
)

// IngestOptions 是一次入库请求的参数，零值字段使用服务端配置的默认值。
type IngestOptions struct {
	ChunkSize           int        `json:"chunk_size,omitempty"`
	ChunkOverlap        *int       `json:"chunk_overlap,omitempty"` // nil 表示使用默认值，0 表示不重叠
	MaxChunks           int        `json:"max_chunks,omitempty"`
	Semantic            *bool      `json:"semantic,omitempty"`
	SimilarityThreshold float64    `json:"similarity_threshold,omitempty"`
	Replace             bool       `json:"replace,omitempty"` // 先删除已有的 item 再入库
	Mode                IngestMode `json:"mode,omitempty"`
	MaxConcurrent       int        `json:"max_concurrent,omitempty"`
}

// Parallel 判断是否以并行模式批量入库。
func (o IngestOptions) Parallel() bool {
	return o.Mode == IngestParallel
}
