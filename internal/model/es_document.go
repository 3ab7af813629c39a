package model

// EsVectorDocument 定义了 ANN 索引中存储的文档结构，与 embeddings_all_vectors 一一对应。
type EsVectorDocument struct {
	ReferenceID   string        `json:"reference_id"` // 同时作为 ES 文档 ID 的前缀
	ReferenceType ReferenceType `json:"reference_type"`
	Model         string        `json:"model"`
	Vector        []float32     `json:"vector"`
	Seq           uint          `json:"seq"` // embeddings_all_vectors 的自增 ID，用于同分排序
}

// DocumentID 返回 ES 文档 ID，(reference_id, model) 唯一。
func (d EsVectorDocument) DocumentID() string {
	return d.ReferenceID + "|" + d.Model
}
