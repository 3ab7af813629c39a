package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
)

const (
	metaKeyReferenceID = "reference_id"
	metaKeySequence    = "chunk_sequence"
	metaKeyStatus      = "status"
)

// Metadata 是 item/chunk 的自由格式元数据。
// 流水线实际读取的几个键被提升为具名字段，其余键原样透传到 Extra。
// Extra 的值只能是 string、数字、bool、嵌套 map 或切片（即 JSON 可表达的类型）。
type Metadata struct {
	ReferenceID string
	Sequence    *int
	Status      string
	Extra       map[string]any
}

// NewMetadata 从任意 map 构造 Metadata，具名键会被提取出来。
func NewMetadata(raw map[string]any) Metadata {
	var m Metadata
	if len(raw) == 0 {
		return m
	}
	b, err := json.Marshal(raw)
	if err != nil {
		m.Extra = maps.Clone(raw)
		return m
	}
	_ = m.UnmarshalJSON(b)
	return m
}

// Set 写入一个透传键。
func (m *Metadata) Set(key string, value any) {
	switch key {
	case metaKeyReferenceID:
		if s, ok := value.(string); ok {
			m.ReferenceID = s
			return
		}
	case metaKeyStatus:
		if s, ok := value.(string); ok {
			m.Status = s
			return
		}
	case metaKeySequence:
		if n, ok := value.(int); ok {
			m.Sequence = &n
			return
		}
	}
	if m.Extra == nil {
		m.Extra = make(map[string]any)
	}
	m.Extra[key] = value
}

// Get 读取一个透传键。
func (m Metadata) Get(key string) (any, bool) {
	v, ok := m.Extra[key]
	return v, ok
}

// IsEmpty 判断是否没有任何内容。
func (m Metadata) IsEmpty() bool {
	return m.ReferenceID == "" && m.Sequence == nil && m.Status == "" && len(m.Extra) == 0
}

// Merge 返回 m 与 other 合并后的结果，other 中非空的值覆盖 m。
func (m Metadata) Merge(other Metadata) Metadata {
	out := Metadata{
		ReferenceID: m.ReferenceID,
		Sequence:    m.Sequence,
		Status:      m.Status,
		Extra:       maps.Clone(m.Extra),
	}
	if other.ReferenceID != "" {
		out.ReferenceID = other.ReferenceID
	}
	if other.Sequence != nil {
		seq := *other.Sequence
		out.Sequence = &seq
	}
	if other.Status != "" {
		out.Status = other.Status
	}
	if len(other.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]any, len(other.Extra))
		}
		maps.Copy(out.Extra, other.Extra)
	}
	return out
}

// Map 返回扁平化后的 map 形式。
func (m Metadata) Map() map[string]any {
	out := make(map[string]any, len(m.Extra)+3)
	maps.Copy(out, m.Extra)
	if m.ReferenceID != "" {
		out[metaKeyReferenceID] = m.ReferenceID
	}
	if m.Sequence != nil {
		out[metaKeySequence] = *m.Sequence
	}
	if m.Status != "" {
		out[metaKeyStatus] = m.Status
	}
	return out
}

// MarshalJSON 实现 json.Marshaler，具名字段与透传键平铺在同一层。
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Map())
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	for k, v := range raw {
		switch k {
		case metaKeyReferenceID:
			if s, ok := v.(string); ok {
				m.ReferenceID = s
				continue
			}
		case metaKeyStatus:
			if s, ok := v.(string); ok {
				m.Status = s
				continue
			}
		case metaKeySequence:
			if f, ok := v.(float64); ok {
				seq := int(f)
				m.Sequence = &seq
				continue
			}
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}
	return nil
}

// Value 实现 driver.Valuer，以 JSON 文本落库。
func (m Metadata) Value() (driver.Value, error) {
	b, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner。
func (m *Metadata) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		if len(v) == 0 {
			*m = Metadata{}
			return nil
		}
		return m.UnmarshalJSON(v)
	case string:
		if v == "" {
			*m = Metadata{}
			return nil
		}
		return m.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("unsupported metadata column type %T", value)
	}
}
