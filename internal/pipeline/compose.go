package pipeline

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"frame-index-go/internal/model"
)

// ComposeText 按顺序拼出分块前的 item 文本：元数据块（key: value，按键排序）、
// 分类块、OCR 文本。空的块被跳过，块之间以空行分隔。
func ComposeText(meta model.Metadata, cat *model.Categorization, rawText string) string {
	var blocks []string
	if b := metadataBlock(meta); b != "" {
		blocks = append(blocks, b)
	}
	if b := categorizationBlock(cat); b != "" {
		blocks = append(blocks, b)
	}
	if raw := strings.TrimSpace(rawText); raw != "" {
		blocks = append(blocks, raw)
	}
	return strings.Join(blocks, "\n\n")
}

func metadataBlock(meta model.Metadata) string {
	keys := make([]string, 0, len(meta.Extra))
	for k := range meta.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		v := formatValue(meta.Extra[k])
		if v == "" {
			continue
		}
		lines = append(lines, k+": "+v)
	}
	return strings.Join(lines, "\n")
}

func categorizationBlock(cat *model.Categorization) string {
	if cat.IsEmpty() {
		return ""
	}
	var lines []string
	if len(cat.Topics) > 0 {
		lines = append(lines, "topics: "+strings.Join(cat.Topics, ", "))
	}
	if len(cat.ContentTypes) > 0 {
		lines = append(lines, "content_types: "+strings.Join(cat.ContentTypes, ", "))
	}
	if len(cat.URLs) > 0 {
		lines = append(lines, "urls: "+strings.Join(cat.URLs, ", "))
	}
	lines = append(lines, fmt.Sprintf("flagged: %t", cat.Flagged))
	if cat.SensitiveInfo != "" {
		lines = append(lines, "sensitive_info: "+cat.SensitiveInfo)
	}
	return strings.Join(lines, "\n")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return val.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
