package chunker

import "strings"

// Span 是分块在源文本中的字节区间，Found 为 false 时 Start/End 无意义。
type Span struct {
	Start int
	End   int
	Found bool
}

// Locate 依次在 source 中查找每个分块的位置，偏移量针对传入的 source。
// 分块按顺序出现且可能相互重叠，因此每次从上一个分块的起点继续查找。
// Split 会规整空白（\r\n、多余的空行、句子两侧的空格），这样得到的分块不是 source 的子串，
// 对应的 Span.Found 为 false。
func Locate(source string, chunks []string) []Span {
	spans := make([]Span, len(chunks))
	from := 0
	for i, ch := range chunks {
		if ch == "" {
			continue
		}
		idx := strings.Index(source[from:], ch)
		if idx < 0 {
			continue
		}
		start := from + idx
		spans[i] = Span{Start: start, End: start + len(ch), Found: true}
		from = start
	}
	return spans
}
