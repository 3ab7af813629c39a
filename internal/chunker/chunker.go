// Package chunker 把 item 文本切分为有重叠、长度有界的分块。
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultChunkSize 是每个分块的默认字符数。
	DefaultChunkSize = 1000
	// DefaultChunkOverlap 是相邻分块之间默认的重叠字符数。
	DefaultChunkOverlap = 100
	// DefaultSimilarityThreshold 是语义合并的默认相似度阈值。
	DefaultSimilarityThreshold = 0.7

	paragraphSep = "\n\n"
)

// Options 是一次切分的参数。长度均按字符（rune）计。
type Options struct {
	ChunkSize           int
	ChunkOverlap        int
	MaxChunks           int // 0 表示不限制
	Semantic            bool
	SimilarityThreshold float64
}

// DefaultOptions 返回默认参数。
func DefaultOptions() Options {
	return Options{
		ChunkSize:           DefaultChunkSize,
		ChunkOverlap:        DefaultChunkOverlap,
		SimilarityThreshold: DefaultSimilarityThreshold,
	}
}

// Normalize 补齐缺省值；overlap 不小于 size 时改为 size/4。
func (o Options) Normalize() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkOverlap < 0 {
		o.ChunkOverlap = 0
	}
	if o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = o.ChunkSize / 4
	}
	if o.MaxChunks < 0 {
		o.MaxChunks = 0
	}
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return o
}

// piece 是参与拼装的最小片段，sep 是拼接在它前面的分隔符。
type piece struct {
	text string
	sep  string
	n    int // rune 数
}

func newPiece(text, sep string) piece {
	return piece{text: text, sep: sep, n: utf8.RuneCountInString(text)}
}

// Split 按段落切分文本，段落过长时依次退化为按句子、按空白、按长度硬切。
// 新分块以上一个分块末尾的完整片段开头，直到达到 overlap 字符数。
// maxChunks > 0 时只截断输出。
func Split(text string, chunkSize, overlap, maxChunks int) []string {
	o := Options{ChunkSize: chunkSize, ChunkOverlap: overlap, MaxChunks: maxChunks}.Normalize()
	return truncate(split(text, o), o.MaxChunks)
}

func split(text string, o Options) []string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= o.ChunkSize {
		return []string{text}
	}

	var pieces []piece
	for _, para := range strings.Split(text, paragraphSep) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if utf8.RuneCountInString(para) <= o.ChunkSize {
			pieces = append(pieces, newPiece(para, paragraphSep))
			continue
		}
		pieces = append(pieces, splitLong(para, o.ChunkSize)...)
	}

	var (
		chunks  []string
		current []piece
		curLen  int
	)
	for _, p := range pieces {
		if len(current) > 0 && curLen+utf8.RuneCountInString(p.sep)+p.n > o.ChunkSize {
			chunks = append(chunks, join(current))
			current = carry(current, o.ChunkOverlap, o.ChunkSize)
			curLen = length(current)
		}
		if len(current) == 0 {
			curLen = p.n
		} else {
			curLen += utf8.RuneCountInString(p.sep) + p.n
		}
		current = append(current, p)
	}
	if len(current) > 0 {
		chunks = append(chunks, join(current))
	}
	return chunks
}

// splitLong 把超长段落切成不超过 size 的连续片段。
func splitLong(para string, size int) []piece {
	var units []piece
	for _, sentence := range strings.SplitAfter(para, ". ") {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		if utf8.RuneCountInString(sentence) <= size {
			units = append(units, newPiece(sentence, " "))
			continue
		}
		for _, word := range strings.Fields(sentence) {
			if utf8.RuneCountInString(word) <= size {
				units = append(units, newPiece(word, " "))
				continue
			}
			runes := []rune(word)
			for i := 0; i < len(runes); i += size {
				end := min(i+size, len(runes))
				sep := ""
				if i == 0 {
					sep = " "
				}
				units = append(units, newPiece(string(runes[i:end]), sep))
			}
		}
	}

	var (
		out []piece
		cur *piece
	)
	for _, u := range units {
		if cur != nil && cur.n+utf8.RuneCountInString(u.sep)+u.n <= size {
			cur.text += u.sep + u.text
			cur.n += utf8.RuneCountInString(u.sep) + u.n
			continue
		}
		if cur != nil {
			out = append(out, *cur)
		}
		sep := u.sep
		if cur == nil {
			sep = paragraphSep
		}
		next := newPiece(u.text, sep)
		cur = &next
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// carry 返回新分块开头要重复的尾部片段，总长度至少为 overlap。
// 单个片段超过 size/2 时只取它按词对齐的尾部。
func carry(current []piece, overlap, size int) []piece {
	if overlap <= 0 {
		return nil
	}
	var (
		out []piece
		acc int
	)
	for i := len(current) - 1; i >= 0 && acc < overlap; i-- {
		p := current[i]
		if len(out) > 0 {
			acc += utf8.RuneCountInString(out[0].sep)
		}
		if p.n > size/2 {
			tail := wordTail(p.text, overlap-acc)
			out = append([]piece{newPiece(tail, p.sep)}, out...)
			break
		}
		out = append([]piece{p}, out...)
		acc += p.n
	}
	return out
}

// wordTail 返回 s 的后缀，长度至少为 need，起点尽量落在词边界上。
func wordTail(s string, need int) string {
	runes := []rune(s)
	if need <= 0 {
		need = 1
	}
	if need >= len(runes) {
		return s
	}
	start := len(runes) - need
	for i := start; i > 0; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return string(runes[i:])
		}
	}
	return string(runes[start:])
}

func join(pieces []piece) string {
	var b strings.Builder
	for i, p := range pieces {
		if i > 0 {
			b.WriteString(p.sep)
		}
		b.WriteString(p.text)
	}
	return b.String()
}

func length(pieces []piece) int {
	n := 0
	for i, p := range pieces {
		if i > 0 {
			n += utf8.RuneCountInString(p.sep)
		}
		n += p.n
	}
	return n
}

func truncate(chunks []string, maxChunks int) []string {
	if maxChunks > 0 && len(chunks) > maxChunks {
		return chunks[:maxChunks]
	}
	return chunks
}
