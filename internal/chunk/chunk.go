// Package chunk implements the tokenizer/chunker component: counting tokens
// for a model and splitting text into token-bounded, word-boundary-aware
// chunks via a sliding window with a per-model context window.
package chunk

import (
	"strings"
	"unicode/utf8"
)

// modelWindows holds the context window (in tokens) for known model IDs.
// An unknown modelID falls back to defaultMaxTokens.
var modelWindows = map[string]int{
	"text-embedding-3-small": 8191,
	"text-embedding-3-large": 8191,
	"text-embedding-ada-002": 8191,
	"nomic-embed-text":       8192,
}

const defaultMaxTokens = 8192

// charsPerToken approximates the characters-per-token ratio used by
// CountTokens; a rough approximation rather than a model-specific BPE
// tokenizer.
const charsPerToken = 4

// CountTokens estimates the number of tokens text would consume for
// modelId. A rune-count/charsPerToken approximation, the same ratio Split
// uses to size chunks; modelId does not affect the result.
func CountTokens(text string, modelId string) int {
	_ = modelId
	n := len([]rune(text)) / charsPerToken
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// GetMaxTokens returns modelId's context window in tokens.
func GetMaxTokens(modelId string) int {
	if w, ok := modelWindows[modelId]; ok {
		return w
	}
	return defaultMaxTokens
}

// Chunk is one token-bounded, ordered slice of a source document.
type Chunk struct {
	ParentID    string
	ChunkIndex  int
	Content     string
	StartOffset int
	Length      int
	TokenCount  int
	Language    string
}

// Split divides text into an ordered, finite sequence of chunks such that
// no chunk exceeds maxTokens and splits prefer word boundaries over hard
// character cuts. parentId is carried through for traceability but is not
// interpreted.
func Split(text string, modelId string, maxTokens int, parentId string) []Chunk {
	if maxTokens <= 0 {
		maxTokens = GetMaxTokens(modelId)
	}
	if text == "" {
		return nil
	}

	maxChars := maxTokens * charsPerToken
	overlapChars := 0 // ingestion chunking does not overlap; retrieval granularity is exact-chunk

	runes := []rune(text)
	var chunks []Chunk
	idx := 0
	for i := 0; i < len(runes); {
		end := i + maxChars
		if end > len(runes) {
			end = len(runes)
		}

		if end < len(runes) {
			window := string(runes[i:end])
			// lastWordBoundary returns a byte offset; convert back to runes
			// before indexing into the rune slice.
			if cut := lastWordBoundary(window); cut > len(window)/2 {
				end = i + utf8.RuneCountInString(window[:cut])
			}
		}
		if end <= i {
			end = i + 1
		}

		content := string(runes[i:end])
		chunks = append(chunks, Chunk{
			ParentID:    parentId,
			ChunkIndex:  idx,
			Content:     content,
			StartOffset: i,
			Length:      end - i,
			TokenCount:  CountTokens(content, modelId),
		})
		idx++

		if end >= len(runes) {
			break
		}
		i = end - overlapChars
		if i <= 0 {
			i = end
		}
	}
	return chunks
}

// lastWordBoundary returns the byte offset just past the last
// sentence-ending punctuation mark or newline in s, falling back to the last
// space or tab, so chunks read naturally. Returns len(s) when no boundary is
// found.
func lastWordBoundary(s string) int {
	if i := strings.LastIndexAny(s, ".!?\n"); i >= 0 {
		return i + 1
	}
	if i := strings.LastIndexAny(s, " \t"); i >= 0 {
		return i + 1
	}
	return len(s)
}
