package chunker

import (
	"strings"
	"unicode/utf8"

	"github.com/dshills/doccache-mcp/pkg/types"
)

const (
	// MaxTokensPerChunk is the target maximum token count per chunk
	MaxTokensPerChunk = 1000

	// TokensPerChar is the heuristic for estimating tokens (chars/4)
	TokensPerChar = 4

	// minChunkChars keeps tiny limits from degenerating into one chunk per rune
	minChunkChars = 16
)

// Chunker splits markdown documents into heading-bounded chunks
type Chunker struct {
	maxTokens int
}

// New creates a new Chunker with the default size limit
func New() *Chunker {
	return &Chunker{maxTokens: MaxTokensPerChunk}
}

// NewWithMaxTokens creates a Chunker that splits sections above maxTokens
func NewWithMaxTokens(maxTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = MaxTokensPerChunk
	}
	return &Chunker{maxTokens: maxTokens}
}

// MaxChars returns the chunk size limit in characters
func (c *Chunker) MaxChars() int {
	n := c.maxTokens * TokensPerChar
	if n < minChunkChars {
		n = minChunkChars
	}
	return n
}

// heading is one entry of the active heading stack
type heading struct {
	level int
	title string
}

// section accumulates body lines under the current heading
type section struct {
	lines      []string
	code       []bool // lines[i] is inside a fenced block and kept verbatim
	size       int
	hasHeading bool
	emitted    int
}

// Chunk splits document text into an ordered sequence of chunks.
// Identical input always yields identical boundaries and ids.
func (c *Chunker) Chunk(text, sourcePath string, frontMatter map[string]any) []*types.Chunk {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	maxChars := c.MaxChars()

	var (
		chunks []*types.Chunk
		stack  []heading
		cur    = &section{}
		fence  string
	)

	emit := func(content string) {
		chunks = append(chunks, newChunk(sourcePath, len(chunks), content, headingPath(stack), frontMatter))
		cur.emitted++
	}

	// flushBody emits the accumulated body if it holds any text
	flushBody := func() {
		content := joinTrimmed(cur.lines, cur.code)
		if content != "" {
			emit(content)
		}
		cur.lines = cur.lines[:0]
		cur.code = cur.code[:0]
		cur.size = 0
	}

	// closeSection emits the last part of a section. A heading without
	// body still produces one empty chunk.
	closeSection := func() {
		content := joinTrimmed(cur.lines, cur.code)
		if content != "" || (cur.hasHeading && cur.emitted == 0) {
			emit(content)
		}
	}

	for _, line := range lines {
		if fence == "" {
			if level, title, ok := parseHeading(line); ok {
				closeSection()
				for len(stack) > 0 && stack[len(stack)-1].level >= level {
					stack = stack[:len(stack)-1]
				}
				stack = append(stack, heading{level: level, title: title})
				cur = &section{hasHeading: true}
				continue
			}
		}
		inCode := fence != ""
		fence = updateFence(fence, line)

		if len(line) > maxChars {
			flushBody()
			parts := ForceSplitText(line, maxChars)
			for _, part := range parts[:len(parts)-1] {
				emit(part)
			}
			line = parts[len(parts)-1]
		}

		if cur.size > 0 && cur.size+len(line)+1 > maxChars {
			flushBody()
		}
		cur.lines = append(cur.lines, line)
		cur.code = append(cur.code, inCode)
		cur.size += len(line) + 1
	}
	closeSection()

	return chunks
}

// ChunkDocument separates YAML front matter from raw file content and chunks the body
func (c *Chunker) ChunkDocument(raw []byte, sourcePath string) ([]*types.Chunk, map[string]any, error) {
	frontMatter, body, err := SplitFrontMatter(raw)
	if err != nil {
		return nil, nil, err
	}
	return c.Chunk(body, sourcePath, frontMatter), frontMatter, nil
}

// newChunk builds a chunk record with its derived id
func newChunk(sourcePath string, ordinal int, content string, headingPath []string, frontMatter map[string]any) *types.Chunk {
	chunk := &types.Chunk{
		ID:          types.NewChunkID(sourcePath, ordinal, content),
		Content:     content,
		SourcePath:  sourcePath,
		HeadingPath: headingPath,
		Ordinal:     ordinal,
		FrontMatter: copyMetadata(frontMatter),
	}
	chunk.ClearEmbedding()
	return chunk
}

// parseHeading recognises ATX headings ("# Title" through "###### Title")
func parseHeading(line string) (int, string, bool) {
	indent := 0
	for indent < len(line) && indent < 4 && line[indent] == ' ' {
		indent++
	}
	if indent > 3 {
		return 0, "", false
	}
	rest := line[indent:]

	level := 0
	for level < len(rest) && rest[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return 0, "", false
	}
	if level < len(rest) && rest[level] != ' ' && rest[level] != '\t' {
		return 0, "", false
	}

	title := strings.TrimSpace(rest[level:])
	// Optional closing sequence: "## Title ##"
	if trimmed := strings.TrimRight(title, "#"); trimmed != title {
		if trimmed == "" || strings.HasSuffix(trimmed, " ") || strings.HasSuffix(trimmed, "\t") {
			title = strings.TrimSpace(trimmed)
		}
	}
	return level, title, true
}

// updateFence tracks fenced code blocks so '#' lines inside them are body text
func updateFence(open, line string) string {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return open
	}
	var marker string
	switch {
	case strings.HasPrefix(trimmed, "```"):
		marker = "```"
	case strings.HasPrefix(trimmed, "~~~"):
		marker = "~~~"
	default:
		return open
	}
	if open == "" {
		return marker
	}
	if marker == open && strings.TrimSpace(strings.TrimLeft(trimmed, marker[:1])) == "" {
		return ""
	}
	return open
}

// headingPath copies the titles of the active heading stack
func headingPath(stack []heading) []string {
	path := make([]string, len(stack))
	for i, h := range stack {
		path[i] = h.title
	}
	return path
}

// joinTrimmed joins lines dropping leading and trailing blank lines. Trailing
// spaces are stripped except on code lines, where they can be significant.
func joinTrimmed(lines []string, code []bool) string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if start == end {
		return ""
	}
	out := make([]string, end-start)
	for i, l := range lines[start:end] {
		if code[start+i] {
			out[i] = l
			continue
		}
		out[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(out, "\n")
}

// ForceSplitText splits text into parts of at most maxChars bytes, preferring
// to break after whitespace in the second half of the window and never
// splitting inside a UTF-8 sequence
func ForceSplitText(text string, maxChars int) []string {
	if maxChars <= 0 || len(text) <= maxChars {
		return []string{text}
	}

	var parts []string
	for len(text) > maxChars {
		cut := strings.LastIndexAny(text[:maxChars], " \t")
		if cut < maxChars/2 {
			cut = maxChars
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				_, size := utf8.DecodeRuneInString(text)
				cut = size
			}
		} else {
			cut++ // keep the whitespace on the left part
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	return append(parts, text)
}

// copyMetadata creates a shallow copy of front matter
func copyMetadata(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
