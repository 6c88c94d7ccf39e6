package chunker

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontMatterDelimiter = "---"

// SplitFrontMatter separates a leading YAML front matter block from the
// document body. Documents without a complete block are returned unchanged
// with nil front matter.
func SplitFrontMatter(raw []byte) (map[string]any, string, error) {
	text := strings.TrimPrefix(string(raw), "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	if !strings.HasPrefix(text, frontMatterDelimiter+"\n") {
		return nil, text, nil
	}

	rest := text[len(frontMatterDelimiter)+1:]
	offset := 0
	for offset <= len(rest) {
		end := strings.IndexByte(rest[offset:], '\n')
		var line string
		if end < 0 {
			line = rest[offset:]
		} else {
			line = rest[offset : offset+end]
		}

		if trimmed := strings.TrimRight(line, " \t"); trimmed == frontMatterDelimiter || trimmed == "..." {
			block := rest[:offset]
			body := ""
			if end >= 0 {
				body = rest[offset+end+1:]
			}

			frontMatter := map[string]any{}
			if err := yaml.Unmarshal([]byte(block), &frontMatter); err != nil {
				return nil, "", fmt.Errorf("parse front matter: %w", err)
			}
			return frontMatter, body, nil
		}

		if end < 0 {
			break
		}
		offset += end + 1
	}

	// Unterminated block, treat the whole file as body
	return nil, text, nil
}
