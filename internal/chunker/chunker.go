package chunker

import (
	"regexp"
	"strings"
)

const (
	DefaultSize    = 300
	DefaultOverlap = 100
)

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// Chunker splits text into paragraph-aware word windows.
type Chunker struct {
	size    int
	overlap int
}

// New returns a chunker producing windows of size words that share overlap words
// with their predecessor. Invalid values fall back to the defaults.
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
		if DefaultOverlap < size {
			overlap = DefaultOverlap
		}
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split breaks text on blank lines. A paragraph of at most size words becomes one
// chunk; a longer paragraph becomes overlapping windows. Whitespace is collapsed.
func (c *Chunker) Split(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var chunks []string
	for _, para := range paragraphBreak.Split(text, -1) {
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		if len(words) <= c.size {
			chunks = append(chunks, strings.Join(words, " "))
			continue
		}
		step := c.size - c.overlap
		for start := 0; start < len(words); start += step {
			end := start + c.size
			if end > len(words) {
				end = len(words)
			}
			chunks = append(chunks, strings.Join(words[start:end], " "))
			if end == len(words) {
				break
			}
		}
	}
	return chunks
}
