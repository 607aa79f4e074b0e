package textutil

import "strings"

// Chunker splits extracted text into overlapping chunks sized for embedding.
// Splitting prefers paragraph boundaries, then sentence boundaries, and only
// falls back to raw character slicing for pathological inputs.
type Chunker struct {
	Size    int
	Overlap int
}

const minChunkLength = 50

// Chunk splits text into chunks no longer than c.Size. Each chunk after the
// first carries the last c.Overlap characters of its predecessor so that
// sentences straddling a boundary stay searchable. Chunks shorter than 50
// characters are dropped.
func (c Chunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	size := c.Size
	if size <= 0 {
		size = 1000
	}
	if len(text) <= size {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len()+len(para)+2 <= size {
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(para)
			continue
		}
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if len(para) <= size {
			current.WriteString(para)
			continue
		}
		chunks = append(chunks, c.splitLong(para, size)...)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	chunks = c.applyOverlap(chunks)

	out := chunks[:0]
	for _, chunk := range chunks {
		if len(strings.TrimSpace(chunk)) >= minChunkLength {
			out = append(out, chunk)
		}
	}
	return out
}

// splitLong breaks an oversized paragraph at sentence boundaries, then by raw
// characters when a single sentence still exceeds the chunk size.
func (c Chunker) splitLong(para string, size int) []string {
	var chunks []string
	var current strings.Builder
	for _, sentence := range splitSentences(para) {
		if current.Len()+len(sentence)+1 <= size {
			if current.Len() > 0 {
				current.WriteByte(' ')
			}
			current.WriteString(sentence)
			continue
		}
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		for len(sentence) > size {
			chunks = append(chunks, sentence[:size])
			sentence = sentence[size:]
		}
		current.WriteString(sentence)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func (c Chunker) applyOverlap(chunks []string) []string {
	if c.Overlap <= 0 || len(chunks) < 2 {
		return chunks
	}
	out := make([]string, len(chunks))
	out[0] = chunks[0]
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		tail := prev
		if len(prev) > c.Overlap {
			tail = prev[len(prev)-c.Overlap:]
		}
		out[i] = strings.TrimSpace(tail) + " " + chunks[i]
	}
	return out
}

// splitSentences splits on terminal punctuation followed by whitespace. It is
// deliberately simple; abbreviation handling is not worth the complexity here.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		ch := text[i]
		if (ch == '.' || ch == '!' || ch == '?') && (text[i+1] == ' ' || text[i+1] == '\n') {
			sentence := strings.TrimSpace(text[start : i+1])
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}
