package chunking

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kirillkom/medrag/internal/core/domain"
)

const (
	defaultChunkSize     = 800
	defaultMaxChunks     = 10000
	defaultContextWindow = 100
)

type Splitter struct {
	ChunkSize     int
	Overlap       int
	Tolerance     int
	MaxChunks     int
	ContextWindow int
}

type Option func(*Splitter)

// WithTolerance sets how far back from the target length a natural boundary is searched.
func WithTolerance(runes int) Option {
	return func(s *Splitter) { s.Tolerance = runes }
}

func WithMaxChunks(n int) Option {
	return func(s *Splitter) { s.MaxChunks = n }
}

// WithContextWindow sets how many neighbouring runes are copied into
// context_before/context_after metadata. Zero disables it.
func WithContextWindow(runes int) Option {
	return func(s *Splitter) { s.ContextWindow = runes }
}

func NewSplitter(chunkSize, overlap int, opts ...Option) *Splitter {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	s := &Splitter{
		ChunkSize:     chunkSize,
		Overlap:       overlap,
		Tolerance:     chunkSize / 5,
		MaxChunks:     defaultMaxChunks,
		ContextWindow: defaultContextWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	// The cut must land past the overlap or the window would stop advancing.
	if limit := (s.ChunkSize - s.Overlap) / 2; s.Tolerance > limit {
		s.Tolerance = limit
	}
	if s.Tolerance < 0 {
		s.Tolerance = 0
	}
	if s.ContextWindow < 0 {
		s.ContextWindow = 0
	}
	return s
}

type span struct {
	start   int
	end     int
	overlap int
}

func (s *Splitter) Chunk(documentID, text string) ([]domain.Chunk, error) {
	if !utf8.ValidString(text) {
		return nil, domain.WrapError(domain.ErrChunkingFailure, "chunk document", errors.New("text is not valid utf-8"))
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	spans := s.spans(runes)
	if s.MaxChunks > 0 && len(spans) > s.MaxChunks {
		return nil, domain.WrapError(
			domain.ErrChunkingFailure,
			"chunk document",
			fmt.Errorf("document produces %d chunks, limit is %d", len(spans), s.MaxChunks),
		)
	}

	layout := analyze(runes)
	contentType := DetectContentType(text)
	total := strconv.Itoa(len(spans))

	out := make([]domain.Chunk, 0, len(spans))
	for i, sp := range spans {
		meta := map[string]string{
			"content_type": contentType,
			"total_chunks": total,
		}
		if section := layout.sectionAt(sp.start, sp.end); section != "" {
			meta["section"] = section
		}
		if page := layout.pageAt(sp.start); page > 0 {
			meta["page"] = strconv.Itoa(page)
		}
		if s.ContextWindow > 0 {
			if sp.start > 0 {
				meta["context_before"] = string(runes[max(0, sp.start-s.ContextWindow):sp.start])
			}
			if sp.end < len(runes) {
				meta["context_after"] = string(runes[sp.end:min(len(runes), sp.end+s.ContextWindow)])
			}
		}

		body := string(runes[sp.start:sp.end])
		if terms := KeyTerms(body, maxKeyTerms); len(terms) > 0 {
			meta["key_terms"] = strings.Join(terms, ",")
		}

		out = append(out, domain.Chunk{
			ID:          domain.ChunkID(documentID, i),
			DocumentID:  documentID,
			Index:       i,
			Text:        body,
			StartOffset: sp.start,
			EndOffset:   sp.end,
			Overlap:     sp.overlap,
			Metadata:    meta,
		})
	}
	return out, nil
}

func (s *Splitter) spans(runes []rune) []span {
	n := len(runes)
	if n <= s.ChunkSize {
		return []span{{start: 0, end: n}}
	}

	out := make([]span, 0, n/(s.ChunkSize-s.Overlap)+1)
	start, overlap := 0, 0
	for {
		target := start + s.ChunkSize
		if target >= n {
			out = append(out, span{start: start, end: n, overlap: overlap})
			return out
		}
		end := s.cutPoint(runes, start, target)
		out = append(out, span{start: start, end: end, overlap: overlap})

		next := s.overlapStart(runes, start, end)
		overlap = end - next
		start = next
	}
}

type boundaryFunc func(runes []rune, start, i int) bool

// Ordered by preference: paragraph, line, sentence, word.
var boundaries = []boundaryFunc{
	func(r []rune, start, i int) bool { return i-2 >= start && r[i-1] == '\n' && r[i-2] == '\n' },
	func(r []rune, _, i int) bool { return r[i-1] == '\n' },
	func(r []rune, start, i int) bool {
		if i-2 < start || !unicode.IsSpace(r[i-1]) {
			return false
		}
		switch r[i-2] {
		case '.', '?', '!', ';':
			return true
		}
		return false
	},
	func(r []rune, _, i int) bool { return unicode.IsSpace(r[i-1]) },
}

// cutPoint returns the exclusive end of the chunk starting at start. It looks
// back from target for the most preferred boundary and falls back to target.
func (s *Splitter) cutPoint(runes []rune, start, target int) int {
	lo := max(target-s.Tolerance, start+s.Overlap+1)
	for _, isBoundary := range boundaries {
		for i := target; i >= lo; i-- {
			if isBoundary(runes, start, i) {
				return i
			}
		}
	}
	return target
}

// overlapStart returns where the next chunk begins, snapped forward to the
// start of a word when one exists inside the overlap window.
func (s *Splitter) overlapStart(runes []rune, start, end int) int {
	if s.Overlap == 0 {
		return end
	}
	next := end - s.Overlap
	if next <= start {
		next = start + 1
	}
	for i := next; i < end; i++ {
		if unicode.IsSpace(runes[i-1]) && !unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return next
}

// Reconstruct joins chunks back into the original text by dropping each
// chunk's overlap prefix.
func Reconstruct(chunks []domain.Chunk) string {
	var out []rune
	for _, chunk := range chunks {
		runes := []rune(chunk.Text)
		if chunk.Overlap > len(runes) {
			continue
		}
		out = append(out, runes[chunk.Overlap:]...)
	}
	return string(out)
}
