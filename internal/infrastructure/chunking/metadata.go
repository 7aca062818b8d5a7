package chunking

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/kirillkom/medrag/internal/core/textnorm"
)

const maxKeyTerms = 10

var headerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^#{1,6}\s+\S.*$`),
	regexp.MustCompile(`^\d+(\.\d+)*\.?\s+[A-Z][^.]{0,80}$`),
	regexp.MustCompile(`^[A-Z][a-z]+(\s+[A-Z][a-z]+)*:$`),
}

var contentTypePatterns = []struct {
	kind    string
	pattern *regexp.Regexp
}{
	{"clinical_trial", regexp.MustCompile(`clinical trial|randomized|placebo`)},
	{"guidelines", regexp.MustCompile(`guideline|recommendation|protocol`)},
	{"case_study", regexp.MustCompile(`case report|patient presentation`)},
	{"review", regexp.MustCompile(`systematic review|meta-analysis`)},
	{"educational", regexp.MustCompile(`patient education|information for patients`)},
}

// DetectContentType labels a document by the first matching marker phrase.
func DetectContentType(text string) string {
	lower := strings.ToLower(text)
	for _, ct := range contentTypePatterns {
		if ct.pattern.MatchString(lower) {
			return ct.kind
		}
	}
	return "general"
}

// KeyTerms returns up to limit of the most frequent alphabetic terms of text
// longer than three letters. Ties go alphabetically.
func KeyTerms(text string, limit int) []string {
	counts := make(map[string]int)
	for _, term := range textnorm.Terms(text) {
		if len(term) <= 3 || !alphabetic(term) {
			continue
		}
		counts[term]++
	}
	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}

func alphabetic(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

type header struct {
	offset int
	title  string
}

type layout struct {
	headers   []header
	formFeeds []int
}

func analyze(runes []rune) layout {
	var l layout
	lineStart := 0
	for i := 0; i <= len(runes); i++ {
		if i < len(runes) && runes[i] == '\f' {
			l.formFeeds = append(l.formFeeds, i)
		}
		if i < len(runes) && runes[i] != '\n' {
			continue
		}
		line := strings.TrimSpace(string(runes[lineStart:i]))
		if isHeader(line) {
			l.headers = append(l.headers, header{offset: lineStart, title: strings.TrimLeft(line, "# ")})
		}
		lineStart = i + 1
	}
	return l
}

func isHeader(line string) bool {
	if line == "" || len(line) > 120 {
		return false
	}
	if isAllCapsHeader(line) {
		return true
	}
	for _, p := range headerPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func isAllCapsHeader(line string) bool {
	letters := 0
	for _, r := range line {
		switch {
		case unicode.IsLetter(r):
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		case unicode.IsSpace(r):
		default:
			return false
		}
	}
	return letters >= 4
}

// sectionAt returns the last header at or before start, or the first header
// inside [start, end) when the chunk precedes every header.
func (l layout) sectionAt(start, end int) string {
	title := ""
	for _, h := range l.headers {
		if h.offset > start {
			if title == "" && h.offset < end {
				return h.title
			}
			break
		}
		title = h.title
	}
	return title
}

// pageAt is 1-based and only meaningful when the text carries form feeds.
func (l layout) pageAt(offset int) int {
	if len(l.formFeeds) == 0 {
		return 0
	}
	page := 1
	for _, ff := range l.formFeeds {
		if ff >= offset {
			break
		}
		page++
	}
	return page
}
