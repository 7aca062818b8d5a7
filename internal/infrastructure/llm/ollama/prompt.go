package ollama

import (
	"fmt"
	"strings"

	"github.com/kirillkom/medrag/internal/core/domain"
)

const maxPassageRunes = 2000

func buildAnswerPrompt(question string, chunks []domain.RetrievedChunk) string {
	var contextBuilder strings.Builder
	for idx, chunk := range chunks {
		section := chunk.Metadata["section"]
		if section == "" {
			section = "-"
		}
		contextBuilder.WriteString(fmt.Sprintf(
			"[%d] document=%s section=%s score=%.3f\n%s\n\n",
			idx+1,
			chunk.DocumentID,
			section,
			chunk.Score,
			chunk.Text,
		))
	}

	return fmt.Sprintf(`You answer questions for a medical document portal.
Answer only from the context below and cite passages by their [number].
If the context is insufficient, say so directly. Do not give a diagnosis.

Question:
%s

Context:
%s
`, question, contextBuilder.String())
}

func buildRelevancePrompt(query, passage string) string {
	if runes := []rune(passage); len(runes) > maxPassageRunes {
		passage = string(runes[:maxPassageRunes])
	}
	return `You grade search results for a medical document portal.
Return strict JSON object {"score": number} where score is from 0 (unrelated) to 1 (directly answers the query).
No markdown, no extra keys.

Query:
` + query + `

Passage:
` + passage
}

func buildExpansionPrompt(query string, n int) string {
	return fmt.Sprintf(`You rewrite search queries for a medical document portal.
Write %d alternative phrasings of the query below, one per line.
Use medical synonyms and related terms. Do not number the lines or add commentary.

Query:
%s
`, n, query)
}
