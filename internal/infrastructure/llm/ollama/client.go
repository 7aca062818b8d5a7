package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
	limiter    *rate.Limiter
	logger     *zap.Logger
}

type Option func(*Client)

func WithExecutor(executor *resilience.Executor) Option {
	return func(c *Client) { c.executor = executor }
}

// WithRateLimit caps outgoing model calls. A non-positive rps disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(baseURL, genModel, embedModel string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.postJSON(ctx, "/api/embed", request, &response, "embed"); err != nil {
		return nil, err
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed returned %d vectors for %d inputs", len(response.Embeddings), len(texts))
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) GenerateAnswer(ctx context.Context, question string, chunks []domain.RetrievedChunk) (string, error) {
	return g.client.generateText(ctx, buildAnswerPrompt(question, chunks))
}

// RelevanceScorer asks the generation model to grade a passage against a
// query. It backs the reranker when a model-based relevance signal is wanted.
type QueryExpander struct {
	client *Client
}

func NewQueryExpander(client *Client) *QueryExpander {
	return &QueryExpander{client: client}
}

func (e *QueryExpander) ExpandQuery(ctx context.Context, query string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := e.client.generateText(ctx, buildExpansionPrompt(query, n))
	if err != nil {
		return nil, err
	}
	return parseAlternatives(raw, query, n), nil
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]+|\d+[.)])\s*`)

// parseAlternatives keeps the first n distinct lines that differ from the
// query, with list markers removed.
func parseAlternatives(raw, query string, n int) []string {
	seen := map[string]struct{}{strings.ToLower(strings.TrimSpace(query)): {}}
	out := make([]string, 0, n)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.Trim(listMarker.ReplaceAllString(line, ""), "\" \t\r")
		if line == "" {
			continue
		}
		key := strings.ToLower(line)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, line)
		if len(out) == n {
			break
		}
	}
	return out
}

type RelevanceScorer struct {
	client *Client
}

func NewRelevanceScorer(client *Client) *RelevanceScorer {
	return &RelevanceScorer{client: client}
}

func (s *RelevanceScorer) Score(ctx context.Context, query, text string) (float64, error) {
	respText, err := s.client.generateJSON(ctx, buildRelevancePrompt(query, text))
	if err != nil {
		return 0, err
	}
	return parseRelevance(respText)
}

func parseRelevance(raw string) (float64, error) {
	var result struct {
		Score json.RawMessage `json:"score"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &result); err != nil {
		return 0, fmt.Errorf("parse relevance json: %w", err)
	}
	if len(result.Score) == 0 {
		return 0, fmt.Errorf("parse relevance json: missing score")
	}
	// Models sometimes quote numbers.
	value, err := strconv.ParseFloat(strings.Trim(string(result.Score), `"`), 64)
	if err != nil {
		return 0, fmt.Errorf("parse relevance score %s: %w", result.Score, err)
	}
	switch {
	case value < 0:
		return 0, nil
	case value > 1:
		return 1, nil
	}
	return value, nil
}

func (c *Client) generateJSON(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.genModel,
		"prompt": prompt,
		"stream": false,
		"format": "json",
	}
	return c.generate(ctx, reqBody)
}

func (c *Client) generateText(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.genModel,
		"prompt": prompt,
		"stream": false,
	}
	return c.generate(ctx, reqBody)
}

func (c *Client) generate(ctx context.Context, reqBody map[string]any) (string, error) {
	var response struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, "/api/generate", reqBody, &response, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
