package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/infrastructure/resilience"
)

var tracer = otel.Tracer("medrag.vector.qdrant")

// pointNamespace makes point IDs a stable function of the chunk ID so that
// re-indexing overwrites instead of duplicating.
var pointNamespace = uuid.MustParse("6f1d8a52-3c1e-4f0e-9b7a-2d6c8f4e1a90")

type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor
	logger     *zap.Logger

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

type Option func(*Client)

func WithExecutor(executor *resilience.Executor) Option {
	return func(c *Client) { c.executor = executor }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func New(baseURL, collection string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

func (c *Client) Upsert(ctx context.Context, chunks []domain.Chunk) error {
	ctx, span := tracer.Start(ctx, "qdrant.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))

	if len(chunks) == 0 {
		return nil
	}
	size := len(chunks[0].Embedding)
	if size == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "qdrant upsert", fmt.Errorf("chunk %s has no embedding", chunks[0].ID))
	}
	for _, chunk := range chunks[1:] {
		if len(chunk.Embedding) != size {
			return domain.WrapError(
				domain.ErrDimensionMismatch,
				"qdrant upsert",
				fmt.Errorf("chunk %s has %d dimensions, batch has %d", chunk.ID, len(chunk.Embedding), size),
			)
		}
	}

	if err := c.ensureCollection(ctx, size); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}
	points := make([]point, 0, len(chunks))
	for _, chunk := range chunks {
		points = append(points, point{
			ID:     PointID(chunk.ID),
			Vector: chunk.Embedding,
			Payload: map[string]any{
				"chunk_id":    chunk.ID,
				"doc_id":      chunk.DocumentID,
				"chunk_index": chunk.Index,
			},
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	if err := c.call(ctx, "qdrant.upsert", http.MethodPut, path, map[string]any{"points": points}, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.mapError("qdrant upsert", err)
	}
	return nil
}

func (c *Client) Search(ctx context.Context, vector []float32, k int) ([]domain.Hit, error) {
	ctx, span := tracer.Start(ctx, "qdrant.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k), attribute.Int("dimensions", len(vector)))

	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	if size := c.knownVectorSize(); size > 0 && size != len(vector) {
		err := domain.WrapError(
			domain.ErrDimensionMismatch,
			"qdrant search",
			fmt.Errorf("query has %d dimensions, collection expects %d", len(vector), size),
		)
		span.RecordError(err)
		return nil, err
	}

	reqBody := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	if err := c.call(ctx, "qdrant.search", http.MethodPost, path, reqBody, &searchResp); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, c.mapError("qdrant search", err)
	}

	out := make([]domain.Hit, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, domain.Hit{
			ChunkID:    getStringPayload(r.Payload, "chunk_id"),
			DocumentID: getStringPayload(r.Payload, "doc_id"),
			Score:      r.Score,
		})
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	ctx, span := tracer.Start(ctx, "qdrant.DeleteDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID))

	reqBody := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "doc_id", "match": map[string]any{"value": documentID}},
			},
		},
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", c.collection)
	if err := c.call(ctx, "qdrant.delete", http.MethodPost, path, reqBody, nil); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.mapError("qdrant delete", err)
	}
	return nil
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection {
		ensured := c.ensuredVectorSize
		c.ensureMu.Unlock()
		if ensured != vectorSize {
			return domain.WrapError(
				domain.ErrDimensionMismatch,
				"qdrant ensure collection",
				fmt.Errorf("vectors have %d dimensions, collection expects %d", vectorSize, ensured),
			)
		}
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	path := fmt.Sprintf("/collections/%s", c.collection)
	err := c.call(ctx, "qdrant.ensure_collection", http.MethodPut, path, reqBody, nil)
	switch {
	case err == nil:
		c.markCollectionEnsured(vectorSize)
		c.logger.Info("qdrant collection created", zap.String("collection", c.collection), zap.Int("vector_size", vectorSize))
		return nil
	case isStatus(err, http.StatusConflict), isStatus(err, http.StatusBadRequest) && strings.Contains(err.Error(), "already exists"):
		existing, infoErr := c.collectionVectorSize(ctx)
		if infoErr != nil {
			return c.mapError("qdrant collection info", infoErr)
		}
		c.markCollectionEnsured(existing)
		if existing != vectorSize {
			return domain.WrapError(
				domain.ErrDimensionMismatch,
				"qdrant ensure collection",
				fmt.Errorf("vectors have %d dimensions, collection expects %d", vectorSize, existing),
			)
		}
		return nil
	default:
		return c.mapError("qdrant ensure collection", err)
	}
}

func (c *Client) collectionVectorSize(ctx context.Context) (int, error) {
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s", c.collection)
	if err := c.call(ctx, "qdrant.collection_info", http.MethodGet, path, nil, &info); err != nil {
		return 0, err
	}
	return info.Result.Config.Params.Vectors.Size, nil
}

func (c *Client) markCollectionEnsured(vectorSize int) {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
}

func (c *Client) knownVectorSize() int {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	return c.ensuredVectorSize
}

func (c *Client) call(ctx context.Context, operation, method, path string, reqBody, out any) error {
	do := func(ctx context.Context) error {
		return c.do(ctx, method, path, reqBody, out)
	}
	if c.executor == nil {
		return do(ctx)
	}
	return c.executor.Execute(ctx, operation, do, resilience.ClassifyHTTP)
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal qdrant request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create qdrant request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &resilience.StatusError{
			Service:    "qdrant",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode qdrant response: %w", err)
	}
	return nil
}

func (c *Client) mapError(op string, err error) error {
	if isStatus(err, http.StatusBadRequest) && strings.Contains(strings.ToLower(err.Error()), "dimension") {
		return domain.WrapError(domain.ErrDimensionMismatch, op, err)
	}
	if domain.IsKind(err, domain.ErrDimensionMismatch) {
		return err
	}
	return domain.WrapError(domain.ErrIndexUnavailable, op, err)
}

func isStatus(err error, code int) bool {
	var statusErr *resilience.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
