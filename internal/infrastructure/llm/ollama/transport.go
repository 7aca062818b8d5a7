package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kirillkom/medrag/internal/infrastructure/resilience"
)

// postJSON waits for the rate limiter, then runs the request behind the
// resilience executor when one is configured.
func (c *Client) postJSON(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("ollama %s rate limit: %w", operation, err)
		}
	}

	call := func(ctx context.Context) error {
		return c.post(ctx, path, body, out, operation)
	}
	if c.executor == nil {
		err = call(ctx)
	} else {
		err = c.executor.Execute(ctx, "ollama."+operation, call, resilience.ClassifyHTTP)
	}
	if err != nil {
		c.logger.Debug("ollama call failed", zap.String("operation", operation), zap.Error(err))
	}
	return resilience.MarkTemporary("ollama "+operation, err, resilience.ClassifyHTTP)
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any, operation string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &resilience.StatusError{
			Service:    "ollama " + operation,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}
