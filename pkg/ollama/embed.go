// Package ollama implements the pipeline's embedder and generator against a
// local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/assetmanager/filingsqa/pkg/fn"
)

// DefaultTimeout bounds a single HTTP call to Ollama.
const DefaultTimeout = 2 * time.Minute

// EmbedClient produces embeddings via Ollama's /api/embeddings endpoint.
type EmbedClient struct {
	baseURL string
	model   string
	workers int
	client  *http.Client
}

// NewEmbedClient creates an Ollama embedding client. workers bounds the
// number of concurrent requests in EmbedBatch.
func NewEmbedClient(baseURL, model string, workers int) *EmbedClient {
	if workers <= 0 {
		workers = 4
	}
	return &EmbedClient{
		baseURL: baseURL,
		model:   model,
		workers: workers,
		client:  &http.Client{Timeout: DefaultTimeout},
	}
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

func (c *EmbedClient) embed(ctx context.Context, text string) ([]float32, error) {
	var result embedResp
	if err := postJSON(ctx, c.client, c.baseURL+"/api/embeddings", embedReq{Model: c.model, Prompt: text}, &result); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// EmbedBatch returns one vector per text, in input order. Ollama embeds a
// single prompt per request, so texts are fanned out over the worker pool.
func (c *EmbedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := fn.ParMapResult(texts, c.workers, func(text string) fn.Result[[]float32] {
		return fn.FromPair(c.embed(ctx, text))
	})
	return fn.Collect(results).Unwrap()
}

// postJSON sends in as JSON and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
