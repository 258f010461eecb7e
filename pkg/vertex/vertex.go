// Package vertex implements the pipeline's embedder and generator on the
// Google Gen AI SDK, against either Vertex AI or the Gemini API.
package vertex

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// Backend names accepted in Config.Backend.
const (
	BackendVertex = "vertex"
	BackendGemini = "gemini"
)

// Config selects the backend, credentials and models.
type Config struct {
	Backend        string
	Project        string
	Location       string
	APIKey         string
	EmbeddingModel string
	TextModel      string
	// Temperature is left to the model default when nil.
	Temperature     *float32
	MaxOutputTokens int32
}

// models is the subset of *genai.Models used here.
type models interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client embeds and generates through one genai client.
type Client struct {
	models models
	cfg    Config
}

// New creates a Client. Vertex needs a project and location, Gemini an API key.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cc := &genai.ClientConfig{Backend: genai.BackendGeminiAPI, APIKey: cfg.APIKey}
	if cfg.Backend == BackendVertex {
		cc = &genai.ClientConfig{
			Backend:  genai.BackendVertexAI,
			Project:  cfg.Project,
			Location: cfg.Location,
		}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("vertex: create client: %w", err)
	}
	return &Client{models: client.Models, cfg: cfg}, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.Backend {
	case BackendVertex:
		if c.Project == "" {
			errs = append(errs, errors.New("vertex: project is required"))
		}
		if c.Location == "" {
			errs = append(errs, errors.New("vertex: location is required"))
		}
	case BackendGemini:
		if c.APIKey == "" {
			errs = append(errs, errors.New("vertex: api key is required for the gemini backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("vertex: unknown backend %q", c.Backend))
	}
	if c.EmbeddingModel == "" {
		errs = append(errs, errors.New("vertex: embedding model is required"))
	}
	if c.TextModel == "" {
		errs = append(errs, errors.New("vertex: text model is required"))
	}
	return errors.Join(errs...)
}

// EmbedBatch returns one vector per input text, in order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Role: "user", Parts: []*genai.Part{{Text: t}}}
	}

	resp, err := c.models.EmbedContent(ctx, c.cfg.EmbeddingModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("vertex: embed: %w", err)
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		return nil, fmt.Errorf("vertex: embed: expected %d embeddings, got %d", len(texts), got)
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e == nil {
			return nil, fmt.Errorf("vertex: embed: missing embedding at %d", i)
		}
		out[i] = e.Values
	}
	return out, nil
}

// Generate sends prompt with systemInstruction and returns the response text.
func (c *Client) Generate(ctx context.Context, prompt, systemInstruction string) (string, error) {
	resp, err := c.models.GenerateContent(ctx, c.cfg.TextModel, genai.Text(prompt), c.generateConfig(systemInstruction))
	if err != nil {
		return "", fmt.Errorf("vertex: generate: %w", err)
	}
	if resp == nil {
		return "", errors.New("vertex: generate: empty response")
	}
	return resp.Text(), nil
}

func (c *Client) generateConfig(systemInstruction string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if systemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}}
	}
	if c.cfg.Temperature != nil {
		cfg.Temperature = genai.Ptr(*c.cfg.Temperature)
	}
	if c.cfg.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = c.cfg.MaxOutputTokens
	}
	return cfg
}
