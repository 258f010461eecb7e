package ollama

import (
	"context"
	"fmt"
	"net/http"
)

// ChatClient generates text via Ollama's non-streaming /api/chat endpoint.
type ChatClient struct {
	baseURL     string
	model       string
	temperature float64
	client      *http.Client
}

// NewChatClient creates an Ollama chat client.
func NewChatClient(baseURL, model string, temperature float64) *ChatClient {
	return &ChatClient{
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		client:      &http.Client{Timeout: DefaultTimeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatReq struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResp struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// Generate sends the system instruction and prompt as a two-message chat.
func (c *ChatClient) Generate(ctx context.Context, prompt, systemInstruction string) (string, error) {
	msgs := make([]chatMessage, 0, 2)
	if systemInstruction != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: systemInstruction})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	var out chatResp
	err := postJSON(ctx, c.client, c.baseURL+"/api/chat", chatReq{
		Model:    c.model,
		Messages: msgs,
		Stream:   false,
		Options:  map[string]any{"temperature": c.temperature},
	}, &out)
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return out.Message.Content, nil
}
