package scanning

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Ollama implements Classifier using a local Ollama server.
// Text-only models work; llama3.1 and qwen2.5 follow the JSON instruction reliably.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates an Ollama classifier
func NewOllama(baseURL string, modelName string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llama3.1"
	}

	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client: &http.Client{
			Timeout: 120 * time.Second, // local models can be slow on first load
		},
	}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Classify asks the Ollama chat API for the receipt fields of text
func (o *Ollama) Classify(ctx context.Context, text string) (*Classification, error) {
	req := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: "json",
		Messages: []ollamaMessage{
			{Role: "system", Content: classificationSystemPrompt},
			{Role: "user", Content: classificationRequest(text)},
		},
	}

	var resp ollamaChatResponse
	if err := postJSON(ctx, o.client, o.baseURL+"/api/chat", nil, req, &resp, "ollama"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassificationFailed, err)
	}

	return ClassifyText(resp.Message.Content)
}

// Close is a no-op
func (o *Ollama) Close() error {
	return nil
}
