package scanning

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicURL   = "https://api.anthropic.com"
	defaultAnthropicModel = "claude-3-opus-20240229"
	anthropicVersion      = "2023-06-01"
)

// Anthropic implements Classifier using the Anthropic messages API
type Anthropic struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewAnthropic creates an Anthropic classifier. Empty baseURL and modelName use the public API defaults.
func NewAnthropic(baseURL, apiKey, modelName string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if baseURL == "" {
		baseURL = defaultAnthropicURL
	}
	if modelName == "" {
		modelName = defaultAnthropicModel
	}

	return &Anthropic{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   modelName,
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Classify sends the recognized text to the messages API and parses the JSON embedded in the reply
func (a *Anthropic) Classify(ctx context.Context, text string) (*Classification, error) {
	req := anthropicRequest{
		Model:     a.model,
		MaxTokens: 1000,
		System:    classificationSystemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: classificationRequest(text)},
		},
	}

	headers := http.Header{}
	headers.Set("x-api-key", a.apiKey)
	headers.Set("anthropic-version", anthropicVersion)

	var resp anthropicResponse
	if err := postJSON(ctx, a.client, a.baseURL+"/v1/messages", headers, req, &resp, "anthropic"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassificationFailed, err)
	}

	var body strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			body.WriteString(block.Text)
		}
	}
	if body.Len() == 0 {
		return nil, fmt.Errorf("%w: response has no text content", ErrClassificationFailed)
	}

	return ClassifyText(body.String())
}

// Close is a no-op
func (a *Anthropic) Close() error {
	return nil
}
