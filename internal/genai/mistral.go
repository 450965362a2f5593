// Package genai turns a free-form prompt into checklist items through the
// Mistral chat completion API.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"listy/api/internal/store"
)

const defaultEndpoint = "https://api.mistral.ai/v1/chat/completions"

// ErrNotConfigured is returned when no API key is set. Callers surface this
// as a service-unavailable condition rather than a caller mistake.
var ErrNotConfigured = errors.New("mistral api key is not configured")

const promptTemplate = `Create a detailed list for: %s.
Important: Return ONLY the list items, one per line.
- No numbers or bullets
- No explanations before or after
- No extra formatting
Example format:
First item
Second item
Third item`

type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(apiKey, model string) *Client {
	return NewClientForEndpoint(defaultEndpoint, apiKey, model)
}

// NewClientForEndpoint exists for tests that stand in for the API.
func NewClientForEndpoint(endpoint, apiKey, model string) *Client {
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// GenerateItems asks the model for one item per line and maps each line to
// a fresh item with an empty completion set.
func (c *Client) GenerateItems(ctx context.Context, prompt string) ([]store.ListItem, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: fmt.Sprintf(promptTemplate, prompt)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call mistral: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("mistral status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return nil, errors.New("mistral returned no choices")
	}

	items := parseItems(payload.Choices[0].Message.Content)
	if len(items) == 0 {
		return nil, errors.New("mistral returned no usable items")
	}
	return items, nil
}

// parseItems splits the completion into one item per non-blank line.
func parseItems(text string) []store.ListItem {
	var items []store.ListItem
	for _, line := range strings.Split(text, "\n") {
		content := strings.TrimSpace(line)
		if content == "" {
			continue
		}
		items = append(items, store.ListItem{
			ID:          uuid.NewString(),
			Content:     content,
			CompletedBy: []string{},
		})
	}
	return items
}
