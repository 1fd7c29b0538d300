package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	XAIBaseURL  = "https://api.x.ai/v1/chat/completions"
	GroqBaseURL = "https://api.groq.com/openai/v1/chat/completions"
)

// ChatClient calls an OpenAI-compatible Chat Completions API (xAI, Groq) and
// asks for a JSON object.
type ChatClient struct {
	http     *http.Client
	provider string
	apiKey   string
	model    string
	baseURL  string
}

func NewChatClient(provider, baseURL, apiKey, model string) (*ChatClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New(provider + ": api key is required")
	}
	return &ChatClient{
		http:     &http.Client{Timeout: 120 * time.Second},
		provider: provider,
		apiKey:   apiKey,
		model:    model,
		baseURL:  baseURL,
	}, nil
}

func NewXAIClient(apiKey, model string) (*ChatClient, error) {
	return NewChatClient("xai", XAIBaseURL, apiKey, model)
}

func NewGroqClient(apiKey, model string) (*ChatClient, error) {
	return NewChatClient("groq", GroqBaseURL, apiKey, model)
}

func (c *ChatClient) Name() string { return c.provider + ":" + c.model }
func (c *ChatClient) Close() error { return nil }

type chatReq struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float32           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// GenerateJSON sends the instruction as the system message and the input as
// the user message.
func (c *ChatClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	in, err := encodeInput(input)
	if err != nil {
		return nil, NewPermanentError(err)
	}
	reqBody := chatReq{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: "[INPUT JSON]\n" + in},
		},
		Temperature:    0,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	b, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(b))
	if err != nil {
		return nil, NewPermanentError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, statusError(c.provider, resp.StatusCode, string(body))
	}
	var out chatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return nil, ErrInvalidJSON
	}
	return json.RawMessage(out.Choices[0].Message.Content), nil
}
