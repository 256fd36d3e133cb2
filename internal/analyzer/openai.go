package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// OpenAI calls the Chat Completions API and asks for a JSON object.
type OpenAI struct {
	http    *http.Client
	apiKey  string
	model   string
	baseURL string
}

// NewOpenAI creates an OpenAI provider. An empty apiKey falls back to the
// OPENAI_API_KEY environment variable.
func NewOpenAI(apiKey, model string) (*OpenAI, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{
		http:    &http.Client{Timeout: 300 * time.Second},
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.openai.com/v1/chat/completions",
	}, nil
}

// Name is the pricing-table provider key.
func (o *OpenAI) Name() string { return "openai" }
func (o *OpenAI) Close() error { return nil }

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float32           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
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
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) Analyze(ctx context.Context, prompt string, files map[string]string) (*Result, error) {
	body, _ := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt + "\n\n" + buildUserContent(files)},
		},
		Temperature:    0,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("openai: unexpected status %s: %s", resp.Status, string(snippet))
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, &PermanentError{Err: err}
		case resp.StatusCode == http.StatusBadRequest &&
			strings.Contains(string(snippet), "context_length_exceeded"):
			return nil, &PermanentError{Err: err}
		}
		// 429 and 5xx are transient; the retry middleware handles them.
		return nil, err
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return nil, ErrEmptyResponse
	}
	usage := TokenUsage{
		Input:  out.Usage.PromptTokens,
		Output: out.Usage.CompletionTokens,
		Total:  out.Usage.TotalTokens,
	}
	if usage.Total == 0 {
		usage.Total = usage.Input + usage.Output
	}
	return &Result{Output: out.Choices[0].Message.Content, Usage: usage}, nil
}
