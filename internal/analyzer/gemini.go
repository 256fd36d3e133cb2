package analyzer

import (
	"context"
	"os"

	genai "google.golang.org/genai"
)

const systemPrompt = "You are a security expert analyzing GitHub Actions for vulnerabilities and malicious code."

// Gemini wraps the official genai client. It focuses on the API call only;
// retries, rate limiting and logging are applied via middleware.
type Gemini struct {
	cli   *genai.Client
	model string
}

// NewGemini creates a Gemini provider. An empty apiKey falls back to the
// GEMINI_API_KEY environment variable.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{cli: cli, model: model}, nil
}

// Name is the pricing-table provider key.
func (g *Gemini) Name() string { return "gemini" }
func (g *Gemini) Close() error { return nil }

// Analyze asks for application/json output and returns the model's raw text
// along with token usage from the response metadata.
func (g *Gemini) Analyze(ctx context.Context, prompt string, files map[string]string) (*Result, error) {
	full := prompt + "\n\n" + buildUserContent(files)

	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: full}}}},
		&genai.GenerateContentConfig{
			ResponseMIMEType:  "application/json",
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
		},
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, ErrEmptyResponse
	}

	res := &Result{Output: resp.Candidates[0].Content.Parts[0].Text}
	if um := resp.UsageMetadata; um != nil {
		res.Usage = TokenUsage{
			Input:   int(um.PromptTokenCount),
			Output:  int(um.CandidatesTokenCount),
			Context: int(um.CachedContentTokenCount),
			Total:   int(um.TotalTokenCount),
		}
	}
	if res.Usage.Total == 0 {
		res.Usage.Total = res.Usage.Input + res.Usage.Output
	}
	return res, nil
}
