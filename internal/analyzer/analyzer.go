// Package analyzer abstracts the remote language-model providers that judge
// action source code. The orchestrator depends only on the Provider
// capability; vendors are interchangeable variants selected at startup, and
// cross-cutting concerns (retry, rate limiting, logging) are middleware.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TokenUsage reports what a single analysis consumed.
type TokenUsage struct {
	Input   int `json:"input"`
	Output  int `json:"output"`
	Context int `json:"context"`
	Total   int `json:"total"`
}

// Result is one provider invocation's raw verdict text plus usage.
type Result struct {
	Output string
	Usage  TokenUsage
}

// Provider is the analysis capability. Analyze sends the prompt and the
// filtered file set and returns the model's raw structured output; parsing
// and validation happen downstream.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, prompt string, files map[string]string) (*Result, error)
	Close() error
}

// ErrEmptyResponse is returned when a provider answers with no content.
var ErrEmptyResponse = errors.New("analyzer: empty response from provider")

// PermanentError marks a failure that will not resolve with retries
// (bad credentials, oversized request). Retry middleware gives up on it
// immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Config selects and configures a provider variant.
type Config struct {
	// Provider is "gemini" or "openai".
	Provider string
	Model    string
	// APIKey may be empty; vendors fall back to their usual env var.
	APIKey string
}

// New builds the configured provider. Unknown providers are a configuration
// error, surfaced before any scan begins.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "gemini":
		return NewGemini(ctx, cfg.APIKey, cfg.Model)
	case "openai":
		return NewOpenAI(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("analyzer: unsupported provider %q (available: gemini, openai)", cfg.Provider)
	}
}

// buildUserContent renders the filtered file set into the single analysis
// message, one fenced section per file.
func buildUserContent(files map[string]string) string {
	var b strings.Builder
	b.WriteString("Here are the GitHub Action files:\n")
	for _, name := range sortedKeys(files) {
		fmt.Fprintf(&b, "\n\n### File: %s ###\n%s\n", name, files[name])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
